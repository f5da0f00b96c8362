package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MaxTokenLength bounds the encoded token accepted from clients.
const MaxTokenLength = 512

// pageToken is the decoded continuation state. SortKey set selects cursor
// mode (resume strictly after the referenced entry); empty SortKey selects
// page-number mode.
type pageToken struct {
	Page      int    `json:"page"`
	Timestamp string `json:"timestamp"`
	SortKey   string `json:"sortKey,omitempty"`
}

func encodeToken(t pageToken) string {
	payload, err := json.Marshal(t)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

func decodeToken(raw string) (pageToken, error) {
	if raw == "" {
		return pageToken{}, fmt.Errorf("pagination: empty token")
	}
	if len(raw) > MaxTokenLength {
		return pageToken{}, fmt.Errorf("pagination: token length %d exceeds limit %d", len(raw), MaxTokenLength)
	}
	for _, r := range raw {
		if !isTokenRune(r) {
			return pageToken{}, fmt.Errorf("pagination: token contains invalid character %q", r)
		}
	}
	payload, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return pageToken{}, fmt.Errorf("pagination: token decode: %w", err)
	}
	var t pageToken
	if err := json.Unmarshal(payload, &t); err != nil {
		return pageToken{}, fmt.Errorf("pagination: token structure: %w", err)
	}
	if t.Page < 1 {
		return pageToken{}, fmt.Errorf("pagination: token page %d out of range", t.Page)
	}
	if t.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, t.Timestamp); err != nil {
			return pageToken{}, fmt.Errorf("pagination: token timestamp: %w", err)
		}
	}
	return t, nil
}

func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}
