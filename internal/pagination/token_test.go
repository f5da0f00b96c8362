package pagination

import (
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	in := pageToken{
		Page:      3,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339),
		SortKey:   "7fffffffffffffff:my-change",
	}
	encoded := encodeToken(in)
	if encoded == "" {
		t.Fatalf("encode produced empty token")
	}
	out, err := decodeToken(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip = %+v want %+v", out, in)
	}
}

func TestDecodeTokenRejections(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":         "",
		"oversized":     strings.Repeat("a", MaxTokenLength+1),
		"charset":       "abc$def",
		"not-json":      "bm90LWpzb24",
		"page-zero":     encodeToken(pageToken{Page: 0}),
		"bad-timestamp": encodeToken(pageToken{Page: 1, Timestamp: "yesterday"}),
	}
	for name, raw := range cases {
		if _, err := decodeToken(raw); err == nil {
			t.Fatalf("%s: expected decode error for %q", name, raw)
		}
	}
}
