// Package resourceuri parses and validates change:// resource identifiers.
//
// A resource identifier has the general shape
// scheme://slug[/segment]*[?query][#fragment]. The host position carries the
// change slug; path segments address files inside the change directory.
// Callers must consult the Verdict before treating any segment as a
// filesystem path.
package resourceuri

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	// MaxSegments bounds the number of path segments accepted.
	MaxSegments = 16
	// MaxQueryParams bounds the number of decoded query parameters.
	MaxQueryParams = 32
	// MaxQueryValueLength bounds each decoded query value.
	MaxQueryValueLength = 512
	// MaxSlugLength bounds the slug identifier.
	MaxSlugLength = 64
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,62}[a-z0-9])?$`)

// Resource is a parsed resource identifier.
type Resource struct {
	Scheme   string
	Slug     string
	Segments []string
	Query    url.Values
	Fragment string

	queryValid bool
}

// Verdict is the composite safety assessment of a parsed resource.
type Verdict struct {
	NoTraversal bool
	ValidSlug   bool
	ValidQuery  bool
}

// Safe reports whether every check passed. Only a safe resource may be
// resolved against the filesystem.
func (v Verdict) Safe() bool {
	return v.NoTraversal && v.ValidSlug && v.ValidQuery
}

// Parse splits raw into its components and applies structural bounds.
// Safety checks are deferred to Verdict so callers can report precisely
// which constraint a rejected identifier violated.
func Parse(raw string) (*Resource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("resourceuri: empty identifier")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("resourceuri: parse: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("resourceuri: identifier must be scheme://slug[/path]")
	}

	res := &Resource{
		Scheme:   strings.ToLower(u.Scheme),
		Slug:     u.Host,
		Fragment: u.Fragment,
	}

	trimmed := strings.Trim(u.EscapedPath(), "/")
	if trimmed != "" {
		for _, seg := range strings.Split(trimmed, "/") {
			decoded, err := url.PathUnescape(seg)
			if err != nil {
				return nil, fmt.Errorf("resourceuri: segment %q: %w", seg, err)
			}
			res.Segments = append(res.Segments, decoded)
		}
	}
	if len(res.Segments) > MaxSegments {
		return nil, fmt.Errorf("resourceuri: %d path segments exceeds limit %d", len(res.Segments), MaxSegments)
	}

	res.Query, res.queryValid = decodeQuery(u.RawQuery)
	return res, nil
}

func decodeQuery(raw string) (url.Values, bool) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return url.Values{}, false
	}
	count := 0
	for _, vs := range values {
		count += len(vs)
		for _, v := range vs {
			if len(v) > MaxQueryValueLength {
				return values, false
			}
		}
	}
	if count > MaxQueryParams {
		return values, false
	}
	return values, true
}

// Verdict evaluates traversal, slug, and query safety for the resource.
func (r *Resource) Verdict() Verdict {
	v := Verdict{
		ValidSlug:  IsValidSlug(r.Slug),
		ValidQuery: r.queryValid,
	}
	v.NoTraversal = true
	for _, seg := range r.Segments {
		if hasTraversal(seg) {
			v.NoTraversal = false
			break
		}
	}
	if hasTraversal(r.Slug) {
		v.NoTraversal = false
	}
	return v
}

// Path joins the resource's segments into a relative path. Callers must
// confirm Verdict().Safe() first.
func (r *Resource) Path() string {
	return path.Join(r.Segments...)
}

func hasTraversal(seg string) bool {
	if seg == "." || seg == ".." {
		return true
	}
	if strings.Contains(seg, "..") || strings.Contains(seg, "~") {
		return true
	}
	if strings.ContainsRune(seg, 0) {
		return true
	}
	return false
}

// IsValidSlug reports whether s is a bounded, lowercase,
// alphanumeric-and-hyphen identifier.
func IsValidSlug(s string) bool {
	if s == "" || len(s) > MaxSlugLength {
		return false
	}
	return slugPattern.MatchString(s)
}

// contentTypeFallbacks covers extensions the platform mime table misses or
// resolves inconsistently across systems.
var contentTypeFallbacks = map[string]string{
	".md":   "text/markdown; charset=utf-8",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".txt":  "text/plain; charset=utf-8",
}

// ContentTypeHint derives a content type from the final segment's extension.
// Unknown extensions map to application/octet-stream.
func ContentTypeHint(segment string) string {
	ext := strings.ToLower(path.Ext(segment))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct, ok := contentTypeFallbacks[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
