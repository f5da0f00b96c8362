package api

import (
	"encoding/json"
	"time"
)

// Version is the wire protocol version accepted and emitted by the server.
const Version = "1.0.0"

// ToolRequest models the JSON body accepted by POST /sse and POST /mcp.
type ToolRequest struct {
	// Tool is the registered tool identifier, e.g. "changes.active".
	Tool string `json:"tool"`
	// Input carries the tool-specific payload, validated against the tool schema.
	Input json.RawMessage `json:"input"`
	// APIVersion pins the envelope version the client speaks.
	APIVersion string `json:"apiVersion"`
}

// ToolEnvelope wraps a successful tool result.
type ToolEnvelope struct {
	// APIVersion echoes the envelope version of the response.
	APIVersion string `json:"apiVersion"`
	// Tool echoes the invoked tool identifier.
	Tool string `json:"tool"`
	// StartedAt is when the dispatcher began executing the tool.
	StartedAt time.Time `json:"startedAt"`
	// Result is the tool's return value.
	Result any `json:"result"`
	// DurationMS is the execution time in milliseconds.
	DurationMS int64 `json:"duration"`
}

// ErrorDetail is the client-visible error body carried by ErrorEnvelope
// and by in-stream error frames.
type ErrorDetail struct {
	// Code is the stable taskd error identifier.
	Code string `json:"code"`
	// Message is a sanitized human-readable description.
	Message string `json:"message"`
	// Hint suggests a remedial action when one exists.
	Hint string `json:"hint,omitempty"`
	// Details carries structured context safe to show to the caller,
	// e.g. field-level validation errors or the competing lock record.
	Details any `json:"details,omitempty"`
}

// ErrorEnvelope wraps a failed tool invocation. A request produces either
// a ToolEnvelope or an ErrorEnvelope, never both.
type ErrorEnvelope struct {
	// APIVersion echoes the envelope version of the response.
	APIVersion string `json:"apiVersion"`
	// Error describes the failure.
	Error ErrorDetail `json:"error"`
	// StartedAt is when the dispatcher began executing the request, when known.
	StartedAt time.Time `json:"startedAt"`
}

// LockRecord is the persisted content of a lock file.
type LockRecord struct {
	// Owner identifies the holder of the lock.
	Owner string `json:"owner"`
	// Since is the acquisition time as a Unix timestamp in milliseconds.
	Since int64 `json:"since"`
	// TTLSeconds is the lock time-to-live; once exceeded the record is stale
	// and may be reclaimed by any acquirer.
	TTLSeconds int64 `json:"ttl"`
}

// ExpiresAt returns the instant the record turns stale.
func (r LockRecord) ExpiresAt() time.Time {
	return time.UnixMilli(r.Since).Add(time.Duration(r.TTLSeconds) * time.Second)
}

// StaleAt reports whether the record is stale at the supplied instant.
func (r LockRecord) StaleAt(now time.Time) bool {
	return now.After(r.ExpiresAt())
}

// ChangeListItem is the read-only projection of one change directory entry.
type ChangeListItem struct {
	// Slug is the change identifier (directory name).
	Slug string `json:"slug"`
	// Title is the human title read from the change metadata.
	Title string `json:"title"`
	// MTime is the entry's modification time.
	MTime time.Time `json:"mtime"`
	// IsLocked reports whether a fresh lock record exists for the change.
	IsLocked bool `json:"isLocked"`
	// URI is the change:// address of the entry.
	URI string `json:"uri"`
}

// ChangePage is one page of a change listing.
type ChangePage struct {
	Items      []ChangeListItem `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	TotalItems int              `json:"totalItems"`
	TotalPages int              `json:"totalPages"`
	HasMore    bool             `json:"hasMore"`
	// NextPageToken resumes traversal strictly after the last item of this
	// page; absent on the final page.
	NextPageToken string `json:"nextPageToken,omitempty"`
	// PreviousPageToken resumes at the preceding page; absent on page 1.
	PreviousPageToken string `json:"previousPageToken,omitempty"`
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime"`
	Version       string    `json:"version"`
}

// ReadyResponse is the GET /readyz body.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// SecurityMetrics is the audit-counter snapshot served at GET /security/metrics.
type SecurityMetrics struct {
	AuthSuccesses  int64     `json:"auth_successes"`
	AuthFailures   int64     `json:"auth_failures"`
	RateLimitHits  int64     `json:"rate_limit_hits"`
	CORSRejections int64     `json:"cors_rejections"`
	Since          time.Time `json:"since"`
}
