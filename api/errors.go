package api

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to clients.
const (
	CodeMissingAuthToken  = "MISSING_AUTH_TOKEN"
	CodeInvalidAuthToken  = "INVALID_AUTH_TOKEN"
	CodeOriginNotAllowed  = "ORIGIN_NOT_ALLOWED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeToolNotFound      = "TOOL_NOT_FOUND"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeTimeout           = "TIMEOUT"
	CodeLocked            = "ELOCKED"
	CodeChangeExists      = "CHANGE_EXISTS"
	CodeChangeNotFound    = "CHANGE_NOT_FOUND"
	CodeResponseTooLarge  = "RESPONSE_TOO_LARGE"
	CodeInternal          = "INTERNAL_ERROR"
)

// Failure captures transport-neutral error details that the HTTP layer maps
// onto status codes and envelope frames. Detail and Details must already be
// safe to show to the caller; anything sensitive belongs in server-side logs.
type Failure struct {
	Code       string
	Detail     string
	Hint       string
	Details    any
	RetryAfter int64 // seconds
	HTTPStatus int   // optional hint for HTTP adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// ErrorDetail converts the failure into its wire representation.
func (f Failure) ErrorDetail() ErrorDetail {
	return ErrorDetail{
		Code:    f.Code,
		Message: f.Detail,
		Hint:    f.Hint,
		Details: f.Details,
	}
}

// AsFailure unwraps err into a Failure when one is present in the chain.
func AsFailure(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}
