package model

import "time"

// Error codes returned in the standard error envelope. These mirror the
// core's error taxonomy; the HTTP layer maps them onto status codes.
const (
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeLocked             = "LOCKED"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeUnavailable        = "UNAVAILABLE"
	ErrCodeExhausted          = "EXHAUSTED"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeGone               = "GONE"
)

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ErrorDetail carries the machine-readable error code and human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// FrozenPayload is the 423 rejection body returned when a write collides
// with an active lock. ETA and progress come from the conflicting lock.
type FrozenPayload struct {
	Error                   string   `json:"error"` // always "SchemaFrozen"
	Message                 string   `json:"message"`
	LockScope               string   `json:"lock_scope"`
	OtherResourcesAvailable bool     `json:"other_resources_available"`
	AvailableResourceTypes  []string `json:"available_resource_types"`
	IndexingProgress        int      `json:"indexing_progress"`
	ETASeconds              int64    `json:"eta_seconds"`
	AlternativeActions      []string `json:"alternative_actions,omitempty"`
}
