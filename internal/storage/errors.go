package storage

import "errors"

// VersionConflictError carries the stored version so the caller can retry
// without a separate read. errors.Is matches it against ErrVersionConflict.
type VersionConflictError struct {
	Current int64
}

func (e *VersionConflictError) Error() string { return ErrVersionConflict.Error() }

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrVersionConflict is returned when an expected_version check fails.
	// Callers should re-read and retry with the current version.
	ErrVersionConflict = errors.New("storage: version conflict")
	// ErrDuplicateAPIName is returned when an api_name collides within
	// its (branch, kind) namespace.
	ErrDuplicateAPIName = errors.New("storage: api_name already exists")
	// ErrReferenced is returned when deleting an entity that other
	// entities still reference and cascade was not requested.
	ErrReferenced = errors.New("storage: entity is referenced")
	// ErrAdvisoryLockTimeout is returned when a transaction-scoped
	// advisory lock cannot be acquired within the configured timeout.
	ErrAdvisoryLockTimeout = errors.New("storage: advisory lock timeout")
)
