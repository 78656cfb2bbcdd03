package domain

import "errors"

var (
	ErrInvalidEvent      = errors.New("invalid event")
	ErrInvalidSnapshot   = errors.New("invalid snapshot")
	ErrTenantRequired    = errors.New("tenant id is required")
	ErrEmptyBatch        = errors.New("event batch is empty")
	ErrNotFound          = errors.New("not found")
	ErrSnapshotQueueFull = errors.New("snapshot queue is full")
	ErrPartitionWindow   = errors.New("event timestamp is beyond the partition look-ahead window")

	// ErrVersionConflict is returned when two appends raced for the same
	// aggregate version. Callers retry with a freshly resolved version.
	ErrVersionConflict = errors.New("aggregate version conflict")
)
