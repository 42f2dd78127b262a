package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when no artifact is loaded or the index has not been sealed.
	ErrNotReady = errors.New("index not ready")

	// ErrNotFound is the sentinel matched by every *NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrCorruptArtifact is returned when a persisted artifact fails validation.
	ErrCorruptArtifact = errors.New("corrupt artifact")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// DimensionMismatchError indicates an embedding width disagreement between
// shards, queries or artifacts.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	// Shard is set when the mismatch was detected while ingesting a shard.
	Shard string
}

func (e *DimensionMismatchError) Error() string {
	if e.Shard != "" {
		return fmt.Sprintf("dimension mismatch in shard %s: expected %d, got %d", e.Shard, e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// IngestError reports a malformed shard. Row is -1 when the failure is not
// attributable to a single record.
type IngestError struct {
	Shard string
	Row   int64
	Err   error
}

func (e *IngestError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("ingest %s row %d: %v", e.Shard, e.Row, e.Err)
	}
	return fmt.Sprintf("ingest %s: %v", e.Shard, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// ConfigMismatchError reports an artifact that was built with a different
// embedder configuration than the one used at runtime.
type ConfigMismatchError struct {
	Field    string
	Artifact string
	Runtime  string
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("config mismatch on %s: artifact has %s, runtime has %s", e.Field, e.Artifact, e.Runtime)
}

// NotFoundError reports a single id that could not be resolved.
type NotFoundError struct {
	ID ID
	// What names the lookup that missed ("metadata" or "text").
	What string
}

func (e *NotFoundError) Error() string {
	if e.What != "" {
		return fmt.Sprintf("%s for id %d not found", e.What, e.ID)
	}
	return fmt.Sprintf("id %d not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PartialBuildFailure aborts a build. Nothing is published when it is returned.
type PartialBuildFailure struct {
	Phase   string
	Skipped []string
	Err     error
}

func (e *PartialBuildFailure) Error() string {
	if len(e.Skipped) > 0 {
		return fmt.Sprintf("build failed during %s (%d shards skipped): %v", e.Phase, len(e.Skipped), e.Err)
	}
	return fmt.Sprintf("build failed during %s: %v", e.Phase, e.Err)
}

func (e *PartialBuildFailure) Unwrap() error { return e.Err }

// Corruptf returns an error wrapping ErrCorruptArtifact.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptArtifact, fmt.Sprintf(format, args...))
}
