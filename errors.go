package paperdex

import (
	"context"
	"errors"

	"github.com/hupe1980/paperdex/artifact"
	"github.com/hupe1980/paperdex/model"
	"github.com/hupe1980/paperdex/retrieval"
)

var (
	// ErrNotReady is returned while no artifact is loaded.
	ErrNotReady = model.ErrNotReady
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = model.ErrNotFound
	// ErrCorruptArtifact is returned when a persisted artifact fails validation.
	ErrCorruptArtifact = model.ErrCorruptArtifact
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = model.ErrInvalidK
	// ErrNoEmbedder is returned by RetrieveText without an embedder.
	ErrNoEmbedder = retrieval.ErrNoEmbedder
	// ErrConcurrentModification is returned when another publisher moved
	// CURRENT first.
	ErrConcurrentModification = artifact.ErrConcurrentModification
)

type (
	// DimensionMismatchError reports an embedding width disagreement.
	DimensionMismatchError = model.DimensionMismatchError
	// IngestError reports a malformed shard.
	IngestError = model.IngestError
	// ConfigMismatchError reports an artifact built for a different embedder.
	ConfigMismatchError = model.ConfigMismatchError
	// NotFoundError reports an id without metadata or text.
	NotFoundError = model.NotFoundError
	// PartialBuildFailure reports an aborted build. Nothing was published.
	PartialBuildFailure = model.PartialBuildFailure
)

// ErrorKind classifies an error for callers that translate it into a
// user-facing message.
type ErrorKind string

// Error kinds.
const (
	KindNone              ErrorKind = ""
	KindNotReady          ErrorKind = "not_ready"
	KindDimensionMismatch ErrorKind = "dimension_mismatch"
	KindConfigMismatch    ErrorKind = "config_mismatch"
	KindCorruptArtifact   ErrorKind = "corrupt_artifact"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidArgument   ErrorKind = "invalid_argument"
	KindBuildFailed       ErrorKind = "build_failed"
	KindIngest            ErrorKind = "ingest"
	KindCanceled          ErrorKind = "canceled"
	KindInternal          ErrorKind = "internal"
)

// KindOf returns the kind of err. A build failure wrapping a dimension
// mismatch is reported as a build failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var pbf *model.PartialBuildFailure
	if errors.As(err, &pbf) {
		return KindBuildFailed
	}
	var dm *model.DimensionMismatchError
	if errors.As(err, &dm) {
		return KindDimensionMismatch
	}
	var cm *model.ConfigMismatchError
	if errors.As(err, &cm) {
		return KindConfigMismatch
	}
	var ie *model.IngestError
	if errors.As(err, &ie) {
		return KindIngest
	}

	switch {
	case errors.Is(err, model.ErrNotReady):
		return KindNotReady
	case errors.Is(err, model.ErrCorruptArtifact):
		return KindCorruptArtifact
	case errors.Is(err, model.ErrNotFound):
		return KindNotFound
	case errors.Is(err, model.ErrInvalidK), errors.Is(err, retrieval.ErrNoEmbedder):
		return KindInvalidArgument
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}
