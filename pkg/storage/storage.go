// Package storage defines the pluggable storage-backend contract that
// bridges streamed chunks to either the GridFS-style backend
// (pkg/storage/gridfs) or the cloud-object backend (pkg/storage/cloudobject).
//
// The split between a Handle returned by Begin and the byte-range
// operations performed against it is grounded on tusd's
// handler.DataStore/handler.Upload split, adapted to a synchronous
// offset/range contract instead of tus's io.Reader-chunk model.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/mobile-measure/collector/pkg/metadata"
)

// Handle identifies one backend-side staged upload. Backends define their
// own concrete handle type; callers treat it opaquely.
type Handle interface {
	UploadID() uuid.UUID
}

// Document is the persisted metadata document written at Finalize time:
// upload-id as filename, upload timestamp, total length, all metadata
// fields, and the owning userId.
type Document struct {
	Filename     string            `bson:"filename" json:"filename"`
	UploadLength uint64            `bson:"uploadLength" json:"uploadLength"`
	UploadDate   time.Time         `bson:"uploadDate" json:"uploadDate"`
	UserID       string            `bson:"userId" json:"userId"`
	Properties   metadata.Metadata `bson:"properties" json:"properties"`
}

// StagedObject describes an orphan candidate the cleanup scheduler
// considers for deletion: a staged blob/object with no corresponding live
// session.
type StagedObject struct {
	UploadID     uuid.UUID
	LastModified time.Time
}

// Backend is the storage contract every driver implements. Every
// operation is keyed by upload-id. Implementations MUST guarantee
// at-most-once persistence of the finalized blob per upload-id.
type Backend interface {
	// Begin opens (or, on retry, returns) the staging resource for id. It
	// is idempotent per id.
	Begin(ctx context.Context, id uuid.UUID, md metadata.Metadata, declaredTotalBytes uint64) (Handle, error)

	// Append writes bytes read from r at offset and returns the new total
	// bytes received. It fails with errtypes.RangeMismatch if offset does
	// not equal the handle's current bytes-received, and
	// errtypes.Overflow if the write would exceed the declared total.
	Append(ctx context.Context, h Handle, offset uint64, r io.Reader, n int64) (uint64, error)

	// Status returns the handle's current bytes-received.
	Status(ctx context.Context, h Handle) (uint64, error)

	// Finalize persists the metadata document atomically with respect to
	// the blob becoming visible, and must be safe to retry (including
	// after a prior successful call).
	Finalize(ctx context.Context, h Handle, owner string) error

	// Abort releases all staging resources for h. It must be safe to call
	// from any state, including after Finalize (a no-op then).
	Abort(ctx context.Context, h Handle) error

	// EnumerateStale lists staged objects whose last-modified timestamp is
	// older than cutoff, for the cleanup scheduler to cross-reference
	// against live sessions and delete orphans.
	EnumerateStale(ctx context.Context, cutoff time.Time) ([]StagedObject, error)

	// Delete removes a staged object identified by id, regardless of
	// whether a Handle for it is still held in memory. Used by the
	// cleanup scheduler once it has decided id is an orphan.
	Delete(ctx context.Context, id uuid.UUID) error
}
