// Package gridfs implements a GridFS-style storage backend: incoming
// chunks are staged to a local scratch file named by upload-id, and
// Finalize streams the staged file into a mongo GridFS bucket before
// inserting the metadata document.
//
// Grounded on go.mongodb.org/mongo-driver's mongo/gridfs package (reva's
// own, previously-indirect, mongo-driver dependency) for the blob store,
// and on the local-scratch-file idiom reva's
// pkg/storage/utils/decomposedfs/upload/session.go uses for its own
// upload staging area (a per-upload-id file under a configured directory,
// written with os.WriteFile/os.OpenFile rather than buffered in memory).
package gridfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"

	"github.com/mobile-measure/collector/pkg/errtypes"
	"github.com/mobile-measure/collector/pkg/metadata"
	"github.com/mobile-measure/collector/pkg/storage"
	"github.com/mobile-measure/collector/pkg/storage/metadoc"
)

// Conf configures the backend.
type Conf struct {
	UploadsFolder string
}

// handle is the gridfs backend's concrete storage.Handle.
type handle struct {
	id            uuid.UUID
	path          string
	metadata      metadata.Metadata
	declaredTotal uint64
}

func (h *handle) UploadID() uuid.UUID { return h.id }

// Backend implements storage.Backend against a local staging directory and
// a mongo GridFS bucket.
type Backend struct {
	conf   Conf
	bucket *gridfs.Bucket
	docs   *metadoc.Store
}

// New builds a Backend. db is the mongo database holding both the GridFS
// collections and the metadata-document collection.
func New(ctx context.Context, conf Conf, db *mongo.Database, metadataCollection string) (*Backend, error) {
	if err := os.MkdirAll(conf.UploadsFolder, 0o700); err != nil {
		return nil, errors.Wrap(err, "gridfs: creating uploads folder")
	}
	bucket, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, errors.Wrap(err, "gridfs: opening bucket")
	}
	docs, err := metadoc.NewStore(ctx, db.Collection(metadataCollection))
	if err != nil {
		return nil, err
	}
	return &Backend{
		conf:   conf,
		bucket: bucket,
		docs:   docs,
	}, nil
}

func (b *Backend) stagePath(id uuid.UUID) string {
	return filepath.Join(b.conf.UploadsFolder, id.String())
}

// copyAt writes up to n bytes from r into f starting at off, using
// f.WriteAt so the write lands at the exact offset regardless of the
// file's current cursor position.
func copyAt(f *os.File, off int64, r io.Reader, n int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for written < n {
		toRead := int64(len(buf))
		if remaining := n - written; remaining < toRead {
			toRead = remaining
		}
		nr, rerr := r.Read(buf[:toRead])
		if nr > 0 {
			if _, werr := f.WriteAt(buf[:nr], off+written); werr != nil {
				return written, werr
			}
			written += int64(nr)
		}
		if rerr != nil {
			return written, rerr
		}
	}
	return written, nil
}

// Begin is idempotent: if a staged file already exists for id (a restart
// after process crash, or a second pre-request race that lost), it is
// reused as-is rather than truncated.
func (b *Backend) Begin(ctx context.Context, id uuid.UUID, md metadata.Metadata, declaredTotalBytes uint64) (storage.Handle, error) {
	path := b.stagePath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errtypes.BackendPermanent{Op: "begin", Err: err}
	}
	_ = f.Close()
	return &handle{id: id, path: path, metadata: md, declaredTotal: declaredTotalBytes}, nil
}

// Append writes n bytes read from r at offset, verifying the write lands
// exactly at the end of the staged file.
func (b *Backend) Append(ctx context.Context, h storage.Handle, offset uint64, r io.Reader, n int64) (uint64, error) {
	hh := h.(*handle)

	f, err := os.OpenFile(hh.path, os.O_RDWR, 0o600)
	if err != nil {
		return 0, errtypes.BackendPermanent{Op: "append", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, errtypes.BackendPermanent{Op: "append", Err: err}
	}
	if uint64(info.Size()) != offset {
		return uint64(info.Size()), errtypes.RangeMismatch{
			Reason:        "offset does not match staged file size",
			CurrentOffset: uint64(info.Size()),
		}
	}
	if offset+uint64(n) > hh.declaredTotal {
		return uint64(info.Size()), errtypes.Overflow("append exceeds declared total bytes")
	}

	written, werr := copyAt(f, int64(offset), r, n)
	if werr != nil && werr != io.EOF {
		// A partial write is retained at its last successfully-flushed
		// offset; the client resumes from there.
		return offset + uint64(written), errtypes.ClientDisconnect("client disconnected mid-chunk")
	}

	return offset + uint64(written), nil
}

// Status returns the staged file's current size.
func (b *Backend) Status(ctx context.Context, h storage.Handle) (uint64, error) {
	hh := h.(*handle)
	info, err := os.Stat(hh.path)
	if err != nil {
		return 0, errtypes.BackendPermanent{Op: "status", Err: err}
	}
	return uint64(info.Size()), nil
}

// Finalize streams the staged file into the GridFS bucket under the
// upload-id filename, then inserts the metadata document. Both steps are
// safe to retry: GridFS upload is keyed by a fresh ObjectID each call, so a
// prior partial upload from an earlier failed attempt is left in place and
// superseded only once the metadata document insert (which is
// deduplicated on filename) succeeds, at which point the staged file is
// removed.
func (b *Backend) Finalize(ctx context.Context, h storage.Handle, owner string) error {
	hh := h.(*handle)

	alreadyDone, err := b.docs.Exists(ctx, hh.id.String())
	if err != nil {
		return errtypes.BackendTransient{Op: "finalize: exists check", Err: err}
	}
	if alreadyDone {
		if err := os.Remove(hh.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	f, err := os.Open(hh.path)
	if err != nil {
		return errtypes.BackendPermanent{Op: "finalize: open staged file", Err: err}
	}
	defer f.Close()

	uploadStream, err := b.bucket.OpenUploadStream(hh.id.String())
	if err != nil {
		return errtypes.BackendTransient{Op: "finalize: open upload stream", Err: err}
	}
	if _, err := io.Copy(uploadStream, f); err != nil {
		_ = uploadStream.Close()
		return errtypes.BackendTransient{Op: "finalize: stream blob", Err: err}
	}
	if err := uploadStream.Close(); err != nil {
		return errtypes.BackendTransient{Op: "finalize: close upload stream", Err: err}
	}

	doc := storage.Document{
		Filename:     hh.id.String(),
		UploadLength: hh.declaredTotal,
		UploadDate:   time.Now().UTC(),
		UserID:       owner,
		Properties:   hh.metadata,
	}
	if err := b.docs.Insert(ctx, doc); err != nil {
		return errtypes.BackendTransient{Op: "finalize: insert metadata document", Err: err}
	}

	return os.Remove(hh.path)
}

// Abort removes the staged file, if any. Calling Abort after a successful
// Finalize is a no-op since the file is already gone.
func (b *Backend) Abort(ctx context.Context, h storage.Handle) error {
	hh := h.(*handle)
	err := os.Remove(hh.path)
	if err != nil && !os.IsNotExist(err) {
		return errtypes.BackendTransient{Op: "abort", Err: err}
	}
	return nil
}

// Delete removes a staged file by upload-id without requiring a live
// handle, for use by the cleanup scheduler.
func (b *Backend) Delete(ctx context.Context, id uuid.UUID) error {
	err := os.Remove(b.stagePath(id))
	if err != nil && !os.IsNotExist(err) {
		return errtypes.BackendTransient{Op: "delete", Err: err}
	}
	return nil
}

// EnumerateStale lists staged files older than cutoff. The filesystem
// invariant of (a staged file exists iff its session is Open
// or Finalizing and not older than the TTL) means any file surviving past
// cutoff with no matching live session is an orphan.
func (b *Backend) EnumerateStale(ctx context.Context, cutoff time.Time) ([]storage.StagedObject, error) {
	entries, err := os.ReadDir(b.conf.UploadsFolder)
	if err != nil {
		return nil, errors.Wrap(err, "gridfs: enumerating staged files")
	}

	var stale []storage.StagedObject
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue // not one of ours
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, storage.StagedObject{UploadID: id, LastModified: info.ModTime()})
		}
	}
	return stale, nil
}
