// Package cloudobject implements a cloud-object storage backend using the
// provider's resumable-upload primitive: Begin opens a multipart upload
// in the bucket, Append writes one contiguous byte range as a part, and
// Finalize completes the multipart upload and then inserts the metadata
// document.
//
// Realized against github.com/aws/aws-sdk-go's S3 API (reva's own
// object-storage dependency), treating the concrete provider SDK as an
// external collaborator: any bucket API offering multipart/resumable
// upload semantics satisfies the contract.
package cloudobject

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"

	"github.com/mobile-measure/collector/pkg/errtypes"
	"github.com/mobile-measure/collector/pkg/metadata"
	"github.com/mobile-measure/collector/pkg/storage"
	"github.com/mobile-measure/collector/pkg/storage/metadoc"
)

// Conf configures the backend.
type Conf struct {
	BucketName string
	PagingSize int64
}

// partSize is the chunk size at which Append flushes buffered bytes as a
// completed multipart part; S3-compatible APIs reject parts smaller than
// 5 MiB except the last one, so appends are buffered up to this size
// before being uploaded.
const partSize = 5 * 1024 * 1024

type handle struct {
	id            uuid.UUID
	metadata      metadata.Metadata
	declaredTotal uint64
	uploadID      string

	mu           sync.Mutex
	partNumber   int64
	completed    []*s3.CompletedPart
	bytesFlushed uint64
	buf          bytes.Buffer
}

func (h *handle) UploadID() uuid.UUID { return h.id }

// Backend implements storage.Backend against an S3-compatible bucket.
type Backend struct {
	conf   Conf
	client s3iface.S3API
	docs   *metadoc.Store

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
}

// New builds a Backend. docs holds the persisted metadata documents,
// shared in shape with the GridFS backend (pins one document
// schema for both).
func New(conf Conf, client s3iface.S3API, docs *metadoc.Store) *Backend {
	return &Backend{conf: conf, client: client, docs: docs, handles: map[uuid.UUID]*handle{}}
}

// Begin opens a multipart upload, or returns the in-memory handle already
// tracking id if this is a retried pre-request within the same process.
func (b *Backend) Begin(ctx context.Context, id uuid.UUID, md metadata.Metadata, declaredTotalBytes uint64) (storage.Handle, error) {
	b.mu.Lock()
	if h, ok := b.handles[id]; ok {
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	out, err := b.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.conf.BucketName),
		Key:    aws.String(id.String()),
	})
	if err != nil {
		return nil, errtypes.BackendPermanent{Op: "begin", Err: err}
	}

	h := &handle{
		id:            id,
		metadata:      md,
		declaredTotal: declaredTotalBytes,
		uploadID:      aws.StringValue(out.UploadId),
		partNumber:    1,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.handles[id]; ok {
		// another goroutine won the race on the same id; keep its handle.
		// The multipart upload opened by this call is not aborted.
		return existing, nil
	}
	b.handles[id] = h
	return h, nil
}

// Append buffers bytes and flushes completed parts of partSize to the
// bucket as they fill, verifying offset continuity the same way the
// GridFS backend verifies staged-file size.
func (b *Backend) Append(ctx context.Context, hi storage.Handle, offset uint64, r io.Reader, n int64) (uint64, error) {
	h := hi.(*handle)
	h.mu.Lock()
	defer h.mu.Unlock()

	if offset != h.bytesFlushed+uint64(h.buf.Len()) {
		return h.bytesFlushed + uint64(h.buf.Len()), errtypes.RangeMismatch{
			Reason:        "offset does not match bytes received so far",
			CurrentOffset: h.bytesFlushed + uint64(h.buf.Len()),
		}
	}
	if offset+uint64(n) > h.declaredTotal {
		return offset, errtypes.Overflow("append exceeds declared total bytes")
	}

	written, rerr := io.CopyN(&h.buf, r, n)
	if rerr != nil && rerr != io.EOF {
		return offset + uint64(written), errtypes.ClientDisconnect("client disconnected mid-chunk")
	}

	isLast := offset+uint64(written) == h.declaredTotal
	for h.buf.Len() >= partSize || (isLast && h.buf.Len() > 0) {
		toFlush := partSize
		if h.buf.Len() < toFlush {
			toFlush = h.buf.Len()
		}
		if err := b.flushPart(ctx, h, h.buf.Next(toFlush)); err != nil {
			return h.bytesFlushed, err
		}
	}

	return h.bytesFlushed + uint64(h.buf.Len()), nil
}

func (b *Backend) flushPart(ctx context.Context, h *handle, data []byte) error {
	out, err := b.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.conf.BucketName),
		Key:        aws.String(h.id.String()),
		UploadId:   aws.String(h.uploadID),
		PartNumber: aws.Int64(h.partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return errtypes.BackendTransient{Op: "append: upload part", Err: err}
	}
	h.completed = append(h.completed, &s3.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int64(h.partNumber),
	})
	h.partNumber++
	h.bytesFlushed += uint64(len(data))
	return nil
}

// Status returns the handle's in-memory bytes-received count.
func (b *Backend) Status(ctx context.Context, hi storage.Handle) (uint64, error) {
	h := hi.(*handle)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesFlushed + uint64(h.buf.Len()), nil
}

// Finalize completes the multipart upload, then inserts the metadata
// document. If the bucket already reports the upload complete (a retried
// Finalize after a crash between CompleteMultipartUpload and the document
// insert), the completion call's "no such upload" error is treated as
// already-done and only the document insert is retried.
func (b *Backend) Finalize(ctx context.Context, hi storage.Handle, owner string) error {
	h := hi.(*handle)

	h.mu.Lock()
	completed := append([]*s3.CompletedPart(nil), h.completed...)
	h.mu.Unlock()

	alreadyDone, err := b.docs.Exists(ctx, h.id.String())
	if err != nil {
		return errtypes.BackendTransient{Op: "finalize: exists check", Err: err}
	}
	if !alreadyDone {
		_, err := b.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(b.conf.BucketName),
			Key:      aws.String(h.id.String()),
			UploadId: aws.String(h.uploadID),
			MultipartUpload: &s3.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		if err != nil && !isNoSuchUpload(err) {
			return errtypes.BackendTransient{Op: "finalize: complete multipart upload", Err: err}
		}

		doc := storage.Document{
			Filename:     h.id.String(),
			UploadLength: h.declaredTotal,
			UploadDate:   time.Now().UTC(),
			UserID:       owner,
			Properties:   h.metadata,
		}
		if err := b.docs.Insert(ctx, doc); err != nil {
			return errtypes.BackendTransient{Op: "finalize: insert metadata document", Err: err}
		}
	}

	b.mu.Lock()
	delete(b.handles, h.id)
	b.mu.Unlock()
	return nil
}

// Abort cancels the multipart upload so the bucket reclaims any uploaded
// parts; a no-op if the upload was already completed or never tracked.
func (b *Backend) Abort(ctx context.Context, hi storage.Handle) error {
	h, ok := hi.(*handle)
	if !ok {
		return nil
	}
	b.mu.Lock()
	delete(b.handles, h.id)
	b.mu.Unlock()

	_, err := b.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.conf.BucketName),
		Key:      aws.String(h.id.String()),
		UploadId: aws.String(h.uploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return errtypes.BackendTransient{Op: "abort", Err: err}
	}
	return nil
}

// isNoSuchUpload reports whether err is the bucket's answer for a multipart
// upload that was already completed or aborted.
func isNoSuchUpload(err error) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == s3.ErrCodeNoSuchUpload
}

// Delete removes a finalized or orphaned object outright, for the cleanup
// scheduler's orphan sweep.
func (b *Backend) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.conf.BucketName),
		Key:    aws.String(id.String()),
	})
	if err != nil {
		return errtypes.BackendTransient{Op: "delete", Err: err}
	}
	return nil
}

// EnumerateStale lists bucket objects with a LastModified older than
// cutoff, paginated at conf.PagingSize the way the configured
// google.paging-size bounds backend config.
func (b *Backend) EnumerateStale(ctx context.Context, cutoff time.Time) ([]storage.StagedObject, error) {
	var stale []storage.StagedObject

	pageSize := b.conf.PagingSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.conf.BucketName),
		MaxKeys: aws.Int64(pageSize),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.LastModified == nil || obj.LastModified.After(cutoff) {
				continue
			}
			id, err := uuid.Parse(aws.StringValue(obj.Key))
			if err != nil {
				continue
			}
			stale = append(stale, storage.StagedObject{UploadID: id, LastModified: *obj.LastModified})
		}
		return true
	})
	if err != nil {
		return nil, errtypes.BackendTransient{Op: "enumerate stale", Err: err}
	}
	return stale, nil
}
