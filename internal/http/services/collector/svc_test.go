package collector

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobile-measure/collector/pkg/auth"
	"github.com/mobile-measure/collector/pkg/metadata"
	"github.com/mobile-measure/collector/pkg/session"
	"github.com/mobile-measure/collector/pkg/storage"
)

type stubProvider struct{ userID string }

func (p stubProvider) Authenticate(ctx context.Context, authorizationHeader string) (auth.User, error) {
	return auth.User{UserID: p.userID}, nil
}

type fakeHandle struct{ id uuid.UUID }

func (h fakeHandle) UploadID() uuid.UUID { return h.id }

// fakeBackend keeps staged bytes in memory, enough to drive the protocol
// handler end to end without a real blob store.
type fakeBackend struct {
	data      map[uuid.UUID][]byte
	finalized map[uuid.UUID]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: map[uuid.UUID][]byte{}, finalized: map[uuid.UUID]bool{}}
}

func (b *fakeBackend) Begin(ctx context.Context, id uuid.UUID, md metadata.Metadata, declaredTotalBytes uint64) (storage.Handle, error) {
	b.data[id] = nil
	return fakeHandle{id: id}, nil
}

func (b *fakeBackend) Append(ctx context.Context, h storage.Handle, offset uint64, r io.Reader, n int64) (uint64, error) {
	id := h.(fakeHandle).id
	buf, err := io.ReadAll(r)
	if err != nil {
		return uint64(len(b.data[id])), err
	}
	b.data[id] = append(b.data[id], buf...)
	return uint64(len(b.data[id])), nil
}

func (b *fakeBackend) Status(ctx context.Context, h storage.Handle) (uint64, error) {
	return uint64(len(b.data[h.(fakeHandle).id])), nil
}

func (b *fakeBackend) Finalize(ctx context.Context, h storage.Handle, owner string) error {
	b.finalized[h.(fakeHandle).id] = true
	return nil
}

func (b *fakeBackend) Abort(ctx context.Context, h storage.Handle) error {
	delete(b.data, h.(fakeHandle).id)
	return nil
}

func (b *fakeBackend) EnumerateStale(ctx context.Context, cutoff time.Time) ([]storage.StagedObject, error) {
	return nil, nil
}

func (b *fakeBackend) Delete(ctx context.Context, id uuid.UUID) error {
	delete(b.data, id)
	return nil
}

func sampleBody(deviceID string) []byte {
	return []byte(`{
		"deviceId": "` + deviceID + `",
		"measurementId": "7",
		"device": {"osVersion": "14.1", "deviceType": "phone"},
		"application": {"appVersion": "1.2.3", "formatVersion": 2},
		"measurement": {
			"length": "10",
			"locationCount": "2",
			"startLocation": {"timestamp": 1000, "latitude": 1.0, "longitude": 2.0},
			"endLocation": {"timestamp": 2000, "latitude": 3.0, "longitude": 4.0},
			"modality": "bike"
		},
		"attachments": {"logCount": 0, "imageCount": 0, "videoCount": 0, "filesSize": 10}
	}`)
}

func newTestService(backend *fakeBackend) *Service {
	conf := Conf{
		BaseURL:           "http://localhost",
		PayloadLimitBytes: 1 << 20,
		Validation:        metadata.ValidationConfig{RecognizedFormatVersions: map[int]bool{2: true}},
		StorageType:       "fake",
	}
	return New(conf, stubProvider{userID: "alice"}, session.NewStore(), backend, zerolog.Nop())
}

func TestUploadProtocol_EndToEnd(t *testing.T) {
	backend := newFakeBackend()
	svc := newTestService(backend)
	router := svc.Router()
	deviceID := uuid.New().String()

	preReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(sampleBody(deviceID)))
	preReq.Header.Set("x-upload-content-length", "10")
	preReq.Header.Set("Authorization", "Bearer tok")
	preRec := httptest.NewRecorder()
	router.ServeHTTP(preRec, preReq)

	require.Equal(t, http.StatusOK, preRec.Code)
	location := preRec.Header().Get("Location")
	require.NotEmpty(t, location)

	uploadPath := location[len("http://localhost/measurements/") : len(location)]

	payload := []byte("0123456789")
	chunkReq := httptest.NewRequest(http.MethodPut, "/"+uploadPath, bytes.NewReader(payload))
	chunkReq.Header.Set("Authorization", "Bearer tok")
	chunkReq.Header.Set("Content-Range", "bytes 0-9/10")
	for k, v := range map[string]string{
		"deviceId": deviceID, "measurementId": "7", "osVersion": "14.1", "deviceType": "phone",
		"appVersion": "1.2.3", "formatVersion": "2", "length": "10", "locationCount": "2",
		"modality": "bike", "startLocTS": "1000", "startLocLat": "1.0", "startLocLon": "2.0",
		"endLocTS": "2000", "endLocLat": "3.0", "endLocLon": "4.0", "logCount": "0", "filesSize": "10",
	} {
		chunkReq.Header.Set(k, v)
	}
	chunkRec := httptest.NewRecorder()
	router.ServeHTTP(chunkRec, chunkReq)

	assert.Equal(t, http.StatusCreated, chunkRec.Code)

	var uploadID uuid.UUID
	for id := range backend.finalized {
		uploadID = id
	}
	assert.True(t, backend.finalized[uploadID])
	assert.Equal(t, payload, backend.data[uploadID])
}

func TestHandleChunkOrStatus_UnknownUploadID(t *testing.T) {
	svc := newTestService(newFakeBackend())
	router := svc.Router()

	req := httptest.NewRequest(http.MethodPut, "/"+uuid.New().String()+"/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Range", "bytes */10")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePreRequest_PayloadTooLarge(t *testing.T) {
	svc := newTestService(newFakeBackend())
	svc.conf.PayloadLimitBytes = 5
	router := svc.Router()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(sampleBody(uuid.New().String())))
	req.Header.Set("x-upload-content-length", "1000")
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlePreRequest_MissingContentLengthHeader(t *testing.T) {
	svc := newTestService(newFakeBackend())
	router := svc.Router()

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(sampleBody(uuid.New().String())))
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
