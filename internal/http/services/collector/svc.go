package collector

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mobile-measure/collector/pkg/appctx"
	"github.com/mobile-measure/collector/pkg/auth"
	"github.com/mobile-measure/collector/pkg/errtypes"
	"github.com/mobile-measure/collector/pkg/metadata"
	"github.com/mobile-measure/collector/pkg/metrics"
	"github.com/mobile-measure/collector/pkg/session"
	"github.com/mobile-measure/collector/pkg/storage"
)

// Conf configures the service.
type Conf struct {
	// BaseURL is the absolute URL prefix (scheme+host+http.endpoint) used
	// to build the Location header of a successful pre-request.
	BaseURL string

	PayloadLimitBytes int64
	Validation        metadata.ValidationConfig

	// StorageType labels the metrics this service records, so /metrics
	// can break volume down per backend.
	StorageType string
}

// Service implements the three upload-protocol endpoints, orchestrating
// the metadata model, session store, and storage backend behind one chi
// sub-router.
type Service struct {
	conf    Conf
	auth    auth.Provider
	sess    *session.Store
	backend storage.Backend
	log     zerolog.Logger
}

// New builds a Service.
func New(conf Conf, authProvider auth.Provider, sess *session.Store, backend storage.Backend, log zerolog.Logger) *Service {
	return &Service{conf: conf, auth: authProvider, sess: sess, backend: backend, log: log}
}

// Router returns the chi.Router to mount at the configured endpoint +
// "/measurements".
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handlePreRequest)
	r.Put("/{uploadID}/", s.handleChunkOrStatus)
	return r
}

func (s *Service) withLogger(r *http.Request) *http.Request {
	l := s.log.With().Str("remote-addr", r.RemoteAddr).Str("path", r.URL.Path).Logger()
	return r.WithContext(appctx.WithLogger(r.Context(), &l))
}

// authenticate runs the configured provider against the request's
// Authorization header.
func (s *Service) authenticate(r *http.Request) (auth.User, error) {
	return s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
}

// handlePreRequest implements `POST /measurements?uploadType=resumable`,
// validating the declared metadata and opening a new upload session.
func (s *Service) handlePreRequest(w http.ResponseWriter, r *http.Request) {
	r = s.withLogger(r)
	log := appctx.GetLogger(r.Context())

	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	declared, err := parseUploadContentLength(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if declared > uint64(s.conf.PayloadLimitBytes) {
		writeError(w, errtypes.PayloadTooLarge("declared upload length exceeds measurement payload limit"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.conf.PayloadLimitBytes+1))
	if err != nil {
		writeError(w, errtypes.InvalidMetadata{Field: "body", Reason: "could not read request body"})
		return
	}

	md, err := metadata.ParseJSON(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if md.Measurement.LocationCount == 0 {
		writeError(w, errtypes.MissingLocations("measurement declares zero locations"))
		return
	}
	if err := md.Validate(s.conf.Validation); err != nil {
		writeError(w, err)
		return
	}

	uploadID := uuid.New()
	now := time.Now()

	handle, err := s.backend.Begin(r.Context(), uploadID, md, declared)
	if err != nil {
		log.Error().Err(err).Msg("pre-request: backend begin failed")
		writeError(w, err)
		return
	}

	sess := &session.Session{
		UploadID: uploadID,
		Owner:    user.UserID,
		MeasurementKey: session.MeasurementKey{
			DeviceID:      md.DeviceID,
			MeasurementID: md.MeasurementID,
		},
		Metadata:           md,
		DeclaredTotalBytes: declared,
		BackendHandle:      handle,
		CreatedAt:          now,
		LastActivityAt:     now,
		State:              session.Open,
	}
	s.sess.Create(sess)
	metrics.UploadStarted(s.conf.StorageType)

	w.Header().Set("Location", s.conf.BaseURL+"/measurements/"+uploadID.String()+"/")
	w.WriteHeader(http.StatusOK)
}

// handleChunkOrStatus implements `PUT /measurements/<uploadId>/`,
// dispatching between the chunk-PUT and status-PUT forms by whether
// Content-Range is the `bytes */total` probe form.
func (s *Service) handleChunkOrStatus(w http.ResponseWriter, r *http.Request) {
	r = s.withLogger(r)

	uploadID, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	cr, err := parseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		writeError(w, err)
		return
	}

	if cr.isStatusProbe {
		sess, err := s.sess.Get(uploadID)
		if err != nil || sess.Owner != user.UserID {
			// Owner mismatch returns 404, not 403, to avoid leaking existence.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.handleStatusProbe(w, r, sess, cr)
		return
	}

	// A data chunk mutates session state across several steps (read
	// offset, append bytes, persist new offset, maybe finalize); hold the
	// per-upload-id lock across all of them so a retried chunk racing the
	// original request can't both observe the same stale offset and both
	// append, which pkg/session's per-call shard locking alone does not
	// prevent.
	unlock := s.sess.Lock(uploadID)
	defer unlock()

	sess, err := s.sess.Get(uploadID)
	if err != nil || sess.Owner != user.UserID {
		// Owner mismatch returns 404, not 403, to avoid leaking existence.
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.handleChunk(w, r, sess, cr)
}

// handleStatusProbe implements the status-probe form of the chunk PUT.
func (s *Service) handleStatusProbe(w http.ResponseWriter, r *http.Request, sess session.Session, cr contentRange) {
	if cr.total != sess.DeclaredTotalBytes {
		writeError(w, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "total does not match session"})
		return
	}

	if sess.State == session.Done {
		w.WriteHeader(http.StatusOK)
		return
	}

	setRangeHeader(w, sess.BytesReceived)
	w.WriteHeader(http.StatusPermanentRedirect)
}

// handleChunk implements the data-carrying form of the chunk PUT.
func (s *Service) handleChunk(w http.ResponseWriter, r *http.Request, sess session.Session, cr contentRange) {
	log := appctx.GetLogger(r.Context())

	headerMD, err := metadata.ParseHeaders(r.Header)
	if err != nil {
		writeError(w, err)
		return
	}
	if !headerMD.Equal(sess.Metadata) {
		writeError(w, errtypes.InvalidMetadata{Field: "metadata", Reason: "chunk headers do not match session metadata"})
		return
	}

	if cr.total != sess.DeclaredTotalBytes {
		writeError(w, errtypes.InvalidMetadata{Field: "Content-Range", Reason: "total does not match session"})
		return
	}

	// Replayed final chunk after Done: finalize must stay at-most-once.
	if sess.State == session.Done {
		w.WriteHeader(http.StatusOK)
		return
	}

	if cr.from != sess.BytesReceived {
		setRangeHeader(w, sess.BytesReceived)
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	handle := sess.BackendHandle.(storage.Handle)
	chunkLen := int64(cr.to) - int64(cr.from) + 1

	newOffset, appendErr := s.backend.Append(r.Context(), handle, cr.from, r.Body, chunkLen)
	if newOffset > sess.BytesReceived {
		metrics.BytesReceived(s.conf.StorageType, int64(newOffset-sess.BytesReceived))
	}

	updated, updErr := s.sess.Update(sess.UploadID, func(st *session.Session) error {
		st.BytesReceived = newOffset
		st.LastActivityAt = time.Now()
		return nil
	})
	if updErr != nil {
		writeError(w, updErr)
		return
	}

	if appendErr != nil {
		if errtypes.IsClientDisconnect(appendErr) {
			// Leave state at the last successfully-persisted offset and
			// send no response; the client already hung up.
			return
		}
		if errtypes.IsRangeMismatch(appendErr) {
			setRangeHeader(w, newOffset)
			w.WriteHeader(http.StatusPermanentRedirect)
			return
		}
		log.Error().Err(appendErr).Str("upload-id", sess.UploadID.String()).Msg("chunk: backend append failed")
		if _, err := s.sess.Update(sess.UploadID, func(st *session.Session) error {
			st.State = session.Aborted
			return nil
		}); err != nil {
			log.Warn().Err(err).Msg("chunk: could not mark session aborted")
		}
		writeError(w, appendErr)
		return
	}

	if updated.BytesReceived < updated.DeclaredTotalBytes {
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	s.finalize(w, r, sess.UploadID, updated.Owner)
}

func (s *Service) finalize(w http.ResponseWriter, r *http.Request, uploadID uuid.UUID, owner string) {
	log := appctx.GetLogger(r.Context())

	if _, err := s.sess.Update(uploadID, func(st *session.Session) error {
		st.State = session.Finalizing
		return nil
	}); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.sess.Get(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	handle := sess.BackendHandle.(storage.Handle)

	finalizeErr := s.backend.Finalize(r.Context(), handle, owner)
	if finalizeErr != nil && errtypes.IsBackendTransient(finalizeErr) {
		// Retried once with a bounded delay before surfacing.
		time.Sleep(50 * time.Millisecond)
		finalizeErr = s.backend.Finalize(r.Context(), handle, owner)
	}

	if finalizeErr != nil {
		log.Error().Err(finalizeErr).Str("upload-id", uploadID.String()).Msg("finalize failed")
		if _, err := s.sess.Update(uploadID, func(st *session.Session) error {
			st.State = session.Aborted
			return nil
		}); err != nil {
			log.Warn().Err(err).Msg("finalize: could not mark session aborted")
		}
		metrics.FinalizeFailed(s.conf.StorageType)
		writeError(w, finalizeErr)
		return
	}

	if _, err := s.sess.Update(uploadID, func(st *session.Session) error {
		st.State = session.Done
		return nil
	}); err != nil {
		log.Warn().Err(err).Msg("finalize: could not mark session done")
	}
	metrics.FinalizeOK(s.conf.StorageType)

	w.WriteHeader(http.StatusCreated)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

func parseUploadContentLength(r *http.Request) (uint64, error) {
	v := r.Header.Get("x-upload-content-length")
	if v == "" {
		return 0, errtypes.InvalidMetadata{Field: "x-upload-content-length", Reason: "missing"}
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errtypes.InvalidMetadata{Field: "x-upload-content-length", Reason: "not a non-negative integer"}
	}
	return n, nil
}
