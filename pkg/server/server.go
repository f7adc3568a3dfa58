// Package server wires the collector's components into one Server value
// constructed at startup: the session store, the storage backend, and the
// auth provider are its only shared state, the way reva's own `rhttp`
// service construction takes its dependencies as explicit constructor
// arguments rather than reaching for package-level globals.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mobile-measure/collector/internal/http/services/collector"
	"github.com/mobile-measure/collector/pkg/auth"
	"github.com/mobile-measure/collector/pkg/cleanup"
	"github.com/mobile-measure/collector/pkg/config"
	"github.com/mobile-measure/collector/pkg/metadata"
	"github.com/mobile-measure/collector/pkg/metrics"
	"github.com/mobile-measure/collector/pkg/session"
	"github.com/mobile-measure/collector/pkg/storage"

	"github.com/go-chi/chi/v5"
)

// Server owns the process-wide shared state: the session store, the
// active storage backend, and the configured auth provider.
type Server struct {
	opts    config.Options
	log     zerolog.Logger
	sess    *session.Store
	backend storage.Backend
	auth    auth.Provider
	sched   *cleanup.Scheduler
	http    *http.Server
}

// New builds a Server from already-constructed dependencies; cmd/collector
// is responsible for choosing the concrete backend/auth provider per the
// config document's storage-type/auth-type and passing them in here.
func New(opts config.Options, log zerolog.Logger, backend storage.Backend, authProvider auth.Provider) *Server {
	sess := session.NewStore()
	ttl := time.Duration(opts.Upload.ExpirationMS) * time.Millisecond

	return &Server{
		opts:    opts,
		log:     log,
		sess:    sess,
		backend: backend,
		auth:    authProvider,
		sched:   cleanup.New(sess, backend, ttl, ttl),
	}
}

func (s *Server) validationConfig() metadata.ValidationConfig {
	versions := map[int]bool{}
	for _, v := range s.opts.Measurement.RecognizedVersions {
		versions[v] = true
	}
	return metadata.ValidationConfig{RecognizedFormatVersions: versions}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.opts.Metrics.Enabled {
		if h, err := metrics.Register("collector"); err != nil {
			s.log.Warn().Err(err).Msg("metrics: could not register exporter, /metrics disabled")
		} else {
			r.Handle("/metrics", h)
		}
	}

	baseURL := fmt.Sprintf("http://%s:%d%s", s.opts.HTTP.Host, s.opts.HTTP.Port, s.opts.HTTP.Endpoint)
	svc := collector.New(collector.Conf{
		BaseURL:           baseURL,
		PayloadLimitBytes: s.opts.Measurement.PayloadLimitBytes,
		Validation:        s.validationConfig(),
		StorageType:       s.opts.StorageType,
	}, s.auth, s.sess, s.backend, s.log)

	r.Mount(s.opts.HTTP.Endpoint+"/measurements", svc.Router())
	return r
}

// Run starts the cleanup scheduler and serves HTTP until ctx is canceled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.sched.Start(ctx)
	defer s.sched.Stop()

	addr := fmt.Sprintf("%s:%d", s.opts.HTTP.Host, s.opts.HTTP.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
