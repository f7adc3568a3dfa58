// Package cleanup implements the periodic session/staged-blob reaper: a
// single background task started at server boot that, on each tick,
// expires stale sessions and deletes orphaned staged objects.
//
// Grounded on the corpus's own goroutine-plus-time.Ticker background-task
// idiom (no scheduling/cron library appears anywhere in the retrieval
// pack, so time.Ticker is the corpus's idiomatic choice here rather than a
// stdlib fallback — see DESIGN.md).
package cleanup

import (
	"context"
	"time"

	"github.com/mobile-measure/collector/pkg/appctx"
	"github.com/mobile-measure/collector/pkg/session"
	"github.com/mobile-measure/collector/pkg/storage"
)

// Scheduler periodically expires stale sessions and sweeps orphaned
// staged objects from the active backend.
type Scheduler struct {
	Store    *session.Store
	Backend  storage.Backend
	TTL      time.Duration
	Interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler. If interval is zero it defaults to ttl.
func New(store *session.Store, backend storage.Backend, ttl, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = ttl
	}
	return &Scheduler{
		Store:    store,
		Backend:  backend,
		TTL:      ttl,
		Interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop is called. It is meant to be
// launched with `go scheduler.Start(ctx)`.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// tick performs one cleanup pass: expire stale sessions, then sweep
// orphaned staged objects.
func (s *Scheduler) tick(ctx context.Context) {
	log := appctx.GetLogger(ctx)
	cutoff := time.Now().Add(-s.TTL)

	expired := s.Store.ExpireOlderThan(cutoff)
	for _, sess := range expired {
		if sess.BackendHandle == nil {
			continue
		}
		h, ok := sess.BackendHandle.(storage.Handle)
		if !ok {
			continue
		}
		if err := s.Backend.Abort(ctx, h); err != nil {
			log.Warn().Err(err).Str("upload-id", sess.UploadID.String()).Msg("cleanup: backend abort failed")
		}
		s.Store.Remove(sess.UploadID)
	}
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("cleanup: expired stale sessions")
	}

	stale, err := s.Backend.EnumerateStale(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("cleanup: enumerate stale staged objects failed")
		return
	}

	removed := 0
	for _, obj := range stale {
		if _, err := s.Store.Get(obj.UploadID); err == nil {
			continue // still a live session, not an orphan
		}
		if err := s.Backend.Delete(ctx, obj.UploadID); err != nil {
			log.Warn().Err(err).Str("upload-id", obj.UploadID.String()).Msg("cleanup: delete orphan failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("cleanup: removed orphaned staged objects")
	}
}
