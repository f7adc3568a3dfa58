package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobile-measure/collector/pkg/errtypes"
	"github.com/mobile-measure/collector/pkg/session"
)

func newSession(id uuid.UUID) *session.Session {
	return &session.Session{
		UploadID:       id,
		Owner:          "alice",
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
		State:          session.Open,
	}
}

func TestCreateGet(t *testing.T) {
	store := session.NewStore()
	id := uuid.New()
	store.Create(newSession(id))

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, got.UploadID)
	assert.Equal(t, "alice", got.Owner)
}

func TestGet_NotFound(t *testing.T) {
	store := session.NewStore()
	_, err := store.Get(uuid.New())
	assert.True(t, errtypes.IsSessionNotFound(err))
}

func TestUpdate_MutatesInPlace(t *testing.T) {
	store := session.NewStore()
	id := uuid.New()
	store.Create(newSession(id))

	got, err := store.Update(id, func(s *session.Session) error {
		s.BytesReceived = 100
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.BytesReceived)

	reGot, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), reGot.BytesReceived)
}

func TestUpdate_MutatorErrorAbortsButReturnsSession(t *testing.T) {
	store := session.NewStore()
	id := uuid.New()
	store.Create(newSession(id))

	sentinel := errtypes.RangeMismatch{Reason: "bad offset"}
	got, err := store.Update(id, func(s *session.Session) error {
		s.BytesReceived = 999
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, uint64(999), got.BytesReceived, "mutator's in-place writes are visible even on error")

	reGot, getErr := store.Get(id)
	require.NoError(t, getErr)
	assert.Equal(t, uint64(0), reGot.BytesReceived, "but are not persisted once the shard lock is released")
}

func TestUpdate_NotFound(t *testing.T) {
	store := session.NewStore()
	_, err := store.Update(uuid.New(), func(s *session.Session) error { return nil })
	assert.True(t, errtypes.IsSessionNotFound(err))
}

func TestRemove(t *testing.T) {
	store := session.NewStore()
	id := uuid.New()
	store.Create(newSession(id))
	require.Equal(t, 1, store.Len())

	store.Remove(id)
	assert.Equal(t, 0, store.Len())

	_, err := store.Get(id)
	assert.True(t, errtypes.IsSessionNotFound(err))
}

func TestRemove_UnknownIDIsNoop(t *testing.T) {
	store := session.NewStore()
	store.Remove(uuid.New())
	assert.Equal(t, 0, store.Len())
}

func TestExpireOlderThan(t *testing.T) {
	store := session.NewStore()

	stale := newSession(uuid.New())
	stale.LastActivityAt = time.Now().Add(-time.Hour)
	store.Create(stale)

	fresh := newSession(uuid.New())
	store.Create(fresh)

	expired := store.ExpireOlderThan(time.Now().Add(-time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, stale.UploadID, expired[0].UploadID)
	assert.Equal(t, session.Aborted, expired[0].State)

	got, err := store.Get(fresh.UploadID)
	require.NoError(t, err)
	assert.Equal(t, session.Open, got.State)
}

func TestExpireOlderThan_SkipsTerminalSessions(t *testing.T) {
	store := session.NewStore()

	done := newSession(uuid.New())
	done.LastActivityAt = time.Now().Add(-time.Hour)
	done.State = session.Done
	store.Create(done)

	expired := store.ExpireOlderThan(time.Now())
	assert.Empty(t, expired, "a terminal session is never re-expired")
}

func TestLen(t *testing.T) {
	store := session.NewStore()
	assert.Equal(t, 0, store.Len())

	for i := 0; i < 5; i++ {
		store.Create(newSession(uuid.New()))
	}
	assert.Equal(t, 5, store.Len())
}

func TestLock_SerializesSameID(t *testing.T) {
	store := session.NewStore()
	id := uuid.New()
	store.Create(newSession(id))

	var mu sync.Mutex
	inCritical := false
	overlapDetected := false

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := store.Lock(id)
			defer unlock()

			mu.Lock()
			if inCritical {
				overlapDetected = true
			}
			inCritical = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical = false
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.False(t, overlapDetected, "Store.Lock must serialize all callers holding it for the same upload-id")
}

func TestLock_ReleasedByRemove(t *testing.T) {
	store := session.NewStore()
	id := uuid.New()
	store.Create(newSession(id))

	unlock := store.Lock(id)
	unlock()

	store.Remove(id)

	done := make(chan struct{})
	go func() {
		unlock := store.Lock(id)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock did not return after Remove released the prior mutex")
	}
}

func TestConcurrentAccessAcrossShards(t *testing.T) {
	store := session.NewStore()
	ids := make([]uuid.UUID, 200)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			store.Create(newSession(id))
			_, _ = store.Update(id, func(s *session.Session) error {
				s.BytesReceived++
				return nil
			})
		}(id)
	}
	wg.Wait()

	assert.Equal(t, len(ids), store.Len())
}
