// Package session implements the in-memory, TTL-bounded upload session
// store: a process-wide map from upload-id to Session
// state, sharded by upload-id so unrelated uploads never contend for the
// same lock — the same sharding idea the corpus's ttlcache dependency
// (github.com/ReneKroon/ttlcache/v2, already a reva dependency) applies
// internally to avoid a single global mutex on a hot map. Store.Lock adds
// a second, coarser per-upload-id lock callers take explicitly, for
// multi-step critical sections (read a session, decide, write it back)
// that the shard mutex alone cannot serialize since it is only held for
// the duration of a single Get/Update call.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobile-measure/collector/pkg/errtypes"
	"github.com/mobile-measure/collector/pkg/metadata"
)

// State is a session's place in its upload lifecycle.
type State int

const (
	Open State = iota
	Finalizing
	Done
	Aborted
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MeasurementKey is the client-supplied logical identifier for a
// measurement, distinct from the server-minted upload-id.
type MeasurementKey struct {
	DeviceID      uuid.UUID
	MeasurementID uint64
}

// Session is the server-side state for one upload attempt.
type Session struct {
	UploadID           uuid.UUID
	Owner              string
	MeasurementKey     MeasurementKey
	Metadata           metadata.Metadata
	DeclaredTotalBytes uint64
	BytesReceived      uint64
	BackendHandle      interface{}
	CreatedAt          time.Time
	LastActivityAt     time.Time
	State              State
}

// isTerminal reports whether no further chunk may be applied to s.
func (s *Session) isTerminal() bool {
	return s.State == Done || s.State == Aborted
}

// shardCount is fixed; it only needs to be large enough that concurrent
// uploads to distinct ids rarely collide, not proportional to load.
const shardCount = 64

type shard struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// Store is the process-wide session map. It is safe for concurrent use by
// multiple goroutines.
type Store struct {
	shards [shardCount]*shard

	uploadLocks sync.Map // uuid.UUID -> *sync.Mutex
}

// NewStore builds an empty Store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[uuid.UUID]*Session)}
	}
	return s
}

// Lock serializes every caller holding it for the same upload-id, so a
// handler can read-check-write a session (e.g. "is this chunk's offset the
// one we expect, and if so apply it") as one atomic step instead of
// racing another goroutine's Get/Update pair for the same id. It is
// distinct from the per-shard mutex Get/Update/Remove already take
// internally, which only ever protects a single map access, not a
// caller's multi-step critical section. The returned func releases the
// lock and must be called exactly once, typically via defer.
func (s *Store) Lock(id uuid.UUID) func() {
	v, _ := s.uploadLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) shardFor(id uuid.UUID) *shard {
	var h uint32
	for _, b := range id {
		h = h*31 + uint32(b)
	}
	return s.shards[h%shardCount]
}

// Create inserts sess, keyed by sess.UploadID. It is the caller's
// responsibility to ensure the upload-id has not already been issued.
func (s *Store) Create(sess *Session) {
	sh := s.shardFor(sess.UploadID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[sess.UploadID] = sess
}

// Get returns a copy of the session for id, or SessionNotFound.
func (s *Store) Get(id uuid.UUID) (Session, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return Session{}, errtypes.SessionNotFound(id.String())
	}
	return *sess, nil
}

// Mutator observes and mutates a session in place under the shard lock. It
// returns an error to abort the mutation without persisting changes.
type Mutator func(*Session) error

// Update serializes mutator against any other Update/expire call on the
// same upload-id and returns the post-mutation session.
func (s *Store) Update(id uuid.UUID, mutator Mutator) (Session, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[id]
	if !ok {
		return Session{}, errtypes.SessionNotFound(id.String())
	}
	updated := *sess
	if err := mutator(&updated); err != nil {
		return updated, err
	}
	*sess = updated
	return updated, nil
}

// Remove deletes the session for id, if present. Removing an unknown id is
// a no-op.
func (s *Store) Remove(id uuid.UUID) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
	s.uploadLocks.Delete(id)
}

// ExpireOlderThan moves every session whose LastActivityAt is before
// cutoff to Aborted and returns the ones it touched, so the cleanup
// scheduler can release their backend resources outside any shard lock.
func (s *Store) ExpireOlderThan(cutoff time.Time) []Session {
	var expired []Session
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, sess := range sh.sessions {
			if sess.isTerminal() {
				continue
			}
			if sess.LastActivityAt.Before(cutoff) {
				sess.State = Aborted
				expired = append(expired, *sess)
			}
		}
		sh.mu.Unlock()
	}
	return expired
}

// Len returns the total number of tracked sessions, live or terminal until
// reaped. Intended for tests and metrics.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}
