package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Change describes one session transition. Generation increases on every
// transition; a poller holding an older generation is stale.
type Change struct {
	Previous   Session
	Current    Session
	Generation uint64
	Reason     string
}

type StoreOptions struct {
	Logger Logger
	Now    func() time.Time
}

type Store struct {
	backend Backend
	logger  Logger
	now     func() time.Time

	// opMu serializes transitions so subscribers observe them in order.
	opMu sync.Mutex

	mu         sync.RWMutex
	current    Session
	generation uint64
	nextSubID  int
	subs       map[int]func(Change)
}

func NewStore(backend Backend, opts StoreOptions) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend: backend,
		logger:  opts.Logger,
		now:     now,
		subs:    map[int]func(Change){},
	}
}

// Current returns the active session, or nil, together with its generation.
func (s *Store) Current() (Session, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.generation
}

// IsCurrent reports whether gen still identifies an active session.
func (s *Store) IsCurrent(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil && s.generation == gen
}

func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.AuthToken()
}

// Subscribe registers fn for every subsequent transition. Callbacks run
// synchronously, in transition order, and must not call back into
// Activate, Deactivate or Sync.
func (s *Store) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Load restores the persisted session at startup. Corrupted records are
// discarded; Load never fails.
func (s *Store) Load(ctx context.Context) Session {
	s.Sync(ctx)
	sess, _ := s.Current()
	return sess
}

// Sync converges the in-memory session with what is persisted. It is used
// at startup and whenever another process may have changed the record.
func (s *Store) Sync(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	persisted := s.readPersisted(ctx)
	s.mu.Lock()
	if sameSession(s.current, persisted) {
		s.mu.Unlock()
		return
	}
	prev := s.current
	s.current = persisted
	s.generation++
	change := Change{Previous: prev, Current: persisted, Generation: s.generation}
	s.mu.Unlock()

	switch {
	case prev == nil:
		change.Reason = "restored"
	case persisted == nil:
		change.Reason = "persisted session cleared"
	default:
		change.Reason = "persisted session changed"
	}
	s.logf("session %s (generation %d)", change.Reason, change.Generation)
	s.notify(change)
}

func (s *Store) readPersisted(ctx context.Context) Session {
	var found []Session
	for _, key := range []string{GuestKey, StaffKey} {
		data, err := s.backend.Load(ctx, key)
		if err != nil {
			s.logf("load %s failed: %v", key, err)
			continue
		}
		if len(data) == 0 {
			continue
		}
		sess, err := Decode(key, data)
		if err != nil {
			s.logf("discarding corrupted %s record: %v", key, err)
			if delErr := s.backend.Delete(ctx, key); delErr != nil {
				s.logf("delete corrupted %s failed: %v", key, delErr)
			}
			continue
		}
		found = append(found, sess)
	}
	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Activated().After(found[j].Activated())
	})
	for _, stale := range found[1:] {
		if err := s.backend.Delete(ctx, stale.Key()); err != nil {
			s.logf("delete superseded %s failed: %v", stale.Key(), err)
		}
	}
	return found[0]
}

// Activate makes sess the only active session, replacing any previous one.
// Persistence failures are logged; the session is active in memory anyway.
func (s *Store) Activate(ctx context.Context, sess Session) (uint64, error) {
	if sess == nil {
		return 0, fmt.Errorf("%w: session is nil", ErrInvalidInput)
	}
	if err := sess.Validate(); err != nil {
		return 0, err
	}
	if sess.Activated().IsZero() {
		sess = sess.withActivatedAt(s.now().UTC())
	}
	record, err := Encode(sess)
	if err != nil {
		return 0, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	for _, key := range []string{GuestKey, StaffKey} {
		if key == sess.Key() {
			continue
		}
		if err := s.backend.Delete(ctx, key); err != nil {
			s.logf("clear %s failed: %v", key, err)
		}
	}
	if err := s.backend.Save(ctx, sess.Key(), record); err != nil {
		s.logf("persist %s failed: %v", sess.Key(), err)
	}

	s.mu.Lock()
	prev := s.current
	s.current = sess
	s.generation++
	change := Change{Previous: prev, Current: sess, Generation: s.generation, Reason: "activated"}
	s.mu.Unlock()

	s.logf("%s session activated (generation %d)", sess.Role(), change.Generation)
	s.notify(change)
	return change.Generation, nil
}

// Deactivate ends the active session, if any, and clears persisted state.
func (s *Store) Deactivate(ctx context.Context, reason string) bool {
	return s.deactivate(ctx, 0, reason)
}

// DeactivateGeneration ends the session only if gen is still current, so a
// stale poller cannot end a session that replaced the one it was serving.
func (s *Store) DeactivateGeneration(ctx context.Context, gen uint64, reason string) bool {
	if gen == 0 {
		return false
	}
	return s.deactivate(ctx, gen, reason)
}

func (s *Store) deactivate(ctx context.Context, gen uint64, reason string) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.current == nil || (gen != 0 && gen != s.generation) {
		s.mu.Unlock()
		return false
	}
	prev := s.current
	s.current = nil
	s.generation++
	change := Change{Previous: prev, Generation: s.generation, Reason: reason}
	s.mu.Unlock()

	for _, key := range []string{GuestKey, StaffKey} {
		if err := s.backend.Delete(ctx, key); err != nil {
			s.logf("clear %s failed: %v", key, err)
		}
	}
	s.logf("%s session deactivated: %s", prev.Role(), reason)
	s.notify(change)
	return true
}

func (s *Store) notify(change Change) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
