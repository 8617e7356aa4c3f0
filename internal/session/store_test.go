package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func guestFixture() GuestSession {
	return GuestSession{
		Guest:       Guest{ID: "g1", Name: "Ana Silva"},
		Reservation: Reservation{ID: "res-1", Status: "checked-in"},
		Room:        Room{ID: "r101", Number: "101", Floor: 1},
		Token:       "guest-token",
	}
}

func staffFixture() StaffSession {
	return StaffSession{
		User:  StaffUser{ID: "u7", Username: "desk", Position: "reception"},
		Token: "staff-token",
	}
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) all() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func TestActivateStaffReplacesGuestSession(t *testing.T) {
	backend := NewMemoryBackend()
	store := NewStore(backend, StoreOptions{})
	ctx := context.Background()

	if _, err := store.Activate(ctx, guestFixture()); err != nil {
		t.Fatalf("activate guest failed: %v", err)
	}
	if _, err := store.Activate(ctx, staffFixture()); err != nil {
		t.Fatalf("activate staff failed: %v", err)
	}

	current, _ := store.Current()
	if current == nil || current.Role() != RoleStaff {
		t.Fatalf("expected staff session to be active, got %#v", current)
	}
	if data, _ := backend.Load(ctx, GuestKey); data != nil {
		t.Fatalf("expected guest record to be cleared, got %s", data)
	}
	if data, _ := backend.Load(ctx, StaffKey); data == nil {
		t.Fatalf("expected staff record to be persisted")
	}
}

func TestActivateRejectsIncompleteSession(t *testing.T) {
	store := NewStore(nil, StoreOptions{})
	guest := guestFixture()
	guest.Room.Number = ""
	if _, err := store.Activate(context.Background(), guest); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if current, _ := store.Current(); current != nil {
		t.Fatalf("expected no session after rejected activation")
	}
}

func TestSessionSurvivesReloadThroughFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	ctx := context.Background()

	first := NewStore(NewFileBackend(path), StoreOptions{})
	if _, err := first.Activate(ctx, guestFixture()); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	second := NewStore(NewFileBackend(path), StoreOptions{})
	restored := second.Load(ctx)
	guest, ok := restored.(GuestSession)
	if !ok {
		t.Fatalf("expected restored guest session, got %#v", restored)
	}
	if guest.Reservation.ID != "res-1" || guest.Room.Number != "101" || guest.Token != "guest-token" {
		t.Fatalf("unexpected restored session: %+v", guest)
	}
	if guest.ActivatedAt.IsZero() {
		t.Fatalf("expected activation time to be persisted")
	}
}

func TestLoadTreatsCorruptedRecordAsNoSession(t *testing.T) {
	ctx := context.Background()
	cases := map[string][]byte{
		"not json":          []byte(`{"guest":`),
		"missing room":      []byte(`{"guest":{},"reservation":{"id":"res-1"}}`),
		"wrong type":        []byte(`{"guest":{},"reservation":{"id":42},"room":{"number":"101"}}`),
		"empty reservation": []byte(`{"guest":{},"reservation":{"id":""},"room":{"number":"101"}}`),
	}
	for name, record := range cases {
		backend := NewMemoryBackend()
		_ = backend.Save(ctx, GuestKey, record)
		store := NewStore(backend, StoreOptions{})
		if sess := store.Load(ctx); sess != nil {
			t.Fatalf("%s: expected no session, got %#v", name, sess)
		}
		if data, _ := backend.Load(ctx, GuestKey); data != nil {
			t.Fatalf("%s: expected corrupted record to be removed", name)
		}
	}
}

func TestLoadTreatsUnreadableFileAsNoSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("seed file failed: %v", err)
	}
	store := NewStore(NewFileBackend(path), StoreOptions{})
	if sess := store.Load(context.Background()); sess != nil {
		t.Fatalf("expected no session from unreadable file, got %#v", sess)
	}
	if _, err := store.Activate(context.Background(), staffFixture()); err != nil {
		t.Fatalf("activate after corrupted file failed: %v", err)
	}
	if sess := NewStore(NewFileBackend(path), StoreOptions{}).Load(context.Background()); sess == nil {
		t.Fatalf("expected activation to rewrite the file")
	}
}

func TestLoadKeepsMostRecentWhenBothRolesPersisted(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	guest := guestFixture()
	guest.ActivatedAt = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	staff := staffFixture()
	staff.ActivatedAt = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	g, _ := Encode(guest)
	s, _ := Encode(staff)
	_ = backend.Save(ctx, GuestKey, g)
	_ = backend.Save(ctx, StaffKey, s)

	store := NewStore(backend, StoreOptions{})
	sess := store.Load(ctx)
	if sess == nil || sess.Role() != RoleStaff {
		t.Fatalf("expected the later staff session, got %#v", sess)
	}
	if data, _ := backend.Load(ctx, GuestKey); data != nil {
		t.Fatalf("expected superseded guest record to be removed")
	}
}

func TestDeactivateClearsStateAndNotifies(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := NewStore(backend, StoreOptions{})
	log := &changeLog{}
	store.Subscribe(log.record)

	gen, err := store.Activate(ctx, guestFixture())
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if !store.Deactivate(ctx, "logout") {
		t.Fatalf("expected deactivate to report a transition")
	}
	if store.IsCurrent(gen) {
		t.Fatalf("expected old generation to be stale")
	}
	if data, _ := backend.Load(ctx, GuestKey); data != nil {
		t.Fatalf("expected persisted record to be cleared")
	}
	changes := log.all()
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[1].Current != nil || changes[1].Reason != "logout" {
		t.Fatalf("unexpected deactivate change: %+v", changes[1])
	}
	if store.Deactivate(ctx, "again") {
		t.Fatalf("expected second deactivate to be a no-op")
	}
}

func TestDeactivateGenerationIgnoresStaleGeneration(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, StoreOptions{})
	oldGen, _ := store.Activate(ctx, guestFixture())
	newGen, _ := store.Activate(ctx, staffFixture())

	if store.DeactivateGeneration(ctx, oldGen, "reservation closed") {
		t.Fatalf("expected stale generation to be ignored")
	}
	if !store.IsCurrent(newGen) {
		t.Fatalf("expected newer session to remain active")
	}
	if !store.DeactivateGeneration(ctx, newGen, "reservation closed") {
		t.Fatalf("expected current generation to deactivate")
	}
}

func TestSyncAdoptsExternalLogout(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	store := NewStore(backend, StoreOptions{})
	if _, err := store.Activate(ctx, guestFixture()); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	log := &changeLog{}
	store.Subscribe(log.record)

	store.Sync(ctx)
	if len(log.all()) != 0 {
		t.Fatalf("expected sync with unchanged record to be silent")
	}

	_ = backend.Delete(ctx, GuestKey)
	store.Sync(ctx)
	if current, _ := store.Current(); current != nil {
		t.Fatalf("expected session to end after external logout")
	}
	changes := log.all()
	if len(changes) != 1 || changes[0].Reason != "persisted session cleared" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestSubscribeCancelStopsNotifications(t *testing.T) {
	store := NewStore(nil, StoreOptions{})
	log := &changeLog{}
	cancel := store.Subscribe(log.record)
	cancel()
	if _, err := store.Activate(context.Background(), staffFixture()); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if len(log.all()) != 0 {
		t.Fatalf("expected no notifications after cancel")
	}
}

func TestDecodeRequest(t *testing.T) {
	sess, err := DecodeRequest([]byte(`{"role":"Guest","session":{"guest":{"name":"Ana"},"reservation":{"id":"res-9"},"room":{"number":"402","floor":4},"token":"t"}}`))
	if err != nil {
		t.Fatalf("decode request failed: %v", err)
	}
	guest, ok := sess.(GuestSession)
	if !ok || guest.Room.Floor != 4 {
		t.Fatalf("unexpected session: %#v", sess)
	}
	if _, err := DecodeRequest([]byte(`{"role":"manager","session":{}}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unknown role to be rejected, got %v", err)
	}
}
