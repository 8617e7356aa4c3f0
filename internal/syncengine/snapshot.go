package syncengine

import (
	"time"

	"github.com/harborline/frontdesk/internal/alert"
	"github.com/harborline/frontdesk/internal/reconcile"
	"github.com/harborline/frontdesk/internal/session"
)

// Class is one independently fetched kind of data.
type Class string

const (
	ClassMessages      Class = "messages"
	ClassNotifications Class = "notifications"
	ClassServices      Class = "services"
	ClassRooms         Class = "rooms"
	ClassReservations  Class = "reservations"
	ClassCatalog       Class = "catalog"
	ClassWiFi          Class = "wifi"
)

// Snapshot is the reconciled view for one session generation. Seq increases
// with every published change across generations.
type Snapshot struct {
	Seq             uint64                             `json:"seq"`
	Role            session.Role                       `json:"role,omitempty"`
	Generation      uint64                             `json:"generation"`
	State           SchedulerState                     `json:"state"`
	Messages        []reconcile.Message                `json:"messages"`
	Notifications   []reconcile.Notification           `json:"notifications"`
	ServiceRequests []reconcile.ServiceRequest         `json:"serviceRequests"`
	Rooms           []reconcile.Room                   `json:"rooms,omitempty"`
	Reservations    []reconcile.Reservation            `json:"reservations,omitempty"`
	Catalog         map[string][]reconcile.CatalogItem `json:"catalog,omitempty"`
	WiFi            *reconcile.WiFiInfo                `json:"wifi,omitempty"`
	Errors          map[string]string                  `json:"errors,omitempty"`
	Cycles          uint64                             `json:"cycles"`
	UpdatedAt       time.Time                          `json:"updatedAt"`
}

func newSnapshot(sess session.Session, gen uint64, state SchedulerState) Snapshot {
	snap := Snapshot{
		Generation: gen,
		State:      state,
		Catalog:    map[string][]reconcile.CatalogItem{},
		Errors:     map[string]string{},
	}
	if sess != nil {
		snap.Role = sess.Role()
	}
	return snap
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Messages = append([]reconcile.Message(nil), s.Messages...)
	out.Notifications = append([]reconcile.Notification(nil), s.Notifications...)
	out.ServiceRequests = make([]reconcile.ServiceRequest, len(s.ServiceRequests))
	for i, req := range s.ServiceRequests {
		if req.CompletedAt != nil {
			at := *req.CompletedAt
			req.CompletedAt = &at
		}
		out.ServiceRequests[i] = req
	}
	out.Rooms = make([]reconcile.Room, len(s.Rooms))
	for i, room := range s.Rooms {
		room.Features = append([]string(nil), room.Features...)
		room.Amenities = append([]string(nil), room.Amenities...)
		room.Gallery = append([]string(nil), room.Gallery...)
		out.Rooms[i] = room
	}
	out.Reservations = append([]reconcile.Reservation(nil), s.Reservations...)
	out.Catalog = make(map[string][]reconcile.CatalogItem, len(s.Catalog))
	for kind, items := range s.Catalog {
		copied := make([]reconcile.CatalogItem, len(items))
		for i, item := range items {
			item.Tags = append([]string(nil), item.Tags...)
			copied[i] = item
		}
		out.Catalog[kind] = copied
	}
	if s.WiFi != nil {
		wifi := *s.WiFi
		out.WiFi = &wifi
	}
	out.Errors = make(map[string]string, len(s.Errors))
	for k, v := range s.Errors {
		out.Errors[k] = v
	}
	return out
}

// stampLocked gives the current snapshot the next sequence number and returns
// a copy to publish. e.mu must be held.
func (e *Engine) stampLocked() Snapshot {
	e.seq++
	e.snap.Seq = e.seq
	return e.snap.clone()
}

type EventType string

const (
	EventSnapshot EventType = "snapshot"
	EventAlert    EventType = "alert"
	EventSession  EventType = "session"
)

type SessionEvent struct {
	Role       session.Role `json:"role,omitempty"`
	Active     bool         `json:"active"`
	Generation uint64       `json:"generation"`
	Reason     string       `json:"reason,omitempty"`
}

type Event struct {
	Type     EventType     `json:"type"`
	Snapshot *Snapshot     `json:"snapshot,omitempty"`
	Alert    *alert.Alert  `json:"alert,omitempty"`
	Session  *SessionEvent `json:"session,omitempty"`
}

// Subscribe returns a channel of engine events and a cancel func. A
// subscriber that falls behind by more than buffer events loses events.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = e.subBuffer
	}
	ch := make(chan Event, buffer)
	e.subMu.Lock()
	if e.subs == nil {
		e.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once bool
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if once {
			return
		}
		once = true
		if existing, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(existing)
		}
	}
}

// publish fans ev out to subscribers. Snapshots are stamped under e.mu but
// published after it is released, so a snapshot older than one already sent
// is dropped.
func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if ev.Snapshot != nil {
		if ev.Snapshot.Seq <= e.sentSeq {
			return
		}
		e.sentSeq = ev.Snapshot.Seq
	}
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logf("subscriber %d is behind; dropped %s event", id, ev.Type)
		}
	}
}
