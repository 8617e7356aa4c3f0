// Package session holds the identity the engine is syncing for: either a guest
// bound to a reservation and room, or a staff user. At most one is active.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleGuest Role = "guest"
	RoleStaff Role = "staff"
)

// Persistence keys, one record per role.
const (
	GuestKey = "guestSession"
	StaffKey = "staffSession"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidSession = errors.New("invalid session record")
)

// Session is implemented by GuestSession and StaffSession only.
type Session interface {
	Role() Role
	Key() string
	AuthToken() string
	Activated() time.Time
	Validate() error
	withActivatedAt(t time.Time) Session
}

type Guest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Reservation struct {
	ID       string    `json:"id"`
	Status   string    `json:"status,omitempty"`
	CheckIn  time.Time `json:"checkIn"`
	CheckOut time.Time `json:"checkOut"`
}

type Room struct {
	ID     string `json:"id,omitempty"`
	Number string `json:"number"`
	Floor  int    `json:"floor"`
	Type   string `json:"type,omitempty"`
}

type GuestSession struct {
	Guest       Guest       `json:"guest"`
	Reservation Reservation `json:"reservation"`
	Room        Room        `json:"room"`
	Token       string      `json:"token,omitempty"`
	ActivatedAt time.Time   `json:"activatedAt"`
}

func (g GuestSession) Role() Role           { return RoleGuest }
func (g GuestSession) Key() string          { return GuestKey }
func (g GuestSession) AuthToken() string    { return g.Token }
func (g GuestSession) Activated() time.Time { return g.ActivatedAt }

func (g GuestSession) Validate() error {
	if strings.TrimSpace(g.Reservation.ID) == "" {
		return fmt.Errorf("%w: guest session requires a reservation id", ErrInvalidInput)
	}
	if strings.TrimSpace(g.Room.Number) == "" {
		return fmt.Errorf("%w: guest session requires a room number", ErrInvalidInput)
	}
	return nil
}

func (g GuestSession) withActivatedAt(t time.Time) Session {
	g.ActivatedAt = t
	return g
}

type StaffUser struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	// Position is the staff member's function, e.g. reception or admin.
	Position string `json:"position,omitempty"`
}

type StaffSession struct {
	User        StaffUser `json:"user"`
	Token       string    `json:"token,omitempty"`
	ActivatedAt time.Time `json:"activatedAt"`
}

func (s StaffSession) Role() Role           { return RoleStaff }
func (s StaffSession) Key() string          { return StaffKey }
func (s StaffSession) AuthToken() string    { return s.Token }
func (s StaffSession) Activated() time.Time { return s.ActivatedAt }

func (s StaffSession) Validate() error {
	if strings.TrimSpace(s.User.ID) == "" {
		return fmt.Errorf("%w: staff session requires a user id", ErrInvalidInput)
	}
	return nil
}

func (s StaffSession) withActivatedAt(t time.Time) Session {
	s.ActivatedAt = t
	return s
}

// Encode serializes a session for persistence under its Key.
func Encode(sess Session) ([]byte, error) {
	if sess == nil {
		return nil, ErrInvalidInput
	}
	return json.Marshal(sess)
}

// Decode parses a persisted record stored under key. Records that fail schema
// validation or shape checks return an error wrapping ErrInvalidSession.
func Decode(key string, data []byte) (Session, error) {
	if err := validateRecord(key, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	var sess Session
	switch key {
	case GuestKey:
		var g GuestSession
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		sess = g
	case StaffKey:
		var s StaffSession
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
		sess = s
	default:
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidSession, key)
	}
	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return sess, nil
}

// DecodeRequest parses an activation request of the form
// {"role":"guest","session":{...}}.
func DecodeRequest(data []byte) (Session, error) {
	var req struct {
		Role    Role            `json:"role"`
		Session json.RawMessage `json:"session"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var sess Session
	switch Role(strings.ToLower(strings.TrimSpace(string(req.Role)))) {
	case RoleGuest:
		var g GuestSession
		if err := json.Unmarshal(req.Session, &g); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		sess = g
	case RoleStaff:
		var s StaffSession
		if err := json.Unmarshal(req.Session, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		sess = s
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, req.Role)
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return sess, nil
}

func sameSession(a, b Session) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Role() != b.Role() {
		return false
	}
	left, errA := Encode(a)
	right, errB := Encode(b)
	return errA == nil && errB == nil && string(left) == string(right)
}
