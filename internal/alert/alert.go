// Package alert carries user-facing alerts raised by change detection to
// whatever surfaces are listening: the log, an MQTT broker, the local
// websocket bridge.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harborline/frontdesk/internal/session"
)

type Kind string

const (
	KindMessage        Kind = "message"
	KindServiceRequest Kind = "service-request"
	KindServiceStatus  Kind = "service-status"
	KindNotification   Kind = "notification"
)

type Alert struct {
	ID         string       `json:"id"`
	Role       session.Role `json:"role"`
	Kind       Kind         `json:"kind"`
	Title      string       `json:"title"`
	Body       string       `json:"body"`
	EntityID   string       `json:"entityId"`
	RoomNumber string       `json:"roomNumber,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// New stamps an alert with a fresh id.
func New(role session.Role, kind Kind, entityID, room, title, body string, at time.Time) Alert {
	return Alert{
		ID:         uuid.NewString(),
		Role:       role,
		Kind:       kind,
		Title:      title,
		Body:       body,
		EntityID:   entityID,
		RoomNumber: room,
		CreatedAt:  at.UTC(),
	}
}

type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

type SinkFunc func(ctx context.Context, a Alert) error

func (f SinkFunc) Deliver(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

type Logger interface {
	Printf(format string, args ...any)
}

// LogSink writes each alert as one log line.
type LogSink struct {
	Logger Logger
}

func (s LogSink) Deliver(_ context.Context, a Alert) error {
	if s.Logger == nil {
		return nil
	}
	if a.RoomNumber != "" {
		s.Logger.Printf("alert %s [%s/%s] room %s: %s: %s", a.ID, a.Role, a.Kind, a.RoomNumber, a.Title, a.Body)
		return nil
	}
	s.Logger.Printf("alert %s [%s/%s]: %s: %s", a.ID, a.Role, a.Kind, a.Title, a.Body)
	return nil
}

// Fanout delivers to every sink even when some fail.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, a Alert) error {
	var errs []error
	for i, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Deliver(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
