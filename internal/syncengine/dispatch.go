package syncengine

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/harborline/frontdesk/internal/reconcile"
	"github.com/harborline/frontdesk/internal/session"
)

type MessageInput struct {
	Content string `json:"content"`
	// Staff replies name the reservation or room they answer.
	ReservationID string `json:"reservationId,omitempty"`
	RoomNumber    string `json:"roomNumber,omitempty"`
}

type ServiceInput struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}

type NotificationInput struct {
	Title         string `json:"title"`
	Message       string `json:"message"`
	Type          string `json:"type,omitempty"`
	ReservationID string `json:"reservationId,omitempty"`
	RoomNumber    string `json:"roomNumber,omitempty"`
}

// Staff record kinds editable through SaveRecord and DeleteRecord.
const (
	KindReservations = "reservations"
	KindRooms        = "rooms"
	KindVenues       = "venues"
)

type messageBody struct {
	ReservationID string           `json:"reservationId,omitempty"`
	RoomNumber    string           `json:"roomNumber,omitempty"`
	Content       string           `json:"content"`
	Sender        reconcile.Sender `json:"sender"`
}

type serviceBody struct {
	ReservationID string                  `json:"reservationId"`
	RoomNumber    string                  `json:"roomNumber"`
	GuestName     string                  `json:"guestName,omitempty"`
	Type          reconcile.ServiceType   `json:"type"`
	Status        reconcile.ServiceStatus `json:"status"`
	Details       string                  `json:"details"`
}

type notificationBody struct {
	ReservationID string                     `json:"reservationId,omitempty"`
	RoomNumber    string                     `json:"roomNumber,omitempty"`
	Title         string                     `json:"title"`
	Message       string                     `json:"message"`
	Type          reconcile.NotificationType `json:"type"`
}

func (e *Engine) SendMessage(ctx context.Context, in MessageInput) error {
	sess, gen, err := e.requireRole()
	if err != nil {
		return err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return fmt.Errorf("%w: message content is required", ErrInvalidInput)
	}
	body := messageBody{Content: content}
	switch s := sess.(type) {
	case session.GuestSession:
		body.ReservationID = s.Reservation.ID
		body.RoomNumber = s.Room.Number
		body.Sender = reconcile.SenderGuest
	case session.StaffSession:
		body.ReservationID = strings.TrimSpace(in.ReservationID)
		body.RoomNumber = strings.TrimSpace(in.RoomNumber)
		if body.ReservationID == "" && body.RoomNumber == "" {
			return fmt.Errorf("%w: reservation or room is required", ErrInvalidInput)
		}
		body.Sender = reconcile.SenderReception
	}
	if err := e.write(ctx, gen, http.MethodPost, messagesWritePath, body); err != nil {
		return err
	}
	e.refresh(ctx, gen, sess, ClassMessages)
	return nil
}

func (e *Engine) CreateServiceRequest(ctx context.Context, in ServiceInput) error {
	sess, gen, err := e.requireRole(session.RoleGuest)
	if err != nil {
		return err
	}
	guest := sess.(session.GuestSession)
	kind, ok := reconcile.ParseServiceType(in.Type)
	if !ok {
		return fmt.Errorf("%w: unknown service type %q", ErrInvalidInput, in.Type)
	}
	body := serviceBody{
		ReservationID: guest.Reservation.ID,
		RoomNumber:    guest.Room.Number,
		GuestName:     guest.Guest.Name,
		Type:          kind,
		Status:        reconcile.ServicePending,
		Details:       strings.TrimSpace(in.Details),
	}
	if err := e.write(ctx, gen, http.MethodPost, servicesWritePath, body); err != nil {
		return err
	}
	e.refresh(ctx, gen, sess, ClassServices)
	return nil
}

func (e *Engine) CancelServiceRequest(ctx context.Context, id string) error {
	sess, gen, err := e.requireRole(session.RoleGuest)
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: service request id is required", ErrInvalidInput)
	}
	if err := e.write(ctx, gen, http.MethodPut, cancelServicePath(id), nil); err != nil {
		return err
	}
	e.refresh(ctx, gen, sess, ClassServices)
	return nil
}

func (e *Engine) UpdateServiceStatus(ctx context.Context, id, status string) error {
	sess, gen, err := e.requireRole(session.RoleStaff)
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: service request id is required", ErrInvalidInput)
	}
	st, ok := reconcile.ParseServiceStatus(status)
	if !ok {
		return fmt.Errorf("%w: unknown service status %q", ErrInvalidInput, status)
	}
	body := map[string]reconcile.ServiceStatus{"status": st}
	if err := e.write(ctx, gen, http.MethodPut, serviceStatusPath(id), body); err != nil {
		return err
	}
	e.refresh(ctx, gen, sess, ClassServices)
	return nil
}

func (e *Engine) SendNotification(ctx context.Context, in NotificationInput) error {
	sess, gen, err := e.requireRole(session.RoleStaff)
	if err != nil {
		return err
	}
	title := strings.TrimSpace(in.Title)
	message := strings.TrimSpace(in.Message)
	if title == "" || message == "" {
		return fmt.Errorf("%w: notification title and message are required", ErrInvalidInput)
	}
	kind, ok := reconcile.ParseNotificationType(in.Type)
	if !ok {
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalidInput, in.Type)
	}
	body := notificationBody{
		ReservationID: strings.TrimSpace(in.ReservationID),
		RoomNumber:    strings.TrimSpace(in.RoomNumber),
		Title:         title,
		Message:       message,
		Type:          kind,
	}
	if err := e.write(ctx, gen, http.MethodPost, notificationsWritePath, body); err != nil {
		return err
	}
	e.refresh(ctx, gen, sess, ClassNotifications)
	return nil
}

// MarkMessageRead confirms the read flag with the backend, then sets it on
// the cached message before the refresh lands.
func (e *Engine) MarkMessageRead(ctx context.Context, id string) error {
	return e.markRead(ctx, id, ClassMessages, messageReadPath(id))
}

func (e *Engine) MarkNotificationRead(ctx context.Context, id string) error {
	return e.markRead(ctx, id, ClassNotifications, notificationReadPath(id))
}

func (e *Engine) markRead(ctx context.Context, id string, class Class, path string) error {
	sess, gen, err := e.requireRole()
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if err := e.write(ctx, gen, http.MethodPut, path, nil); err != nil {
		return err
	}
	e.setRead(gen, class, id)
	e.refresh(ctx, gen, sess, class)
	return nil
}

// setRead flags a cached entity read after the backend accepted the write.
// It does nothing once gen is no longer active.
func (e *Engine) setRead(gen uint64, class Class, id string) {
	e.mu.Lock()
	if e.closed || e.gen != gen || e.sess == nil {
		e.mu.Unlock()
		return
	}
	found := false
	switch class {
	case ClassMessages:
		for i := range e.snap.Messages {
			if e.snap.Messages[i].ID == id && !e.snap.Messages[i].Read {
				e.snap.Messages[i].Read, found = true, true
				break
			}
		}
	case ClassNotifications:
		for i := range e.snap.Notifications {
			if e.snap.Notifications[i].ID == id && !e.snap.Notifications[i].Read {
				e.snap.Notifications[i].Read, found = true, true
				break
			}
		}
	}
	if !found {
		e.mu.Unlock()
		return
	}
	snap := e.stampLocked()
	e.mu.Unlock()
	e.publish(Event{Type: EventSnapshot, Snapshot: &snap})
}

// SaveRecord creates (empty id) or updates a staff-managed record.
func (e *Engine) SaveRecord(ctx context.Context, kind, id string, fields map[string]any) error {
	sess, gen, err := e.requireRole(session.RoleStaff)
	if err != nil {
		return err
	}
	class, err := recordClass(kind)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("%w: record fields are required", ErrInvalidInput)
	}
	method := http.MethodPost
	if strings.TrimSpace(id) != "" {
		method = http.MethodPut
	}
	if err := e.write(ctx, gen, method, staffRecordPath(kind, id), fields); err != nil {
		return err
	}
	if class != "" {
		e.refresh(ctx, gen, sess, class)
	}
	return nil
}

func (e *Engine) DeleteRecord(ctx context.Context, kind, id string) error {
	sess, gen, err := e.requireRole(session.RoleStaff)
	if err != nil {
		return err
	}
	class, err := recordClass(kind)
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	if err := e.write(ctx, gen, http.MethodDelete, staffRecordPath(kind, id), nil); err != nil {
		return err
	}
	if class != "" {
		e.refresh(ctx, gen, sess, class)
	}
	return nil
}

// recordClass maps a record kind to the class it refreshes; venues have no
// cached class.
func recordClass(kind string) (Class, error) {
	switch kind {
	case KindReservations:
		return ClassReservations, nil
	case KindRooms:
		return ClassRooms, nil
	case KindVenues:
		return "", nil
	}
	return "", fmt.Errorf("%w: unknown record kind %q", ErrInvalidInput, kind)
}

// requireRole returns the active session if its role is one of roles, or
// any role when roles is empty.
func (e *Engine) requireRole(roles ...session.Role) (session.Session, uint64, error) {
	e.mu.Lock()
	closed, sess, gen := e.closed, e.sess, e.gen
	e.mu.Unlock()
	if closed {
		return nil, 0, ErrClosed
	}
	if sess == nil {
		return nil, 0, ErrNoSession
	}
	if len(roles) == 0 {
		return sess, gen, nil
	}
	for _, role := range roles {
		if sess.Role() == role {
			return sess, gen, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrWrongRole, sess.Role())
}

func (e *Engine) write(ctx context.Context, gen uint64, method, path string, body any) error {
	if err := e.client.Write(ctx, method, path, body); err != nil {
		if isUnauthorized(err) {
			e.expire(ctx, gen, "session rejected by backend")
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// refresh re-fetches the given classes after a successful write. Failures
// are logged; the next scheduled cycle catches up.
func (e *Engine) refresh(ctx context.Context, gen uint64, sess session.Session, classes ...Class) {
	only := make(map[Class]bool, len(classes))
	for _, c := range classes {
		only[c] = true
	}
	results := e.fetchAll(ctx, e.jobsFor(sess, only))
	for _, r := range results {
		if isUnauthorized(r.err) {
			e.expire(ctx, gen, "session rejected by backend")
			return
		}
	}
	if !e.apply(ctx, gen, results, false) {
		e.logf("refresh of %v discarded: session changed", classes)
	}
}
