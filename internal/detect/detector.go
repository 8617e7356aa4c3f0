package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/harborline/frontdesk/internal/alert"
	"github.com/harborline/frontdesk/internal/reconcile"
	"github.com/harborline/frontdesk/internal/session"
)

// Detector applies one role's alerting policy to each poll cycle's
// reconciled lists. A Detector belongs to one session generation; a new
// session starts a new Detector so nothing carries over between identities.
// It is not safe for concurrent use.
type Detector struct {
	role     session.Role
	streams  *StreamTracker
	statuses *StatusTracker
	now      func() time.Time
}

func NewDetector(role session.Role, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{
		role:     role,
		streams:  NewStreamTracker(),
		statuses: NewStatusTracker(),
		now:      now,
	}
}

func (d *Detector) Role() session.Role {
	return d.role
}

// Messages alerts on the newest message in scope when it is new and was
// sent by the other party. The remembered id advances either way.
func (d *Detector) Messages(scope string, msgs []reconcile.Message) []alert.Alert {
	idx := latestIndex(len(msgs), func(i int) time.Time { return msgs[i].Timestamp })
	ids, latestID := streamIDs(len(msgs), idx, func(i int) string { return msgs[i].ID })
	if !d.streams.Observe("messages/"+scope, latestID, ids) {
		return nil
	}
	msg := msgs[idx]
	switch {
	case d.role == session.RoleGuest && msg.Sender == reconcile.SenderReception:
		return []alert.Alert{d.alert(alert.KindMessage, msg.ID, msg.RoomNumber,
			"New message from reception", msg.Content)}
	case d.role == session.RoleStaff && msg.Sender == reconcile.SenderGuest:
		return []alert.Alert{d.alert(alert.KindMessage, msg.ID, msg.RoomNumber,
			"New message from room "+roomLabel(msg.RoomNumber), msg.Content)}
	}
	return nil
}

// ServiceQueue alerts staff when the newest request in scope is new and
// still pending.
func (d *Detector) ServiceQueue(scope string, reqs []reconcile.ServiceRequest) []alert.Alert {
	idx := latestIndex(len(reqs), func(i int) time.Time { return reqs[i].CreatedAt })
	ids, latestID := streamIDs(len(reqs), idx, func(i int) string { return reqs[i].ID })
	if !d.streams.Observe("services/"+scope, latestID, ids) {
		return nil
	}
	req := reqs[idx]
	if d.role != session.RoleStaff || req.Status != reconcile.ServicePending {
		return nil
	}
	title := fmt.Sprintf("New %s request from room %s", serviceLabel(req.Type), roomLabel(req.RoomNumber))
	return []alert.Alert{d.alert(alert.KindServiceRequest, req.ID, req.RoomNumber, title, req.Details)}
}

// ServiceStatuses alerts once per observed status transition of the
// guest's own requests. Requests missing from reqs are forgotten, so reqs
// must be the complete list.
func (d *Detector) ServiceStatuses(reqs []reconcile.ServiceRequest) []alert.Alert {
	var out []alert.Alert
	present := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		if req.ID == "" {
			continue
		}
		present[req.ID] = struct{}{}
		prev, changed := d.statuses.Observe(req.ID, string(req.Status))
		if !changed || d.role != session.RoleGuest {
			continue
		}
		title, body := transitionText(req, reconcile.ServiceStatus(prev))
		out = append(out, d.alert(alert.KindServiceStatus, req.ID, req.RoomNumber, title, body))
	}
	d.statuses.Retain(present)
	return out
}

// Notifications alerts on the newest notification in scope when it is new
// and unread.
func (d *Detector) Notifications(scope string, ns []reconcile.Notification) []alert.Alert {
	idx := latestIndex(len(ns), func(i int) time.Time { return ns[i].CreatedAt })
	ids, latestID := streamIDs(len(ns), idx, func(i int) string { return ns[i].ID })
	if !d.streams.Observe("notifications/"+scope, latestID, ids) {
		return nil
	}
	n := ns[idx]
	if n.Read {
		return nil
	}
	title := n.Title
	if title == "" {
		title = "New notification"
	}
	return []alert.Alert{d.alert(alert.KindNotification, n.ID, n.RoomNumber, title, n.Message)}
}

func (d *Detector) alert(kind alert.Kind, id, room, title, body string) alert.Alert {
	return alert.New(d.role, kind, id, room, title, body, d.now())
}

func transitionText(req reconcile.ServiceRequest, prev reconcile.ServiceStatus) (string, string) {
	label := serviceLabel(req.Type)
	switch req.Status {
	case reconcile.ServiceInProgress:
		return fmt.Sprintf("Your %s request is on its way", label), "Staff are handling it now."
	case reconcile.ServiceCompleted:
		return fmt.Sprintf("Your %s request has been completed", label), "Let us know if you need anything else."
	case reconcile.ServiceCancelled:
		return fmt.Sprintf("Your %s request was cancelled", label), "Contact reception if this is unexpected."
	case reconcile.ServicePending:
		return fmt.Sprintf("Your %s request is pending again", label), fmt.Sprintf("It was %s.", prev)
	}
	return fmt.Sprintf("Your %s request was updated", label), fmt.Sprintf("Status changed from %s to %s.", prev, req.Status)
}

// latestIndex picks the newest element; ties go to the later position.
func latestIndex(n int, at func(i int) time.Time) int {
	best := -1
	for i := 0; i < n; i++ {
		if best < 0 || !at(i).Before(at(best)) {
			best = i
		}
	}
	return best
}

func streamIDs(n, latest int, id func(i int) string) ([]string, string) {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = id(i)
	}
	if latest < 0 {
		return ids, ""
	}
	return ids, ids[latest]
}

func serviceLabel(t reconcile.ServiceType) string {
	if t == "" {
		return "service"
	}
	return strings.ReplaceAll(string(t), "-", " ")
}

func roomLabel(room string) string {
	if room == "" {
		return "?"
	}
	return room
}
