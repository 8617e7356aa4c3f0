package detect

import (
	"strings"
	"testing"
	"time"

	"github.com/harborline/frontdesk/internal/alert"
	"github.com/harborline/frontdesk/internal/reconcile"
	"github.com/harborline/frontdesk/internal/session"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return base }

func msg(id string, sender reconcile.Sender, content string, minute int) reconcile.Message {
	return reconcile.Message{
		ID:            id,
		ReservationID: "res-1",
		RoomNumber:    "101",
		Content:       content,
		Sender:        sender,
		Timestamp:     base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestGuestMessageAlertsExactlyOnceAtCycleFour(t *testing.T) {
	d := NewDetector(session.RoleStaff, fixedNow)
	snapshots := [][]reconcile.Message{
		{msg("m1", reconcile.SenderGuest, "hi", 0)},
		{msg("m1", reconcile.SenderGuest, "hi", 0)},
		{msg("m1", reconcile.SenderGuest, "hi", 0)},
		{msg("m1", reconcile.SenderGuest, "hi", 0), msg("m2", reconcile.SenderGuest, "also water", 1)},
		{msg("m1", reconcile.SenderGuest, "hi", 0), msg("m2", reconcile.SenderGuest, "also water", 1)},
		{msg("m1", reconcile.SenderGuest, "hi", 0), msg("m2", reconcile.SenderGuest, "also water", 1)},
	}
	for i, snap := range snapshots {
		alerts := d.Messages("staff", snap)
		cycle := i + 1
		if cycle == 4 {
			if len(alerts) != 1 {
				t.Fatalf("cycle %d: expected exactly one alert, got %d", cycle, len(alerts))
			}
			if alerts[0].EntityID != "m2" || alerts[0].Title != "New message from room 101" {
				t.Fatalf("cycle %d: unexpected alert %+v", cycle, alerts[0])
			}
			continue
		}
		if len(alerts) != 0 {
			t.Fatalf("cycle %d: expected no alert, got %+v", cycle, alerts)
		}
	}
}

func TestTowelsScenario(t *testing.T) {
	d := NewDetector(session.RoleStaff, fixedNow)
	first := []reconcile.Message{msg("m1", reconcile.SenderGuest, "towels please", 0)}
	if alerts := d.Messages("staff", first); len(alerts) != 0 {
		t.Fatalf("expected seeding without alert, got %+v", alerts)
	}
	if id, _ := d.streams.Latest("messages/staff"); id != "m1" {
		t.Fatalf("expected remembered id m1, got %q", id)
	}
	second := append(first, msg("m2", reconcile.SenderGuest, "also water", 1))
	alerts := d.Messages("staff", second)
	if len(alerts) != 1 || alerts[0].Body != "also water" {
		t.Fatalf("expected one alert for m2, got %+v", alerts)
	}
	if id, _ := d.streams.Latest("messages/staff"); id != "m2" {
		t.Fatalf("expected remembered id m2, got %q", id)
	}
}

func TestNoAlertOnFirstSight(t *testing.T) {
	d := NewDetector(session.RoleGuest, fixedNow)
	msgs := []reconcile.Message{msg("m1", reconcile.SenderReception, "welcome", 0)}
	reqs := []reconcile.ServiceRequest{{ID: "s1", Type: reconcile.ServiceHousekeeping, Status: reconcile.ServiceInProgress}}
	notes := []reconcile.Notification{{ID: "n1", Title: "Breakfast", CreatedAt: base}}

	total := len(d.Messages("res-1", msgs)) + len(d.ServiceStatuses(reqs)) + len(d.Notifications("res-1", notes))
	if total != 0 {
		t.Fatalf("expected zero alerts on first cycle, got %d", total)
	}
}

func TestStatusTransitionsAlertTwiceWithDistinctText(t *testing.T) {
	d := NewDetector(session.RoleGuest, fixedNow)
	var titles []string
	for _, status := range []reconcile.ServiceStatus{
		reconcile.ServicePending,
		reconcile.ServiceInProgress,
		reconcile.ServiceCompleted,
		reconcile.ServiceCompleted,
	} {
		reqs := []reconcile.ServiceRequest{{ID: "s1", Type: reconcile.ServiceRoomService, Status: status, RoomNumber: "101"}}
		for _, a := range d.ServiceStatuses(reqs) {
			if a.Kind != alert.KindServiceStatus {
				t.Fatalf("unexpected kind %s", a.Kind)
			}
			titles = append(titles, a.Title)
		}
	}
	if len(titles) != 2 {
		t.Fatalf("expected two alerts, got %v", titles)
	}
	if titles[0] == titles[1] {
		t.Fatalf("expected transition-specific text, got %v", titles)
	}
	if !strings.Contains(titles[0], "on its way") || !strings.Contains(titles[1], "completed") {
		t.Fatalf("unexpected titles %v", titles)
	}
}

func TestUnseenPriorStatusDoesNotAlert(t *testing.T) {
	d := NewDetector(session.RoleGuest, fixedNow)
	d.ServiceStatuses(nil)
	reqs := []reconcile.ServiceRequest{{ID: "s9", Status: reconcile.ServiceCancelled}}
	if alerts := d.ServiceStatuses(reqs); len(alerts) != 0 {
		t.Fatalf("expected no alert for a request first seen already cancelled, got %+v", alerts)
	}
}

func TestStatusTrackerPrunesMissingRequests(t *testing.T) {
	d := NewDetector(session.RoleGuest, fixedNow)
	d.ServiceStatuses([]reconcile.ServiceRequest{{ID: "a", Status: reconcile.ServicePending}, {ID: "b", Status: reconcile.ServicePending}})
	d.ServiceStatuses([]reconcile.ServiceRequest{{ID: "a", Status: reconcile.ServicePending}})
	if d.statuses.Len() != 1 {
		t.Fatalf("expected pruned tracker to hold one id, got %d", d.statuses.Len())
	}
	alerts := d.ServiceStatuses([]reconcile.ServiceRequest{{ID: "b", Status: reconcile.ServiceCompleted}})
	if len(alerts) != 0 {
		t.Fatalf("expected re-appearing request to seed silently, got %+v", alerts)
	}
}

func TestGuestIgnoresOwnMessages(t *testing.T) {
	d := NewDetector(session.RoleGuest, fixedNow)
	d.Messages("res-1", []reconcile.Message{msg("m1", reconcile.SenderReception, "welcome", 0)})
	if alerts := d.Messages("res-1", []reconcile.Message{
		msg("m1", reconcile.SenderReception, "welcome", 0),
		msg("m2", reconcile.SenderGuest, "thanks", 1),
	}); len(alerts) != 0 {
		t.Fatalf("expected no alert for guest's own message, got %+v", alerts)
	}
	alerts := d.Messages("res-1", []reconcile.Message{
		msg("m1", reconcile.SenderReception, "welcome", 0),
		msg("m2", reconcile.SenderGuest, "thanks", 1),
		msg("m3", reconcile.SenderReception, "you're welcome", 2),
	})
	if len(alerts) != 1 || alerts[0].Title != "New message from reception" {
		t.Fatalf("expected reception alert, got %+v", alerts)
	}
}

func TestFirstMessageAfterEmptyObservationAlerts(t *testing.T) {
	d := NewDetector(session.RoleStaff, fixedNow)
	d.Messages("staff", nil)
	alerts := d.Messages("staff", []reconcile.Message{msg("m1", reconcile.SenderGuest, "hello", 0)})
	if len(alerts) != 1 {
		t.Fatalf("expected first message after an empty list to alert, got %d", len(alerts))
	}
}

func TestStaffServiceQueueAlertsOnNewPendingRequest(t *testing.T) {
	d := NewDetector(session.RoleStaff, fixedNow)
	older := reconcile.ServiceRequest{ID: "s1", Type: reconcile.ServiceHousekeeping, Status: reconcile.ServicePending, RoomNumber: "101", CreatedAt: base}
	d.ServiceQueue("staff", []reconcile.ServiceRequest{older})

	newer := reconcile.ServiceRequest{ID: "s2", Type: reconcile.ServiceRoomService, Status: reconcile.ServicePending, RoomNumber: "204", CreatedAt: base.Add(time.Minute)}
	alerts := d.ServiceQueue("staff", []reconcile.ServiceRequest{newer, older})
	if len(alerts) != 1 || alerts[0].Title != "New room service request from room 204" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
	if alerts := d.ServiceQueue("staff", []reconcile.ServiceRequest{newer, older}); len(alerts) != 0 {
		t.Fatalf("expected re-poll to stay silent, got %+v", alerts)
	}

	done := reconcile.ServiceRequest{ID: "s3", Status: reconcile.ServiceCompleted, CreatedAt: base.Add(2 * time.Minute)}
	if alerts := d.ServiceQueue("staff", []reconcile.ServiceRequest{older, newer, done}); len(alerts) != 0 {
		t.Fatalf("expected non-pending request to advance silently, got %+v", alerts)
	}
}

func TestNotificationsAlertOnlyWhenUnread(t *testing.T) {
	d := NewDetector(session.RoleGuest, fixedNow)
	n1 := reconcile.Notification{ID: "n1", Title: "Welcome", CreatedAt: base}
	d.Notifications("res-1", []reconcile.Notification{n1})

	n2 := reconcile.Notification{ID: "n2", Title: "Pool closed", Read: true, CreatedAt: base.Add(time.Minute)}
	if alerts := d.Notifications("res-1", []reconcile.Notification{n1, n2}); len(alerts) != 0 {
		t.Fatalf("expected read notification to stay silent, got %+v", alerts)
	}
	n3 := reconcile.Notification{ID: "n3", Title: "Spa offer", Message: "20% off", CreatedAt: base.Add(2 * time.Minute)}
	alerts := d.Notifications("res-1", []reconcile.Notification{n1, n2, n3})
	if len(alerts) != 1 || alerts[0].Title != "Spa offer" || alerts[0].Role != session.RoleGuest {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestStreamTrackerKeepsIdWhenListEmpties(t *testing.T) {
	tr := NewStreamTracker()
	tr.Observe("s", "m1", []string{"m1"})
	if tr.Observe("s", "", nil) {
		t.Fatalf("expected empty observation to be silent")
	}
	if id, _ := tr.Latest("s"); id != "m1" {
		t.Fatalf("expected remembered id m1, got %q", id)
	}
	if tr.Observe("s", "m1", []string{"m1"}) {
		t.Fatalf("expected same id after empty list to be silent")
	}
}

func TestStreamTrackerFirstRecordAfterEmptySeedIsNew(t *testing.T) {
	tr := NewStreamTracker()
	if tr.Observe("s", "", nil) {
		t.Fatalf("expected empty seed to be silent")
	}
	if !tr.Observe("s", "m1", []string{"m1"}) {
		t.Fatalf("expected first record after an empty seed to be new")
	}
}

func TestOlderMessageIsNotNewAfterNewestDisappears(t *testing.T) {
	d := NewDetector(session.RoleStaff, fixedNow)
	m1 := msg("m1", reconcile.SenderGuest, "towels please", 0)
	m2 := msg("m2", reconcile.SenderGuest, "also water", 1)
	if alerts := d.Messages("staff", []reconcile.Message{m1, m2}); len(alerts) != 0 {
		t.Fatalf("expected seeding without alert, got %+v", alerts)
	}
	if alerts := d.Messages("staff", []reconcile.Message{m1}); len(alerts) != 0 {
		t.Fatalf("expected no alert once the newest message is deleted, got %+v", alerts)
	}
	if alerts := d.Messages("staff", []reconcile.Message{m1, m2}); len(alerts) != 0 {
		t.Fatalf("expected no alert when a deleted message returns, got %+v", alerts)
	}
	m3 := msg("m3", reconcile.SenderGuest, "and a pillow", 2)
	alerts := d.Messages("staff", []reconcile.Message{m1, m3})
	if len(alerts) != 1 || alerts[0].EntityID != "m3" {
		t.Fatalf("expected one alert for m3, got %+v", alerts)
	}
}

func TestOlderNotificationIsNotNewAfterNewestDisappears(t *testing.T) {
	d := NewDetector(session.RoleGuest, fixedNow)
	n1 := reconcile.Notification{ID: "n1", Title: "Breakfast", CreatedAt: base}
	n2 := reconcile.Notification{ID: "n2", Title: "Pool closed", CreatedAt: base.Add(time.Minute)}
	d.Notifications("res-1", []reconcile.Notification{n1, n2})
	if alerts := d.Notifications("res-1", []reconcile.Notification{n1}); len(alerts) != 0 {
		t.Fatalf("expected no alert for n1 after n2 was removed, got %+v", alerts)
	}
}
