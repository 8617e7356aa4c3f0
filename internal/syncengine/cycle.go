package syncengine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/harborline/frontdesk/internal/alert"
	"github.com/harborline/frontdesk/internal/reconcile"
	"github.com/harborline/frontdesk/internal/session"
)

type fetchJob struct {
	class Class
	// key identifies the job for ticket ordering; catalog jobs add the type.
	key  string
	sub  string
	path string
}

type fetchResult struct {
	job     fetchJob
	ticket  uint64
	payload []byte
	err     error
}

func (e *Engine) runCycle(ctx context.Context, gen uint64, sess session.Session) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	if !e.live(ctx, gen) {
		return
	}
	if guest, ok := sess.(session.GuestSession); ok {
		if !e.checkLiveness(ctx, gen, guest) {
			return
		}
	}
	results := e.fetchAll(ctx, e.jobsFor(sess, nil))
	if ctx.Err() != nil {
		return
	}
	for _, r := range results {
		if isUnauthorized(r.err) {
			e.expire(ctx, gen, "session rejected by backend")
			return
		}
	}
	e.apply(ctx, gen, results, true)
}

// checkLiveness asks whether the guest's reservation still accepts the
// session. A definite no ends the session; a transient failure does not.
func (e *Engine) checkLiveness(ctx context.Context, gen uint64, guest session.GuestSession) bool {
	payload, err := e.client.Fetch(ctx, sessionStatusPath(guest.Reservation.ID))
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if isGone(err) {
			e.expire(ctx, gen, "reservation no longer active")
			return false
		}
		e.logf("liveness check for reservation %s failed: %v", guest.Reservation.ID, err)
		return true
	}
	raw, err := reconcile.Record(payload)
	if err != nil {
		e.logf("liveness check for reservation %s returned unreadable payload: %v", guest.Reservation.ID, err)
		return true
	}
	if !reservationActive(raw) {
		e.expire(ctx, gen, "reservation no longer active")
		return false
	}
	return true
}

func reservationActive(raw reconcile.Raw) bool {
	if raw == nil {
		return true
	}
	if !raw.Bool(true, "active", "isActive", "valid", "sessionActive") {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(raw.String("status", "reservationStatus"))) {
	case "checked-out", "checked_out", "checkedout", "cancelled", "canceled", "closed", "inactive", "expired":
		return false
	}
	return true
}

// jobsFor lists the fetches for sess, limited to only when it is non-nil.
// Reference data is included until it has been fetched once.
func (e *Engine) jobsFor(sess session.Session, only map[Class]bool) []fetchJob {
	var jobs []fetchJob
	add := func(class Class, sub, path string) {
		if only != nil && !only[class] {
			return
		}
		key := string(class)
		if sub != "" {
			key += "/" + sub
		}
		jobs = append(jobs, fetchJob{class: class, key: key, sub: sub, path: path})
	}

	switch s := sess.(type) {
	case session.GuestSession:
		id := s.Reservation.ID
		add(ClassMessages, "", guestMessagesPath(id))
		add(ClassNotifications, "", guestNotificationsPath(id))
		add(ClassServices, "", guestServicesPath(id))
	case session.StaffSession:
		add(ClassRooms, "", staffRoomsPath)
		add(ClassReservations, "", staffReservationsPath)
		add(ClassServices, "", staffServicesPath)
		add(ClassMessages, "", staffMessagesPath)
		add(ClassNotifications, "", staffNotificationsPath)
	}

	e.mu.Lock()
	fetched := make(map[string]bool, len(e.fetchedOnce))
	for k, v := range e.fetchedOnce {
		fetched[k] = v
	}
	e.mu.Unlock()
	if only == nil {
		for _, kind := range e.catalogTypes {
			if !fetched[string(ClassCatalog)+"/"+kind] {
				add(ClassCatalog, kind, catalogPath(kind))
			}
		}
		if guest, ok := sess.(session.GuestSession); ok && !fetched[string(ClassWiFi)] {
			add(ClassWiFi, "", wifiPath(guest.Room.Floor))
		}
	}
	return jobs
}

// fetchAll runs jobs concurrently; one failing class never blocks another.
func (e *Engine) fetchAll(ctx context.Context, jobs []fetchJob) []fetchResult {
	results := make([]fetchResult, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job fetchJob) {
			defer wg.Done()
			ticket := e.tickets.Add(1)
			payload, err := e.client.Fetch(ctx, job.path)
			results[i] = fetchResult{job: job, ticket: ticket, payload: payload, err: err}
		}(i, job)
	}
	wg.Wait()
	return results
}

// apply folds results into the snapshot if gen is still the active
// generation, then publishes the snapshot and delivers alerts. It reports
// whether anything was applied.
func (e *Engine) apply(ctx context.Context, gen uint64, results []fetchResult, cycle bool) bool {
	var alerts []alert.Alert
	e.mu.Lock()
	if e.closed || e.sess == nil || e.gen != gen || e.detector == nil {
		e.mu.Unlock()
		return false
	}
	for _, r := range results {
		if r.ticket <= e.applied[r.job.key] {
			continue
		}
		if r.err != nil {
			if errors.Is(r.err, context.Canceled) {
				continue
			}
			e.snap.Errors[r.job.key] = r.err.Error()
			e.logf("fetch %s failed: %v", r.job.key, r.err)
			continue
		}
		raws, err := reconcile.Records(r.payload)
		if err != nil {
			e.snap.Errors[r.job.key] = err.Error()
			e.logf("reconcile %s failed: %v", r.job.key, err)
			continue
		}
		e.applied[r.job.key] = r.ticket
		delete(e.snap.Errors, r.job.key)
		alerts = append(alerts, e.applyClassLocked(r.job, raws)...)
	}
	if cycle {
		e.snap.Cycles++
	}
	e.snap.UpdatedAt = e.now().UTC()
	snap := e.stampLocked()
	e.mu.Unlock()

	e.publish(Event{Type: EventSnapshot, Snapshot: &snap})
	e.deliver(ctx, gen, alerts)
	return true
}

func (e *Engine) applyClassLocked(job fetchJob, raws []reconcile.Raw) []alert.Alert {
	role := e.sess.Role()
	scope := "staff"
	if guest, ok := e.sess.(session.GuestSession); ok {
		scope = guest.Reservation.ID
	}
	switch job.class {
	case ClassMessages:
		msgs := e.reconciler.Messages(raws)
		reconcile.SortMessages(msgs)
		e.snap.Messages = msgs
		return e.detector.Messages(scope, msgs)
	case ClassNotifications:
		ns := e.reconciler.Notifications(raws)
		reconcile.SortNotifications(ns)
		e.snap.Notifications = ns
		return e.detector.Notifications(scope, ns)
	case ClassServices:
		reqs := e.reconciler.ServiceRequests(raws)
		reconcile.SortServiceRequests(reqs)
		e.snap.ServiceRequests = reqs
		if role == session.RoleGuest {
			return e.detector.ServiceStatuses(reqs)
		}
		return e.detector.ServiceQueue(scope, reqs)
	case ClassRooms:
		e.snap.Rooms = e.reconciler.Rooms(raws)
	case ClassReservations:
		e.snap.Reservations = e.reconciler.Reservations(raws)
	case ClassCatalog:
		e.snap.Catalog[job.sub] = e.reconciler.CatalogItems(raws)
		e.fetchedOnce[job.key] = true
	case ClassWiFi:
		if len(raws) > 0 {
			wifi := e.reconciler.WiFi(raws[0])
			e.snap.WiFi = &wifi
		}
		e.fetchedOnce[job.key] = true
	}
	return nil
}
