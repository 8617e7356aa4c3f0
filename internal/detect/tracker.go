// Package detect decides which freshly reconciled records are worth telling
// the user about, so each real change raises one alert and re-polling
// unchanged data raises none.
package detect

// StreamTracker remembers, per scope, the newest id seen and every id already
// evaluated, for append-only streams such as chat messages. It is not safe
// for concurrent use.
type StreamTracker struct {
	latest    map[string]string
	evaluated map[string]map[string]struct{}
}

func NewStreamTracker() *StreamTracker {
	return &StreamTracker{
		latest:    map[string]string{},
		evaluated: map[string]map[string]struct{}{},
	}
}

// Observe records one poll of scope, where present holds every id in the list
// and latestID the newest of them. It reports whether latestID is a record
// never evaluated before. The first observation of a scope only seeds it, but
// a scope first observed empty reports its first record as a change. An empty
// latestID never replaces a remembered id, and an older record that becomes
// newest because a newer one disappeared is not a change.
func (t *StreamTracker) Observe(scope, latestID string, present []string) bool {
	seen, observed := t.evaluated[scope]
	if !observed {
		seen = map[string]struct{}{}
		t.evaluated[scope] = seen
		t.latest[scope] = latestID
	}
	_, known := seen[latestID]
	for _, id := range present {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	if latestID == "" {
		return false
	}
	seen[latestID] = struct{}{}
	t.latest[scope] = latestID
	return observed && !known
}

func (t *StreamTracker) Latest(scope string) (string, bool) {
	id, ok := t.latest[scope]
	return id, ok
}

func (t *StreamTracker) Reset() {
	t.latest = map[string]string{}
	t.evaluated = map[string]map[string]struct{}{}
}

// StatusTracker remembers the last status seen per entity id.
type StatusTracker struct {
	status map[string]string
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{status: map[string]string{}}
}

// Observe records status for id. changed is true only when id was seen
// before with a different status; unknown ids are seeded silently.
func (t *StatusTracker) Observe(id, status string) (prev string, changed bool) {
	prev, seen := t.status[id]
	t.status[id] = status
	return prev, seen && prev != status
}

func (t *StatusTracker) Forget(id string) {
	delete(t.status, id)
}

// Retain forgets every id not in keep.
func (t *StatusTracker) Retain(keep map[string]struct{}) {
	for id := range t.status {
		if _, ok := keep[id]; !ok {
			delete(t.status, id)
		}
	}
}

func (t *StatusTracker) Len() int {
	return len(t.status)
}
