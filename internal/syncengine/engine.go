// Package syncengine keeps a live local view of the hotel backend for the
// active session: it polls, reconciles, detects alert-worthy changes and
// dispatches writes, and publishes the result to local consumers.
package syncengine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harborline/frontdesk/internal/alert"
	"github.com/harborline/frontdesk/internal/detect"
	"github.com/harborline/frontdesk/internal/reconcile"
	"github.com/harborline/frontdesk/internal/session"
)

var (
	ErrNoSession    = errors.New("no active session")
	ErrWrongRole    = errors.New("operation not permitted for this role")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("engine closed")
)

const (
	DefaultInterval       = 5 * time.Second
	DefaultDeliverTimeout = 3 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

// Sessions is the part of session.Store the engine depends on.
type Sessions interface {
	Current() (session.Session, uint64)
	Subscribe(fn func(session.Change)) func()
	DeactivateGeneration(ctx context.Context, gen uint64, reason string) bool
}

type SchedulerState string

const (
	StateIdle    SchedulerState = "idle"
	StateRunning SchedulerState = "running"
	StateStopped SchedulerState = "stopped"
)

type Options struct {
	Interval         time.Duration
	Jitter           float64
	AssetOrigin      string
	CatalogTypes     []string
	SubscriberBuffer int
	// DeliverTimeout bounds each alert delivery so a stalled sink cannot hold
	// up polling or mutation refreshes.
	DeliverTimeout time.Duration
	// Manual disables the scheduler loop; cycles run only through RunCycle.
	Manual bool
	Logger Logger
	Now    func() time.Time
}

type Engine struct {
	client     RemoteClient
	sessions   Sessions
	sink       alert.Sink
	reconciler reconcile.Reconciler
	logger     Logger
	now        func() time.Time

	interval     time.Duration
	jitter       float64
	catalogTypes []string
	subBuffer    int
	deliverWait  time.Duration
	manual       bool

	rngMu sync.Mutex
	rng   *rand.Rand

	// tickets orders fetch results per class; a result older than the last
	// applied one for its class is discarded.
	tickets atomic.Uint64

	// cycleMu keeps scheduled and manual cycles from overlapping.
	cycleMu sync.Mutex
	loops   sync.WaitGroup

	mu          sync.Mutex
	baseCtx     context.Context
	started     bool
	switched    bool
	closed      bool
	state       SchedulerState
	sess        session.Session
	gen         uint64
	detector    *detect.Detector
	snap        Snapshot
	seq         uint64
	applied     map[string]uint64
	fetchedOnce map[string]bool
	cancelLoop  context.CancelFunc
	unsubscribe func()

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
	// sentSeq is the sequence of the last snapshot handed to subscribers.
	sentSeq uint64
}

func New(client RemoteClient, sessions Sessions, sink alert.Sink, opts Options) *Engine {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	buffer := opts.SubscriberBuffer
	if buffer <= 0 {
		buffer = 16
	}
	deliverWait := opts.DeliverTimeout
	if deliverWait <= 0 {
		deliverWait = DefaultDeliverTimeout
	}
	return &Engine{
		client:       client,
		sessions:     sessions,
		sink:         sink,
		reconciler:   reconcile.New(opts.AssetOrigin),
		logger:       opts.Logger,
		now:          now,
		interval:     interval,
		jitter:       clampJitterRatio(opts.Jitter),
		catalogTypes: append([]string(nil), opts.CatalogTypes...),
		subBuffer:    buffer,
		deliverWait:  deliverWait,
		manual:       opts.Manual,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		state:        StateIdle,
		snap:         newSnapshot(nil, 0, StateIdle),
		applied:      map[string]uint64{},
		fetchedOnce:  map[string]bool{},
		subs:         map[int]chan Event{},
	}
}

// Start follows the session store: every activation starts a scheduler for
// the new session and every transition stops the previous one.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.baseCtx = ctx
	e.mu.Unlock()

	unsubscribe := e.sessions.Subscribe(e.onSessionChange)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	sess, gen := e.sessions.Current()
	e.switchSession(sess, gen, "startup")
	return nil
}

// Close stops the scheduler, waits for an in-flight cycle to finish and
// closes subscriber channels. It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.state = StateStopped
	e.snap.State = StateStopped
	cancel := e.cancelLoop
	e.cancelLoop = nil
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	e.loops.Wait()

	e.subMu.Lock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subMu.Unlock()
}

func (e *Engine) SchedulerState() SchedulerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a copy of the current view that the caller may keep.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone()
}

// Session returns the session the engine is currently serving.
func (e *Engine) Session() (session.Session, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, e.gen
}

// RunCycle runs one poll cycle for the current session and waits for it.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.mu.Lock()
	closed, sess, gen := e.closed, e.sess, e.gen
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if sess == nil {
		return ErrNoSession
	}
	e.runCycle(ctx, gen, sess)
	return nil
}

func (e *Engine) onSessionChange(change session.Change) {
	e.switchSession(change.Current, change.Generation, change.Reason)
}

func (e *Engine) switchSession(sess session.Session, gen uint64, reason string) {
	e.mu.Lock()
	if e.closed || (e.switched && gen <= e.gen) {
		e.mu.Unlock()
		return
	}
	e.switched = true
	if e.cancelLoop != nil {
		e.cancelLoop()
		e.cancelLoop = nil
	}
	e.sess = sess
	e.gen = gen
	e.applied = map[string]uint64{}
	e.fetchedOnce = map[string]bool{}
	e.detector = nil
	e.state = StateIdle
	if sess != nil {
		e.detector = detect.NewDetector(sess.Role(), e.now)
		e.state = StateRunning
		base := e.baseCtx
		if base == nil {
			base = context.Background()
		}
		if !e.manual {
			loopCtx, cancel := context.WithCancel(base)
			e.cancelLoop = cancel
			e.loops.Add(1)
			go e.loop(loopCtx, gen, sess)
		}
	}
	e.snap = newSnapshot(sess, gen, e.state)
	snap := e.stampLocked()
	e.mu.Unlock()

	event := &SessionEvent{Active: sess != nil, Generation: gen, Reason: reason}
	if sess != nil {
		event.Role = sess.Role()
		e.logf("%s session generation %d: scheduler running (%s)", sess.Role(), gen, reason)
	} else {
		e.logf("session generation %d ended: scheduler idle (%s)", gen, reason)
	}
	e.publish(Event{Type: EventSession, Session: event})
	e.publish(Event{Type: EventSnapshot, Snapshot: &snap})
}

// live reports whether work for gen may still proceed.
func (e *Engine) live(ctx context.Context, gen uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && e.sess != nil && e.gen == gen
}

// loop runs one cycle immediately and then one per interval, measured from
// the end of the previous cycle.
func (e *Engine) loop(ctx context.Context, gen uint64, sess session.Session) {
	defer e.loops.Done()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		if !e.live(ctx, gen) {
			return
		}
		e.runCycle(ctx, gen, sess)
		if !e.live(ctx, gen) {
			return
		}
		delay := jitteredIntervalWithSample(e.interval, e.jitter, e.sample())
		if timer == nil {
			timer = time.NewTimer(delay)
		} else {
			timer.Reset(delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (e *Engine) sample() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// expire ends gen's session after the backend rejected it. A newer session
// is never affected.
func (e *Engine) expire(ctx context.Context, gen uint64, reason string) {
	if e.sessions.DeactivateGeneration(ctx, gen, reason) {
		e.logf("session generation %d deactivated: %s", gen, reason)
	}
}

// deliver hands alerts to subscribers and the sink while gen is still live.
// Each sink delivery gets its own deadline.
func (e *Engine) deliver(ctx context.Context, gen uint64, alerts []alert.Alert) {
	for i := range alerts {
		if !e.live(ctx, gen) {
			e.logf("session generation %d ended; dropped %d alerts", gen, len(alerts)-i)
			return
		}
		a := alerts[i]
		e.publish(Event{Type: EventAlert, Alert: &a})
		if e.sink == nil {
			continue
		}
		deliverCtx, cancel := context.WithTimeout(ctx, e.deliverWait)
		err := e.sink.Deliver(deliverCtx, a)
		cancel()
		if err != nil {
			e.logf("deliver alert %s failed: %v", a.ID, err)
		}
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
