// Package bridge exposes the sync engine to local consumers over HTTP: a JSON
// view of the current state, a websocket event stream, session activation and
// the mutation operations.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/frontdesk/internal/alert"
	"github.com/harborline/frontdesk/internal/session"
	"github.com/harborline/frontdesk/internal/syncengine"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Engine is the part of syncengine.Engine the bridge serves.
type Engine interface {
	SchedulerState() syncengine.SchedulerState
	Snapshot() syncengine.Snapshot
	Subscribe(buffer int) (<-chan syncengine.Event, func())
	SendMessage(ctx context.Context, in syncengine.MessageInput) error
	CreateServiceRequest(ctx context.Context, in syncengine.ServiceInput) error
	CancelServiceRequest(ctx context.Context, id string) error
	UpdateServiceStatus(ctx context.Context, id, status string) error
	SendNotification(ctx context.Context, in syncengine.NotificationInput) error
	MarkMessageRead(ctx context.Context, id string) error
	MarkNotificationRead(ctx context.Context, id string) error
	SaveRecord(ctx context.Context, kind, id string, fields map[string]any) error
	DeleteRecord(ctx context.Context, kind, id string) error
}

type Sessions interface {
	Current() (session.Session, uint64)
	Activate(ctx context.Context, sess session.Session) (uint64, error)
	Deactivate(ctx context.Context, reason string) bool
}

type Permissions interface {
	Permission() alert.Permission
	RequestPermission(ctx context.Context) (alert.Permission, error)
}

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every route but
	// /health. The event stream also accepts it as ?token=.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WriteTimeout    time.Duration
	EventBuffer     int
	OriginPatterns  []string
	Logger          Logger
}

type Server struct {
	engine      Engine
	sessions    Sessions
	permissions Permissions
	cfg         ServerConfig
	rateLimiter *rateLimiter
	streams     atomic.Int64
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine Engine, sessions Sessions, permissions Permissions, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		sessions:    sessions,
		permissions: permissions,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"scheduler": s.engine.SchedulerState(),
			"streams":   s.streams.Load(),
		})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "state" && r.Method == http.MethodGet:
		route = "state"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodGet:
		route = "session"
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodPost:
		route = "activate"
	case len(parts) == 2 && parts[1] == "session" && r.Method == http.MethodDelete:
		route = "logout"
	case len(parts) == 2 && parts[1] == "permission" && r.Method == http.MethodGet:
		route = "permission"
	case len(parts) == 2 && parts[1] == "permission" && r.Method == http.MethodPost:
		route = "request_permission"
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		route = "send_message"
	case len(parts) == 4 && parts[1] == "messages" && parts[3] == "read" && r.Method == http.MethodPut:
		route = "message_read"
	case len(parts) == 2 && parts[1] == "services" && r.Method == http.MethodPost:
		route = "create_service"
	case len(parts) == 4 && parts[1] == "services" && parts[3] == "cancel" && r.Method == http.MethodPut:
		route = "cancel_service"
	case len(parts) == 4 && parts[1] == "services" && parts[3] == "status" && r.Method == http.MethodPut:
		route = "service_status"
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodPost:
		route = "send_notification"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPut:
		route = "notification_read"
	case len(parts) == 3 && parts[1] == "staff" && r.Method == http.MethodPost:
		route = "create_record"
	case len(parts) == 4 && parts[1] == "staff" && r.Method == http.MethodPut:
		route = "update_record"
	case len(parts) == 4 && parts[1] == "staff" && r.Method == http.MethodDelete:
		route = "delete_record"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if !s.authorized(r, route == "events") {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}
	if s.rateLimiter != nil && r.Method != http.MethodGet {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "state":
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
	case "events":
		s.handleEvents(w, r, correlationID)
	case "session":
		s.handleSession(w)
	case "activate":
		s.handleActivate(w, r, correlationID)
	case "logout":
		ended := s.sessions.Deactivate(r.Context(), "logout")
		writeJSON(w, http.StatusOK, map[string]bool{"deactivated": ended})
	case "permission":
		writeJSON(w, http.StatusOK, map[string]alert.Permission{"permission": s.permissions.Permission()})
	case "request_permission":
		s.handleRequestPermission(w, r, correlationID)
	case "send_message":
		var in syncengine.MessageInput
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		s.respond(w, correlationID, s.engine.SendMessage(r.Context(), in))
	case "message_read":
		s.respond(w, correlationID, s.engine.MarkMessageRead(r.Context(), parts[2]))
	case "create_service":
		var in syncengine.ServiceInput
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		s.respond(w, correlationID, s.engine.CreateServiceRequest(r.Context(), in))
	case "cancel_service":
		s.respond(w, correlationID, s.engine.CancelServiceRequest(r.Context(), parts[2]))
	case "service_status":
		var in struct {
			Status string `json:"status"`
		}
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		s.respond(w, correlationID, s.engine.UpdateServiceStatus(r.Context(), parts[2], in.Status))
	case "send_notification":
		var in syncengine.NotificationInput
		if !s.decodeJSONBody(w, r, correlationID, &in) {
			return
		}
		s.respond(w, correlationID, s.engine.SendNotification(r.Context(), in))
	case "notification_read":
		s.respond(w, correlationID, s.engine.MarkNotificationRead(r.Context(), parts[2]))
	case "create_record", "update_record":
		var fields map[string]any
		if !s.decodeJSONBody(w, r, correlationID, &fields) {
			return
		}
		id := ""
		if len(parts) == 4 {
			id = parts[3]
		}
		s.respond(w, correlationID, s.engine.SaveRecord(r.Context(), parts[2], id, fields))
	case "delete_record":
		s.respond(w, correlationID, s.engine.DeleteRecord(r.Context(), parts[2], parts[3]))
	}
}

type sessionView struct {
	Active      bool                 `json:"active"`
	Role        session.Role         `json:"role,omitempty"`
	Generation  uint64               `json:"generation"`
	ActivatedAt *time.Time           `json:"activatedAt,omitempty"`
	Guest       *session.Guest       `json:"guest,omitempty"`
	Reservation *session.Reservation `json:"reservation,omitempty"`
	Room        *session.Room        `json:"room,omitempty"`
	User        *session.StaffUser   `json:"user,omitempty"`
}

// viewOf describes sess without its auth token.
func viewOf(sess session.Session, gen uint64) sessionView {
	view := sessionView{Generation: gen}
	if sess == nil {
		return view
	}
	activated := sess.Activated()
	view.Active = true
	view.Role = sess.Role()
	view.ActivatedAt = &activated
	switch s := sess.(type) {
	case session.GuestSession:
		view.Guest, view.Reservation, view.Room = &s.Guest, &s.Reservation, &s.Room
	case session.StaffSession:
		view.User = &s.User
	}
	return view
}

func (s *Server) handleSession(w http.ResponseWriter) {
	sess, gen := s.sessions.Current()
	writeJSON(w, http.StatusOK, viewOf(sess, gen))
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	sess, err := session.DecodeRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	gen, err := s.sessions.Activate(r.Context(), sess)
	if err != nil {
		s.respond(w, correlationID, err)
		return
	}
	current, _ := s.sessions.Current()
	if current == nil {
		current = sess
	}
	writeJSON(w, http.StatusCreated, viewOf(current, gen))
}

func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request, correlationID string) {
	perm, err := s.permissions.RequestPermission(r.Context())
	if err != nil {
		s.logf("permission request failed: %v", err)
		writeError(w, http.StatusBadGateway, "permission_unavailable", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]alert.Permission{"permission": perm})
}

// respond writes 202 for a nil error and the mapped error envelope otherwise.
func (s *Server) respond(w http.ResponseWriter, correlationID string, err error) {
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "correlationId": correlationID})
		return
	}
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logf("request %s failed: %v", correlationID, err)
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func errorStatus(err error) (int, string) {
	var httpErr *syncengine.HTTPError
	switch {
	case errors.Is(err, syncengine.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidSession):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, syncengine.ErrNoSession):
		return http.StatusConflict, "no_session"
	case errors.Is(err, syncengine.ErrWrongRole):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, syncengine.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.As(err, &httpErr):
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return http.StatusConflict, "session_rejected"
		case http.StatusNotFound:
			return http.StatusNotFound, "not_found"
		}
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) authorized(r *http.Request, allowQuery bool) bool {
	if s.cfg.Token == "" {
		return true
	}
	presented := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if allowQuery {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Token)) == 1
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "bridge_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
