package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// RemoteClient is the hotel backend's REST surface. Fetch returns the raw
// response body; Write discards it.
type RemoteClient interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, method, path string, body any) error
}

// TokenSource returns the bearer token for the next request, or "".
type TokenSource func() string

type HTTPClient struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, token TokenSource, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, path string) ([]byte, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Write(ctx context.Context, method, path string, body any) error {
	return c.doJSON(ctx, method, path, body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out *json.RawMessage) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	// Only idempotent methods are retried after the request may have landed.
	retryable := method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if token := strings.TrimSpace(c.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryable && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil {
				*out = payloadBytes
			}
			return nil
		}

		transient := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if transient && (retryable || resp.StatusCode == http.StatusTooManyRequests) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = errPayload.Error
		}
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func statusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// isUnauthorized reports a backend answer meaning the session token is no
// longer accepted.
func isUnauthorized(err error) bool {
	code := statusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// isGone reports a liveness answer meaning the reservation no longer exists.
func isGone(err error) bool {
	code := statusCode(err)
	return isUnauthorized(err) || code == http.StatusNotFound || code == http.StatusGone
}

func correlationID() string {
	return "frontdesk_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func escape(segment string) string {
	return url.PathEscape(strings.TrimSpace(segment))
}

// Backend paths.

func guestMessagesPath(reservationID string) string {
	return "/messages/" + escape(reservationID)
}

func guestNotificationsPath(reservationID string) string {
	return "/notifications/" + escape(reservationID)
}

func guestServicesPath(reservationID string) string {
	return "/services/" + escape(reservationID)
}

func sessionStatusPath(reservationID string) string {
	return "/session/status/" + escape(reservationID)
}

func catalogPath(kind string) string {
	return "/catalog/" + escape(kind)
}

func wifiPath(floor int) string {
	return "/wifi/" + strconv.Itoa(floor)
}

const (
	staffRoomsPath         = "/staff/rooms"
	staffReservationsPath  = "/staff/reservations"
	staffServicesPath      = "/staff/services"
	staffMessagesPath      = "/staff/messages"
	staffNotificationsPath = "/notifications"

	messagesWritePath      = "/messages"
	servicesWritePath      = "/services"
	notificationsWritePath = "/notifications"
)

func cancelServicePath(id string) string {
	return "/services/" + escape(id) + "/cancel"
}

func serviceStatusPath(id string) string {
	return "/staff/services/" + escape(id) + "/status"
}

func messageReadPath(id string) string {
	return "/messages/" + escape(id) + "/read"
}

func notificationReadPath(id string) string {
	return "/notifications/" + escape(id) + "/read"
}

func staffRecordPath(kind, id string) string {
	if strings.TrimSpace(id) == "" {
		return "/staff/" + escape(kind)
	}
	return "/staff/" + escape(kind) + "/" + escape(id)
}
