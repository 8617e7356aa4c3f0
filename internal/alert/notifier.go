package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type Permission string

const (
	PermissionUnknown     Permission = "unknown"
	PermissionGranted     Permission = "granted"
	PermissionDenied      Permission = "denied"
	PermissionUnsupported Permission = "unsupported"
)

func (p Permission) Decided() bool {
	return p == PermissionGranted || p == PermissionDenied || p == PermissionUnsupported
}

func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown", "ask", "prompt":
		return PermissionUnknown, nil
	case "granted", "grant", "allow", "yes":
		return PermissionGranted, nil
	case "denied", "deny", "no":
		return PermissionDenied, nil
	case "unsupported", "none", "off":
		return PermissionUnsupported, nil
	}
	return "", fmt.Errorf("unknown alert permission %q", s)
}

// PermissionProvider is the host's display-permission API. Request prompts
// the user and is only called while Current reports PermissionUnknown.
type PermissionProvider interface {
	Current() Permission
	Request(ctx context.Context) (Permission, error)
}

// FixedPermission is a provider whose answer never changes.
type FixedPermission Permission

func (p FixedPermission) Current() Permission { return Permission(p) }

func (p FixedPermission) Request(context.Context) (Permission, error) { return Permission(p), nil }

// ConsentProvider starts undecided and settles on the answer from Prompt the
// first time the user explicitly asks. A prompt error leaves it undecided.
type ConsentProvider struct {
	Prompt func(ctx context.Context) (Permission, error)

	mu    sync.Mutex
	state Permission
}

func NewConsentProvider(prompt func(ctx context.Context) (Permission, error)) *ConsentProvider {
	return &ConsentProvider{Prompt: prompt, state: PermissionUnknown}
}

func (p *ConsentProvider) Current() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "" {
		return PermissionUnknown
	}
	return p.state
}

func (p *ConsentProvider) Request(ctx context.Context) (Permission, error) {
	if p.Prompt == nil {
		p.set(PermissionUnsupported)
		return PermissionUnsupported, nil
	}
	answer, err := p.Prompt(ctx)
	if err != nil {
		return PermissionUnknown, err
	}
	if answer == "" {
		answer = PermissionUnknown
	}
	p.set(answer)
	return answer, nil
}

func (p *ConsentProvider) set(v Permission) {
	p.mu.Lock()
	p.state = v
	p.mu.Unlock()
}

// Notifier gates a sink on display permission. Without a grant alerts are
// logged and dropped; delivery never fails because of permission.
type Notifier struct {
	sink     Sink
	provider PermissionProvider
	logger   Logger

	// promptMu keeps concurrent explicit requests from prompting twice.
	promptMu sync.Mutex
}

func NewNotifier(sink Sink, provider PermissionProvider, logger Logger) *Notifier {
	if provider == nil {
		provider = FixedPermission(PermissionGranted)
	}
	return &Notifier{sink: sink, provider: provider, logger: logger}
}

func (n *Notifier) Permission() Permission {
	return n.provider.Current()
}

// RequestPermission prompts at most once per call, and not at all when the
// answer is already known.
func (n *Notifier) RequestPermission(ctx context.Context) (Permission, error) {
	n.promptMu.Lock()
	defer n.promptMu.Unlock()
	if current := n.provider.Current(); current.Decided() {
		return current, nil
	}
	answer, err := n.provider.Request(ctx)
	if err != nil {
		n.logf("alert permission request failed: %v", err)
		return PermissionUnknown, err
	}
	n.logf("alert permission %s", answer)
	return answer, nil
}

func (n *Notifier) Deliver(ctx context.Context, a Alert) error {
	if perm := n.provider.Current(); perm != PermissionGranted {
		n.logf("alert %s dropped (permission %s): %s", a.ID, perm, a.Title)
		return nil
	}
	if n.sink == nil {
		return nil
	}
	return n.sink.Deliver(ctx, a)
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger == nil {
		return
	}
	n.logger.Printf(format, args...)
}
