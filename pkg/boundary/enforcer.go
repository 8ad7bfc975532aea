// Package boundary enforces egress policy for every outbound call.
//
// Validation order is fixed and the first match wins: kill switch, offline
// mode, HTTPS, allowlist. Anything not explicitly allowed is rejected.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Mode selects which allowlist is active.
type Mode string

const (
	ModeNormal              Mode = "normal"
	ModeEnterpriseAllowlist Mode = "enterpriseAllowlist"
	ModeOfflineOnly         Mode = "offlineOnly"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeEnterpriseAllowlist, ModeOfflineOnly:
		return true
	}
	return false
}

// Network policy errors. Each is terminal for the call that produced it.
var (
	ErrKillSwitchActive   = errors.New("kill switch")
	ErrOfflineModeActive  = errors.New("offline mode")
	ErrSchemeNotHTTPS     = errors.New("HTTPS required")
	ErrHostNotAllowlisted = errors.New("not in allowlist")
	ErrInvalidURL         = errors.New("invalid url")
	ErrInvalidHost        = errors.New("invalid host pattern")
)

// State is a point-in-time view of the enforcer.
type State struct {
	Mode       Mode     `json:"mode"`
	Allowlist  []string `json:"allowlist"`
	KillSwitch bool     `json:"killSwitch"`
}

type hostPattern struct {
	raw string
	re  *regexp.Regexp
}

func compileHost(host string) (hostPattern, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" || h == "*" || strings.ContainsAny(h, "/:@ ") {
		return hostPattern{}, fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	if strings.Contains(h, "*") && !strings.HasPrefix(h, "*.") {
		return hostPattern{}, fmt.Errorf("%w: wildcard only allowed as leading label: %q", ErrInvalidHost, host)
	}
	// *.example.com -> ^[^.]+(\.[^.]+)*\.example\.com$
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(h), `\*`, `[^.]+(\.[^.]+)*`) + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return hostPattern{}, fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	return hostPattern{raw: h, re: re}, nil
}

// Enforcer is the single owner of network policy state.
type Enforcer struct {
	mu         sync.RWMutex
	mode       Mode
	killSwitch bool
	static     map[Mode][]hostPattern
	granted    map[string]hostPattern
	logger     *slog.Logger
}

// NewEnforcer creates an enforcer from p. A nil policy starts in offline mode.
func NewEnforcer(p *Policy) (*Enforcer, error) {
	e := &Enforcer{
		mode:    ModeOfflineOnly,
		static:  make(map[Mode][]hostPattern),
		granted: make(map[string]hostPattern),
		logger:  slog.Default().With("component", "boundary"),
	}
	if p != nil {
		if err := e.LoadPolicy(p); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// WithLogger sets the logger.
func (e *Enforcer) WithLogger(l *slog.Logger) *Enforcer {
	e.logger = l
	return e
}

// LoadPolicy replaces mode, kill switch and static allowlists. Runtime grants survive.
func (e *Enforcer) LoadPolicy(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	static := make(map[Mode][]hostPattern)
	for mode, hosts := range p.Allowlists {
		for _, h := range hosts {
			hp, err := compileHost(h)
			if err != nil {
				return err
			}
			static[Mode(mode)] = append(static[Mode(mode)], hp)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = Mode(p.Mode)
	e.killSwitch = p.KillSwitch
	e.static = static
	return nil
}

// Validate checks rawURL against the active policy. A nil enforcer behaves
// as offline.
func (e *Enforcer) Validate(ctx context.Context, rawURL string) error {
	if e == nil {
		return ErrOfflineModeActive
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.killSwitch {
		return e.deny(ctx, ErrKillSwitchActive, rawURL)
	}
	if e.mode == ModeOfflineOnly || !e.mode.Valid() {
		return e.deny(ctx, ErrOfflineModeActive, rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return e.deny(ctx, ErrInvalidURL, rawURL)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return e.deny(ctx, ErrSchemeNotHTTPS, rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if !e.allowedLocked(host) {
		return e.deny(ctx, ErrHostNotAllowlisted, rawURL)
	}
	return nil
}

func (e *Enforcer) allowedLocked(host string) bool {
	for _, hp := range e.static[e.mode] {
		if hp.re.MatchString(host) {
			return true
		}
	}
	for _, hp := range e.granted {
		if hp.re.MatchString(host) {
			return true
		}
	}
	return false
}

func (e *Enforcer) deny(ctx context.Context, sentinel error, rawURL string) error {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	e.logger.WarnContext(ctx, "egress denied", "reason", sentinel.Error(), "host", host, "mode", e.mode)
	if host == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, host)
}

// RegisterHost grants egress to host (wildcards allowed) in every
// non-offline mode.
func (e *Enforcer) RegisterHost(host string) error {
	hp, err := compileHost(host)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.granted[hp.raw] = hp
	e.logger.Info("egress grant added", "host", hp.raw)
	return nil
}

// RemoveHost revokes a runtime grant. Static allowlist entries are unaffected.
func (e *Enforcer) RemoveHost(host string) {
	h := strings.ToLower(strings.TrimSpace(host))
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.granted[h]; ok {
		delete(e.granted, h)
		e.logger.Info("egress grant removed", "host", h)
	}
}

// SetKillSwitch engages or releases the global override.
func (e *Enforcer) SetKillSwitch(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = on
	e.logger.Info("kill switch changed", "engaged", on)
}

// SetMode changes the active mode.
func (e *Enforcer) SetMode(m Mode) error {
	if !m.Valid() {
		return fmt.Errorf("boundary: unknown mode %q", m)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = m
	return nil
}

// State returns a snapshot. Allowlist merges the active mode's static list
// with runtime grants, sorted.
func (e *Enforcer) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := map[string]bool{}
	var hosts []string
	for _, hp := range e.static[e.mode] {
		if !seen[hp.raw] {
			seen[hp.raw] = true
			hosts = append(hosts, hp.raw)
		}
	}
	for raw := range e.granted {
		if !seen[raw] {
			seen[raw] = true
			hosts = append(hosts, raw)
		}
	}
	sort.Strings(hosts)
	return State{Mode: e.mode, Allowlist: hosts, KillSwitch: e.killSwitch}
}
