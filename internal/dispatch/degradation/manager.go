// Package degradation is the Degradation Manager: per-backend health with
// a circuit breaker, a best-effort network check, a 24h tool-result cache
// for offline serving, and an advisory request queue. Grounded on the
// teacher's internal/agent/failover.go (FailoverOrchestrator's
// ProviderState / circuit-breaker timing) and original_source's
// server/services/degradation.py (the exact mode-derivation rules and
// constants: 3 consecutive failures, 60s recovery window, 100-entry queue,
// 24h cache TTL, 30s network-check cache).
package degradation

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
)

// Mode is the derived, observable degradation state. Transitions are
// derived from health snapshots on every update, never commanded directly.
type Mode string

const (
	ModeNormal              Mode = "NORMAL"
	ModeDegraded            Mode = "DEGRADED"
	ModePrimaryUnavailable  Mode = "PRIMARY_UNAVAILABLE"
	ModeSecondaryUnavailable Mode = "SECONDARY_UNAVAILABLE"
	ModeRateLimited         Mode = "RATE_LIMITED"
	ModeOffline             Mode = "OFFLINE"
)

const (
	failureThreshold  = 3
	recoveryWindow    = 60 * time.Second
	maxQueueSize      = 100
	queueTimeout      = 5 * time.Minute
	cacheTTL          = 24 * time.Hour
	networkCheckTTL   = 30 * time.Second
	defaultDNSProbe   = "dns.google:53"
)

// Manager owns BackendHealth, the tool-result cache, and the advisory
// request queue exclusively; no other component mutates this state
// (spec.md section 3, "Ownership").
type Manager struct {
	mu          sync.RWMutex
	health      map[models.BackendName]*models.BackendHealth
	mode        Mode
	modeSince   time.Time

	networkMu        sync.Mutex
	networkAvailable bool
	lastNetworkCheck time.Time

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	queueMu sync.Mutex
	queue   []queuedEntry

	dialer func(ctx context.Context, network, address string) (net.Conn, error)

	onModeChange func(old, new Mode)
}

// OnModeChange registers fn to be called whenever the derived Mode
// changes. Only one hook is kept; a later call replaces the prior one.
// Used by the alerts package to watch for degradation transitions without
// the Manager holding a reference back to it (spec.md's anti-cyclic-
// reference design note, extended here to the Manager/alerts boundary).
func (m *Manager) OnModeChange(fn func(old, new Mode)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onModeChange = fn
}

type cacheEntry struct {
	result   any
	cachedAt time.Time
}

type queuedEntry struct {
	id       string
	priority int
	queuedAt time.Time
	deadline time.Time
}

// New returns a Manager tracking health for exactly the given backends.
func New(backends ...models.BackendName) *Manager {
	m := &Manager{
		health:           make(map[models.BackendName]*models.BackendHealth, len(backends)),
		mode:             ModeNormal,
		modeSince:        time.Now(),
		networkAvailable: true,
		cache:            make(map[string]cacheEntry),
		dialer:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	for _, b := range backends {
		m.health[b] = &models.BackendHealth{Name: b, Available: true}
	}
	return m
}

// RecordSuccess resets the failure counter and restores availability for
// a backend.
func (m *Manager) RecordSuccess(name models.BackendName) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.healthLocked(name)
	h.TotalRequests++
	h.LastSuccess = time.Now()
	h.ConsecutiveFailures = 0
	h.Available = true
	m.recomputeModeLocked()
}

// RecordFailure records a failed call. When isRateLimit is true,
// retryAfter (defaulting to 60s when zero) sets RateLimitedUntil
// regardless of the consecutive-failure count, per spec.md's BackendHealth
// invariant.
func (m *Manager) RecordFailure(name models.BackendName, isRateLimit bool, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.healthLocked(name)
	h.TotalRequests++
	h.TotalFailures++
	h.LastFailure = time.Now()
	h.ConsecutiveFailures++

	if h.ConsecutiveFailures >= failureThreshold {
		h.Available = false
	}

	if isRateLimit {
		if retryAfter <= 0 {
			retryAfter = 60 * time.Second
		}
		h.RateLimitedUntil = time.Now().Add(retryAfter)
	}

	m.recomputeModeLocked()
}

func (m *Manager) healthLocked(name models.BackendName) *models.BackendHealth {
	h, ok := m.health[name]
	if !ok {
		h = &models.BackendHealth{Name: name, Available: true}
		m.health[name] = h
	}
	return h
}

// Snapshot returns a copy of the current health record for name.
func (m *Manager) Snapshot(name models.BackendName) models.BackendHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if h, ok := m.health[name]; ok {
		return *h
	}
	return models.BackendHealth{Name: name, Available: true}
}

// available reports whether a backend should currently be tried: either it
// has no circuit open, or its recovery window has elapsed since last
// failure (at which point get_preferred_backend is allowed to retry it).
func available(h *models.BackendHealth, now time.Time) bool {
	if h.IsRateLimited(now) {
		return false
	}
	if h.Available {
		return true
	}
	return !h.LastFailure.IsZero() && now.Sub(h.LastFailure) > recoveryWindow
}

// GetPreferredBackend returns the backend the Dispatcher should use given
// the user-configured primary. It never itself retries a request; it only
// picks which backend the next attempt should target, per spec.md section
// 4.1 step 3 and section 4.3's "mode changes do not by themselves alter
// behaviour" rule.
func (m *Manager) GetPreferredBackend(preferred models.BackendName, candidates []models.BackendName, localOnly bool) models.BackendName {
	m.mu.Lock()
	defer m.mu.Unlock()

	if localOnly {
		return models.BackendLocal
	}

	now := time.Now()
	if h := m.healthLocked(preferred); available(h, now) {
		return preferred
	}

	var bestFallback models.BackendName
	var bestFailure time.Time
	found := false
	for _, c := range candidates {
		if c == preferred {
			continue
		}
		h := m.healthLocked(c)
		if available(h, now) {
			return c
		}
		if !found || h.LastFailure.Before(bestFailure) {
			bestFailure = h.LastFailure
			bestFallback = c
			found = true
		}
	}

	if found {
		return bestFallback
	}
	return preferred
}

func (m *Manager) recomputeModeLocked() {
	old := m.mode

	if !m.networkAvailableLocked() {
		m.mode = ModeOffline
		m.maybeMarkChanged(old)
		return
	}

	now := time.Now()
	var anyRateLimited, anyDegraded bool
	unavailable := 0
	total := 0
	for _, h := range m.health {
		total++
		if h.IsRateLimited(now) {
			anyRateLimited = true
		}
		if !h.Available {
			unavailable++
		}
		if h.ConsecutiveFailures > 0 {
			anyDegraded = true
		}
	}

	switch {
	case anyRateLimited:
		m.mode = ModeRateLimited
	case unavailable > 0:
		if total >= 2 && unavailable == 1 {
			m.mode = ModePrimaryUnavailable
		} else {
			m.mode = ModeSecondaryUnavailable
		}
	case anyDegraded:
		m.mode = ModeDegraded
	default:
		m.mode = ModeNormal
	}

	m.maybeMarkChanged(old)
}

func (m *Manager) maybeMarkChanged(old Mode) {
	if old != m.mode {
		m.modeSince = time.Now()
		if m.onModeChange != nil {
			newMode := m.mode
			hook := m.onModeChange
			go hook(old, newMode)
		}
	}
}

func (m *Manager) networkAvailableLocked() bool {
	m.networkMu.Lock()
	defer m.networkMu.Unlock()
	return m.networkAvailable
}

// Mode returns the current derived degradation mode.
func (m *Manager) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// IsOffline reports whether mode is OFFLINE, the only mode a tool's
// offline-cache consultation gates on.
func (m *Manager) IsOffline() bool {
	return m.Mode() == ModeOffline
}

// CheckNetwork performs a best-effort DNS lookup for a well-known name,
// caching the result for 30s unless force is set. A failure is the only
// way OFFLINE mode is entered (spec.md section 4.3).
func (m *Manager) CheckNetwork(ctx context.Context, force bool) bool {
	m.networkMu.Lock()
	if !force && time.Since(m.lastNetworkCheck) < networkCheckTTL {
		avail := m.networkAvailable
		m.networkMu.Unlock()
		return avail
	}
	m.networkMu.Unlock()

	conn, err := m.dialer(ctx, "tcp", defaultDNSProbe)
	available := err == nil
	if conn != nil {
		conn.Close()
	}

	m.networkMu.Lock()
	m.networkAvailable = available
	m.lastNetworkCheck = time.Now()
	m.networkMu.Unlock()

	m.mu.Lock()
	m.recomputeModeLocked()
	m.mu.Unlock()

	return available
}
