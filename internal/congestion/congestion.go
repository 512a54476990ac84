// Package congestion paces the update send loop. The pace reacts to
// inbound traffic: sustained traffic earns the fast tier back one step
// at a time, silence steps the pace down, long silence drops it to the
// slowest tier at once.
package congestion

import (
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/model"
)

// Tier is one of the three pacing tiers.
type Tier int

const (
	// RateHigh is the tier used while the link looks healthy.
	RateHigh = Tier(iota)

	// RateReduced is the tier used after a short silence.
	RateReduced

	// RateLow is the tier used when the link looks congested or dead.
	RateLow
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	switch t {
	case RateHigh:
		return "high"
	case RateReduced:
		return "reduced"
	case RateLow:
		return "low"
	default:
		return "invalid"
	}
}

// Interval returns the send interval of the tier.
func (t Tier) Interval() time.Duration {
	switch t {
	case RateReduced:
		return 150 * time.Millisecond
	case RateLow:
		return 500 * time.Millisecond
	default:
		return 50 * time.Millisecond
	}
}

const (
	// demoteAfter is the silence that triggers a single-step demotion.
	demoteAfter = time.Second

	// collapseAfter is the silence that drops the tier straight to
	// [RateLow].
	collapseAfter = 3 * time.Second

	// promoteAfter is the stretch of uninterrupted inbound freshness
	// that earns a single-step promotion.
	promoteAfter = 2 * time.Second
)

// Manager owns the pacing tier of one link. The receive path reports
// traffic with [Manager.OnInbound] and the send loop asks for the
// current pace with [Manager.Interval] every tick.
//
// When the backend provides native congestion control the manager is
// disabled and the pace is always [RateHigh].
//
// The zero value is invalid; use [NewManager]. This struct is
// concurrency safe.
type Manager struct {
	demoted     bool
	disabled    bool
	freshSince  time.Time
	lastInbound time.Time
	logger      model.Logger
	mu          sync.Mutex
	tier        Tier
	timeNow     func() time.Time
}

// NewManager returns a [Manager] starting at [RateHigh]. Pass disabled
// when the backend has native congestion control.
func NewManager(logger model.Logger, disabled bool) *Manager {
	now := time.Now()
	return &Manager{
		demoted:     false,
		disabled:    disabled,
		freshSince:  time.Time{},
		lastInbound: now,
		logger:      logger,
		mu:          sync.Mutex{},
		tier:        RateHigh,
		timeNow:     time.Now,
	}
}

// OnInbound records that data arrived from the remote.
func (m *Manager) OnInbound() {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.lastInbound = m.timeNow()
	m.demoted = false
}

// Interval evaluates the tier against the current silence and returns
// the send interval to use for the next tick.
func (m *Manager) Interval() time.Duration {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.evaluateLocked()
	return m.tier.Interval()
}

// Tier evaluates and returns the current tier.
func (m *Manager) Tier() Tier {
	defer m.mu.Unlock()
	m.mu.Lock()
	m.evaluateLocked()
	return m.tier
}

// evaluateLocked moves the tier a single step per call.
func (m *Manager) evaluateLocked() {
	if m.disabled {
		return
	}
	now := m.timeNow()
	silence := now.Sub(m.lastInbound)

	if silence > collapseAfter {
		m.freshSince = time.Time{}
		m.setTierLocked(RateLow)
		return
	}

	if silence > demoteAfter {
		m.freshSince = time.Time{}
		if !m.demoted {
			m.demoted = true
			m.setTierLocked(m.tier + 1)
		}
		return
	}

	// the link is fresh; a long enough streak earns one step up
	if m.freshSince.IsZero() {
		m.freshSince = now
		return
	}
	if now.Sub(m.freshSince) >= promoteAfter && m.tier > RateHigh {
		m.freshSince = now
		m.setTierLocked(m.tier - 1)
	}
}

func (m *Manager) setTierLocked(tier Tier) {
	if tier > RateLow {
		tier = RateLow
	}
	if tier < RateHigh {
		tier = RateHigh
	}
	if tier == m.tier {
		return
	}
	m.logger.Infof("congestion: %s -> %s", m.tier, tier)
	m.tier = tier
}
