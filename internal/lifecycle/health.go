// Package lifecycle watches crystallized rules after they are created:
// health assessment from execution statistics, tolerance for cosmetic
// proposal differences, the evidence-gathering workflow for new rules, and
// CVE-driven obsolescence hints.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"psa/internal/logging"
	"psa/internal/rules"
)

var (
	// ErrNotFound is returned for unknown proposal or CVE ids.
	ErrNotFound = errors.New("not found")
	// ErrProposalClosed is returned when evidence is added to a rejected or
	// crystallized proposal.
	ErrProposalClosed = errors.New("proposal is closed")
	// ErrInvalidTransition is returned for review transitions that the
	// proposal's current status does not allow.
	ErrInvalidTransition = errors.New("invalid proposal transition")
)

// Tolerance holds the statistical thresholds of the health ladder.
type Tolerance struct {
	MinSuccessRate         float64
	MinSamples             uint64
	VarianceThreshold      float64
	FailureReviewThreshold uint64
	RateWindow             time.Duration
}

// DefaultTolerance returns the stock thresholds: 80% success over at least
// 10 applications, 5% variance, review after 3 failures, one week window.
func DefaultTolerance() Tolerance {
	return Tolerance{
		MinSuccessRate:         0.8,
		MinSamples:             10,
		VarianceThreshold:      0.05,
		FailureReviewThreshold: 3,
		RateWindow:             7 * 24 * time.Hour,
	}
}

// State discriminates Health.
type State string

const (
	StateProbationary     State = "probationary"
	StateHealthy          State = "healthy"
	StateDegrading        State = "degrading"
	StateNeedsReview      State = "needs_review"
	StatePossiblyObsolete State = "possibly_obsolete"
	StateObsolete         State = "obsolete"
)

// Health is the derived health of a rule. Only the fields relevant to State
// are set.
type Health struct {
	State        State      `json:"state"`
	Applications uint64     `json:"applications,omitempty"`
	Required     uint64     `json:"required,omitempty"`
	CurrentRate  float64    `json:"current_rate,omitempty"`
	Trend        float64    `json:"trend,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	RetiredAt    *time.Time `json:"retired_at,omitempty"`
}

func (h Health) String() string {
	switch h.State {
	case StateProbationary:
		return fmt.Sprintf("probationary (%d/%d applications)", h.Applications, h.Required)
	case StateDegrading:
		return fmt.Sprintf("degrading (rate %.0f%%, trend %+.2f)", h.CurrentRate*100, h.Trend)
	case StateNeedsReview, StatePossiblyObsolete, StateObsolete:
		return fmt.Sprintf("%s: %s", h.State, h.Reason)
	}
	return string(h.State)
}

// NeedsAttention is true for every state except healthy and probationary.
func (h Health) NeedsAttention() bool {
	return h.State != StateHealthy && h.State != StateProbationary
}

// Manager owns the health cache, proposals and the CVE registry. It is safe
// for concurrent use.
type Manager struct {
	mu        sync.Mutex
	tolerance Tolerance
	health    map[string]Health
	lastRate  map[string]float64
	proposals map[string]*Proposal
	cves      map[string]*CVE
	persist   Persistence
	now       func() time.Time
}

// NewManager creates a manager. persist may be nil.
func NewManager(tol Tolerance, persist Persistence) *Manager {
	return &Manager{
		tolerance: tol,
		health:    make(map[string]Health),
		lastRate:  make(map[string]float64),
		proposals: make(map[string]*Proposal),
		cves:      make(map[string]*CVE),
		persist:   persist,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Tolerance returns the thresholds in use.
func (m *Manager) Tolerance() Tolerance { return m.tolerance }

// AssessHealth runs the health ladder for a rule; the first matching step
// wins. The result is cached per rule id.
func (m *Manager) AssessHealth(r *rules.Rule) Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.assessLocked(r)
	m.health[r.ID] = h
	logging.LifecycleDebug("health %s: %s", r.ID, h)
	return h
}

func (m *Manager) assessLocked(r *rules.Rule) Health {
	if r.Retirement != nil {
		at := r.Retirement.RetiredAt
		return Health{State: StateObsolete, Reason: r.Retirement.Reason, RetiredAt: &at}
	}
	if id := m.fixedCVELocked(r.ID); id != "" {
		return Health{State: StatePossiblyObsolete, Reason: fmt.Sprintf("CVE %s has been fixed", id)}
	}

	s := r.Stats
	tol := m.tolerance
	if s.AppliedCount < tol.MinSamples {
		return Health{State: StateProbationary, Applications: s.AppliedCount, Required: tol.MinSamples}
	}

	rate := s.SuccessRate()
	trend := 0.0
	if prev, ok := m.lastRate[r.ID]; ok {
		trend = rate - prev
	}
	m.lastRate[r.ID] = rate

	if s.FailureCount >= tol.FailureReviewThreshold && float64(s.FailureCount)/float64(s.AppliedCount) > 0.3 {
		return Health{
			State:  StateNeedsReview,
			Reason: fmt.Sprintf("High failure rate: %d failures out of %d applications", s.FailureCount, s.AppliedCount),
		}
	}
	if s.EscalationCount > s.SuccessCount/2 {
		return Health{
			State:  StateNeedsReview,
			Reason: fmt.Sprintf("High escalation rate: %d escalations", s.EscalationCount),
		}
	}

	last := r.Provenance.CreatedAt
	if s.LastApplied != nil {
		last = *s.LastApplied
	}
	if age := m.now().Sub(last); !last.IsZero() && age > 4*tol.RateWindow {
		return Health{
			State:  StatePossiblyObsolete,
			Reason: fmt.Sprintf("No applications in %d days", int(age.Hours()/24)),
		}
	}

	if rate < tol.MinSuccessRate {
		return Health{State: StateDegrading, CurrentRate: rate, Trend: trend}
	}
	return Health{State: StateHealthy}
}

// CachedHealth returns the last assessment of a rule.
func (m *Manager) CachedHealth(ruleID string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[ruleID]
	return h, ok
}

// Forget drops a rule from the health cache.
func (m *Manager) Forget(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.health, ruleID)
	delete(m.lastRate, ruleID)
}

// WithinTolerance reports whether replacing existing's conditions and
// actions with the proposed ones is a cosmetic change. Each list contributes
// max(missing, extra) of its structural multiset difference; the sum is
// divided by the size of the existing rule.
func (m *Manager) WithinTolerance(existing *rules.Rule, conds []rules.Condition, acts []rules.Action) bool {
	cm, ce := rules.DiffConditions(existing.When, conds)
	am, ae := rules.DiffActions(existing.Then, acts)
	diff := max(cm, ce) + max(am, ae)

	total := len(existing.When) + len(existing.Then)
	if total == 0 {
		return diff == 0
	}
	return float64(diff)/float64(total) <= m.tolerance.VarianceThreshold
}

// persistCtx bounds write-through persistence calls made from methods that
// have no caller context.
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
