package lifecycle

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"psa/internal/logging"
	"psa/internal/rules"
)

// RequiredEvidence is the evidence count that moves a proposal to review.
const RequiredEvidence = 5

// OutcomeKind discriminates Outcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomePartial OutcomeKind = "partial"
)

// Outcome is the result reported by one piece of evidence.
type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Error   string      `json:"error,omitempty"`
	Details string      `json:"details,omitempty"`
}

func Success() Outcome               { return Outcome{Kind: OutcomeSuccess} }
func Failure(err string) Outcome     { return Outcome{Kind: OutcomeFailure, Error: err} }
func Partial(details string) Outcome { return Outcome{Kind: OutcomePartial, Details: details} }

// Evidence is one observation supporting or refuting a proposal.
type Evidence struct {
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Outcome   Outcome           `json:"outcome"`
	Context   map[string]string `json:"context,omitempty"`
}

// StatusKind discriminates Status.
type StatusKind string

const (
	StatusGathering     StatusKind = "gathering"
	StatusPendingReview StatusKind = "pending_review"
	StatusApproved      StatusKind = "approved"
	StatusRejected      StatusKind = "rejected"
	StatusCrystallized  StatusKind = "crystallized"
)

// Status is the review state of a proposal.
type Status struct {
	Kind     StatusKind `json:"kind"`
	Count    int        `json:"count,omitempty"`
	Required int        `json:"required,omitempty"`
	By       string     `json:"by,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	RuleID   string     `json:"rule_id,omitempty"`
}

// Closed reports whether the status is terminal.
func (s Status) Closed() bool {
	return s.Kind == StatusRejected || s.Kind == StatusCrystallized
}

func (s Status) String() string {
	switch s.Kind {
	case StatusGathering:
		return fmt.Sprintf("gathering (%d/%d)", s.Count, s.Required)
	case StatusApproved:
		return "approved by " + s.By
	case StatusRejected:
		return "rejected: " + s.Reason
	case StatusCrystallized:
		return "crystallized as " + s.RuleID
	}
	return string(s.Kind)
}

// Proposal is a candidate rule that has not been crystallized yet.
type Proposal struct {
	ID                  string            `json:"id"`
	ProblemPattern      string            `json:"problem_pattern"`
	SuggestedConditions []rules.Condition `json:"suggested_conditions"`
	SuggestedActions    []rules.Action    `json:"suggested_actions"`
	Evidence            []Evidence        `json:"evidence"`
	Confidence          float64           `json:"confidence"`
	Status              Status            `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
}

func (p *Proposal) clone() Proposal {
	out := *p
	out.SuggestedConditions = rules.CloneConditions(p.SuggestedConditions)
	out.SuggestedActions = append([]rules.Action(nil), p.SuggestedActions...)
	out.Evidence = append([]Evidence(nil), p.Evidence...)
	return out
}

func (p *Proposal) recompute() {
	if len(p.Evidence) == 0 {
		p.Confidence = 0
		return
	}
	successes := 0
	for _, e := range p.Evidence {
		if e.Outcome.Kind == OutcomeSuccess {
			successes++
		}
	}
	p.Confidence = float64(successes) / float64(len(p.Evidence))
}

// ProposeRule opens a proposal in Gathering{1, 5} and returns its id.
func (m *Manager) ProposeRule(pattern string, conds []rules.Condition, acts []rules.Action, evidence Evidence) string {
	if evidence.Timestamp.IsZero() {
		evidence.Timestamp = m.now()
	}
	p := &Proposal{
		ID:                  "proposal-" + uuid.NewString(),
		ProblemPattern:      pattern,
		SuggestedConditions: rules.CloneConditions(conds),
		SuggestedActions:    append([]rules.Action(nil), acts...),
		Evidence:            []Evidence{evidence},
		Status:              Status{Kind: StatusGathering, Count: 1, Required: RequiredEvidence},
		CreatedAt:           m.now(),
	}
	p.recompute()

	m.mu.Lock()
	m.proposals[p.ID] = p
	snap := p.clone()
	m.mu.Unlock()

	logging.Lifecycle("new rule proposal %s for %q", p.ID, pattern)
	m.saveProposal(snap)
	return p.ID
}

// AddEvidence appends evidence, recomputes confidence and advances a
// gathering proposal to PendingReview once enough evidence is collected.
func (m *Manager) AddEvidence(id string, evidence Evidence) error {
	if evidence.Timestamp.IsZero() {
		evidence.Timestamp = m.now()
	}

	m.mu.Lock()
	p, ok := m.proposals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if p.Status.Closed() {
		m.mu.Unlock()
		return fmt.Errorf("proposal %s is %s: %w", id, p.Status.Kind, ErrProposalClosed)
	}

	p.Evidence = append(p.Evidence, evidence)
	p.recompute()
	if p.Status.Kind == StatusGathering {
		count := p.Status.Count + 1
		if count >= p.Status.Required {
			p.Status = Status{Kind: StatusPendingReview}
			logging.Lifecycle("proposal %s ready for review (confidence %.1f%%)", id, p.Confidence*100)
		} else {
			p.Status.Count = count
		}
	}
	snap := p.clone()
	m.mu.Unlock()

	m.saveProposal(snap)
	return nil
}

// Approve moves a PendingReview proposal to Approved.
func (m *Manager) Approve(id, by string) error {
	return m.transition(id, func(p *Proposal) error {
		if p.Status.Kind != StatusPendingReview {
			return fmt.Errorf("approve %s from %s: %w", id, p.Status.Kind, ErrInvalidTransition)
		}
		p.Status = Status{Kind: StatusApproved, By: by}
		return nil
	})
}

// Reject closes any non-terminal proposal.
func (m *Manager) Reject(id, reason string) error {
	return m.transition(id, func(p *Proposal) error {
		if p.Status.Closed() {
			return fmt.Errorf("reject %s: %w", id, ErrProposalClosed)
		}
		p.Status = Status{Kind: StatusRejected, Reason: reason}
		return nil
	})
}

// MarkCrystallized records the rule an approved proposal became.
func (m *Manager) MarkCrystallized(id, ruleID string) error {
	return m.transition(id, func(p *Proposal) error {
		if p.Status.Kind != StatusApproved {
			return fmt.Errorf("crystallize %s from %s: %w", id, p.Status.Kind, ErrInvalidTransition)
		}
		p.Status = Status{Kind: StatusCrystallized, RuleID: ruleID}
		return nil
	})
}

func (m *Manager) transition(id string, fn func(*Proposal) error) error {
	m.mu.Lock()
	p, ok := m.proposals[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err := fn(p); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := p.clone()
	m.mu.Unlock()

	logging.Lifecycle("proposal %s -> %s", id, snap.Status)
	m.saveProposal(snap)
	return nil
}

// Proposal returns a copy of one proposal.
func (m *Manager) Proposal(id string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p.clone(), nil
}

// Proposals returns every proposal, oldest first.
func (m *Manager) Proposals() []Proposal {
	return m.filterProposals(func(*Proposal) bool { return true })
}

// PendingProposals returns proposals waiting for review, oldest first.
func (m *Manager) PendingProposals() []Proposal {
	return m.filterProposals(func(p *Proposal) bool { return p.Status.Kind == StatusPendingReview })
}

func (m *Manager) filterProposals(keep func(*Proposal) bool) []Proposal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Proposal
	for _, p := range m.proposals {
		if keep(p) {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) saveProposal(p Proposal) {
	if m.persist == nil {
		return
	}
	ctx, cancel := persistCtx()
	defer cancel()
	if err := m.persist.SaveProposal(ctx, p); err != nil {
		logging.Get(logging.CategoryLifecycle).Warn("persist proposal %s: %v", p.ID, err)
	}
}
