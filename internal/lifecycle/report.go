package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"psa/internal/logging"
)

// Attention pairs a rule id with a health that needs a human.
type Attention struct {
	RuleID string `json:"rule_id"`
	Health Health `json:"health"`
}

// RulesNeedingAttention lists cached assessments that are neither healthy
// nor probationary, sorted by rule id.
func (m *Manager) RulesNeedingAttention() []Attention {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attention
	for id, h := range m.health {
		if h.NeedsAttention() {
			out = append(out, Attention{RuleID: id, Health: h})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Report summarizes the health cache, proposals and CVE registry.
type Report struct {
	Timestamp        time.Time `json:"timestamp"`
	TotalRules       int       `json:"total_rules"`
	Healthy          int       `json:"healthy"`
	Probationary     int       `json:"probationary"`
	Degrading        int       `json:"degrading"`
	NeedsReview      int       `json:"needs_review"`
	PossiblyObsolete int       `json:"possibly_obsolete"`
	PendingProposals int       `json:"pending_proposals"`
	TrackedCVEs      int       `json:"tracked_cves"`
}

// GenerateReport counts cached assessments by state. Obsolete rules are
// counted with the possibly obsolete ones.
func (m *Manager) GenerateReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{Timestamp: m.now(), TotalRules: len(m.health), TrackedCVEs: len(m.cves)}
	for _, h := range m.health {
		switch h.State {
		case StateHealthy:
			r.Healthy++
		case StateProbationary:
			r.Probationary++
		case StateDegrading:
			r.Degrading++
		case StateNeedsReview:
			r.NeedsReview++
		case StatePossiblyObsolete, StateObsolete:
			r.PossiblyObsolete++
		}
	}
	for _, p := range m.proposals {
		if p.Status.Kind == StatusPendingReview {
			r.PendingProposals++
		}
	}
	return r
}

func (r Report) String() string {
	return fmt.Sprintf("%d rules: %d healthy, %d probationary, %d degrading, %d need review, %d possibly obsolete; %d proposals pending, %d CVEs tracked",
		r.TotalRules, r.Healthy, r.Probationary, r.Degrading, r.NeedsReview, r.PossiblyObsolete, r.PendingProposals, r.TrackedCVEs)
}

// Persistence stores proposals and CVEs across restarts.
type Persistence interface {
	SaveProposal(ctx context.Context, p Proposal) error
	LoadProposals(ctx context.Context) ([]Proposal, error)
	SaveCVE(ctx context.Context, c CVE) error
	LoadCVEs(ctx context.Context) ([]CVE, error)
}

// Restore loads proposals and CVEs from the persistence layer, replacing
// anything held in memory under the same ids.
func (m *Manager) Restore(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	proposals, err := m.persist.LoadProposals(ctx)
	if err != nil {
		return fmt.Errorf("load proposals: %w", err)
	}
	cves, err := m.persist.LoadCVEs(ctx)
	if err != nil {
		return fmt.Errorf("load CVEs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range proposals {
		p := proposals[i]
		m.proposals[p.ID] = &p
	}
	for i := range cves {
		c := cves[i]
		m.cves[c.ID] = &c
	}
	logging.Lifecycle("restored %d proposals and %d CVEs", len(proposals), len(cves))
	return nil
}
