package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"psa/internal/logging"
)

// ShouldCrystallize reports whether a solution has proven itself:
// at least CrystallizationThreshold successes and fewer failures than
// half the successes (integer division).
func ShouldCrystallize(s Solution) bool {
	return s.SuccessCount >= CrystallizationThreshold && s.FailureCount < s.SuccessCount/2
}

// NewRuleID returns a fresh rule id.
func NewRuleID() string {
	return "rule-" + uuid.New().String()
}

// Crystallize turns a proven solution into a new enabled rule, persists it
// and commits it. It fails with ErrNotProven when ShouldCrystallize is false
// and with ErrInvalidRule when conds is empty.
func (e *Engine) Crystallize(ctx context.Context, sol Solution, conds []Condition, acts []Action) (string, error) {
	if !ShouldCrystallize(sol) {
		return "", fmt.Errorf("%w: %s has %d successes, %d failures",
			ErrNotProven, sol.ID, sol.SuccessCount, sol.FailureCount)
	}
	if len(conds) == 0 {
		return "", fmt.Errorf("%w: crystallizing %s needs at least one condition", ErrInvalidRule, sol.ID)
	}

	now := e.now()
	conf := sol.Confidence()
	solutionID := sol.ID
	rule := Rule{
		ID:      NewRuleID(),
		Name:    "Auto: " + sol.Problem,
		Version: InitialVersion,
		When:    CloneConditions(conds),
		Then:    append([]Action(nil), acts...),
		Provenance: Provenance{
			Source:          RuleSource{Kind: SourceCrystallized, SolutionID: sol.ID, Confidence: conf},
			OriginalProblem: sol.Problem,
			SolutionID:      &solutionID,
			CreatedAt:       now,
			CreatedBy:       e.author,
			DecisionPath: []DecisionStep{{
				Timestamp:        now,
				Description:      "Crystallized from proven solution",
				ConfidenceBefore: 0,
				ConfidenceAfter:  conf,
				Reason:           fmt.Sprintf("Solution proven with %d successes, %d failures", sol.SuccessCount, sol.FailureCount),
			}},
			History: []RuleVersion{{
				Version:     InitialVersion,
				Timestamp:   now,
				Author:      e.author,
				Message:     "Initial crystallization",
				DiffSummary: "Created from solution",
			}},
		},
		Enabled: true,
		Tags:    append([]string(nil), sol.Tags...),
	}

	if err := e.insert(ctx, rule, e.author, "Crystallize rule: "+rule.Name); err != nil {
		return "", err
	}
	logging.Rules("Crystallized new rule: %s", rule.ID)
	return rule.ID, nil
}

// Create persists a manually authored rule. Empty id, version, provenance
// source and creation fields are filled in; the rule starts with fresh
// statistics and a single history entry.
func (e *Engine) Create(ctx context.Context, r Rule, author string) (string, error) {
	if author == "" {
		author = e.author
	}
	now := e.now()
	if r.ID == "" {
		r.ID = NewRuleID()
	}
	r.Version = InitialVersion
	r.Stats = RuleStats{}
	r.Retirement = nil
	if r.Provenance.Source.Kind == "" {
		r.Provenance.Source = RuleSource{Kind: SourceManual, Author: author}
	}
	if r.Provenance.CreatedAt.IsZero() {
		r.Provenance.CreatedAt = now
	}
	if r.Provenance.CreatedBy == "" {
		r.Provenance.CreatedBy = author
	}
	if r.Provenance.OriginalProblem == "" {
		r.Provenance.OriginalProblem = r.Name
	}
	r.Provenance.History = []RuleVersion{{
		Version:     InitialVersion,
		Timestamp:   now,
		Author:      author,
		Message:     "Initial version",
		DiffSummary: fmt.Sprintf("Created with %d conditions, %d actions", len(r.When), len(r.Then)),
	}}

	if err := e.insert(ctx, r, author, "Create rule: "+r.Name); err != nil {
		return "", err
	}
	logging.Rules("Created rule %s (%s)", r.ID, r.Name)
	return r.ID, nil
}

func (e *Engine) insert(ctx context.Context, r Rule, author, message string) error {
	if err := Validate(r); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.byID[r.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, r.ID)
	}
	snapshot, err := e.writeLocked(r)
	if err != nil {
		return err
	}
	e.putLocked(r)
	return e.commit(ctx, r, snapshot, author, message)
}

// CrystallizationCandidates returns solutions ready to crystallize that no
// rule was crystallized from yet. An empty category searches everything.
func (e *Engine) CrystallizationCandidates(ctx context.Context, store SolutionStore, category string) ([]Solution, error) {
	var (
		sols []Solution
		err  error
	)
	if category != "" {
		sols, err = store.FindByCategory(ctx, category)
	} else {
		sols, err = store.Search(ctx, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list solutions: %w", err)
	}

	e.mu.RLock()
	crystallized := make(map[string]bool)
	for _, r := range e.rules {
		if r.Provenance.SolutionID != nil {
			crystallized[*r.Provenance.SolutionID] = true
		}
	}
	e.mu.RUnlock()

	var out []Solution
	for _, s := range sols {
		if ShouldCrystallize(s) && !crystallized[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}

// DefaultActions derives shell actions from a solution's commands.
func DefaultActions(sol Solution) []Action {
	acts := make([]Action, 0, len(sol.Commands))
	for _, cmd := range sol.Commands {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		sudo := strings.HasPrefix(cmd, "sudo ")
		if sudo {
			cmd = strings.TrimSpace(strings.TrimPrefix(cmd, "sudo "))
		}
		acts = append(acts, Shell(cmd, sudo))
	}
	return acts
}
