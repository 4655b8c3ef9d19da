package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"psa/internal/logging"
)

// Bump selects which semantic version component an amendment increments.
type Bump int

const (
	// BumpAuto picks minor when conditions or actions change, else patch.
	BumpAuto Bump = iota
	BumpPatch
	BumpMinor
	BumpMajor
)

// Amendment is an explicit change to a rule. Nil fields are left alone.
type Amendment struct {
	Author     string
	Message    string
	Bump       Bump
	Name       *string
	When       *[]Condition
	Then       *[]Action
	Tags       *[]string
	Enabled    *bool
	Retirement *Retirement
	Decision   *DecisionStep
}

// Amend applies an amendment, appends a history entry with a bumped version,
// persists the rule and commits it. This is the only path that changes a
// rule's version.
func (e *Engine) Amend(ctx context.Context, id string, a Amendment) (Rule, error) {
	if a.Author == "" {
		a.Author = e.author
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	idx, ok := e.byID[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	old := e.rules[idx].Clone()
	if old.Retired() {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleRetired, id)
	}
	updated := old.Clone()

	var diffs []string
	structural := false
	if a.Name != nil && *a.Name != old.Name {
		updated.Name = *a.Name
		diffs = append(diffs, fmt.Sprintf("name: %q -> %q", old.Name, *a.Name))
	}
	if a.When != nil {
		missing, extra := DiffConditions(old.When, *a.When)
		if !sameSequence(old.When, *a.When) {
			updated.When = CloneConditions(*a.When)
			structural = true
			diffs = append(diffs, fmt.Sprintf("when: -%d +%d", missing, extra))
		}
	}
	if a.Then != nil {
		missing, extra := DiffActions(old.Then, *a.Then)
		if !sameSequence(old.Then, *a.Then) {
			updated.Then = append([]Action(nil), (*a.Then)...)
			structural = true
			diffs = append(diffs, fmt.Sprintf("then: -%d +%d", missing, extra))
		}
	}
	if a.Tags != nil {
		updated.Tags = append([]string(nil), (*a.Tags)...)
		diffs = append(diffs, "tags: "+strings.Join(updated.Tags, ","))
	}
	if a.Enabled != nil && *a.Enabled != old.Enabled {
		updated.Enabled = *a.Enabled
		diffs = append(diffs, fmt.Sprintf("enabled: %t -> %t", old.Enabled, *a.Enabled))
	}
	if a.Retirement != nil {
		ret := *a.Retirement
		if ret.RetiredAt.IsZero() {
			ret.RetiredAt = e.now()
		}
		updated.Retirement = &ret
		updated.Enabled = false
		diffs = append(diffs, "retired: "+ret.Reason)
	}
	if a.Decision != nil {
		step := *a.Decision
		if step.Timestamp.IsZero() {
			step.Timestamp = e.now()
		}
		updated.Provenance.DecisionPath = append(updated.Provenance.DecisionPath, step)
		diffs = append(diffs, "decision: "+step.Description)
	}
	if len(diffs) == 0 {
		return old, nil
	}

	bump := a.Bump
	if bump == BumpAuto {
		bump = BumpPatch
		if structural {
			bump = BumpMinor
		}
	}
	next, err := bumpVersion(old.Version, bump)
	if err != nil {
		return Rule{}, err
	}
	if semver.Compare("v"+next, "v"+old.Version) <= 0 {
		return Rule{}, fmt.Errorf("%w: version %s does not advance %s", ErrInvalidRule, next, old.Version)
	}
	updated.Version = next

	message := a.Message
	if message == "" {
		message = "Amend rule: " + updated.Name
	}
	updated.Provenance.History = append(updated.Provenance.History, RuleVersion{
		Version:     next,
		Timestamp:   e.now(),
		Author:      a.Author,
		Message:     message,
		DiffSummary: strings.Join(diffs, "; "),
	})

	if err := Validate(updated); err != nil {
		return Rule{}, err
	}
	snapshot, err := e.writeLocked(updated)
	if err != nil {
		return Rule{}, err
	}
	e.putLocked(updated)
	if err := e.commit(ctx, updated, snapshot, a.Author, message); err != nil {
		return Rule{}, err
	}

	logging.Rules("Amended rule %s to v%s: %s", id, next, strings.Join(diffs, "; "))
	return updated.Clone(), nil
}

// SetEnabled enables or disables a rule.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool, author, reason string) (Rule, error) {
	msg := "Disable rule"
	if enabled {
		msg = "Enable rule"
	}
	if reason != "" {
		msg += ": " + reason
	}
	return e.Amend(ctx, id, Amendment{Author: author, Message: msg, Enabled: &enabled})
}

// Retire marks a rule obsolete. The file and its history are kept.
func (e *Engine) Retire(ctx context.Context, id, author, reason string) (Rule, error) {
	return e.Amend(ctx, id, Amendment{
		Author:     author,
		Message:    "Retire rule: " + reason,
		Retirement: &Retirement{Reason: reason},
	})
}

// AppendDecision extends the decision path.
func (e *Engine) AppendDecision(ctx context.Context, id, author string, step DecisionStep) (Rule, error) {
	return e.Amend(ctx, id, Amendment{
		Author:   author,
		Message:  "Record decision: " + step.Description,
		Decision: &step,
	})
}

// sameSequence compares two lists element-wise, order included.
func sameSequence[T any](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if structuralKey(a[i]) != structuralKey(b[i]) {
			return false
		}
	}
	return true
}

func validVersion(v string) bool {
	return semver.IsValid("v"+v) && semver.Prerelease("v"+v) == "" && semver.Build("v"+v) == "" &&
		strings.Count(v, ".") == 2
}

func bumpVersion(v string, b Bump) (string, error) {
	if !validVersion(v) {
		return "", fmt.Errorf("%w: bad version %q", ErrInvalidRule, v)
	}
	parts := strings.Split(v, ".")
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("%w: bad version %q", ErrInvalidRule, v)
		}
		nums[i] = n
	}
	switch b {
	case BumpMajor:
		nums[0]++
		nums[1], nums[2] = 0, 0
	case BumpMinor:
		nums[1]++
		nums[2] = 0
	default:
		nums[2]++
	}
	return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]), nil
}
