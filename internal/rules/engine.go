package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"psa/internal/logging"
	"psa/internal/validation"
)

// DefaultAuthor is recorded on automatically created rules.
const DefaultAuthor = "psa-auto"

// Options configures an Engine. Every field is optional.
type Options struct {
	Probes        Probes
	Effects       Effects
	Committer     Committer
	Author        string
	ProbeTimeout  time.Duration
	ActionTimeout time.Duration
	Now           func() time.Time
}

// Engine loads, matches and executes rules stored one file per id.
//
// Reads take a snapshot under the read lock, so evaluation never observes a
// partially written rule. Statistics for one rule id are updated by at most
// one Execute at a time.
type Engine struct {
	dir       string
	eval      *Evaluator
	runner    *actionRunner
	committer Committer
	author    string
	now       func() time.Time

	mu     sync.RWMutex
	rules  []*Rule
	byID   map[string]int
	byTag  map[string][]string
	hashes map[string][32]byte

	flightMu sync.Mutex
	inflight map[string]struct{}
}

// Open creates the rule directory if needed and loads every rule file.
// Unreadable or invalid files are logged and skipped.
func Open(ctx context.Context, dir string, opts Options) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryRules, "Open")
	defer timer.Stop()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory: %w", err)
	}

	e := &Engine{
		dir:       dir,
		eval:      NewEvaluator(opts.Probes, opts.ProbeTimeout),
		runner:    &actionRunner{effects: opts.Effects, timeout: opts.ActionTimeout},
		committer: opts.Committer,
		author:    opts.Author,
		now:       opts.Now,
		byID:      make(map[string]int),
		byTag:     make(map[string][]string),
		hashes:    make(map[string][32]byte),
		inflight:  make(map[string]struct{}),
	}
	if e.author == "" {
		e.author = DefaultAuthor
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}

	if _, err := e.Reload(ctx); err != nil {
		return nil, err
	}
	logging.Rules("Loaded %d rules from %s", e.Len(), dir)
	return e, nil
}

// Dir returns the rule directory.
func (e *Engine) Dir() string { return e.dir }

// Len returns the number of loaded rules.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluator returns the condition evaluator used by the engine.
func (e *Engine) Evaluator() *Evaluator { return e.eval }

// Reload reads rule files whose content changed since they were last
// loaded or written, returning the ids that changed. Files that vanished
// are kept in memory; rules are never deleted.
func (e *Engine) Reload(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var changed []string
	for _, entry := range entries {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != FileExt {
			continue
		}
		path := filepath.Join(e.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logging.RulesWarn("skipping unreadable rule file %s: %v", name, err)
			continue
		}
		sum := ContentHash(data)

		rule, err := Unmarshal(data)
		if err != nil {
			logging.RulesWarn("skipping rule file %s: %v", name, err)
			continue
		}
		if err := Validate(rule); err != nil {
			logging.RulesWarn("skipping rule file %s: %v", name, err)
			continue
		}
		if want := strings.TrimSuffix(name, FileExt); rule.ID != want {
			logging.RulesWarn("skipping rule file %s: id %q does not match file name", name, rule.ID)
			continue
		}

		e.mu.Lock()
		if prev, ok := e.hashes[rule.ID]; ok && prev == sum {
			e.mu.Unlock()
			continue
		}
		e.putLocked(rule)
		e.hashes[rule.ID] = sum
		e.mu.Unlock()

		changed = append(changed, rule.ID)
		logging.RulesDebug("loaded rule %s (%s v%s)", rule.ID, rule.Name, rule.Version)
	}
	return changed, nil
}

// putLocked inserts or replaces a rule and refreshes the tag index.
func (e *Engine) putLocked(r Rule) {
	stored := r.Clone()
	if idx, ok := e.byID[r.ID]; ok {
		e.rules[idx] = &stored
	} else {
		e.byID[r.ID] = len(e.rules)
		e.rules = append(e.rules, &stored)
	}
	e.reindexTagsLocked()
}

func (e *Engine) reindexTagsLocked() {
	e.byTag = make(map[string][]string)
	for _, r := range e.rules {
		for _, tag := range r.Tags {
			e.byTag[tag] = append(e.byTag[tag], r.ID)
		}
	}
}

// writeLocked persists a rule file atomically and records its hash.
func (e *Engine) writeLocked(r Rule) ([]byte, error) {
	data, err := Marshal(r)
	if err != nil {
		return nil, err
	}
	final := filepath.Join(e.dir, r.ID+FileExt)
	tmp := filepath.Join(e.dir, "."+r.ID+FileExt+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write rule %s: %w", r.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to write rule %s: %w", r.ID, err)
	}
	e.hashes[r.ID] = ContentHash(data)
	return data, nil
}

func (e *Engine) commit(ctx context.Context, r Rule, snapshot []byte, author, message string) error {
	if e.committer == nil {
		return nil
	}
	seq, err := e.committer.Commit(ctx, r.ID, r.Version, author, message, snapshot)
	if err != nil {
		return fmt.Errorf("failed to commit rule %s: %w", r.ID, err)
	}
	logging.RulesDebug("committed %s v%s as #%d: %s", r.ID, r.Version, seq, message)
	return nil
}

// List returns copies of all rules in load order.
func (e *Engine) List() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Clone()
	}
	return out
}

// Get returns a copy of a rule.
func (e *Engine) Get(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.byID[id]
	if !ok {
		return Rule{}, false
	}
	return e.rules[idx].Clone(), true
}

// ByTag returns copies of the rules carrying tag.
func (e *Engine) ByTag(tag string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := e.byTag[tag]
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.rules[e.byID[id]].Clone())
	}
	return out
}

// FindMatching returns enabled, unretired rules whose top-level conditions
// all evaluate true, most conditions first. Equal counts keep load order.
func (e *Engine) FindMatching(ctx context.Context, pc ProblemContext) []Rule {
	timer := logging.StartTimer(logging.CategoryRules, "FindMatching")
	defer timer.Stop()

	e.mu.RLock()
	candidates := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled && !r.Retired() {
			candidates = append(candidates, r.Clone())
		}
	}
	e.mu.RUnlock()

	var matches []Rule
	for _, r := range candidates {
		if e.eval.EvaluateAll(ctx, r.When, pc) == VerdictTrue {
			matches = append(matches, r)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].When) > len(matches[j].When)
	})
	logging.RulesDebug("%d of %d rules match", len(matches), len(candidates))
	return matches
}

func (e *Engine) acquire(id string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.flightMu.Lock()
	delete(e.inflight, id)
	e.flightMu.Unlock()
}

// Execute runs a rule's actions in order. The first failing action aborts
// the rest; an escalate action aborts with Escalated set. Statistics are
// updated once, after the sequence resolves, and written to the rule file.
// The returned error is non-nil only when no execution took place.
func (e *Engine) Execute(ctx context.Context, id string) (*ExecutionResult, error) {
	if !e.acquire(id) {
		return nil, fmt.Errorf("%w: %s", ErrRuleBusy, id)
	}
	defer e.release(id)

	rule, ok := e.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rule.Retired() {
		return nil, fmt.Errorf("%w: %s", ErrRuleRetired, id)
	}

	logging.Rules("Executing rule %s (%s)", rule.ID, rule.Name)
	start := time.Now()
	result := &ExecutionResult{RuleID: id, Success: true}

	for _, act := range rule.Then {
		outcome, err := e.runner.run(ctx, act)
		result.Outcomes = append(result.Outcomes, outcome)
		if err == nil {
			continue
		}
		result.Success = false
		result.Error = err.Error()
		if errors.Is(err, ErrEscalation) {
			result.Escalated = true
			result.EscalationReason = act.Reason
		}
		break
	}
	result.Duration = time.Since(start)

	e.recordStats(id, result)

	if result.Success {
		logging.Rules("Rule %s succeeded in %v", id, result.Duration)
	} else {
		logging.RulesWarn("Rule %s failed after %d actions: %s", id, len(result.Outcomes), result.Error)
	}
	return result, nil
}

func (e *Engine) recordStats(id string, result *ExecutionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, ok := e.byID[id]
	if !ok {
		return
	}
	r := e.rules[idx]
	s := &r.Stats
	s.AppliedCount++
	switch {
	case result.Success:
		s.SuccessCount++
	case result.Escalated:
		s.EscalationCount++
	default:
		s.FailureCount++
	}
	now := e.now()
	s.LastApplied = &now

	ms := float64(result.Duration) / float64(time.Millisecond)
	if s.AverageDurationMs == nil {
		s.AverageDurationMs = &ms
	} else {
		avg := *s.AverageDurationMs + (ms-*s.AverageDurationMs)/float64(s.AppliedCount)
		s.AverageDurationMs = &avg
	}

	if _, err := e.writeLocked(*r); err != nil {
		logging.Get(logging.CategoryRules).Error("failed to persist stats for %s: %v", id, err)
	}
}

// Validate checks a rule's structure and the names it passes to probes.
func Validate(r Rule) error {
	if err := validation.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if !strings.HasPrefix(r.ID, "rule-") || strings.ContainsAny(r.ID, `/\`) {
		return fmt.Errorf("%w: bad id %q", ErrInvalidRule, r.ID)
	}
	if !validVersion(r.Version) {
		return fmt.Errorf("%w: bad version %q", ErrInvalidRule, r.Version)
	}
	for _, c := range r.When {
		if err := validateCondition(c); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	for _, a := range r.Then {
		if err := validateAction(a); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	return nil
}

func validateCondition(c Condition) error {
	switch c.Type {
	case CondProcessRunning, CondServiceState, CondModuleLoaded, CondPackageInstalled:
		if c.Name == "" {
			return fmt.Errorf("%s requires name", c.Type)
		}
	case CondFileExists, CondFileContains:
		if c.Path == "" {
			return fmt.Errorf("%s requires path", c.Type)
		}
	case CondMetricThreshold:
		if c.Metric == "" || c.Op == "" {
			return fmt.Errorf("%s requires metric and op", c.Type)
		}
	case CondPortOpen:
		if c.Port == 0 {
			return fmt.Errorf("%s requires port", c.Type)
		}
	case CondShellCheck:
		if c.Command == "" {
			return fmt.Errorf("%s requires command", c.Type)
		}
	case CondAll, CondAny:
		for _, sub := range c.Conditions {
			if err := validateCondition(sub); err != nil {
				return err
			}
		}
	case CondNot:
		if c.Condition == nil {
			return fmt.Errorf("not requires condition")
		}
		return validateCondition(*c.Condition)
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

func validateAction(a Action) error {
	switch a.Type {
	case ActShell:
		if a.Command == "" {
			return fmt.Errorf("shell requires command")
		}
	case ActRestartService, ActEnableService, ActLoadModule, ActInstallPackage:
		if a.Name == "" {
			return fmt.Errorf("%s requires name", a.Type)
		}
	case ActWriteFile:
		if a.Path == "" {
			return fmt.Errorf("write_file requires path")
		}
	case ActLog, ActNotify, ActEscalate:
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}
