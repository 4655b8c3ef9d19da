// Package daemon runs the psa control loop: periodic health checks and rule
// application, plus the commands the CLI sends over the local socket. All
// mutable state belongs to the single goroutine in Run.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"psa/internal/correlation"
	"psa/internal/ipc"
	"psa/internal/lifecycle"
	"psa/internal/logging"
	"psa/internal/reasoning"
	"psa/internal/rules"
	"psa/internal/tactile"
)

// Answer sources.
const (
	SourceRules     = "rules"
	SourceReasoning = "reasoning"
	SourcePendingAI = "pending-ai"
)

var (
	ErrStopped        = errors.New("daemon is not running")
	ErrUnknownCommand = errors.New("unknown command")
	ErrEmptyProblem   = errors.New("empty problem")
)

// Advisor answers problems that neither a rule nor a known solution covers.
type Advisor interface {
	Advise(ctx context.Context, problem string) (ipc.Answer, error)
}

// Deps are the components the daemon drives. Rules and Lifecycle are
// required.
type Deps struct {
	Rules     *rules.Engine
	Lifecycle *lifecycle.Manager
	Reasoning *reasoning.Engine
	Solutions rules.SolutionStore
	Effects   rules.Effects
	Advisor   Advisor
	Metrics   *Metrics
	Checks    []HostCheck
	// Audit, if set, supplies the process counters reported by status.
	Audit *tactile.AuditLogger
}

// Options tune the control loop.
type Options struct {
	HealthInterval time.Duration
	RuleInterval   time.Duration
	CorrelationID  correlation.ID
	Now            func() time.Time
}

type command struct {
	req   ipc.Request
	reply chan ipc.Response
}

// Daemon is the single-actor control loop.
type Daemon struct {
	deps Deps
	opts Options

	cmds   chan command
	reload chan struct{}
	done   chan struct{}

	// Owned by Run.
	startedAt      time.Time
	paused         bool
	lastHealth     *time.Time
	issuesDetected uint64
	issuesResolved uint64
}

// New creates a daemon. Zero intervals select 60s health checks and 300s
// rule application.
func New(deps Deps, opts Options) *Daemon {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 60 * time.Second
	}
	if opts.RuleInterval <= 0 {
		opts.RuleInterval = 300 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	return &Daemon{
		deps:   deps,
		opts:   opts,
		cmds:   make(chan command),
		reload: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Metrics returns the daemon's collectors.
func (d *Daemon) Metrics() *Metrics { return d.deps.Metrics }

// Run handles commands and timer events one at a time until ctx is
// cancelled or a shutdown command arrives. It must be called once.
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.done)

	d.startedAt = d.opts.Now()
	health := time.NewTicker(d.opts.HealthInterval)
	defer health.Stop()
	apply := time.NewTicker(d.opts.RuleInterval)
	defer apply.Stop()

	d.deps.Metrics.rulesLoaded.Set(float64(d.deps.Rules.Len()))
	logging.Daemon("daemon started (%s): %d rules, health every %v, rules every %v",
		d.opts.CorrelationID, d.deps.Rules.Len(), d.opts.HealthInterval, d.opts.RuleInterval)

	for {
		select {
		case <-ctx.Done():
			logging.Daemon("daemon stopping: %v", context.Cause(ctx))
			return nil

		case c := <-d.cmds:
			c.reply <- d.handle(ctx, c.req)
			if c.req.Command == ipc.CmdShutdown {
				logging.Daemon("daemon shut down by request")
				return nil
			}

		case <-health.C:
			if d.paused {
				continue
			}
			report := d.healthCheck(ctx)
			if report.Overall != ipc.SeverityGood {
				d.notify(ctx, report)
			}

		case <-apply.C:
			if d.paused {
				continue
			}
			d.applyRules(ctx)

		case <-d.reload:
			d.reloadRules(ctx)
		}
	}
}

// Submit hands req to the loop and waits for its response.
func (d *Daemon) Submit(ctx context.Context, req ipc.Request) ipc.Response {
	c := command{req: req, reply: make(chan ipc.Response, 1)}
	select {
	case d.cmds <- c:
	case <-d.done:
		return ipc.Fail(ErrStopped)
	case <-ctx.Done():
		return ipc.Fail(ctx.Err())
	}
	select {
	case resp := <-c.reply:
		return resp
	case <-d.done:
	case <-ctx.Done():
	}
	// The reply may race with shutdown or cancellation.
	select {
	case resp := <-c.reply:
		return resp
	default:
	}
	if err := ctx.Err(); err != nil {
		return ipc.Fail(err)
	}
	return ipc.Fail(ErrStopped)
}

// Handle implements ipc.Handler.
func (d *Daemon) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	return d.Submit(ctx, req)
}

// Reload asks the loop to rescan the rule directory. Requests made while
// one is pending are coalesced.
func (d *Daemon) Reload() {
	select {
	case d.reload <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (d *Daemon) Done() <-chan struct{} { return d.done }

func (d *Daemon) handle(ctx context.Context, req ipc.Request) ipc.Response {
	d.deps.Metrics.commands.WithLabelValues(string(req.Command)).Inc()
	logging.DaemonDebug("command %s", req.Command)

	switch req.Command {
	case ipc.CmdStatus:
		return ipc.Response{OK: true, Status: d.status()}

	case ipc.CmdHealthCheck:
		report := d.healthCheck(ctx)
		return ipc.Response{OK: true, Health: &report}

	case ipc.CmdQuery:
		if strings.TrimSpace(req.Problem) == "" {
			return ipc.Fail(ErrEmptyProblem)
		}
		answer := d.query(ctx, req.Problem)
		return ipc.Response{OK: true, Answer: &answer}

	case ipc.CmdListRules:
		return ipc.Response{OK: true, Rules: d.listRules()}

	case ipc.CmdProvenance:
		prov, err := d.deps.Rules.GetProvenance(req.RuleID)
		if err != nil {
			return ipc.Fail(err)
		}
		data, err := json.MarshalIndent(prov, "", "  ")
		if err != nil {
			return ipc.Fail(err)
		}
		return ipc.Response{OK: true, Provenance: string(data)}

	case ipc.CmdPause:
		d.paused = true
		logging.Daemon("daemon paused")
		return ipc.Response{OK: true, Status: d.status()}

	case ipc.CmdResume:
		d.paused = false
		logging.Daemon("daemon resumed")
		return ipc.Response{OK: true, Status: d.status()}

	case ipc.CmdShutdown:
		return ipc.Response{OK: true, Status: d.status()}
	}
	return ipc.Fail(fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command))
}

func (d *Daemon) status() *ipc.Status {
	s := &ipc.Status{
		Running:         true,
		Paused:          d.paused,
		Uptime:          d.opts.Now().Sub(d.startedAt),
		RulesCount:      d.deps.Rules.Len(),
		LastHealthCheck: d.lastHealth,
		IssuesDetected:  d.issuesDetected,
		IssuesResolved:  d.issuesResolved,
		CorrelationID:   d.opts.CorrelationID.String(),
	}
	if d.deps.Audit != nil {
		m := d.deps.Audit.Metrics()
		s.ProcessesSpawned = m.TotalExecutions
		s.ProcessSuccessRate = m.SuccessRate
	}
	return s
}

func (d *Daemon) listRules() []ipc.RuleSummary {
	list := d.deps.Rules.List()
	out := make([]ipc.RuleSummary, 0, len(list))
	for _, r := range list {
		s := ipc.RuleSummary{
			ID:          r.ID,
			Name:        r.Name,
			Enabled:     r.Enabled,
			Retired:     r.Retired(),
			SuccessRate: r.Stats.SuccessRate(),
		}
		if h, ok := d.deps.Lifecycle.CachedHealth(r.ID); ok {
			s.Health = h.String()
		}
		out = append(out, s)
	}
	return out
}

// healthCheck runs the host checks and assesses every rule.
func (d *Daemon) healthCheck(ctx context.Context) ipc.HealthReport {
	timer := logging.StartTimer(logging.CategoryDaemon, "HealthCheck")
	defer timer.Stop()

	var issues []ipc.Issue
	for _, check := range d.deps.Checks {
		issues = append(issues, check(ctx)...)
	}
	issues = append(issues, d.ruleIssues()...)

	now := d.opts.Now()
	report := ipc.HealthReport{Overall: overall(issues), Issues: issues, Timestamp: now}
	d.lastHealth = &now
	d.issuesDetected += uint64(len(issues))

	m := d.deps.Metrics
	m.healthChecks.Inc()
	for _, i := range issues {
		m.issues.WithLabelValues(string(i.Severity)).Inc()
	}
	if len(issues) > 0 {
		logging.Daemon("health check: %s, %d issues", report.Overall, len(issues))
	}
	return report
}

// ruleIssues assesses every live rule and reports those needing attention
// or made obsolete by a fixed CVE or a vanished file.
func (d *Daemon) ruleIssues() []ipc.Issue {
	lc := d.deps.Lifecycle
	states := make(map[lifecycle.State]int)
	var issues []ipc.Issue

	for _, r := range d.deps.Rules.List() {
		h := lc.AssessHealth(&r)
		states[h.State]++
		if r.Retired() {
			continue
		}
		if obs := lc.CheckCVEObsolescence(&r); obs != nil {
			issues = append(issues, ruleIssue(r, "possibly obsolete: "+obs.String(),
				fmt.Sprintf("Review and retire with 'psa rules retire %s'", r.ID)))
		} else if obs := lc.CheckConditionValidity(&r); obs != nil {
			issues = append(issues, ruleIssue(r, "possibly obsolete: "+obs.String(),
				fmt.Sprintf("Review and retire with 'psa rules retire %s'", r.ID)))
		} else if h.NeedsAttention() {
			issues = append(issues, ruleIssue(r, h.String(),
				fmt.Sprintf("Inspect with 'psa rules provenance %s'", r.ID)))
		}
	}

	d.deps.Metrics.ruleStates.Reset()
	for state, n := range states {
		d.deps.Metrics.ruleStates.WithLabelValues(string(state)).Set(float64(n))
	}
	return issues
}

func ruleIssue(r rules.Rule, msg, suggestion string) ipc.Issue {
	return ipc.Issue{
		Severity:   ipc.SeverityWarning,
		Category:   "rule",
		Message:    fmt.Sprintf("Rule %q %s", r.Name, msg),
		Suggestion: suggestion,
	}
}

// notify sends one desktop notification summarizing report.
func (d *Daemon) notify(ctx context.Context, report ipc.HealthReport) {
	if d.deps.Effects == nil || len(report.Issues) == 0 {
		return
	}
	title := "PSA: Warnings Detected"
	if report.Overall == ipc.SeverityCritical {
		title = "PSA: Critical Issues Detected"
	}
	lines := make([]string, 0, len(report.Issues))
	for _, i := range report.Issues {
		lines = append(lines, "• "+i.Message)
	}
	body := strings.Join(lines, "\n")
	logging.Get(logging.CategoryDaemon).Warn("%s: %s", title, strings.Join(lines, "; "))
	d.deps.Effects.Notify(ctx, title, body)
}

// applyRules executes every matching rule. Action sequences run detached
// from ctx so shutdown never interrupts one halfway.
func (d *Daemon) applyRules(ctx context.Context) {
	matches := d.deps.Rules.FindMatching(ctx, rules.ProblemContext{})
	if len(matches) == 0 {
		return
	}
	logging.Daemon("%d rules match, applying", len(matches))

	run := context.WithoutCancel(ctx)
	for _, r := range matches {
		if ctx.Err() != nil {
			return
		}
		res, err := d.deps.Rules.Execute(run, r.ID)
		d.deps.Metrics.observeExecution(res, err)
		if err != nil {
			logging.Get(logging.CategoryDaemon).Warn("rule %s not applied: %v", r.ID, err)
			continue
		}
		if res.Success {
			d.issuesResolved++
		}
		if updated, ok := d.deps.Rules.Get(r.ID); ok {
			d.deps.Lifecycle.AssessHealth(&updated)
		}
		d.recordSolutionOutcome(run, r, res.Success)
	}
}

// recordSolutionOutcome feeds a crystallized rule's result back to the
// solution it came from.
func (d *Daemon) recordSolutionOutcome(ctx context.Context, r rules.Rule, success bool) {
	if d.deps.Solutions == nil || r.Provenance.SolutionID == nil {
		return
	}
	if err := d.deps.Solutions.RecordOutcome(ctx, *r.Provenance.SolutionID, success); err != nil {
		logging.DaemonDebug("solution outcome for %s not recorded: %v", r.ID, err)
	}
}

func (d *Daemon) reloadRules(ctx context.Context) {
	changed, err := d.deps.Rules.Reload(ctx)
	d.deps.Metrics.reloads.Inc()
	if err != nil {
		logging.Get(logging.CategoryDaemon).Error("rule reload failed: %v", err)
		return
	}
	for _, id := range changed {
		if r, ok := d.deps.Rules.Get(id); ok {
			d.deps.Lifecycle.AssessHealth(&r)
		}
	}
	d.deps.Metrics.rulesLoaded.Set(float64(d.deps.Rules.Len()))
	if len(changed) > 0 {
		logging.Daemon("reloaded %d changed rules", len(changed))
	}
}

// query answers a problem from the rules, then known solutions, then the
// advisor.
func (d *Daemon) query(ctx context.Context, problem string) ipc.Answer {
	answer := d.answer(ctx, problem)
	d.deps.Metrics.queriesBySrc.WithLabelValues(answer.Source).Inc()
	return answer
}

func (d *Daemon) answer(ctx context.Context, problem string) ipc.Answer {
	if matches := d.deps.Rules.FindMatching(ctx, rules.ProblemContext{ProblemText: problem}); len(matches) > 0 {
		r := matches[0]
		actions := make([]string, 0, len(r.Then))
		for _, a := range r.Then {
			actions = append(actions, a.String())
		}
		return ipc.Answer{
			Answer:      fmt.Sprintf("Matched rule: %s\n\nActions: %s", r.Name, strings.Join(actions, "; ")),
			Confidence:  0.9,
			Source:      SourceRules,
			AppliedRule: r.ID,
		}
	}

	if d.deps.Reasoning != nil {
		if results := d.deps.Reasoning.Query(reasoning.SolvesGoal(problem)); len(results) > 0 {
			sort.SliceStable(results, func(i, j int) bool { return results[i].Confidence > results[j].Confidence })
			best := results[0]
			solution := reasoning.Resolve(reasoning.NewVar("Solution"), best.Bindings)
			return ipc.Answer{
				Answer:     "Known solution: " + solution.String(),
				Confidence: best.Confidence,
				Source:     SourceReasoning,
			}
		}
	}

	if d.deps.Advisor != nil {
		answer, err := d.deps.Advisor.Advise(ctx, problem)
		if err == nil {
			return answer
		}
		logging.Get(logging.CategoryDaemon).Warn("advisor failed: %v", err)
	}

	return ipc.Answer{
		Answer:     fmt.Sprintf("No matching rule found for: %s. Would query AI for solution.", problem),
		Confidence: 0.5,
		Source:     SourcePendingAI,
	}
}
