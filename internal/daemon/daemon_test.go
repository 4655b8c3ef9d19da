package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"psa/internal/ipc"
	"psa/internal/lifecycle"
	"psa/internal/reasoning"
	"psa/internal/rules"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProbes struct {
	mu        sync.Mutex
	processes map[string]bool
	metrics   map[string]float64
}

func newFakeProbes() *fakeProbes {
	return &fakeProbes{processes: map[string]bool{}, metrics: map[string]float64{}}
}

func (f *fakeProbes) setProcess(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processes[name] = running
}

func (f *fakeProbes) ProcessRunning(_ context.Context, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processes[p], nil
}
func (f *fakeProbes) ServiceState(context.Context, string) (string, error) { return "inactive", nil }
func (f *fakeProbes) FileExists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(p)
	return err == nil, nil
}
func (f *fakeProbes) FileContains(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeProbes) ModuleLoaded(context.Context, string) (bool, error)         { return false, nil }
func (f *fakeProbes) ShellCheck(context.Context, string) (bool, error)           { return false, nil }
func (f *fakeProbes) PortOpen(context.Context, uint16, string) (bool, error)     { return false, nil }
func (f *fakeProbes) PackageInstalled(context.Context, string) (bool, error)     { return false, nil }
func (f *fakeProbes) Metric(_ context.Context, n string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.metrics[n]
	if !ok {
		return 0, rules.ErrUnsupported
	}
	return v, nil
}

type fakeEffects struct {
	mu       sync.Mutex
	commands []string
	notes    []string
}

func (f *fakeEffects) Shell(_ context.Context, cmd string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return "ok", nil
}
func (f *fakeEffects) RestartService(context.Context, string) (string, error) { return "", nil }
func (f *fakeEffects) EnableService(context.Context, string) (string, error)  { return "", nil }
func (f *fakeEffects) WriteFile(context.Context, string, string, os.FileMode) (string, error) {
	return "", nil
}
func (f *fakeEffects) LoadModule(context.Context, string, string) (string, error) { return "", nil }
func (f *fakeEffects) InstallPackage(context.Context, string) (string, error)     { return "", nil }
func (f *fakeEffects) Notify(_ context.Context, title, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, title+"|"+body)
}

func (f *fakeEffects) shellCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

type fakeUnits struct{ failed []string }

func (f fakeUnits) FailedUnits(context.Context) ([]string, error) { return f.failed, nil }

type fixture struct {
	dir     string
	probes  *fakeProbes
	effects *fakeEffects
	engine  *rules.Engine
	life    *lifecycle.Manager
	reason  *reasoning.Engine
}

func newFixture(t *testing.T, seed ...rules.Rule) *fixture {
	t.Helper()
	f := &fixture{
		dir:     t.TempDir(),
		probes:  newFakeProbes(),
		effects: &fakeEffects{},
		life:    lifecycle.NewManager(lifecycle.DefaultTolerance(), nil),
		reason:  reasoning.NewEngine(0),
	}
	for _, r := range seed {
		writeRule(t, f.dir, r)
	}
	e, err := rules.Open(context.Background(), f.dir, rules.Options{Probes: f.probes, Effects: f.effects})
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) daemon(opts Options, checks ...HostCheck) *Daemon {
	return New(Deps{
		Rules:     f.engine,
		Lifecycle: f.life,
		Reasoning: f.reason,
		Effects:   f.effects,
		Checks:    checks,
	}, opts)
}

func writeRule(t *testing.T, dir string, r rules.Rule) {
	t.Helper()
	data, err := rules.Marshal(r)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, r.ID+rules.FileExt), data, 0644))
}

func restartRule(id, process string) rules.Rule {
	return rules.Rule{
		ID:      id,
		Name:    "Restart " + process,
		Version: rules.InitialVersion,
		When:    []rules.Condition{rules.ProcessRunning(process)},
		Then:    []rules.Action{rules.Shell("systemctl --user restart "+process, false)},
		Enabled: true,
		Provenance: rules.Provenance{
			Source:          rules.RuleSource{Kind: rules.SourceManual, Author: "tester"},
			OriginalProblem: process + " is stuck",
			CreatedAt:       time.Now(),
			CreatedBy:       "tester",
		},
	}
}

// start runs the loop and returns a stop function that waits for it.
func start(t *testing.T, d *Daemon) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func submit(t *testing.T, d *Daemon, req ipc.Request) ipc.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Submit(ctx, req)
}

func TestStatusPauseResumeShutdown(t *testing.T) {
	f := newFixture(t, restartRule("rule-a", "worker"))
	d := f.daemon(Options{HealthInterval: time.Hour, RuleInterval: time.Hour, CorrelationID: "corr-0123456789abcdef"})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	resp := submit(t, d, ipc.Request{Command: ipc.CmdStatus})
	require.True(t, resp.OK)
	assert.True(t, resp.Status.Running)
	assert.False(t, resp.Status.Paused)
	assert.Equal(t, 1, resp.Status.RulesCount)
	assert.Equal(t, "corr-0123456789abcdef", resp.Status.CorrelationID)
	assert.Nil(t, resp.Status.LastHealthCheck)

	resp = submit(t, d, ipc.Request{Command: ipc.CmdPause})
	require.True(t, resp.OK)
	assert.True(t, resp.Status.Paused)

	resp = submit(t, d, ipc.Request{Command: ipc.CmdResume})
	require.True(t, resp.OK)
	assert.False(t, resp.Status.Paused)

	resp = submit(t, d, ipc.Request{Command: "reboot"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown command")

	resp = submit(t, d, ipc.Request{Command: ipc.CmdShutdown})
	require.True(t, resp.OK)
	require.NoError(t, <-done)

	resp = submit(t, d, ipc.Request{Command: ipc.CmdStatus})
	assert.False(t, resp.OK)
	assert.Equal(t, ErrStopped.Error(), resp.Error)
}

func TestQueryFallsBackThroughSources(t *testing.T) {
	f := newFixture(t, restartRule("rule-a", "worker"))
	d := f.daemon(Options{HealthInterval: time.Hour, RuleInterval: time.Hour})
	defer start(t, d)()

	resp := submit(t, d, ipc.Request{Command: ipc.CmdQuery, Problem: "  "})
	assert.False(t, resp.OK)

	resp = submit(t, d, ipc.Request{Command: ipc.CmdQuery, Problem: "Disk full on /var"})
	require.True(t, resp.OK)
	assert.Equal(t, SourcePendingAI, resp.Answer.Source)
	assert.Equal(t, 0.5, resp.Answer.Confidence)

	for _, c := range reasoning.SolutionFacts([]reasoning.Observation{
		{Problem: "disk full on /var", Solution: "journalctl --vacuum-size=200M", Success: 4, Failure: 0},
	}) {
		f.reason.AddClause(c)
	}
	resp = submit(t, d, ipc.Request{Command: ipc.CmdQuery, Problem: "Disk full on /var"})
	require.True(t, resp.OK)
	assert.Equal(t, SourceReasoning, resp.Answer.Source)
	assert.Contains(t, resp.Answer.Answer, "journalctl --vacuum-size=200M")
	assert.InDelta(t, 0.8, resp.Answer.Confidence, 1e-9)

	f.probes.setProcess("worker", true)
	resp = submit(t, d, ipc.Request{Command: ipc.CmdQuery, Problem: "Disk full on /var"})
	require.True(t, resp.OK)
	assert.Equal(t, SourceRules, resp.Answer.Source)
	assert.Equal(t, "rule-a", resp.Answer.AppliedRule)
	assert.Equal(t, 0.9, resp.Answer.Confidence)
	assert.Contains(t, resp.Answer.Answer, "Matched rule: Restart worker")
	assert.Contains(t, resp.Answer.Answer, "shell: systemctl --user restart worker")
}

type staticAdvisor struct{}

func (staticAdvisor) Advise(_ context.Context, problem string) (ipc.Answer, error) {
	return ipc.Answer{Answer: "advice for " + problem, Confidence: 0.7, Source: "advisor"}, nil
}

func TestQueryUsesAdvisor(t *testing.T) {
	f := newFixture(t)
	d := New(Deps{Rules: f.engine, Lifecycle: f.life, Advisor: staticAdvisor{}}, Options{HealthInterval: time.Hour, RuleInterval: time.Hour})
	defer start(t, d)()

	resp := submit(t, d, ipc.Request{Command: ipc.CmdQuery, Problem: "wifi drops"})
	require.True(t, resp.OK)
	assert.Equal(t, "advisor", resp.Answer.Source)
	assert.Equal(t, "advice for wifi drops", resp.Answer.Answer)
}

func TestHealthCheckCollectsIssues(t *testing.T) {
	flaky := restartRule("rule-flaky", "worker")
	flaky.Stats = rules.RuleStats{AppliedCount: 20, SuccessCount: 10, FailureCount: 10}
	healthy := restartRule("rule-fine", "cron")
	healthy.Stats = rules.RuleStats{AppliedCount: 20, SuccessCount: 20}
	now := time.Now()
	healthy.Stats.LastApplied = &now

	f := newFixture(t, flaky, healthy)
	f.probes.metrics["mem_used_percent"] = 95
	f.probes.metrics["disk_used_percent"] = 40

	d := f.daemon(Options{HealthInterval: time.Hour, RuleInterval: time.Hour},
		DefaultChecks(f.probes, fakeUnits{failed: []string{"backup.service"}})...)
	defer start(t, d)()

	resp := submit(t, d, ipc.Request{Command: ipc.CmdHealthCheck})
	require.True(t, resp.OK)
	report := resp.Health
	assert.Equal(t, ipc.SeverityCritical, report.Overall)

	var categories []string
	for _, i := range report.Issues {
		categories = append(categories, i.Category)
	}
	assert.ElementsMatch(t, []string{"memory", "service", "rule"}, categories)

	for _, i := range report.Issues {
		switch i.Category {
		case "memory":
			assert.Equal(t, "High memory usage: 95.0%", i.Message)
		case "service":
			assert.Equal(t, ipc.SeverityCritical, i.Severity)
			assert.Equal(t, "Failed service: backup.service", i.Message)
		case "rule":
			assert.Contains(t, i.Message, "Restart worker")
			assert.Contains(t, i.Message, "needs_review")
		}
	}

	h, ok := f.life.CachedHealth("rule-fine")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateHealthy, h.State)

	resp = submit(t, d, ipc.Request{Command: ipc.CmdStatus})
	assert.Equal(t, uint64(3), resp.Status.IssuesDetected)
	assert.NotNil(t, resp.Status.LastHealthCheck)

	resp = submit(t, d, ipc.Request{Command: ipc.CmdListRules})
	require.Len(t, resp.Rules, 2)
	for _, s := range resp.Rules {
		if s.ID == "rule-flaky" {
			assert.Equal(t, 0.5, s.SuccessRate)
			assert.Contains(t, s.Health, "needs_review")
		}
	}
}

func TestHealthTickNotifies(t *testing.T) {
	f := newFixture(t)
	f.probes.metrics["disk_used_percent"] = 97.5
	d := f.daemon(Options{HealthInterval: 10 * time.Millisecond, RuleInterval: time.Hour},
		DefaultChecks(f.probes, nil)...)
	defer start(t, d)()

	require.Eventually(t, func() bool {
		f.effects.mu.Lock()
		defer f.effects.mu.Unlock()
		return len(f.effects.notes) > 0
	}, 5*time.Second, 10*time.Millisecond)

	f.effects.mu.Lock()
	note := f.effects.notes[0]
	f.effects.mu.Unlock()
	assert.True(t, strings.HasPrefix(note, "PSA: Warnings Detected|• Disk / at 97.5% capacity"), note)
}

func TestRuleTickAppliesMatchingRules(t *testing.T) {
	f := newFixture(t, restartRule("rule-a", "worker"), restartRule("rule-b", "idle"))
	f.probes.setProcess("worker", true)

	d := f.daemon(Options{HealthInterval: time.Hour, RuleInterval: 10 * time.Millisecond})
	defer start(t, d)()

	require.Eventually(t, func() bool { return f.effects.shellCount() > 0 }, 5*time.Second, 10*time.Millisecond)

	resp := submit(t, d, ipc.Request{Command: ipc.CmdPause})
	require.True(t, resp.OK)
	applied := f.effects.shellCount()

	f.effects.mu.Lock()
	assert.Equal(t, "systemctl --user restart worker", f.effects.commands[0])
	f.effects.mu.Unlock()

	resp = submit(t, d, ipc.Request{Command: ipc.CmdStatus})
	assert.Equal(t, uint64(applied), resp.Status.IssuesResolved)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, applied, f.effects.shellCount(), "paused daemon applied rules")

	r, ok := f.engine.Get("rule-a")
	require.True(t, ok)
	assert.Equal(t, uint64(applied), r.Stats.SuccessCount)
	_, ok = f.life.CachedHealth("rule-a")
	assert.True(t, ok)

	other, _ := f.engine.Get("rule-b")
	assert.Zero(t, other.Stats.AppliedCount)
}

func TestProvenanceCommand(t *testing.T) {
	f := newFixture(t, restartRule("rule-a", "worker"))
	d := f.daemon(Options{HealthInterval: time.Hour, RuleInterval: time.Hour})
	defer start(t, d)()

	resp := submit(t, d, ipc.Request{Command: ipc.CmdProvenance, RuleID: "rule-a"})
	require.True(t, resp.OK)
	assert.Contains(t, resp.Provenance, `"original_problem": "worker is stuck"`)

	resp = submit(t, d, ipc.Request{Command: ipc.CmdProvenance, RuleID: "rule-missing"})
	assert.False(t, resp.OK)
}

func TestServeSocketWatcherAndShutdown(t *testing.T) {
	f := newFixture(t, restartRule("rule-a", "worker"))
	d := f.daemon(Options{HealthInterval: time.Hour, RuleInterval: time.Hour})

	sockDir, err := os.MkdirTemp("", "psa-d")
	require.NoError(t, err)
	defer os.RemoveAll(sockDir)
	sock := filepath.Join(sockDir, "psa.sock")

	done := make(chan error, 1)
	go func() {
		done <- d.Serve(context.Background(), ServeOptions{SocketPath: sock, WatchDir: f.dir})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.Eventually(t, func() bool {
		_, err := ipc.Call(ctx, sock, ipc.Request{Command: ipc.CmdStatus})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	writeRule(t, f.dir, restartRule("rule-b", "sync"))
	require.Eventually(t, func() bool {
		resp, err := ipc.Call(ctx, sock, ipc.Request{Command: ipc.CmdStatus})
		return err == nil && resp.Status.RulesCount == 2
	}, 5*time.Second, 20*time.Millisecond)

	_, err = ipc.Call(ctx, sock, ipc.Request{Command: ipc.CmdShutdown})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}

func TestMetricsHandler(t *testing.T) {
	f := newFixture(t, restartRule("rule-a", "worker"))
	d := f.daemon(Options{HealthInterval: time.Hour, RuleInterval: time.Hour})
	defer start(t, d)()

	submit(t, d, ipc.Request{Command: ipc.CmdStatus})
	submit(t, d, ipc.Request{Command: ipc.CmdQuery, Problem: "nothing known"})

	rec := httptest.NewRecorder()
	d.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `psa_daemon_commands_total{command="status"} 1`)
	assert.Contains(t, body, `psa_queries_total{source="pending-ai"} 1`)
	assert.Contains(t, body, "psa_rules_loaded 1")
}
