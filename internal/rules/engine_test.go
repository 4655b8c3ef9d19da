package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	engine    *Engine
	probes    *fakeProbes
	effects   *fakeEffects
	committer *fakeCommitter
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		probes:    newFakeProbes(),
		effects:   &fakeEffects{fail: map[string]bool{}},
		committer: &fakeCommitter{},
		dir:       t.TempDir(),
	}
	e, err := Open(context.Background(), f.dir, Options{
		Probes:    f.probes,
		Effects:   f.effects,
		Committer: f.committer,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) create(t *testing.T, r Rule) string {
	t.Helper()
	id, err := f.engine.Create(context.Background(), r, "tester")
	require.NoError(t, err)
	return id
}

func TestShouldCrystallize(t *testing.T) {
	tests := []struct {
		success, failure uint64
		want             bool
	}{
		{4, 0, false},
		{5, 0, true},
		{6, 4, false},
		{10, 3, true},
		{5, 2, false},
		{6, 2, true},
		{5, 3, false},
	}
	for _, tt := range tests {
		got := ShouldCrystallize(Solution{SuccessCount: tt.success, FailureCount: tt.failure})
		if got != tt.want {
			t.Errorf("ShouldCrystallize(%d, %d) = %v, want %v", tt.success, tt.failure, got, tt.want)
		}
	}
}

func TestFindMatchingNeverReturnsDisabled(t *testing.T) {
	f := newFixture(t)
	f.probes.processes["Xorg"] = true

	enabled := f.create(t, Rule{Name: "on", When: []Condition{ProcessRunning("Xorg")}, Enabled: true})
	f.create(t, Rule{Name: "off", When: []Condition{ProcessRunning("Xorg")}, Enabled: false})

	matches := f.engine.FindMatching(context.Background(), ProblemContext{})
	require.Len(t, matches, 1)
	assert.Equal(t, enabled, matches[0].ID)
}

func TestFindMatchingOrdersBySpecificity(t *testing.T) {
	f := newFixture(t)
	f.probes.processes["Xorg"] = true
	f.probes.modules["nvidia"] = true
	f.probes.files["/etc/X11/xorg.conf"] = "Driver \"nvidia\""

	one := f.create(t, Rule{Name: "one", When: []Condition{ProcessRunning("Xorg")}, Enabled: true})
	three := f.create(t, Rule{Name: "three", Enabled: true, When: []Condition{
		ProcessRunning("Xorg"), ModuleLoaded("nvidia"), FileContains("/etc/X11/xorg.conf", "nvidia"),
	}})
	f.create(t, Rule{Name: "miss", Enabled: true, When: []Condition{ProcessRunning("sshd")}})

	matches := f.engine.FindMatching(context.Background(), ProblemContext{})
	require.Len(t, matches, 2)
	assert.Equal(t, three, matches[0].ID)
	assert.Equal(t, one, matches[1].ID)
}

func TestFindMatchingSkipsUnsupported(t *testing.T) {
	f := newFixture(t)
	f.create(t, Rule{Name: "port", Enabled: true, When: []Condition{PortOpen(22, "tcp")}})
	f.create(t, Rule{Name: "not port", Enabled: true, When: []Condition{Not(PortOpen(22, "tcp"))}})
	assert.Empty(t, f.engine.FindMatching(context.Background(), ProblemContext{}))
}

func TestExecuteFirstActionFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.effects.fail["false"] = true
	id := f.create(t, Rule{Name: "r", Enabled: true, Then: []Action{Shell("false", false), Shell("echo after", false)}})

	res, err := f.engine.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.Escalated)
	assert.Len(t, res.Outcomes, 1)
	assert.Equal(t, []string{"false"}, f.effects.commands())

	r, _ := f.engine.Get(id)
	assert.Equal(t, uint64(1), r.Stats.AppliedCount)
	assert.Equal(t, uint64(1), r.Stats.FailureCount)
	assert.Equal(t, uint64(0), r.Stats.SuccessCount)
	assert.NotNil(t, r.Stats.LastApplied)
}

func TestExecuteSuccessUpdatesStatsOnce(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "r", Enabled: true, Then: []Action{
		Shell("echo one", false), Log("info", "done"), RestartService("nginx"),
	}})

	res, err := f.engine.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"ok: echo one", "[info] done", "Restarted service: nginx"}, res.Outputs())

	r, _ := f.engine.Get(id)
	assert.Equal(t, uint64(1), r.Stats.AppliedCount)
	assert.Equal(t, uint64(1), r.Stats.SuccessCount)
	require.NotNil(t, r.Stats.AverageDurationMs)
	assert.Equal(t, InitialVersion, r.Version, "stats must not bump the version")

	// stats are persisted
	data, err := os.ReadFile(filepath.Join(f.dir, id+FileExt))
	require.NoError(t, err)
	onDisk, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), onDisk.Stats.SuccessCount)
}

func TestExecuteEscalate(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "r", Enabled: true, Then: []Action{
		Escalate("unknown GPU"), Shell("echo never", false),
	}})

	res, err := f.engine.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Escalated)
	assert.Equal(t, "unknown GPU", res.EscalationReason)
	assert.Empty(t, f.effects.commands())

	r, _ := f.engine.Get(id)
	assert.Equal(t, uint64(1), r.Stats.EscalationCount)
	assert.Equal(t, uint64(0), r.Stats.FailureCount)
}

func TestExecuteUnsupportedActionContinues(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "r", Enabled: true, Then: []Action{
		LoadModule("nvidia", ""), Shell("echo next", false),
	}})

	res, err := f.engine.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, ActionUnsupported, res.Outcomes[0].Status)
	assert.Equal(t, ActionOK, res.Outcomes[1].Status)
}

func TestExecuteInvalidServiceNameFails(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "r", Enabled: true, Then: []Action{RestartService("nginx; reboot")}})

	res, err := f.engine.Execute(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ActionFailed, res.Outcomes[0].Status)
}

func TestExecuteUnknownRule(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Execute(context.Background(), "rule-missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestExecuteBusy(t *testing.T) {
	f := newFixture(t)
	f.effects.entered = make(chan struct{})
	f.effects.block = make(chan struct{})
	id := f.create(t, Rule{Name: "slow", Enabled: true, Then: []Action{Shell("sleep", false)}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.engine.Execute(context.Background(), id)
	}()

	select {
	case <-f.effects.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first execution never started")
	}
	_, err := f.engine.Execute(context.Background(), id)
	assert.True(t, errors.Is(err, ErrRuleBusy), "got %v", err)

	close(f.effects.block)
	<-done

	r, _ := f.engine.Get(id)
	assert.Equal(t, uint64(1), r.Stats.AppliedCount)
}

func TestCrystallize(t *testing.T) {
	f := newFixture(t)
	sol := Solution{
		ID: "sol-1", Problem: "nvidia driver missing", SuccessCount: 9, FailureCount: 0,
		Tags: []string{"gpu"}, Commands: []string{"sudo akmods --force"},
	}

	id, err := f.engine.Crystallize(context.Background(), sol,
		[]Condition{Not(ModuleLoaded("nvidia"))}, DefaultActions(sol))
	require.NoError(t, err)

	r, ok := f.engine.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Auto: nvidia driver missing", r.Name)
	assert.Equal(t, InitialVersion, r.Version)
	assert.Equal(t, SourceCrystallized, r.Provenance.Source.Kind)
	assert.InDelta(t, 0.9, r.Provenance.Source.Confidence, 1e-9)
	assert.Len(t, r.Provenance.DecisionPath, 1)
	assert.Len(t, r.Provenance.History, 1)
	assert.Equal(t, []Action{Shell("akmods --force", true)}, r.Then)
	assert.Len(t, f.engine.ByTag("gpu"), 1)

	require.Len(t, f.committer.commits, 1)
	assert.Equal(t, "Crystallize rule: Auto: nvidia driver missing", f.committer.commits[0].message)

	reopened, err := Open(context.Background(), f.dir, Options{})
	require.NoError(t, err)
	again, ok := reopened.Get(id)
	require.True(t, ok)
	assert.Equal(t, r.Provenance.OriginalProblem, again.Provenance.OriginalProblem)
}

func TestCrystallizeRejectsUnproven(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Crystallize(context.Background(), Solution{ID: "s", SuccessCount: 4}, nil, nil)
	assert.True(t, errors.Is(err, ErrNotProven))
	assert.Equal(t, 0, f.engine.Len())
}

func TestCrystallizeRequiresCondition(t *testing.T) {
	f := newFixture(t)
	sol := Solution{ID: "s", Problem: "wifi drops", SuccessCount: 8}
	_, err := f.engine.Crystallize(context.Background(), sol, nil, DefaultActions(sol))
	assert.True(t, errors.Is(err, ErrInvalidRule))
	assert.Equal(t, 0, f.engine.Len())
	assert.Empty(t, f.committer.commits)
}

func TestCrystallizationCandidates(t *testing.T) {
	f := newFixture(t)
	store := &fakeSolutions{sols: []Solution{
		{ID: "a", Category: "gpu", Problem: "a", SuccessCount: 6},
		{ID: "b", Category: "gpu", Problem: "b", SuccessCount: 2},
		{ID: "c", Category: "net", Problem: "c", SuccessCount: 8},
	}}
	_, err := f.engine.Crystallize(context.Background(), store.sols[0], []Condition{ModuleLoaded("nvidia")}, nil)
	require.NoError(t, err)

	all, err := f.engine.CrystallizationCandidates(context.Background(), store, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c", all[0].ID)

	gpu, err := f.engine.CrystallizationCandidates(context.Background(), store, "gpu")
	require.NoError(t, err)
	assert.Empty(t, gpu)
}

func TestAmendBumpsVersionAndCommits(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "r", Enabled: true, When: []Condition{ProcessRunning("Xorg")}})

	disabled, err := f.engine.SetEnabled(context.Background(), id, false, "ops", "flapping")
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, "1.0.1", disabled.Version)

	when := []Condition{ProcessRunning("Xorg"), ModuleLoaded("nvidia")}
	amended, err := f.engine.Amend(context.Background(), id, Amendment{Author: "ops", When: &when})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", amended.Version)
	require.Len(t, amended.Provenance.History, 3)
	assert.Equal(t, "when: -0 +1", amended.Provenance.History[2].DiffSummary)

	// no-op amendment keeps the version
	same, err := f.engine.Amend(context.Background(), id, Amendment{When: &when})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", same.Version)

	assert.Len(t, f.committer.commits, 3)
}

func TestRetire(t *testing.T) {
	f := newFixture(t)
	f.probes.processes["Xorg"] = true
	id := f.create(t, Rule{Name: "r", Enabled: true, When: []Condition{ProcessRunning("Xorg")}})

	r, err := f.engine.Retire(context.Background(), id, "ops", "CVE fixed upstream")
	require.NoError(t, err)
	require.NotNil(t, r.Retirement)
	assert.False(t, r.Enabled)

	assert.Empty(t, f.engine.FindMatching(context.Background(), ProblemContext{}))
	_, err = f.engine.Execute(context.Background(), id)
	assert.True(t, errors.Is(err, ErrRuleRetired))
	_, err = f.engine.SetEnabled(context.Background(), id, true, "ops", "")
	assert.True(t, errors.Is(err, ErrRuleRetired))

	_, statErr := os.Stat(filepath.Join(f.dir, id+FileExt))
	assert.NoError(t, statErr, "retired rules stay on disk")
}

func TestAppendDecision(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "r", Enabled: true})
	r, err := f.engine.AppendDecision(context.Background(), id, "ops", DecisionStep{
		Description: "Reviewed", ConfidenceBefore: 0.5, ConfidenceAfter: 0.8, Reason: "manual test",
	})
	require.NoError(t, err)
	assert.Len(t, r.Provenance.DecisionPath, 1)
	assert.Equal(t, "1.0.1", r.Version)
}

func TestReloadPicksUpExternalEdits(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "r", Enabled: true})

	changed, err := f.engine.Reload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, changed, "own writes are not reloaded")

	r, _ := f.engine.Get(id)
	r.Tags = []string{"edited"}
	data, err := Marshal(r)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, id+FileExt), data, 0644))

	changed, err = f.engine.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, changed)
	assert.Len(t, f.engine.ByTag("edited"), 1)
}

func TestOpenSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule-bad.yaml"), []byte("id: [unclosed"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rule-x.yaml"), []byte("id: rule-y\nname: n\nversion: 1.0.0\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	e, err := Open(context.Background(), dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Len())
}

func TestProvenanceReport(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, Rule{Name: "Restart wifi", Enabled: true, Tags: []string{"net"}})

	p, err := f.engine.GetProvenance(id)
	require.NoError(t, err)
	assert.Equal(t, SourceManual, p.Source.Kind)
	assert.Equal(t, "tester", p.CreatedBy)

	md, err := f.engine.ProvenanceReport(id)
	require.NoError(t, err)
	assert.Contains(t, md, "# Restart wifi")
	assert.Contains(t, md, "manual by tester")
	assert.Contains(t, md, "| 1.0.0 |")

	_, err = f.engine.ProvenanceReport("rule-nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
