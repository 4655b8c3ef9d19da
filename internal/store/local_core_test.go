package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"psa/internal/lifecycle"
	"psa/internal/rules"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "psa.db"))
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewLocalStore(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	for _, table := range []string{"solutions", "problem_relations", "proposals", "cves"} {
		if _, ok := stats[table]; !ok {
			t.Errorf("Stats missing table: %s", table)
		}
	}
	if v := GetSchemaVersion(store.db); v != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, CurrentSchemaVersion)
	}
	if !columnExists(store.db, "solutions", "source") {
		t.Error("migration did not add solutions.source")
	}
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psa.db")
	for i := 0; i < 2; i++ {
		store, err := NewLocalStore(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		var rows int
		if err := store.db.QueryRow("SELECT COUNT(*) FROM schema_versions").Scan(&rows); err != nil {
			t.Fatal(err)
		}
		if rows != 1 {
			t.Errorf("open #%d: %d schema_versions rows, want 1", i, rows)
		}
		store.Close()
	}
}

func TestStoreAndFindSolutions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.StoreSolution(ctx, rules.Solution{
		Category:     "gpu",
		Problem:      "NVIDIA driver not loaded",
		Solution:     "load the module",
		Commands:     []string{"sudo modprobe nvidia"},
		Tags:         []string{"nvidia", "driver"},
		SuccessCount: 6,
	})
	if err != nil {
		t.Fatalf("StoreSolution: %v", err)
	}
	if _, err := store.StoreSolution(ctx, rules.Solution{Category: "gpu", Problem: "screen tearing", Solution: "enable vsync", SuccessCount: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StoreSolution(ctx, rules.Solution{Category: "disk", Problem: "disk 100% full", Solution: "clean journal"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSolution(ctx, id)
	if err != nil {
		t.Fatalf("GetSolution: %v", err)
	}
	if got.Source != rules.SolutionLocal || len(got.Commands) != 1 || got.Commands[0] != "sudo modprobe nvidia" {
		t.Errorf("unexpected solution: %+v", got)
	}

	gpu, err := store.FindByCategory(ctx, "gpu")
	if err != nil {
		t.Fatal(err)
	}
	if len(gpu) != 2 || gpu[0].ID != id {
		t.Errorf("FindByCategory = %+v, want %s first", gpu, id)
	}

	found, err := store.Search(ctx, "NVIDIA")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != id {
		t.Errorf("Search(NVIDIA) = %+v", found)
	}

	// % is a literal, not a wildcard
	found, err = store.Search(ctx, "100%")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Category != "disk" {
		t.Errorf("Search(100%%) = %+v", found)
	}
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.StoreSolution(ctx, rules.Solution{Category: "net", Problem: "dns down", Solution: "restart resolved"})
	if err != nil {
		t.Fatal(err)
	}
	for _, ok := range []bool{true, true, false} {
		if err := store.RecordOutcome(ctx, id, ok); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := store.GetSolution(ctx, id)
	if got.SuccessCount != 2 || got.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", got.SuccessCount, got.FailureCount)
	}

	err = store.RecordOutcome(ctx, "sol-missing", true)
	if !errors.Is(err, rules.ErrNotFound) {
		t.Errorf("RecordOutcome(missing) = %v, want ErrNotFound", err)
	}
}

func TestFindRelatedFollowsGraph(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, _ := store.StoreSolution(ctx, rules.Solution{ID: "sol-a", Category: "audio", Problem: "no sound", Solution: "restart pipewire"})
	b, _ := store.StoreSolution(ctx, rules.Solution{ID: "sol-b", Category: "audio", Problem: "pipewire crash", Solution: "reinstall wireplumber"})
	c, _ := store.StoreSolution(ctx, rules.Solution{ID: "sol-c", Category: "audio", Problem: "wireplumber missing", Solution: "install package"})

	// no sound -> sol-a (pipewire crash) -> sol-b (wireplumber missing) -> sol-c
	if err := store.AddRelation(ctx, rules.ProblemRelation{FromProblem: "No Sound", ToSolution: b, Confidence: 0.5}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddRelation(ctx, rules.ProblemRelation{FromProblem: "pipewire crash", ToSolution: c, Confidence: 0.4}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		depth int
		want  []string
	}{
		{0, []string{a, b}},
		{1, []string{a, b}},
		{2, []string{a, b, c}},
		{5, []string{a, b, c}},
	}
	for _, tt := range tests {
		got, err := store.FindRelated(ctx, "no sound", tt.depth)
		if err != nil {
			t.Fatalf("FindRelated depth %d: %v", tt.depth, err)
		}
		var ids []string
		for _, s := range got {
			ids = append(ids, s.ID)
		}
		if len(ids) != len(tt.want) {
			t.Fatalf("depth %d: got %v, want %v", tt.depth, ids, tt.want)
		}
		for i := range ids {
			if ids[i] != tt.want[i] {
				t.Errorf("depth %d: got %v, want %v", tt.depth, ids, tt.want)
				break
			}
		}
	}
}

func TestLifecyclePersistence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := lifecycle.NewManager(lifecycle.DefaultTolerance(), store)
	id := m.ProposeRule("fan noise", []rules.Condition{rules.MetricThreshold("cpu_temp", ">", 80)},
		[]rules.Action{rules.Notify("hot", "cpu is hot")}, lifecycle.Evidence{Source: "local", Outcome: lifecycle.Success()})
	if err := m.AddEvidence(id, lifecycle.Evidence{Source: "mesh", Outcome: lifecycle.Failure("still loud")}); err != nil {
		t.Fatal(err)
	}
	m.RegisterCVE("CVE-2024-0001", []string{"openssl"})
	if err := m.MarkCVEFixed("CVE-2024-0001", "3.0.14", false); err != nil {
		t.Fatal(err)
	}

	restored := lifecycle.NewManager(lifecycle.DefaultTolerance(), store)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	p, err := restored.Proposal(id)
	if err != nil {
		t.Fatalf("Proposal: %v", err)
	}
	if len(p.Evidence) != 2 || p.Confidence != 0.5 {
		t.Errorf("restored proposal = %+v", p)
	}
	if len(p.SuggestedConditions) != 1 || p.SuggestedConditions[0].Metric != "cpu_temp" {
		t.Errorf("restored conditions = %+v", p.SuggestedConditions)
	}
	cves := restored.CVEs()
	if len(cves) != 1 || cves[0].FixedIn != "3.0.14" {
		t.Errorf("restored CVEs = %+v", cves)
	}
}
