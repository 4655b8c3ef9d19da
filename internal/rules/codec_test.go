package rules

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var words = []string{
	"nvidia", "Xorg", "sshd", "1.0", "true", "null", "a: b", "#hash", "- dash",
	"multi\nline", "quote'd", `"dq"`, "ünïcode", "~", "", "0755",
}

func randWord(r *rand.Rand) string { return words[r.Intn(len(words))] }

func randWords(r *rand.Rand, max int) []string {
	n := r.Intn(max + 1)
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = randWord(r)
	}
	return out
}

func randTime(r *rand.Rand) time.Time {
	return time.Unix(r.Int63n(4_000_000_000), r.Int63n(1e9)).UTC()
}

func randCondition(r *rand.Rand, depth int) Condition {
	kinds := 9
	if depth > 0 {
		kinds = 12
	}
	switch r.Intn(kinds) {
	case 0:
		return ProcessRunning(randWord(r))
	case 1:
		return ServiceState(randWord(r), randWord(r))
	case 2:
		return FileExists(randWord(r))
	case 3:
		return FileContains(randWord(r), randWord(r))
	case 4:
		return MetricThreshold(randWord(r), ">=", r.NormFloat64()*100)
	case 5:
		return PortOpen(uint16(r.Intn(65536)), randWord(r))
	case 6:
		return PackageInstalled(randWord(r))
	case 7:
		return ModuleLoaded(randWord(r))
	case 8:
		return ShellCheck(randWord(r))
	case 9:
		return All(randConditions(r, depth-1)...)
	case 10:
		return Any(randConditions(r, depth-1)...)
	default:
		return Not(randCondition(r, depth-1))
	}
}

func randConditions(r *rand.Rand, depth int) []Condition {
	n := r.Intn(4)
	if n == 0 {
		return nil
	}
	out := make([]Condition, n)
	for i := range out {
		out[i] = randCondition(r, depth)
	}
	return out
}

func randAction(r *rand.Rand) Action {
	switch r.Intn(9) {
	case 0:
		return Shell(randWord(r), r.Intn(2) == 0)
	case 1:
		return RestartService(randWord(r))
	case 2:
		return EnableService(randWord(r))
	case 3:
		return WriteFile(randWord(r), randWord(r), randWord(r))
	case 4:
		return LoadModule(randWord(r), randWord(r))
	case 5:
		return InstallPackage(randWord(r))
	case 6:
		return Log(randWord(r), randWord(r))
	case 7:
		return Notify(randWord(r), randWord(r))
	default:
		return Escalate(randWord(r))
	}
}

func randSource(r *rand.Rand) RuleSource {
	switch r.Intn(5) {
	case 0:
		return RuleSource{Kind: SourceCrystallized, SolutionID: randWord(r), Confidence: r.Float64()}
	case 1:
		return RuleSource{Kind: SourceForum, URL: randWord(r), ThreadTitle: randWord(r)}
	case 2:
		return RuleSource{Kind: SourceMesh, PeerID: randWord(r), PeerName: randWord(r)}
	case 3:
		return RuleSource{Kind: SourceManual, Author: randWord(r)}
	default:
		return RuleSource{Kind: SourceImport, Origin: randWord(r)}
	}
}

func randRule(r *rand.Rand) Rule {
	rule := Rule{
		ID:      NewRuleID(),
		Name:    randWord(r),
		Version: "1.2.3",
		When:    randConditions(r, 2),
		Enabled: r.Intn(2) == 0,
		Tags:    randWords(r, 3),
		Provenance: Provenance{
			Source:          randSource(r),
			OriginalProblem: randWord(r),
			CreatedAt:       randTime(r),
			CreatedBy:       randWord(r),
		},
		Stats: RuleStats{
			AppliedCount:    uint64(r.Intn(1000)),
			SuccessCount:    uint64(r.Intn(1000)),
			FailureCount:    uint64(r.Intn(1000)),
			EscalationCount: uint64(r.Intn(1000)),
		},
	}
	for i := r.Intn(4); i > 0; i-- {
		rule.Then = append(rule.Then, randAction(r))
	}
	if r.Intn(2) == 0 {
		id := randWord(r)
		rule.Provenance.SolutionID = &id
	}
	for i := r.Intn(3); i > 0; i-- {
		rule.Provenance.DecisionPath = append(rule.Provenance.DecisionPath, DecisionStep{
			Timestamp: randTime(r), Description: randWord(r),
			ConfidenceBefore: r.Float64(), ConfidenceAfter: r.Float64(), Reason: randWord(r),
		})
	}
	for i := r.Intn(3); i > 0; i-- {
		rule.Provenance.History = append(rule.Provenance.History, RuleVersion{
			Version: "1.0.0", Timestamp: randTime(r), Author: randWord(r),
			Message: randWord(r), DiffSummary: randWord(r),
		})
	}
	if r.Intn(2) == 0 {
		t := randTime(r)
		d := r.Float64() * 1000
		rule.Stats.LastApplied = &t
		rule.Stats.AverageDurationMs = &d
	}
	if r.Intn(4) == 0 {
		rule.Retirement = &Retirement{Reason: randWord(r), RetiredAt: randTime(r)}
	}
	return rule
}

func TestRuleRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		want := randRule(r)
		data, err := Marshal(want)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("Unmarshal: %v\n%s", err, data)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s\n%s", diff, data)
		}
	}
}

func TestContentHashStable(t *testing.T) {
	rule := randRule(rand.New(rand.NewSource(7)))
	a, _ := Marshal(rule)
	b, _ := Marshal(rule)
	if ContentHash(a) != ContentHash(b) {
		t.Fatal("hash of identical content differs")
	}
	rule.Name += "!"
	c, _ := Marshal(rule)
	if ContentHash(a) == ContentHash(c) {
		t.Fatal("hash did not change with content")
	}
}

func TestDiffConditionsMultiset(t *testing.T) {
	existing := []Condition{ProcessRunning("a"), ProcessRunning("a"), ModuleLoaded("m")}
	proposed := []Condition{ProcessRunning("a"), ModuleLoaded("m"), FileExists("/x")}
	missing, extra := DiffConditions(existing, proposed)
	if missing != 1 || extra != 1 {
		t.Errorf("DiffConditions = (%d, %d), want (1, 1)", missing, extra)
	}
}
