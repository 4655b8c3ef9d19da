package reasoning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProblem(t *testing.T) {
	tests := map[string]string{
		"NVIDIA driver":         "nvidia_driver",
		"  wifi -- drops!!  ":   "wifi_drops",
		"nvidia_driver":         "nvidia_driver",
		"":                      "",
		"CVE-2024-1234 exposed": "cve_2024_1234_exposed",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeProblem(in), "input %q", in)
	}
}

func TestSolutionFactsFeedQuery(t *testing.T) {
	facts := SolutionFacts([]Observation{
		{Problem: "NVIDIA driver", Solution: "akmods --force", Success: 9, Failure: 0},
		{Problem: "NVIDIA driver", Solution: "modprobe nvidia", Success: 3, Failure: 1},
		{Problem: "", Solution: "ignored"},
	})
	require.Len(t, facts, 2)
	assert.InDelta(t, 0.9, facts[0].Confidence, 1e-9)

	e := NewEngine(0)
	for _, f := range facts {
		e.AddClause(f)
	}
	results := e.Query(SolvesGoal("nvidia driver"))
	require.Len(t, results, 2)
	assert.Equal(t, "akmods --force", results[0].Bindings["Solution"].String())
}
