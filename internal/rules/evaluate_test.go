package rules

import (
	"context"
	"testing"
)

func TestEvaluateVerdicts(t *testing.T) {
	probes := newFakeProbes()
	probes.processes["Xorg"] = true
	probes.services["nginx"] = "active\n"
	probes.metrics["load1"] = 3.5

	e := NewEvaluator(probes, 0)
	pc := ProblemContext{Metrics: map[string]float64{"gpu_temp": 91}}

	tests := []struct {
		name string
		cond Condition
		want Verdict
	}{
		{"process running", ProcessRunning("Xorg"), VerdictTrue},
		{"process missing", ProcessRunning("sway"), VerdictFalse},
		{"invalid pattern is false", ProcessRunning("x;reboot"), VerdictFalse},
		{"service state case-insensitive", ServiceState("nginx", "ACTIVE"), VerdictTrue},
		{"service probe error is false", ServiceState("ghost", "active"), VerdictFalse},
		{"unsupported port", PortOpen(22, "tcp"), VerdictUnsupported},
		{"not unsupported", Not(PortOpen(22, "tcp")), VerdictUnsupported},
		{"not false", Not(ProcessRunning("sway")), VerdictTrue},
		{"all with false wins", All(PortOpen(22, "tcp"), ProcessRunning("sway")), VerdictFalse},
		{"all with unsupported", All(PortOpen(22, "tcp"), ProcessRunning("Xorg")), VerdictUnsupported},
		{"empty all", All(), VerdictTrue},
		{"any with true wins", Any(PortOpen(22, "tcp"), ProcessRunning("Xorg")), VerdictTrue},
		{"any with unsupported", Any(PortOpen(22, "tcp"), ProcessRunning("sway")), VerdictUnsupported},
		{"empty any", Any(), VerdictFalse},
		{"metric from context", MetricThreshold("gpu_temp", ">", 90), VerdictTrue},
		{"metric from probe", MetricThreshold("load1", "<=", 2), VerdictFalse},
		{"metric unknown", MetricThreshold("entropy", ">", 1), VerdictUnsupported},
		{"metric bad operator", MetricThreshold("gpu_temp", "~", 1), VerdictFalse},
		{"unknown type", Condition{Type: "telepathy"}, VerdictFalse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Evaluate(context.Background(), tt.cond, pc); got != tt.want {
				t.Errorf("Evaluate(%s) = %v, want %v", tt.cond.Type, got, tt.want)
			}
		})
	}
}

func TestEvaluateAllShortCircuits(t *testing.T) {
	probes := newFakeProbes()
	e := NewEvaluator(probes, 0)
	e.EvaluateAll(context.Background(), []Condition{ProcessRunning("a"), ProcessRunning("b")}, ProblemContext{})
	if probes.calls != 1 {
		t.Errorf("expected evaluation to stop at the first false, got %d probe calls", probes.calls)
	}
}

func TestEvaluateWithoutProbes(t *testing.T) {
	e := NewEvaluator(nil, 0)
	if got := e.Evaluate(context.Background(), FileExists("/etc/hosts"), ProblemContext{}); got != VerdictUnsupported {
		t.Errorf("expected unsupported, got %v", got)
	}
}
