package rules

import (
	"context"
	"errors"
	"strings"
	"time"

	"psa/internal/logging"
	"psa/internal/validation"
)

// Verdict is the outcome of evaluating a condition.
type Verdict int

const (
	VerdictFalse Verdict = iota
	VerdictTrue
	// VerdictUnsupported means the condition could not be evaluated on this
	// host. A rule never fires on it.
	VerdictUnsupported
)

func (v Verdict) String() string {
	switch v {
	case VerdictTrue:
		return "true"
	case VerdictUnsupported:
		return "unsupported"
	}
	return "false"
}

// Evaluator evaluates conditions against live probes.
type Evaluator struct {
	probes  Probes
	timeout time.Duration
}

// NewEvaluator creates an evaluator. timeout bounds each probe; zero means
// no bound beyond ctx.
func NewEvaluator(probes Probes, timeout time.Duration) *Evaluator {
	return &Evaluator{probes: probes, timeout: timeout}
}

// EvaluateAll is the conjunction of conds.
func (e *Evaluator) EvaluateAll(ctx context.Context, conds []Condition, pc ProblemContext) Verdict {
	return e.Evaluate(ctx, All(conds...), pc)
}

// Evaluate evaluates one condition. Probe errors and invalid inputs yield
// VerdictFalse; ErrUnsupported from a probe yields VerdictUnsupported.
// All: any false is false, else any unsupported is unsupported.
// Any: any true is true, else any unsupported is unsupported.
// Not: unsupported stays unsupported.
func (e *Evaluator) Evaluate(ctx context.Context, c Condition, pc ProblemContext) Verdict {
	switch c.Type {
	case CondAll:
		result := VerdictTrue
		for _, sub := range c.Conditions {
			switch e.Evaluate(ctx, sub, pc) {
			case VerdictFalse:
				return VerdictFalse
			case VerdictUnsupported:
				result = VerdictUnsupported
			}
		}
		return result
	case CondAny:
		result := VerdictFalse
		for _, sub := range c.Conditions {
			switch e.Evaluate(ctx, sub, pc) {
			case VerdictTrue:
				return VerdictTrue
			case VerdictUnsupported:
				result = VerdictUnsupported
			}
		}
		return result
	case CondNot:
		if c.Condition == nil {
			logging.RulesWarn("not condition without operand")
			return VerdictFalse
		}
		switch e.Evaluate(ctx, *c.Condition, pc) {
		case VerdictTrue:
			return VerdictFalse
		case VerdictFalse:
			return VerdictTrue
		}
		return VerdictUnsupported
	}

	if e.probes == nil {
		return VerdictUnsupported
	}
	if c.Type == CondMetricThreshold {
		return e.metric(ctx, c, pc)
	}

	pctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var (
		ok  bool
		err error
	)
	switch c.Type {
	case CondProcessRunning:
		if err := validation.ProcessPattern(c.Name); err != nil {
			logging.RulesWarn("invalid process pattern %q: %v", c.Name, err)
			return VerdictFalse
		}
		ok, err = e.probes.ProcessRunning(pctx, c.Name)
	case CondServiceState:
		if err := validation.ServiceName(c.Name); err != nil {
			logging.RulesWarn("invalid service name %q: %v", c.Name, err)
			return VerdictFalse
		}
		var state string
		state, err = e.probes.ServiceState(pctx, c.Name)
		ok = err == nil && strings.EqualFold(strings.TrimSpace(state), c.State)
	case CondFileExists:
		ok, err = e.probes.FileExists(pctx, c.Path)
	case CondFileContains:
		ok, err = e.probes.FileContains(pctx, c.Path, c.Pattern)
	case CondModuleLoaded:
		if err := validation.ModuleName(c.Name); err != nil {
			logging.RulesWarn("invalid module name %q: %v", c.Name, err)
			return VerdictFalse
		}
		ok, err = e.probes.ModuleLoaded(pctx, c.Name)
	case CondShellCheck:
		ok, err = e.probes.ShellCheck(pctx, c.Command)
	case CondPortOpen:
		if c.Port == 0 {
			return VerdictFalse
		}
		ok, err = e.probes.PortOpen(pctx, c.Port, c.Protocol)
	case CondPackageInstalled:
		if err := validation.PackageName(c.Name); err != nil {
			logging.RulesWarn("invalid package name %q: %v", c.Name, err)
			return VerdictFalse
		}
		ok, err = e.probes.PackageInstalled(pctx, c.Name)
	default:
		logging.RulesWarn("unknown condition type %q evaluates false", c.Type)
		return VerdictFalse
	}
	return verdictOf(c.Type, ok, err)
}

func (e *Evaluator) metric(ctx context.Context, c Condition, pc ProblemContext) Verdict {
	value, found := pc.Metrics[c.Metric]
	if !found {
		pctx := ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		v, err := e.probes.Metric(pctx, c.Metric)
		if err != nil {
			return verdictOf(c.Type, false, err)
		}
		value = v
	}

	ok, valid := compare(value, c.Op, c.Value)
	if !valid {
		logging.RulesWarn("unknown metric operator %q evaluates false", c.Op)
		return VerdictFalse
	}
	return boolVerdict(ok)
}

func verdictOf(t ConditionType, ok bool, err error) Verdict {
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			logging.RulesDebug("%s unsupported: %v", t, err)
			return VerdictUnsupported
		}
		logging.RulesWarn("%s probe failed: %v", t, err)
		return VerdictFalse
	}
	return boolVerdict(ok)
}

func boolVerdict(ok bool) Verdict {
	if ok {
		return VerdictTrue
	}
	return VerdictFalse
}

func compare(a float64, op string, b float64) (result, valid bool) {
	switch op {
	case ">", "gt":
		return a > b, true
	case ">=", "gte", "ge":
		return a >= b, true
	case "<", "lt":
		return a < b, true
	case "<=", "lte", "le":
		return a <= b, true
	case "==", "=", "eq":
		return a == b, true
	case "!=", "ne":
		return a != b, true
	}
	return false, false
}
