package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"psa/internal/ipc"
	"psa/internal/logging"
	"psa/internal/rules"
)

// HostCheck inspects one aspect of the host. Checks that cannot run on this
// platform report nothing.
type HostCheck func(ctx context.Context) []ipc.Issue

// UnitLister lists failed service units.
type UnitLister interface {
	FailedUnits(ctx context.Context) ([]string, error)
}

// HighUsageLimit is the percentage above which cpu, memory and disk usage
// are reported.
const HighUsageLimit = 90.0

// DefaultChecks returns the cpu, memory, disk and failed-unit checks.
// units may be nil.
func DefaultChecks(probes rules.Probes, units UnitLister) []HostCheck {
	checks := []HostCheck{
		CPUCheck(probes),
		MetricCheck(probes, "mem_used_percent", "memory", "High memory usage: %.1f%%", "Check memory hogs with 'ps aux --sort=-%mem | head'"),
		MetricCheck(probes, "disk_used_percent", "disk", "Disk / at %.1f%% capacity", "Find large files with 'du -xh / | sort -rh | head'"),
	}
	if units != nil {
		checks = append(checks, FailedUnitsCheck(units))
	}
	return checks
}

// MetricCheck warns when a percentage metric exceeds HighUsageLimit.
func MetricCheck(probes rules.Probes, metric, category, format, suggestion string) HostCheck {
	return func(ctx context.Context) []ipc.Issue {
		v, err := probes.Metric(ctx, metric)
		if err != nil {
			skipCheck(metric, err)
			return nil
		}
		if v <= HighUsageLimit {
			return nil
		}
		return []ipc.Issue{{
			Severity:   ipc.SeverityWarning,
			Category:   category,
			Message:    fmt.Sprintf(format, v),
			Suggestion: suggestion,
		}}
	}
}

// CPUCheck warns when the one-minute load average per cpu exceeds
// HighUsageLimit percent.
func CPUCheck(probes rules.Probes) HostCheck {
	return func(ctx context.Context) []ipc.Issue {
		load, err := probes.Metric(ctx, "load1")
		if err != nil {
			skipCheck("load1", err)
			return nil
		}
		usage := load / float64(runtime.NumCPU()) * 100
		if usage <= HighUsageLimit {
			return nil
		}
		return []ipc.Issue{{
			Severity:   ipc.SeverityWarning,
			Category:   "cpu",
			Message:    fmt.Sprintf("High CPU usage: %.1f%%", usage),
			Suggestion: "Check top processes with 'ps aux --sort=-%cpu | head'",
		}}
	}
}

// FailedUnitsCheck reports every failed unit as critical.
func FailedUnitsCheck(units UnitLister) HostCheck {
	return func(ctx context.Context) []ipc.Issue {
		failed, err := units.FailedUnits(ctx)
		if err != nil {
			skipCheck("failed units", err)
			return nil
		}
		issues := make([]ipc.Issue, 0, len(failed))
		for _, u := range failed {
			issues = append(issues, ipc.Issue{
				Severity:   ipc.SeverityCritical,
				Category:   "service",
				Message:    "Failed service: " + u,
				Suggestion: fmt.Sprintf("Check with 'systemctl --user status %s'", u),
			})
		}
		return issues
	}
}

func skipCheck(what string, err error) {
	if errors.Is(err, rules.ErrUnsupported) {
		logging.DaemonDebug("health check %s unsupported here", what)
		return
	}
	logging.Get(logging.CategoryDaemon).Warn("health check %s failed: %v", what, err)
}

// overall is the worst severity among issues.
func overall(issues []ipc.Issue) ipc.Severity {
	level := ipc.SeverityGood
	for _, i := range issues {
		switch i.Severity {
		case ipc.SeverityCritical:
			return ipc.SeverityCritical
		case ipc.SeverityWarning:
			level = ipc.SeverityWarning
		}
	}
	return level
}
