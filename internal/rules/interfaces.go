package rules

import (
	"context"
	"errors"
	"os"
)

var (
	// ErrNotFound is returned for an unknown rule id.
	ErrNotFound = errors.New("rule not found")
	// ErrRuleBusy is returned when the rule is already executing.
	ErrRuleBusy = errors.New("rule is already executing")
	// ErrRuleRetired is returned when executing or amending a retired rule.
	ErrRuleRetired = errors.New("rule is retired")
	// ErrEscalation is the error carried by an escalated execution.
	ErrEscalation = errors.New("escalation required")
	// ErrInvalidRule wraps validation failures.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrNotProven is returned when crystallizing a solution below threshold.
	ErrNotProven = errors.New("solution not proven enough to crystallize")
	// ErrUnsupported is returned by probes and effects that cannot serve a
	// request on this host. It maps to VerdictUnsupported / ActionUnsupported.
	ErrUnsupported = errors.New("not supported")
)

// Probes are read-only checks of live system state. Inputs for name-based
// probes are validated by the caller; ShellCheck is exempt.
type Probes interface {
	ProcessRunning(ctx context.Context, pattern string) (bool, error)
	ServiceState(ctx context.Context, name string) (string, error)
	FileExists(ctx context.Context, path string) (bool, error)
	FileContains(ctx context.Context, path, pattern string) (bool, error)
	ModuleLoaded(ctx context.Context, name string) (bool, error)
	ShellCheck(ctx context.Context, command string) (bool, error)
	PortOpen(ctx context.Context, port uint16, protocol string) (bool, error)
	PackageInstalled(ctx context.Context, name string) (bool, error)
	Metric(ctx context.Context, name string) (float64, error)
}

// Effects perform the side effects of actions. Each returns the output to
// record on success.
type Effects interface {
	Shell(ctx context.Context, command string, sudo bool) (string, error)
	RestartService(ctx context.Context, name string) (string, error)
	EnableService(ctx context.Context, name string) (string, error)
	WriteFile(ctx context.Context, path, content string, mode os.FileMode) (string, error)
	LoadModule(ctx context.Context, name, options string) (string, error)
	InstallPackage(ctx context.Context, name string) (string, error)
	// Notify is fire-and-forget.
	Notify(ctx context.Context, title, body string)
}

// Committer records a rule snapshot as a discrete, append-only commit and
// returns its sequence number.
type Committer interface {
	Commit(ctx context.Context, ruleID, version, author, message string, snapshot []byte) (uint64, error)
}

// SolutionStore is the external store of learned solutions.
type SolutionStore interface {
	StoreSolution(ctx context.Context, s Solution) (string, error)
	FindByCategory(ctx context.Context, category string) ([]Solution, error)
	Search(ctx context.Context, query string) ([]Solution, error)
	FindRelated(ctx context.Context, problem string, depth int) ([]Solution, error)
	RecordOutcome(ctx context.Context, solutionID string, success bool) error
}
