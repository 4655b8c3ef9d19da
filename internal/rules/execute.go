package rules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"psa/internal/logging"
	"psa/internal/validation"
)

// ActionStatus is the outcome of one action.
type ActionStatus string

const (
	ActionOK          ActionStatus = "ok"
	ActionFailed      ActionStatus = "failed"
	ActionUnsupported ActionStatus = "unsupported"
	ActionEscalated   ActionStatus = "escalated"
)

// ActionOutcome records one executed action.
type ActionOutcome struct {
	Type   ActionType   `json:"type"`
	Status ActionStatus `json:"status"`
	Output string       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// ExecutionResult is returned by Execute for every run, failed or not.
type ExecutionResult struct {
	RuleID           string          `json:"rule_id"`
	Success          bool            `json:"success"`
	Escalated        bool            `json:"escalated"`
	EscalationReason string          `json:"escalation_reason,omitempty"`
	Outcomes         []ActionOutcome `json:"outcomes"`
	Error            string          `json:"error,omitempty"`
	Duration         time.Duration   `json:"duration"`
}

// Outputs returns the output of every successful action in order.
func (r *ExecutionResult) Outputs() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == ActionOK {
			out = append(out, o.Output)
		}
	}
	return out
}

// actionRunner executes a single action through Effects.
type actionRunner struct {
	effects Effects
	timeout time.Duration
}

// run executes an action. A returned error aborts the sequence.
func (a *actionRunner) run(ctx context.Context, act Action) (ActionOutcome, error) {
	outcome := ActionOutcome{Type: act.Type}

	if act.Type == ActEscalate {
		outcome.Status = ActionEscalated
		outcome.Error = act.Reason
		return outcome, fmt.Errorf("%w: %s", ErrEscalation, act.Reason)
	}
	if act.Type == ActLog {
		outcome.Status = ActionOK
		outcome.Output = logAction(act)
		return outcome, nil
	}
	if a.effects == nil {
		outcome.Status = ActionUnsupported
		return outcome, nil
	}

	actx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	output, err := a.dispatch(actx, act)
	switch {
	case err == nil:
		outcome.Status = ActionOK
		outcome.Output = output
		return outcome, nil
	case errors.Is(err, ErrUnsupported):
		logging.RulesDebug("action %s unsupported: %v", act.Type, err)
		outcome.Status = ActionUnsupported
		outcome.Error = err.Error()
		return outcome, nil
	default:
		outcome.Status = ActionFailed
		outcome.Error = err.Error()
		return outcome, err
	}
}

func (a *actionRunner) dispatch(ctx context.Context, act Action) (string, error) {
	switch act.Type {
	case ActShell:
		return a.effects.Shell(ctx, act.Command, act.Sudo)
	case ActRestartService:
		if err := validation.ServiceName(act.Name); err != nil {
			return "", err
		}
		return a.effects.RestartService(ctx, act.Name)
	case ActEnableService:
		if err := validation.ServiceName(act.Name); err != nil {
			return "", err
		}
		return a.effects.EnableService(ctx, act.Name)
	case ActWriteFile:
		if err := validation.SafePath(act.Path); err != nil {
			return "", err
		}
		mode, err := parseMode(act.Mode)
		if err != nil {
			return "", err
		}
		return a.effects.WriteFile(ctx, act.Path, act.Content, mode)
	case ActLoadModule:
		if err := validation.ModuleName(act.Name); err != nil {
			return "", err
		}
		return a.effects.LoadModule(ctx, act.Name, act.Options)
	case ActInstallPackage:
		if err := validation.PackageName(act.Name); err != nil {
			return "", err
		}
		return a.effects.InstallPackage(ctx, act.Name)
	case ActNotify:
		a.effects.Notify(ctx, act.Title, act.Body)
		return fmt.Sprintf("Notification: %s - %s", act.Title, act.Body), nil
	}
	return "", fmt.Errorf("unknown action type %q", act.Type)
}

// parseMode parses an octal file mode; empty means 0644.
func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0644, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	return os.FileMode(m).Perm(), nil
}

func logAction(act Action) string {
	l := logging.Get(logging.CategoryRules)
	switch act.Level {
	case "error":
		l.Error("%s", act.Message)
	case "warn":
		l.Warn("%s", act.Message)
	case "debug":
		l.Debug("%s", act.Message)
	default:
		l.Info("%s", act.Message)
	}
	level := act.Level
	if level == "" {
		level = "info"
	}
	return fmt.Sprintf("[%s] %s", level, act.Message)
}
