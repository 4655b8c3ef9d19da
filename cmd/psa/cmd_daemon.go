package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"psa/internal/daemon"
	"psa/internal/ipc"
	"psa/internal/tactile"
)

// daemonCmd runs the control loop in the foreground
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background control loop",
	Long: `Runs health checks and rule application on a timer and answers CLI
commands on a unix socket until interrupted or told to shut down.`,
	RunE: runDaemon,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd.Context(), ipc.Request{Command: ipc.CmdStatus})
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), resp.Status)
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop periodic health checks and rule application",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := call(cmd.Context(), ipc.Request{Command: ipc.CmdPause}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), warningStyle.Render("paused"))
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume periodic health checks and rule application",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := call(cmd.Context(), ipc.Request{Command: ipc.CmdResume}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("resumed"))
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := call(cmd.Context(), ipc.Request{Command: ipc.CmdShutdown}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run a health check now",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd.Context(), ipc.Request{Command: ipc.CmdHealthCheck})
		if err != nil {
			return err
		}
		printHealth(cmd.OutOrStdout(), resp.Health)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [problem]",
	Short: "Ask the daemon how to solve a problem",
	Long: `Answers from the first matching rule, then from known solutions, then
from the advisor.

Example:
  psa query "bluetooth headset keeps disconnecting"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call(cmd.Context(), ipc.Request{Command: ipc.CmdQuery, Problem: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		a := resp.Answer
		w := cmd.OutOrStdout()
		fmt.Fprintln(w, a.Answer)
		fmt.Fprintln(w)
		field(w, "Source", a.Source)
		field(w, "Confidence", percent(a.Confidence))
		if a.AppliedRule != "" {
			field(w, "Rule", idStyle.Render(a.AppliedRule))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(shutdownCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := daemon.NewMetrics()
	audit := tactile.NewAuditLogger(metrics.ObserveProcess)
	if cfg.Execution.AuditFile != "" {
		if err := audit.EnableFileLogging(cfg.Execution.AuditFile); err != nil {
			return err
		}
	}
	defer audit.Close()

	a, err := openApp(ctx, cfg, appOptions{journal: true, reasoning: true, audit: audit.Log})
	if err != nil {
		return err
	}
	defer a.Close()

	d := daemon.New(daemon.Deps{
		Rules:     a.engine,
		Lifecycle: a.lifecycle,
		Reasoning: a.reasoning,
		Solutions: a.store,
		Effects:   a.local,
		Metrics:   metrics,
		Checks:    daemon.DefaultChecks(a.local, a.local),
		Audit:     audit,
	}, daemon.Options{
		HealthInterval: cfg.GetHealthInterval(),
		RuleInterval:   cfg.GetRuleInterval(),
		CorrelationID:  corrID,
	})

	so := daemon.ServeOptions{
		SocketPath:  cfg.Daemon.SocketPath,
		MetricsAddr: cfg.Daemon.MetricsAddr,
	}
	if cfg.Daemon.WatchRules {
		so.WatchDir = cfg.RulesDir
	}

	logger.Info("Starting daemon",
		zap.String("socket", so.SocketPath),
		zap.String("rules_dir", cfg.RulesDir),
		zap.Int("rules", a.engine.Len()),
		zap.Int("clauses", a.reasoning.Len()))
	err = d.Serve(ctx, so)
	logger.Info("Daemon stopped", zap.Error(err))
	return err
}

// call sends one request to the running daemon.
func call(parent context.Context, req ipc.Request) (*ipc.Response, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	resp, err := ipc.Call(ctx, cfg.Daemon.SocketPath, req)
	switch {
	case err == nil:
		return resp, nil
	case resp != nil:
		return nil, err
	}
	return nil, fmt.Errorf("%w (start it with 'psa daemon')", err)
}

func printStatus(w io.Writer, s *ipc.Status) {
	fmt.Fprintln(w, titleStyle.Render("psa daemon"))
	state := successStyle.Render("running")
	if s.Paused {
		state = warningStyle.Render("paused")
	}
	field(w, "State", state)
	field(w, "Uptime", s.Uptime.Round(time.Second))
	field(w, "Rules", s.RulesCount)
	if s.LastHealthCheck != nil {
		field(w, "Last health check", s.LastHealthCheck.Local().Format(time.DateTime))
	} else {
		field(w, "Last health check", mutedStyle.Render("never"))
	}
	field(w, "Issues detected", s.IssuesDetected)
	field(w, "Issues resolved", s.IssuesResolved)
	if s.ProcessesSpawned > 0 {
		field(w, "Processes", fmt.Sprintf("%d (%s ok)", s.ProcessesSpawned, percent(s.ProcessSuccessRate)))
	}
	field(w, "Correlation id", mutedStyle.Render(s.CorrelationID))
}

func printHealth(w io.Writer, h *ipc.HealthReport) {
	fmt.Fprintln(w, titleStyle.Render("Health: ")+severityStyle(h.Overall).Render(string(h.Overall)))
	if len(h.Issues) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no issues"))
		return
	}
	for _, i := range h.Issues {
		fmt.Fprintf(w, "%s [%s] %s\n", severityStyle(i.Severity).Render("●"), i.Category, i.Message)
		if i.Suggestion != "" {
			fmt.Fprintln(w, "    "+mutedStyle.Render(i.Suggestion))
		}
	}
}
