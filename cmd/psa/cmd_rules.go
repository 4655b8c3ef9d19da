package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"psa/internal/lifecycle"
	"psa/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect, run and edit crystallized rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules with their success rate and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			list := a.engine.List()
			if len(list) == 0 {
				fmt.Fprintln(w, mutedStyle.Render("no rules in "+cfg.RulesDir))
				return nil
			}
			for _, r := range list {
				h := a.lifecycle.AssessHealth(&r)
				enabled := successStyle.Render("on ")
				if !r.Enabled {
					enabled = mutedStyle.Render("off")
				}
				fmt.Fprintf(w, "%s %s  %-40s %5s  %s\n",
					enabled, idStyle.Render(r.ID), r.Name, percent(r.Stats.SuccessRate()),
					healthStyle(h.State).Render(h.String()))
			}
			return nil
		})
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show [rule-id]",
	Short: "Print a rule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			r, err := getRule(a, args[0])
			if err != nil {
				return err
			}
			data, err := rules.Marshal(r)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		})
	},
}

var rulesProvenanceCmd = &cobra.Command{
	Use:   "provenance [rule-id]",
	Short: "Show where a rule came from and how it changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			md, err := a.engine.ProvenanceReport(args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(md))
			return nil
		})
	},
}

var rulesMatchCmd = &cobra.Command{
	Use:   "match [problem]",
	Short: "List rules whose conditions hold right now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			matches := a.engine.FindMatching(ctx, rules.ProblemContext{ProblemText: strings.Join(args, " ")})
			if len(matches) == 0 {
				fmt.Fprintln(w, mutedStyle.Render("no rule matches"))
				return nil
			}
			for _, r := range matches {
				fmt.Fprintf(w, "%s  %s (%d conditions)\n", idStyle.Render(r.ID), r.Name, len(r.When))
			}
			return nil
		})
	},
}

var rulesExecCmd = &cobra.Command{
	Use:   "exec [rule-id]",
	Short: "Run a rule's actions now, regardless of its conditions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{journal: true}, func(ctx context.Context, a *app) error {
			res, err := a.engine.Execute(ctx, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, o := range res.Outcomes {
				status := successStyle.Render(string(o.Status))
				if o.Status != rules.ActionOK {
					status = errorStyle.Render(string(o.Status))
				}
				fmt.Fprintf(w, "%s %s\n", status, o.Type)
				if out := strings.TrimSpace(o.Output); out != "" {
					fmt.Fprintln(w, mutedStyle.Render(indent(out)))
				}
				if o.Error != "" {
					fmt.Fprintln(w, errorStyle.Render(indent(o.Error)))
				}
			}
			if r, ok := a.engine.Get(args[0]); ok {
				a.lifecycle.AssessHealth(&r)
			}
			switch {
			case res.Escalated:
				return fmt.Errorf("%w: %s", rules.ErrEscalation, res.EscalationReason)
			case !res.Success:
				return errors.New(res.Error)
			}
			fmt.Fprintf(w, "%s in %v\n", successStyle.Render("succeeded"), res.Duration)
			return nil
		})
	},
}

var (
	ruleName    string
	ruleWhen    []string
	ruleThen    []string
	ruleTags    []string
	ruleReason  string
	ruleMessage string
	ruleBump    string
)

var rulesNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Author a rule by hand",
	Long: `Creates a rule from compact condition and action specs.

Example:
  psa rules new --name "Restart stuck pipewire" \
    --when 'service:pipewire=failed' --then 'restart:pipewire'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conds, err := parseConditions(ruleWhen)
		if err != nil {
			return err
		}
		acts, err := parseActions(ruleThen)
		if err != nil {
			return err
		}
		if len(conds) == 0 || len(acts) == 0 {
			return errors.New("a rule needs at least one --when and one --then")
		}
		return withApp(cmd.Context(), appOptions{journal: true}, func(ctx context.Context, a *app) error {
			id, err := a.engine.Create(ctx, rules.Rule{
				Name:    ruleName,
				When:    conds,
				Then:    acts,
				Tags:    ruleTags,
				Enabled: true,
			}, cfg.Daemon.Author)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("created ")+idStyle.Render(id))
			return nil
		})
	},
}

var rulesAmendCmd = &cobra.Command{
	Use:   "amend [rule-id]",
	Short: "Change a rule's conditions, actions, name or tags",
	Long: `Amends a rule and records a new version. Without --bump, a change
that stays within the configured tolerance is a patch and anything larger
is a minor version.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{journal: true}, func(ctx context.Context, a *app) error {
			r, err := getRule(a, args[0])
			if err != nil {
				return err
			}
			am := rules.Amendment{Author: cfg.Daemon.Author, Message: ruleMessage}
			if cmd.Flags().Changed("name") {
				am.Name = &ruleName
			}
			if cmd.Flags().Changed("tag") {
				am.Tags = &ruleTags
			}
			conds, acts := r.When, r.Then
			if cmd.Flags().Changed("when") {
				if conds, err = parseConditions(ruleWhen); err != nil {
					return err
				}
				am.When = &conds
			}
			if cmd.Flags().Changed("then") {
				if acts, err = parseActions(ruleThen); err != nil {
					return err
				}
				am.Then = &acts
			}
			if am.Bump, err = parseBump(ruleBump); err != nil {
				return err
			}
			if am.Bump == rules.BumpAuto && a.lifecycle.WithinTolerance(&r, conds, acts) {
				am.Bump = rules.BumpPatch
			}
			if am.Message == "" {
				am.Message = "Amend rule"
			}

			updated, err := a.engine.Amend(ctx, r.ID, am)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s → %s\n",
				successStyle.Render("amended"), idStyle.Render(updated.ID), r.Version, updated.Version)
			return nil
		})
	},
}

func parseBump(s string) (rules.Bump, error) {
	switch s {
	case "", "auto":
		return rules.BumpAuto, nil
	case "patch":
		return rules.BumpPatch, nil
	case "minor":
		return rules.BumpMinor, nil
	case "major":
		return rules.BumpMajor, nil
	}
	return rules.BumpAuto, fmt.Errorf("unknown bump %q (want patch, minor or major)", s)
}

func setEnabledCmd(use string, enabled bool) *cobra.Command {
	verb := "Disable"
	if enabled {
		verb = "Enable"
	}
	return &cobra.Command{
		Use:   use + " [rule-id]",
		Short: verb + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{journal: true}, func(ctx context.Context, a *app) error {
				r, err := a.engine.SetEnabled(ctx, args[0], enabled, cfg.Daemon.Author, ruleReason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (v%s)\n", strings.ToLower(verb)+"d", idStyle.Render(r.ID), r.Version)
				return nil
			})
		},
	}
}

var rulesRetireCmd = &cobra.Command{
	Use:   "retire [rule-id]",
	Short: "Retire an obsolete rule (kept on disk, never applied)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ruleReason == "" {
			return errors.New("--reason is required")
		}
		return withApp(cmd.Context(), appOptions{journal: true}, func(ctx context.Context, a *app) error {
			r, err := a.engine.Retire(ctx, args[0], cfg.Daemon.Author, ruleReason)
			if err != nil {
				return err
			}
			h := a.lifecycle.AssessHealth(&r)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", healthStyle(h.State).Render("retired"), idStyle.Render(r.ID))
			return nil
		})
	},
}

var rulesAttentionCmd = &cobra.Command{
	Use:   "attention",
	Short: "List rules that need a human",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			assessAll(a)
			printAttention(cmd.OutOrStdout(), a.lifecycle.RulesNeedingAttention())
			return nil
		})
	},
}

func getRule(a *app, id string) (rules.Rule, error) {
	r, ok := a.engine.Get(id)
	if !ok {
		return rules.Rule{}, fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	}
	return r, nil
}

// assessAll refreshes the health cache, which starts empty in every CLI
// process.
func assessAll(a *app) {
	for _, r := range a.engine.List() {
		a.lifecycle.AssessHealth(&r)
	}
}

func printAttention(w io.Writer, list []lifecycle.Attention) {
	if len(list) == 0 {
		fmt.Fprintln(w, successStyle.Render("all rules healthy"))
		return
	}
	for _, at := range list {
		fmt.Fprintf(w, "%s  %s\n", idStyle.Render(at.RuleID), healthStyle(at.Health.State).Render(at.Health.String()))
	}
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}

func init() {
	for _, c := range []*cobra.Command{rulesNewCmd, rulesAmendCmd} {
		c.Flags().StringVar(&ruleName, "name", "", "Rule name")
		c.Flags().StringArrayVar(&ruleWhen, "when", nil, "Condition spec (repeatable), e.g. process:nginx, service:sshd=failed, metric:load1>4")
		c.Flags().StringArrayVar(&ruleThen, "then", nil, "Action spec (repeatable), e.g. restart:nginx, shell:'journalctl --vacuum-size=200M'")
		c.Flags().StringSliceVar(&ruleTags, "tag", nil, "Tag (repeatable)")
	}
	rulesNewCmd.MarkFlagRequired("name")
	rulesAmendCmd.Flags().StringVarP(&ruleMessage, "message", "m", "", "Change message")
	rulesAmendCmd.Flags().StringVar(&ruleBump, "bump", "auto", "Version bump: auto, patch, minor, major")

	enableCmd := setEnabledCmd("enable", true)
	disableCmd := setEnabledCmd("disable", false)
	for _, c := range []*cobra.Command{enableCmd, disableCmd, rulesRetireCmd} {
		c.Flags().StringVar(&ruleReason, "reason", "", "Why")
	}

	rulesCmd.AddCommand(rulesListCmd, rulesShowCmd, rulesProvenanceCmd, rulesMatchCmd, rulesExecCmd,
		rulesNewCmd, rulesAmendCmd, enableCmd, disableCmd, rulesRetireCmd, rulesAttentionCmd)
}
