package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"psa/internal/lifecycle"
	"psa/internal/rules"
)

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Rule health and obsolescence",
}

var lifecycleReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize rule health, proposals and CVEs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			assessAll(a)
			r := a.lifecycle.GenerateReport()
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, titleStyle.Render("Lifecycle report"))
			field(w, "Rules", r.TotalRules)
			field(w, "Healthy", successStyle.Render(fmt.Sprint(r.Healthy)))
			field(w, "Probationary", r.Probationary)
			field(w, "Degrading", warningStyle.Render(fmt.Sprint(r.Degrading)))
			field(w, "Needs review", errorStyle.Render(fmt.Sprint(r.NeedsReview)))
			field(w, "Possibly obsolete", warningStyle.Render(fmt.Sprint(r.PossiblyObsolete)))
			field(w, "Pending proposals", r.PendingProposals)
			field(w, "Tracked CVEs", r.TrackedCVEs)
			fmt.Fprintln(w)
			printAttention(w, a.lifecycle.RulesNeedingAttention())
			return nil
		})
	},
}

var lifecycleAssessCmd = &cobra.Command{
	Use:   "assess [rule-id]",
	Short: "Assess one rule's health and obsolescence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			r, err := getRule(a, args[0])
			if err != nil {
				return err
			}
			h := a.lifecycle.AssessHealth(&r)
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, titleStyle.Render(r.Name))
			field(w, "Health", healthStyle(h.State).Render(h.String()))
			field(w, "Applied", r.Stats.AppliedCount)
			field(w, "Success rate", percent(r.Stats.SuccessRate()))
			field(w, "Escalations", r.Stats.EscalationCount)
			if r.Stats.LastApplied != nil {
				field(w, "Last applied", r.Stats.LastApplied.Local().Format(time.DateTime))
			}
			for _, obs := range []*lifecycle.Obsolescence{
				a.lifecycle.CheckCVEObsolescence(&r),
				a.lifecycle.CheckConditionValidity(&r),
			} {
				if obs != nil {
					field(w, "Possibly obsolete", warningStyle.Render(obs.String()))
				}
			}
			return nil
		})
	},
}

var (
	proposalPattern  string
	proposalWhen     []string
	proposalThen     []string
	proposalSource   string
	proposalOutcome  string
	proposalDetail   string
	proposalContext  map[string]string
	proposalBy       string
	proposalReason   string
	proposalPending  bool
	proposalRuleName string
)

var proposalCmd = &cobra.Command{
	Use:   "proposal",
	Short: "Gather evidence for candidate rules and review them",
}

var proposalNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Propose a rule from a first observation",
	RunE: func(cmd *cobra.Command, args []string) error {
		conds, err := parseConditions(proposalWhen)
		if err != nil {
			return err
		}
		acts, err := parseActions(proposalThen)
		if err != nil {
			return err
		}
		ev, err := evidence()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			id := a.lifecycle.ProposeRule(proposalPattern, conds, acts, ev)
			p, err := a.lifecycle.Proposal(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", successStyle.Render("proposed"), idStyle.Render(id), p.Status)
			return nil
		})
	},
}

var proposalEvidenceCmd = &cobra.Command{
	Use:   "evidence [proposal-id]",
	Short: "Add an observation to a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := evidence()
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.lifecycle.AddEvidence(args[0], ev); err != nil {
				return err
			}
			p, err := a.lifecycle.Proposal(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s confidence %.2f, %s\n", idStyle.Render(p.ID), p.Confidence, p.Status)
			return nil
		})
	},
}

var proposalApproveCmd = &cobra.Command{
	Use:   "approve [proposal-id]",
	Short: "Approve a proposal awaiting review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.lifecycle.Approve(args[0], proposalBy); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("approved ")+idStyle.Render(args[0]))
			return nil
		})
	},
}

var proposalRejectCmd = &cobra.Command{
	Use:   "reject [proposal-id]",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if proposalReason == "" {
			return errors.New("--reason is required")
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.lifecycle.Reject(args[0], proposalReason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), warningStyle.Render("rejected ")+idStyle.Render(args[0]))
			return nil
		})
	},
}

var proposalCrystallizeCmd = &cobra.Command{
	Use:   "crystallize [proposal-id]",
	Short: "Create a rule from an approved proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{journal: true}, func(ctx context.Context, a *app) error {
			p, err := a.lifecycle.Proposal(args[0])
			if err != nil {
				return err
			}
			if p.Status.Kind != lifecycle.StatusApproved {
				return fmt.Errorf("%w: proposal is %s", lifecycle.ErrInvalidTransition, p.Status)
			}
			name := proposalRuleName
			if name == "" {
				name = "Proposed: " + p.ProblemPattern
			}
			now := time.Now()
			id, err := a.engine.Create(ctx, rules.Rule{
				Name:    name,
				When:    p.SuggestedConditions,
				Then:    p.SuggestedActions,
				Enabled: true,
				Provenance: rules.Provenance{
					Source:          rules.RuleSource{Kind: rules.SourceManual, Author: p.Status.By},
					OriginalProblem: p.ProblemPattern,
					DecisionPath: []rules.DecisionStep{{
						Timestamp:       now,
						Description:     "Crystallized from approved proposal " + p.ID,
						ConfidenceAfter: p.Confidence,
						Reason:          fmt.Sprintf("%d observations, approved by %s", len(p.Evidence), p.Status.By),
					}},
				},
			}, cfg.Daemon.Author)
			if err != nil {
				return err
			}
			if err := a.lifecycle.MarkCrystallized(p.ID, id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("crystallized ")+idStyle.Render(id))
			return nil
		})
	},
}

var proposalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			list := a.lifecycle.Proposals()
			if proposalPending {
				list = a.lifecycle.PendingProposals()
			}
			printProposals(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var proposalShowCmd = &cobra.Command{
	Use:   "show [proposal-id]",
	Short: "Print a proposal with its evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			p, err := a.lifecycle.Proposal(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		})
	},
}

func evidence() (lifecycle.Evidence, error) {
	ev := lifecycle.Evidence{
		Timestamp: time.Now(),
		Source:    proposalSource,
		Context:   proposalContext,
	}
	switch proposalOutcome {
	case "success":
		ev.Outcome = lifecycle.Success()
	case "failure":
		ev.Outcome = lifecycle.Failure(proposalDetail)
	case "partial":
		ev.Outcome = lifecycle.Partial(proposalDetail)
	default:
		return ev, fmt.Errorf("outcome %q: want success, failure or partial", proposalOutcome)
	}
	return ev, nil
}

func printProposals(w io.Writer, list []lifecycle.Proposal) {
	if len(list) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no proposals"))
		return
	}
	for _, p := range list {
		fmt.Fprintf(w, "%s  %-40s %.2f  %s\n", idStyle.Render(p.ID), p.ProblemPattern, p.Confidence, p.Status)
	}
}

var (
	cvePackages []string
	cveFixedIn  string
	cveLocal    bool
)

var cveCmd = &cobra.Command{
	Use:   "cve",
	Short: "Track vulnerabilities that rules work around",
}

var cveRegisterCmd = &cobra.Command{
	Use:   "register [cve-id]",
	Short: "Start tracking a CVE",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			a.lifecycle.RegisterCVE(args[0], cvePackages)
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("tracking ")+args[0])
			return nil
		})
	},
}

var cveLinkCmd = &cobra.Command{
	Use:   "link [cve-id] [rule-id]",
	Short: "Link a rule to the CVE it works around",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			if _, err := getRule(a, args[1]); err != nil {
				return err
			}
			if err := a.lifecycle.LinkCVE(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %s → %s\n", args[0], idStyle.Render(args[1]))
			return nil
		})
	},
}

var cveFixCmd = &cobra.Command{
	Use:   "fix [cve-id]",
	Short: "Record that a CVE is fixed upstream or patched locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cveFixedIn == "" && !cveLocal {
			return errors.New("pass --version or --local")
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.lifecycle.MarkCVEFixed(args[0], cveFixedIn, cveLocal); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("fixed ")+args[0])
			for _, c := range a.lifecycle.CVEs() {
				if c.ID == args[0] && len(c.RuleIDs) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), warningStyle.Render("review rules: ")+strings.Join(c.RuleIDs, ", "))
				}
			}
			return nil
		})
	},
}

var cveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked CVEs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			cves := a.lifecycle.CVEs()
			if len(cves) == 0 {
				fmt.Fprintln(w, mutedStyle.Render("no CVEs tracked"))
				return nil
			}
			for _, c := range cves {
				state := warningStyle.Render("open")
				switch {
				case c.FixedIn != "":
					state = successStyle.Render("fixed in " + c.FixedIn)
				case c.PatchedLocally:
					state = successStyle.Render("patched locally")
				}
				fmt.Fprintf(w, "%s  %s  packages: %s  rules: %s\n", c.ID, state,
					strings.Join(c.AffectedPackages, ","), strings.Join(c.RuleIDs, ","))
			}
			return nil
		})
	},
}

func init() {
	lifecycleCmd.AddCommand(lifecycleReportCmd, lifecycleAssessCmd)

	proposalNewCmd.Flags().StringVar(&proposalPattern, "pattern", "", "Problem pattern the rule addresses")
	proposalNewCmd.Flags().StringArrayVar(&proposalWhen, "when", nil, "Suggested condition spec (repeatable)")
	proposalNewCmd.Flags().StringArrayVar(&proposalThen, "then", nil, "Suggested action spec (repeatable)")
	proposalNewCmd.MarkFlagRequired("pattern")
	for _, c := range []*cobra.Command{proposalNewCmd, proposalEvidenceCmd} {
		c.Flags().StringVar(&proposalSource, "source", "manual", "Where the observation came from")
		c.Flags().StringVar(&proposalOutcome, "outcome", "success", "success, failure or partial")
		c.Flags().StringVar(&proposalDetail, "detail", "", "Error or details for failure/partial outcomes")
		c.Flags().StringToStringVar(&proposalContext, "context", nil, "Observation context key=value pairs")
	}
	proposalApproveCmd.Flags().StringVar(&proposalBy, "by", "", "Reviewer")
	proposalApproveCmd.MarkFlagRequired("by")
	proposalRejectCmd.Flags().StringVar(&proposalReason, "reason", "", "Why")
	proposalCrystallizeCmd.Flags().StringVar(&proposalRuleName, "name", "", "Rule name (default: from the pattern)")
	proposalListCmd.Flags().BoolVar(&proposalPending, "pending", false, "Only proposals awaiting review")
	proposalCmd.AddCommand(proposalNewCmd, proposalEvidenceCmd, proposalApproveCmd, proposalRejectCmd,
		proposalCrystallizeCmd, proposalListCmd, proposalShowCmd)

	cveRegisterCmd.Flags().StringSliceVar(&cvePackages, "package", nil, "Affected package (repeatable)")
	cveFixCmd.Flags().StringVar(&cveFixedIn, "version", "", "Version that fixes it")
	cveFixCmd.Flags().BoolVar(&cveLocal, "local", false, "Patched locally")
	cveCmd.AddCommand(cveRegisterCmd, cveLinkCmd, cveFixCmd, cveListCmd)
}
