package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"psa/internal/rules"
)

var (
	learnCategory  string
	learnProblem   string
	learnSolution  string
	learnFile      string
	learnCommands  []string
	learnTags      []string
	learnSource    string
	learnRelatedTo string
	learnRelConf   float64

	crystallizeWhen       []string
	crystallizeThen       []string
	crystallizeCandidates bool
	crystallizeCategory   string

	relatedDepth int
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Record a solution to a problem",
	Long: `Stores a solution in the solution database. The solution text comes
from --solution, --file or standard input.

Example:
  psa learn --category audio --problem "no sound after suspend" \
    --command "systemctl --user restart pipewire" < notes.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := solutionText(cmd.InOrStdin())
		if err != nil {
			return err
		}
		sol := rules.Solution{
			Category: learnCategory,
			Problem:  learnProblem,
			Solution: text,
			Commands: learnCommands,
			Tags:     learnTags,
			Source:   rules.SolutionSource(learnSource),
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			id, err := a.store.StoreSolution(ctx, sol)
			if err != nil {
				return err
			}
			if learnRelatedTo != "" {
				err := a.store.AddRelation(ctx, rules.ProblemRelation{
					FromProblem: learnRelatedTo,
					ToSolution:  id,
					Confidence:  learnRelConf,
				})
				if err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("learned ")+idStyle.Render(id))
			return nil
		})
	},
}

func solutionText(stdin io.Reader) (string, error) {
	switch {
	case learnSolution != "":
		return learnSolution, nil
	case learnFile != "":
		data, err := os.ReadFile(learnFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("no solution text: use --solution, --file or stdin")
	}
	return text, nil
}

var crystallizeCmd = &cobra.Command{
	Use:   "crystallize [solution-id]",
	Short: "Turn a proven solution into a rule",
	Long: `Crystallizes a solution with enough successes into an enabled rule.
Conditions are required; actions default to the solution's commands.

  psa crystallize --candidates          list solutions ready to crystallize
  psa crystallize sol-... --when 'service:pipewire=failed'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if crystallizeCandidates {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				cands, err := a.engine.CrystallizationCandidates(ctx, a.store, crystallizeCategory)
				if err != nil {
					return err
				}
				if len(cands) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no solutions ready to crystallize"))
					return nil
				}
				printSolutions(cmd.OutOrStdout(), cands)
				return nil
			})
		}

		if len(args) != 1 {
			return errors.New("solution id required")
		}
		conds, err := parseConditions(crystallizeWhen)
		if err != nil {
			return err
		}
		if len(conds) == 0 {
			return errors.New("a rule needs at least one --when condition")
		}
		return withApp(cmd.Context(), appOptions{journal: true}, func(ctx context.Context, a *app) error {
			sol, err := a.store.GetSolution(ctx, args[0])
			if err != nil {
				return err
			}
			acts := rules.DefaultActions(sol)
			if len(crystallizeThen) > 0 {
				if acts, err = parseActions(crystallizeThen); err != nil {
					return err
				}
			}
			if len(acts) == 0 {
				return errors.New("solution has no commands; pass --then")
			}
			id, err := a.engine.Crystallize(ctx, sol, conds, acts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("crystallized ")+idStyle.Render(id))
			return nil
		})
	},
}

var solutionsCmd = &cobra.Command{
	Use:   "solutions",
	Short: "Browse the solution database",
}

var solutionsListCmd = &cobra.Command{
	Use:   "list [category]",
	Short: "List solutions, optionally of one category",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			var (
				sols []rules.Solution
				err  error
			)
			if len(args) == 1 {
				sols, err = a.store.FindByCategory(ctx, args[0])
			} else {
				sols, err = a.store.AllSolutions(ctx)
			}
			if err != nil {
				return err
			}
			printSolutions(cmd.OutOrStdout(), sols)
			return nil
		})
	},
}

var solutionsSearchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Search problems, solutions and tags",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			sols, err := a.store.Search(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printSolutions(cmd.OutOrStdout(), sols)
			return nil
		})
	},
}

var solutionsRelatedCmd = &cobra.Command{
	Use:   "related [problem]",
	Short: "Follow problem relations to solutions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			sols, err := a.store.FindRelated(ctx, strings.Join(args, " "), relatedDepth)
			if err != nil {
				return err
			}
			printSolutions(cmd.OutOrStdout(), sols)
			return nil
		})
	},
}

var solutionsOutcomeCmd = &cobra.Command{
	Use:   "outcome [solution-id] [success|failure]",
	Short: "Record whether applying a solution worked",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var success bool
		switch args[1] {
		case "success", "ok":
			success = true
		case "failure", "failed":
		default:
			return fmt.Errorf("outcome %q: want success or failure", args[1])
		}
		return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.store.RecordOutcome(ctx, args[0], success); err != nil {
				return err
			}
			sol, err := a.store.GetSolution(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d successes, %d failures", idStyle.Render(sol.ID), sol.SuccessCount, sol.FailureCount)
			if rules.ShouldCrystallize(sol) {
				fmt.Fprint(cmd.OutOrStdout(), successStyle.Render("  ready to crystallize"))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		})
	},
}

func printSolutions(w io.Writer, sols []rules.Solution) {
	if len(sols) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no solutions"))
		return
	}
	for _, s := range sols {
		fmt.Fprintf(w, "%s  %s %s\n", idStyle.Render(s.ID), mutedStyle.Render("["+s.Category+"]"), s.Problem)
		fmt.Fprintf(w, "    %d ok / %d failed, confidence %.2f, source %s\n",
			s.SuccessCount, s.FailureCount, s.Confidence(), s.Source)
	}
}

func init() {
	learnCmd.Flags().StringVar(&learnCategory, "category", "general", "Solution category")
	learnCmd.Flags().StringVar(&learnProblem, "problem", "", "Problem description")
	learnCmd.Flags().StringVar(&learnSolution, "solution", "", "Solution text")
	learnCmd.Flags().StringVarP(&learnFile, "file", "f", "", "Read the solution text from a file")
	learnCmd.Flags().StringArrayVar(&learnCommands, "command", nil, "Command that applies the solution (repeatable)")
	learnCmd.Flags().StringSliceVar(&learnTags, "tag", nil, "Tag (repeatable)")
	learnCmd.Flags().StringVar(&learnSource, "source", string(rules.SolutionManual), "Source: local, mesh, forum, manual")
	learnCmd.Flags().StringVar(&learnRelatedTo, "related-to", "", "Also link this solution from another problem")
	learnCmd.Flags().Float64Var(&learnRelConf, "relation-confidence", 0.5, "Confidence of the --related-to link")
	learnCmd.MarkFlagRequired("problem")

	crystallizeCmd.Flags().StringArrayVar(&crystallizeWhen, "when", nil, "Condition spec (repeatable)")
	crystallizeCmd.Flags().StringArrayVar(&crystallizeThen, "then", nil, "Action spec (repeatable, default: solution commands)")
	crystallizeCmd.Flags().BoolVar(&crystallizeCandidates, "candidates", false, "List solutions ready to crystallize")
	crystallizeCmd.Flags().StringVar(&crystallizeCategory, "category", "", "Limit --candidates to a category")

	solutionsRelatedCmd.Flags().IntVar(&relatedDepth, "depth", 2, "Relation hops to follow")

	solutionsCmd.AddCommand(solutionsListCmd, solutionsSearchCmd, solutionsRelatedCmd, solutionsOutcomeCmd)
}
