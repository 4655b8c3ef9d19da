package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"psa/internal/journal"
)

var journalLimit int

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the rule commit journal",
	Long: `Every rule change is committed to the journal with a content hash of the
rule file. The journal is held open by the daemon, so these commands need it
stopped.`,
}

var journalLogCmd = &cobra.Command{
	Use:   "log",
	Short: "List recent commits, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd.Context(), func(ctx context.Context, j *journal.Journal) error {
			commits, err := j.Log(ctx, journalLimit)
			if err != nil {
				return err
			}
			printCommits(cmd.OutOrStdout(), commits)
			return nil
		})
	},
}

var journalHistoryCmd = &cobra.Command{
	Use:   "history [rule-id]",
	Short: "List the commits of one rule, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd.Context(), func(ctx context.Context, j *journal.Journal) error {
			commits, err := j.History(ctx, args[0])
			if err != nil {
				return err
			}
			printCommits(cmd.OutOrStdout(), commits)
			return nil
		})
	},
}

var journalShowCmd = &cobra.Command{
	Use:   "show [seq]",
	Short: "Print one commit and the rule snapshot it recorded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("commit sequence %q: %w", args[0], err)
		}
		return withJournal(cmd.Context(), func(ctx context.Context, j *journal.Journal) error {
			c, err := j.Get(ctx, seq)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Commit #%d", c.Seq)))
			field(w, "Rule", idStyle.Render(c.RuleID))
			field(w, "Version", c.Version)
			field(w, "Author", c.Author)
			field(w, "Date", c.Timestamp.Local().Format(time.DateTime))
			field(w, "Hash", hex.EncodeToString(c.Hash[:]))
			field(w, "Message", c.Message)
			fmt.Fprintln(w)
			fmt.Fprintln(w, string(c.Snapshot))
			return nil
		})
	},
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute every snapshot hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd.Context(), func(ctx context.Context, j *journal.Journal) error {
			if err := j.Verify(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d commits\n", successStyle.Render("ok"), j.Head())
			return nil
		})
	},
}

// withJournal opens only the journal; reading it needs no rules or store.
func withJournal(parent context.Context, fn func(context.Context, *journal.Journal) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	j, err := journal.Open(journal.Config{Path: cfg.JournalDir})
	if err != nil {
		return fmt.Errorf("open journal (is the daemon running?): %w", err)
	}
	defer j.Close()
	return fn(ctx, j)
}

func printCommits(w io.Writer, commits []journal.Commit) {
	if len(commits) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no commits"))
		return
	}
	for _, c := range commits {
		fmt.Fprintf(w, "%s %s %-8s %s  %s\n",
			mutedStyle.Render(fmt.Sprintf("#%-5d", c.Seq)),
			c.Timestamp.Local().Format(time.DateTime),
			c.Version,
			idStyle.Render(c.RuleID),
			c.Message)
	}
}

func init() {
	journalLogCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "Maximum commits to show (0 for all)")
	journalCmd.AddCommand(journalLogCmd, journalHistoryCmd, journalShowCmd, journalVerifyCmd)
}
