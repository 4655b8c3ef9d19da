package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"psa/internal/config"
	"psa/internal/correlation"
	"psa/internal/logging"
)

var (
	// Global flags
	configPath    string
	verbose       bool
	timeout       time.Duration
	correlationID string

	cfg    *config.Config
	corrID correlation.ID
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "psa",
	Short: "psa - self-learning system assistant",
	Long: `psa watches the host, applies crystallized rules and learns new ones.

Solutions that keep working are crystallized into deterministic rules with
full provenance. Rules are plain YAML files, every change is journaled, and
each rule's health is tracked so stale or failing rules surface for review.

Run 'psa daemon' to start the background control loop.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if correlationID == "" {
			correlationID = os.Getenv("PSA_CORRELATION_ID")
		}
		corrID = correlation.Init(correlationID)

		opts := logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		}
		if verbose {
			opts.Level = "debug"
		}
		// One-shot commands keep stderr for their own output.
		if cmd.Name() != "daemon" && opts.File == "" && !verbose {
			opts.Level = "warn"
		}
		if err := logging.Initialize(opts, corrID); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = logging.Root()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")
	rootCmd.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Correlation id for logs (default: generated)")

	rootCmd.AddCommand(daemonCmd, statusCmd, pauseCmd, resumeCmd, healthCmd, queryCmd)
	rootCmd.AddCommand(rulesCmd, crystallizeCmd, learnCmd, solutionsCmd)
	rootCmd.AddCommand(lifecycleCmd, proposalCmd, cveCmd, journalCmd, configCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("PSA_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(config.DefaultDataDir(), "config.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or write the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("wrote ")+configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd)
}
