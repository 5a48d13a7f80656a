package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/callwatch/internal/config"
	"github.com/MrWong99/callwatch/internal/report"
)

var (
	flagConfig  string
	flagDir     string
	flagServer  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "callctl",
	Short:         "Call report toolkit",
	Long:          "Summarize costs, check compliance and fetch or re-evaluate stored call reports.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		level := slog.LevelWarn
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	RunE: runSummary,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("  error: ")+err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "server config file (ledger names, retrieval policy)")
	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "d", "", "report directory (default from config, else ./reports)")
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "http://localhost:8080", "callwatch server URL")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// loadConfig returns the config file named by --config, or the defaults.
// Environment overrides apply either way.
func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		cfg := config.Defaults()
		if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(flagConfig)
}

// openStore opens the report directory read-write. dir overrides both the
// --dir flag and the config.
func openStore(dir string) (*report.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	switch {
	case dir != "":
	case flagDir != "":
		dir = flagDir
	default:
		dir = cfg.Reports.Dir
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, nil, fmt.Errorf("report directory %s: %w", dir, err)
	}
	store, err := report.Open(dir, report.WithLedgerFiles(cfg.Reports.EvaluationLedger, cfg.Reports.CostLedger))
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}
