package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gometer/internal/app"
	"github.com/mihaimyh/gometer/internal/config"
	"github.com/mihaimyh/gometer/pkg/meter"
)

type subjectFlags struct {
	subject string
	tier    string
}

func (f *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.subject, "subject", "s", "", "Subject (user or API key) to act for")
	cmd.Flags().StringVarP(&f.tier, "tier", "t", "", "Subscription tier (default: admission.default_tier)")
	_ = cmd.MarkFlagRequired("subject")
}

func (f *subjectFlags) resolveTier(cfg *config.Config) meter.Tier {
	if f.tier != "" {
		return meter.ParseTier(f.tier)
	}
	return meter.ParseTier(cfg.Admission.DefaultTier)
}

// openApp wires the configured store for a one-shot command; logs go to stderr.
func openApp(cmd *cobra.Command) (*app.App, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	logger = logger.Level(max(logger.GetLevel(), zerolog.WarnLevel))

	a, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return a, cfg, nil
}

func newCheckCommand() *cobra.Command {
	var flags subjectFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Consume one call for a subject and print the decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cfg, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.Controller.CheckAndConsume(cmd.Context(), flags.subject, flags.resolveTier(cfg), time.Now())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), d)
		},
	}
	flags.register(cmd)
	return cmd
}

func newUsageCommand() *cobra.Command {
	var flags subjectFlags

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print a subject's usage without consuming quota",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cfg, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.Reporter.SnapshotFromLog(cmd.Context(), flags.subject, flags.resolveTier(cfg), time.Now(), a.CallLog)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	flags.register(cmd)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
