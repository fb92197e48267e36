package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, fmt.Errorf("error loading config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Telemetry.LogLevel = o.logLevel
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "audiobook",
		Short:         "Turn documents into audiobooks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override telemetry.log_level")

	cmd.AddCommand(
		newSynthesizeCommand(opts),
		newSubmitCommand(opts),
		newHistoryCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
