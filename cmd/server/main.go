package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aerostic/backend/internal/config"
	"aerostic/backend/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "automation",
		Short:         "Workflow automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file (default: ./config.yaml or ./config/config.yaml)")

	cmd.AddCommand(
		newServeCommand(opts),
		newWorkerCommand(opts),
		newRunCommand(opts),
		newValidateCommand(),
	)
	return cmd
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, logging.NewLogger(cfg.Log.Level, cfg.Log.Format), nil
}
