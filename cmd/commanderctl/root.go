package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "commanderctl",
		Short:         "proxmox-commander operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return logger.Init(logLevel, "console")
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	cmd.AddCommand(
		vmidCmd,
		migrateCmd,
		renderCmd,
		stateCmd,
		versionCmd,
	)
	return cmd
}()

// loadConfig reads --config, or the default search path when it is empty.
func loadConfig() (*config.Provider, error) {
	p, err := config.NewProvider(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return p, nil
}
