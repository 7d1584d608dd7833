package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"workshopd/internal/config"
)

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			// Secrets never reach stdout.
			if cfg.Steam.Password != "" {
				cfg.Steam.Password = "********"
			}
			if cfg.Steam.GuardCode != "" {
				cfg.Steam.GuardCode = "********"
			}
			if cfg.Server.ObserverToken != "" {
				cfg.Server.ObserverToken = "********"
			}

			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
}
