package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ipiton/stackmon/internal/config"
	"github.com/ipiton/stackmon/internal/expansion"
)

func newValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Loads and expands the configuration file, reporting the first error found",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}

			logger := slog.New(slog.NewTextHandler(cmd.OutOrStdout(), nil))
			if _, err := expansion.Expand(logger, cfg); err != nil {
				return fmt.Errorf("config expansion failed: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}
