// Package main is the entry point for the stackmon health-semaphore and
// incident-reporting service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "stackmon"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Evaluates metrics-health semaphores and reports incidents to the Status Dashboard",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newValidateConfigCmd(&configPath))

	return root
}
