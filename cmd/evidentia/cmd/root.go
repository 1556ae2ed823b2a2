// Package cmd provides the CLI commands for Evidentia.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/evidentia-ai/evidentia/pkg/version"
)

// NewRootCmd creates the root command for the evidentia CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "evidentia",
		Short: "Retrieval-grounded question answering service",
		Long: `Evidentia answers questions over an ingested document corpus using
hybrid retrieval (dense + BM25 + metadata) and a grounding-checked
answer generator that abstains rather than guess.

Run 'evidentia ingest' to build the corpus, then 'evidentia serve'.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("evidentia version {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (yaml)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newIngestCmd(&configPath))
	cmd.AddCommand(newConfigCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
