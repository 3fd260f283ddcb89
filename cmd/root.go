// Package cmd implements the corpusd command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "corpusd",
	Short: "corpusd - retrieval-augmented knowledge service",
	Long: `corpusd stores documents in content-addressed storage, indexes them as
vector embeddings, and answers questions over HTTP with retrieval-augmented
generation scoped to each caller's own documents.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
