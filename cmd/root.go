// Package cmd implements the tidesk command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tidesk",
	Short: "tidesk - multi-tenant AI helpdesk backend",
	Long: `tidesk ingests tenant knowledge-base documents into a pgvector
store and answers helpdesk questions with retrieval-augmented
generation.

Run "tidesk serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
