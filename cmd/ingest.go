package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tidesk/tidesk/internal/ingest"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest <document-id>",
	Short: "Run one ingestion for a document",
	Long: `Ingest runs the full pipeline for one document: download and
extract (or read --file as the literal text), chunk, embed, and store
the chunks. The document must already exist.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context(), args[0])
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "",
		"read text from this file instead of the document's storage location")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, rawID string) error {
	docID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", rawID, err)
	}

	var text string
	if ingestFile != "" {
		data, err := os.ReadFile(ingestFile) // #nosec G304 -- operator-supplied path
		if err != nil {
			return fmt.Errorf("reading %s: %w", ingestFile, err)
		}
		text = string(data)
	}

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	count, err := a.ingestor.Run(ctx, ingest.Request{DocumentID: docID, Text: text})
	if err != nil {
		return fmt.Errorf("ingesting document %s: %w", docID, err)
	}

	fmt.Printf("document %s ingested: %d chunks\n", docID, count)
	return nil
}
