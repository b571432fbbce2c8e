package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newIngestCmd() *cobra.Command {
	var source, file string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a reference document into the knowledge collection",
		Long: `Split a plain-text document into overlapping sentence chunks and store
them under a source name. Re-ingesting a source replaces its chunks.

Examples:
  reconmem ingest --source close-policy --file policy.txt
  cat policy.txt | reconmem ingest --source close-policy --file -`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			a, err := openInspector()
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.knowledge.Ingest(cmd.Context(), source, text)
			if err != nil {
				return err
			}
			cmd.Printf("ingested %s: %d chunks\n", source, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source name")
	cmd.Flags().StringVar(&file, "file", "", "document path, or - for stdin")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(raw), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(raw), nil
}
