package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newContextCmd() *cobra.Command {
	var userID, conversationID string

	cmd := &cobra.Command{
		Use:   "context",
		Short: "Print a user's conversation context as JSON",
		Long: `Print the turns the chat service would include as history for the
user's next question.

Examples:
  reconmem context --user alice
  reconmem context --user alice --conversation 6f1c...`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openInspector()
			if err != nil {
				return err
			}
			defer a.Close()

			turns, err := a.store.ReadContext(cmd.Context(), userID, conversationID)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), turns)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation (record) id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newExemplarsCmd() *cobra.Command {
	var (
		userID, query string
		k             int
	)

	cmd := &cobra.Command{
		Use:   "exemplars",
		Short: "Print the good and bad exemplars chosen for a query",
		Long: `Print the rated conversations that would guide the answer to a query.

Examples:
  reconmem exemplars --user alice --query "Which entries exceed the threshold?"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openInspector()
			if err != nil {
				return err
			}
			defer a.Close()

			set, err := a.exemplars.FindExemplars(cmd.Context(), userID, query, k)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), set)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&query, "query", "", "question text")
	cmd.Flags().IntVar(&k, "k", 5, "exemplar query size")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

// openInspector opens the storage tiers with a quiet logger.
func openInspector() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openApp(cfg, zap.NewNop(), false)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
