// Command reconmem runs the conversation memory service and offers local
// inspection of a user's context and exemplars.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information, set via ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reconmem",
		Short: "Conversation memory and feedback service for reconciliation chat",
		Long: `reconmem keeps each user's recent chat exchanges in memory, archives every
exchange for similarity search, and learns from user ratings.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/reconmem/config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newContextCmd())
	root.AddCommand(newExemplarsCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("reconmem by Fyrsmith Labs\n")
			cmd.Printf("Version:    %s\n", version)
			cmd.Printf("Commit:     %s\n", gitCommit)
			cmd.Printf("Build Date: %s\n", buildDate)
		},
	}
}
