// Command agentd is the autonomous browsing-agent daemon: an HTTP control
// surface over the task-execution engine, a playwright-driven tool
// gateway, and a SQLite trail of audits, snapshots, and checkpoints.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func main() {
	// Missing .env is fine; the config file can carry keys via ${ENV}.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "agentd",
		Short: "Autonomous browsing-agent daemon",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "agentd.yaml", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(ServeCmd())
	root.AddCommand(RunCmd())
	root.AddCommand(ResumeCmd())
	root.AddCommand(PlaybookCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
