// Package cmd wires the CLI: command routing, configuration loading, and
// construction of the engine and its dependencies.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/koobs1993/mindwell/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "mindwell",
	Short: "Mindwell - a supportive conversation companion in your terminal",
	Long: `Mindwell is a terminal companion for guided, supportive conversations.
Each conversation is a session: it starts with a fresh context, every
exchange is persisted, and ending it produces a short summary you can
revisit later.

Running mindwell without arguments starts an interactive session.`,
	RunE: runChat,
}

// Execute runs the root command. Called from main.
func Execute() error {
	slog.SetDefault(initLogger())
	return rootCmd.Execute()
}

// initLogger builds the process logger. The DEBUG environment variable
// (any value) lowers the level to debug. Logs go to stderr; stdout is
// reserved for conversation output.
func initLogger() *slog.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	return log.New(cfg)
}

func init() {
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newVersionCmd())
}
