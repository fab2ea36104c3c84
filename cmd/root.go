// Package cmd contains the nanochat CLI commands.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	applog "github.com/nanochat/nanochat/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "nanochat",
	Short: "nanochat - multi-tenant AI chat backend",
	Long: `nanochat is a multi-tenant AI chat backend with a Gemini-powered
chat API, a pgvector knowledge base, and asynchronous document ingestion.

Run "nanochat serve" to start the HTTP API server and the ingest worker.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogger builds the process logger from config values and installs it
// as the slog default.
func initLogger(level, format string) *slog.Logger {
	logger := applog.New(applog.Config{
		Level: applog.ParseLevel(level),
		JSON:  format == "json",
	})
	slog.SetDefault(logger)
	return logger
}

func init() {
	// DEBUG overrides the configured log level early, before config loads.
	if os.Getenv("DEBUG") != "" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}
