package main

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"concord/api/internal/config"
)

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "concord",
		Short: "Concord curation and agreement API",
		Long: `Concord compares annotators' work on shared documents, builds consensus
curation views and computes inter-annotator agreement.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(cfg.LogLevel, cfg.LogFormat)
		},
	}
	rootCmd.AddCommand(serveCmd(cfg), migrateCmd(cfg), agreementCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
