package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "alertd",
		Short: "Real-time alerting and anomaly detection for event streams",
		Long: `alertd consumes events from NATS JetStream, evaluates them against alert
rules, notifies the configured channels with timed escalation, and scores
events for anomalies using statistical detectors and a trained classifier.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	rootCmd.AddCommand(
		newServeCmd(),
		newTrainCmd(),
		newBaselineCmd(),
		newPublishCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
