package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/anomaly"
	"github.com/t77yq/alertd/internal/bus"
	"github.com/t77yq/alertd/internal/model"
)

func newTrainCmd() *cobra.Command {
	var show bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the anomaly classifier once and store it if accurate enough",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer store.Close()

			if show {
				m, err := store.ActiveModel(cmd.Context(), cfg.Training.ModelName)
				if err != nil {
					return err
				}
				printJSON(logger, m)
				return nil
			}

			m, err := newTrainer(cfg, logger, store).Run(cmd.Context())
			if m != nil {
				printJSON(logger, m)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Print the active model instead of training")
	return cmd
}

func printJSON(logger *zap.Logger, v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Warn("Failed to print result", zap.Error(err))
	}
}

func newBaselineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baseline",
		Short: "Recompute the source and hourly baselines from stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, store, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer store.Close()

			scorer := anomaly.NewScorer(logger, store)
			if err := scorer.Load(cmd.Context()); err != nil {
				return err
			}
			return scorer.RefreshBaselines(cmd.Context())
		},
	}
}

func newPublishCmd() *cobra.Command {
	var event model.Event
	var severity string

	cmd := &cobra.Command{
		Use:   "publish [message]",
		Short: "Publish one event to the ingestion stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			nc, err := connectNATS(cfg, logger)
			if err != nil {
				return err
			}
			defer nc.Close()
			js, err := nc.JetStream()
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}
			b, err := bus.New(js, logger)
			if err != nil {
				return err
			}

			event.ID = uuid.New().String()
			event.Timestamp = time.Now().UTC()
			event.Severity = model.EventSeverity(severity)
			event.Message = args[0]

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.NATS.ConnectTimeout)
			defer cancel()
			if err := b.PublishEvent(ctx, &event); err != nil {
				return err
			}
			fmt.Println(event.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&severity, "severity", string(model.EventSeverityInfo), "Event severity")
	cmd.Flags().StringVar(&event.Source, "source", "", "Event source")
	cmd.Flags().StringVar(&event.Category, "category", "", "Event category")
	cmd.Flags().StringVar(&event.EventType, "type", "", "Event type")
	cmd.Flags().StringVar(&event.Device, "device", "", "Device the event came from")
	return cmd
}
