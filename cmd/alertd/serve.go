package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/anomaly"
	"github.com/t77yq/alertd/internal/bus"
	"github.com/t77yq/alertd/internal/config"
	"github.com/t77yq/alertd/internal/engine"
	"github.com/t77yq/alertd/internal/monitor"
	"github.com/t77yq/alertd/internal/notify"
	"github.com/t77yq/alertd/internal/rules"
	"github.com/t77yq/alertd/internal/scheduler"
	"github.com/t77yq/alertd/internal/storage"
	"github.com/t77yq/alertd/internal/training"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the alerting engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, logger, store, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	metrics := monitor.NewMetrics()
	registry := notify.NewRegistry(logger, store,
		notify.NewHTTPTransport(logger, cfg.Notify.SendTimeout),
		notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			Username: cfg.Notify.SMTP.Username,
			Password: cfg.Notify.SMTP.Password,
			From:     cfg.Notify.SMTP.From,
		}),
		cfg.Notify.SendTimeout)

	opts := []engine.Option{engine.WithObserver(metrics)}

	var scorer *anomaly.Scorer
	if cfg.Anomaly.Enabled {
		scorer = anomaly.NewScorer(logger, store)
		opts = append(opts,
			engine.WithScorer(scorer),
			engine.WithReinjectConfidence(cfg.Anomaly.ReinjectConfidence))
	}

	var eventBus *bus.Bus
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		eventBus, err = bus.New(js, logger)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithSink(eventBus))
	}

	eng := engine.New(logger, store, registry, opts...)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	if err := applyRulesFile(ctx, cfg, logger, eng); err != nil {
		return err
	}

	if eventBus != nil {
		if err := eventBus.Consume(ctx, eng); err != nil {
			return err
		}
	} else {
		logger.Warn("NATS disabled, no events will be ingested")
	}

	jobs, err := newJobs(cfg, logger, store, scorer, metrics)
	if err != nil {
		return err
	}
	jobs.Start(ctx)
	defer jobs.Stop()

	collector := monitor.NewMetricsCollector(metrics, cfg.Metrics.Interval, logger)
	collector.Start(ctx)
	defer collector.Stop()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, logger, cfg.Metrics.Listen); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("alertd running")
	<-ctx.Done()
	logger.Info("alertd shutting down")
	return nil
}

// applyRulesFile seeds the rules file and, when configured, keeps watching it
func applyRulesFile(ctx context.Context, cfg *config.Config, logger *zap.Logger, eng *engine.Engine) error {
	if cfg.Rules.File == "" {
		return nil
	}
	seed, err := rules.LoadFile(cfg.Rules.File)
	if err != nil {
		return err
	}
	eng.ApplySeed(ctx, seed)

	if cfg.Rules.Watch {
		go func() {
			err := rules.Watch(ctx, logger, cfg.Rules.File, func(s *rules.Seed) {
				eng.ApplySeed(ctx, s)
			})
			if err != nil {
				logger.Error("Rules file watch stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

// newJobs registers the periodic training and baseline jobs
func newJobs(cfg *config.Config, logger *zap.Logger, store storage.Store, scorer *anomaly.Scorer, metrics *monitor.Metrics) (*scheduler.CronScheduler, error) {
	jobs := scheduler.NewCronScheduler(logger)

	trainer := newTrainer(cfg, logger, store)
	err := jobs.AddJob("train", cfg.Training.Schedule, func(ctx context.Context) error {
		m, err := trainer.Run(ctx)
		metrics.TrainingFinished(m, err)
		return err
	})
	if err != nil {
		return nil, err
	}

	if scorer != nil {
		if err := jobs.AddJob("baseline", cfg.Baseline.Schedule, scorer.RefreshBaselines); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func newTrainer(cfg *config.Config, logger *zap.Logger, store storage.Store) *training.Trainer {
	return training.NewTrainer(logger, store, training.Config{
		ModelName:      cfg.Training.ModelName,
		MinSamples:     cfg.Training.MinSamples,
		NegativeSample: cfg.Training.NegativeSample,
		MinAccuracy:    cfg.Training.MinAccuracy,
	})
}
