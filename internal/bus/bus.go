package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

const (
	EventStream  = "EVENTS"
	AlertStream  = "ALERTS"
	EventSubject = "events"
	AlertSubject = "alert"

	// IngestConsumer is the durable queue consumer shared by alertd instances
	IngestConsumer = "alertd-ingest"

	streamMaxAge   = 24 * time.Hour
	maxMsgSize     = 1 * 1024 * 1024
	ackWait        = 30 * time.Second
	maxDeliver     = 3
	duplicateTrack = time.Hour
)

// Processor handles one ingested event
type Processor interface {
	ProcessEvent(ctx context.Context, event *model.Event) error
}

// Bus connects the alerting core to NATS JetStream: events are consumed from
// the EVENTS stream and alerts are published to the ALERTS stream.
type Bus struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// New creates the bus and makes sure both streams exist
func New(js nats.JetStreamContext, logger *zap.Logger) (*Bus, error) {
	b := &Bus{
		js:     js,
		logger: logger.Named("bus"),
	}
	if err := b.setupStreams(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) setupStreams() error {
	streams := []struct {
		name     string
		subjects []string
	}{
		{name: EventStream, subjects: []string{EventSubject + ".>"}},
		{name: AlertStream, subjects: []string{AlertSubject + ".*"}},
	}

	for _, stream := range streams {
		info, err := b.js.StreamInfo(stream.name)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if info == nil {
			_, err = b.js.AddStream(&nats.StreamConfig{
				Name:       stream.name,
				Subjects:   stream.subjects,
				Retention:  nats.LimitsPolicy,
				MaxAge:     streamMaxAge,
				MaxMsgs:    -1,
				MaxBytes:   -1,
				Discard:    nats.DiscardOld,
				MaxMsgSize: maxMsgSize,
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: duplicateTrack,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream %s: %w", stream.name, err)
			}
			b.logger.Info("Created stream", zap.String("name", stream.name))
			continue
		}

		config := info.Config
		config.Subjects = stream.subjects
		config.MaxAge = streamMaxAge
		config.MaxMsgSize = maxMsgSize
		config.Duplicates = duplicateTrack
		if _, err := b.js.UpdateStream(&config); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", stream.name, err)
		}
		b.logger.Info("Updated stream", zap.String("name", stream.name))
	}
	return nil
}

// EventSubjectFor returns the subject an event is published on
func EventSubjectFor(e *model.Event) string {
	source := token(e.Source)
	if source == "" {
		source = "unknown"
	}
	return EventSubject + "." + source
}

// AlertSubjectFor returns the subject an alert is published on
func AlertSubjectFor(a *model.Alert) string {
	return AlertSubject + "." + string(a.Severity)
}

// token makes s usable as a single subject token
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// PublishEvent publishes an event for ingestion
func (b *Bus) PublishEvent(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if event.ID != "" {
		opts = append(opts, nats.MsgId(event.ID))
	}
	if _, err := b.js.Publish(EventSubjectFor(event), data, opts...); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishAlert publishes a triggered or escalated alert. Each escalation
// level is a distinct message.
func (b *Bus) PublishAlert(ctx context.Context, alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msgID := fmt.Sprintf("%s-%d", alert.ID, alert.EscalationLevel)
	if _, err := b.js.Publish(AlertSubjectFor(alert), data, nats.Context(ctx), nats.MsgId(msgID)); err != nil {
		b.logger.Error("Failed to publish alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	b.logger.Debug("Alert published",
		zap.String("alert_id", alert.ID),
		zap.Int("escalation_level", alert.EscalationLevel))
	return nil
}

// Consume delivers ingested events to p until ctx is cancelled. Events are
// handled in delivery order. Malformed messages are terminated; events that
// fail processing are redelivered up to maxDeliver times.
func (b *Bus) Consume(ctx context.Context, p Processor) error {
	sub, err := b.js.QueueSubscribe(
		EventSubject+".>",
		IngestConsumer,
		func(msg *nats.Msg) {
			var event model.Event
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				b.logger.Error("Failed to unmarshal event",
					zap.String("subject", msg.Subject),
					zap.Error(err))
				if err := msg.Term(); err != nil {
					b.logger.Error("Failed to terminate message", zap.Error(err))
				}
				return
			}

			if err := p.ProcessEvent(ctx, &event); err != nil {
				b.logger.Error("Failed to process event",
					zap.String("event_id", event.ID),
					zap.Error(err))
				if err := msg.Nak(); err != nil {
					b.logger.Error("Failed to nak message", zap.Error(err))
				}
				return
			}

			if err := msg.Ack(); err != nil {
				b.logger.Error("Failed to acknowledge message", zap.Error(err))
			}
		},
		nats.Durable(IngestConsumer),
		nats.ManualAck(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxDeliver),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	b.logger.Info("Consuming events",
		zap.String("stream", EventStream),
		zap.String("consumer", IngestConsumer))

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn("Failed to drain event subscription", zap.Error(err))
		}
	}()
	return nil
}
