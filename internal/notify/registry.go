package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

// UsageStore persists channel usage counters
type UsageStore interface {
	UpdateChannelUsage(ctx context.Context, id string, success bool, usedAt time.Time) error
}

// Registry holds the configured channels and dispatches messages through
// the registered channel variants.
type Registry struct {
	logger   *zap.Logger
	store    UsageStore
	timeout  time.Duration
	now      func() time.Time
	variants map[model.ChannelType]Channel

	mu       sync.RWMutex
	channels map[string]*model.NotificationChannel
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithClock overrides the registry clock
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithVariant registers or replaces a channel variant
func WithVariant(c Channel) RegistryOption {
	return func(r *Registry) { r.variants[c.Type()] = c }
}

// NewRegistry creates a registry with the seven standard variants wired to
// transport and mailer. store may be nil.
func NewRegistry(logger *zap.Logger, store UsageStore, transport Transport, mailer Mailer, timeout time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:   logger.Named("channels"),
		store:    store,
		timeout:  timeout,
		now:      time.Now,
		variants: make(map[model.ChannelType]Channel),
		channels: make(map[string]*model.NotificationChannel),
	}
	for _, c := range []Channel{
		NewEmailChannel(mailer),
		NewSMSChannel(transport),
		NewSlackChannel(transport),
		NewDiscordChannel(transport),
		NewWebhookChannel(transport),
		NewPushoverChannel(transport),
		NewTelegramChannel(transport),
	} {
		r.variants[c.Type()] = c
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate checks the channel type and its type-specific config
func (r *Registry) Validate(ch *model.NotificationChannel) error {
	if ch.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidChannelConfig)
	}
	variant, ok := r.variants[ch.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedChannel, ch.Type)
	}
	return variant.Validate(ch.Config)
}

// Load replaces the registry contents. Invalid channels are skipped and logged.
func (r *Registry) Load(channels []*model.NotificationChannel) {
	loaded := make(map[string]*model.NotificationChannel, len(channels))
	for _, ch := range channels {
		if err := r.Validate(ch); err != nil {
			r.logger.Warn("Skipping invalid channel",
				zap.String("channel_id", ch.ID),
				zap.Error(err))
			continue
		}
		loaded[ch.ID] = ch.Clone()
	}

	r.mu.Lock()
	r.channels = loaded
	r.mu.Unlock()

	r.logger.Info("Channels loaded", zap.Int("count", len(loaded)))
}

// Put validates and adds or replaces a channel
func (r *Registry) Put(ch *model.NotificationChannel) error {
	if err := r.Validate(ch); err != nil {
		return err
	}
	r.mu.Lock()
	r.channels[ch.ID] = ch.Clone()
	r.mu.Unlock()
	return nil
}

// Remove deletes a channel, reporting whether it existed
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[id]
	delete(r.channels, id)
	return ok
}

// Get returns a copy of the channel
func (r *Registry) Get(id string) (*model.NotificationChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, false
	}
	return ch.Clone(), true
}

// List returns copies of all channels ordered by id
func (r *Registry) List() []*model.NotificationChannel {
	r.mu.RLock()
	out := make([]*model.NotificationChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch sends msg to every listed channel concurrently and returns one
// result per distinct channel id. A failing channel never affects the others.
func (r *Registry) Dispatch(ctx context.Context, channelIDs []string, msg *Message) map[string]model.NotificationResult {
	results := make(map[string]model.NotificationResult, len(channelIDs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	seen := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			result := r.send(ctx, id, msg)

			mu.Lock()
			results[id] = result
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return results
}

func (r *Registry) send(ctx context.Context, id string, msg *Message) model.NotificationResult {
	now := r.now()

	ch, variant, err := r.reserve(id, now)
	if err != nil {
		r.logger.Debug("Channel skipped",
			zap.String("channel_id", id),
			zap.String("alert_id", msg.AlertID),
			zap.Error(err))
		return model.NotificationResult{Success: false, Error: err.Error(), SentAt: now}
	}

	detail, err := r.sendWithTimeout(ctx, variant, ch, msg)
	success := err == nil
	r.recordOutcome(ctx, id, success, now)

	if err != nil {
		r.logger.Error("Notification failed",
			zap.String("channel_id", id),
			zap.String("channel_type", string(ch.Type)),
			zap.String("alert_id", msg.AlertID),
			zap.Error(err))
		return model.NotificationResult{Success: false, Error: err.Error(), SentAt: now}
	}

	r.logger.Info("Notification sent",
		zap.String("channel_id", id),
		zap.String("channel_type", string(ch.Type)),
		zap.String("alert_id", msg.AlertID))
	return model.NotificationResult{Success: true, Detail: detail, SentAt: now}
}

// reserve checks availability and rate limit, and marks the channel used so
// concurrent dispatches observe the new lastUsedAt.
func (r *Registry) reserve(id string, now time.Time) (*model.NotificationChannel, Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if !ch.Enabled {
		return nil, nil, fmt.Errorf("%w: %s", ErrChannelDisabled, id)
	}
	variant, ok := r.variants[ch.Type]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, ch.Type)
	}
	if ch.RateLimitSeconds > 0 && ch.LastUsedAt != nil &&
		now.Sub(*ch.LastUsedAt) < time.Duration(ch.RateLimitSeconds)*time.Second {
		return nil, nil, fmt.Errorf("%w: %s used %s ago", ErrRateLimited, id, now.Sub(*ch.LastUsedAt).Truncate(time.Second))
	}

	used := now
	ch.LastUsedAt = &used
	ch.UsageCount++
	return ch.Clone(), variant, nil
}

func (r *Registry) recordOutcome(ctx context.Context, id string, success bool, at time.Time) {
	if !success {
		r.mu.Lock()
		if ch, ok := r.channels[id]; ok {
			ch.FailureCount++
		}
		r.mu.Unlock()
	}
	if r.store == nil {
		return
	}
	if err := r.store.UpdateChannelUsage(context.WithoutCancel(ctx), id, success, at); err != nil {
		r.logger.Warn("Failed to persist channel usage",
			zap.String("channel_id", id),
			zap.Error(err))
	}
}

type sendOutcome struct {
	detail string
	err    error
}

// sendWithTimeout bounds a send by the registry timeout. A variant that
// ignores its context is abandoned when the deadline passes.
func (r *Registry) sendWithTimeout(ctx context.Context, variant Channel, ch *model.NotificationChannel, msg *Message) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan sendOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- sendOutcome{err: fmt.Errorf("%w: panic in %s channel: %v", ErrTransport, ch.Type, p)}
			}
		}()
		detail, err := variant.Send(ctx, ch, msg)
		done <- sendOutcome{detail: detail, err: err}
	}()

	select {
	case out := <-done:
		return out.detail, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
}
