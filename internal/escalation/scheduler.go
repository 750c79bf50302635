package escalation

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/model"
)

// Timer is a pending callback that can be stopped
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d
type AfterFunc func(d time.Duration, f func()) Timer

// Lookup re-fetches an alert at fire time
type Lookup func(ctx context.Context, alertID string) (*model.Alert, error)

// FireFunc sends one escalation level for alert
type FireFunc func(ctx context.Context, alert *model.Alert, level int, channels []string)

// PendingLevel describes an escalation level that has not fired yet
type PendingLevel struct {
	Level    int
	Channels []string
	Due      time.Time
}

type task struct {
	PendingLevel
	timer Timer
}

// Scheduler owns the escalation timers of all open alerts. Levels are
// numbered from 1 in ascending delay order; the initial notification is
// level 0.
type Scheduler struct {
	logger *zap.Logger
	lookup Lookup
	fire   FireFunc
	after  AfterFunc
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]map[int]*task
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithTimers overrides timer creation and the clock
func WithTimers(after AfterFunc, now func() time.Time) Option {
	return func(s *Scheduler) {
		s.after = after
		s.now = now
	}
}

func NewScheduler(logger *zap.Logger, lookup Lookup, fire FireFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: logger.Named("escalation"),
		lookup: lookup,
		fire:   fire,
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		now:     time.Now,
		pending: make(map[string]map[int]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms one timer per escalation level of alert. Level i fires at
// alert.TriggeredAt plus its delay. It returns the number of levels armed.
func (s *Scheduler) Schedule(alert *model.Alert, levels []model.EscalationLevel) int {
	if len(levels) == 0 {
		return 0
	}
	sorted := make([]model.EscalationLevel, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].DelaySeconds < sorted[j].DelaySeconds })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}

	tasks := s.pending[alert.ID]
	if tasks == nil {
		tasks = make(map[int]*task, len(sorted))
		s.pending[alert.ID] = tasks
	}

	now := s.now()
	for i, lvl := range sorted {
		level := i + 1
		due := alert.TriggeredAt.Add(time.Duration(lvl.DelaySeconds) * time.Second)
		delay := due.Sub(now)
		if delay < 0 {
			delay = 0
		}

		t := &task{PendingLevel: PendingLevel{
			Level:    level,
			Channels: append([]string(nil), lvl.Channels...),
			Due:      due,
		}}
		alertID := alert.ID
		t.timer = s.after(delay, func() { s.run(alertID, level) })
		if old, ok := tasks[level]; ok {
			old.timer.Stop()
		}
		tasks[level] = t
	}

	s.logger.Debug("Escalation scheduled",
		zap.String("alert_id", alert.ID),
		zap.Int("levels", len(sorted)))
	return len(sorted)
}

// Pending returns the levels of alertID that have not fired yet, in level order
func (s *Scheduler) Pending(alertID string) []PendingLevel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingLevel, 0, len(s.pending[alertID]))
	for _, t := range s.pending[alertID] {
		p := t.PendingLevel
		p.Channels = append([]string(nil), t.Channels...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// Cancel stops all pending levels of alertID and returns how many were stopped
func (s *Scheduler) Cancel(alertID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := s.pending[alertID]
	for _, t := range tasks {
		t.timer.Stop()
	}
	delete(s.pending, alertID)

	if len(tasks) > 0 {
		s.logger.Info("Escalation cancelled",
			zap.String("alert_id", alertID),
			zap.Int("levels", len(tasks)))
	}
	return len(tasks)
}

// Stop cancels every pending level and waits for running levels to finish.
// Schedule is a no-op afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, tasks := range s.pending {
		for _, t := range tasks {
			t.timer.Stop()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run(alertID string, level int) {
	s.mu.Lock()
	t, ok := s.pending[alertID][level]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending[alertID], level)
	if len(s.pending[alertID]) == 0 {
		delete(s.pending, alertID)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := context.Background()
	alert, err := s.lookup(ctx, alertID)
	if err != nil {
		s.logger.Error("Failed to load alert for escalation",
			zap.String("alert_id", alertID),
			zap.Int("level", level),
			zap.Error(err))
		return
	}
	if alert.Status == model.AlertStatusResolved {
		s.logger.Debug("Alert resolved, skipping escalation",
			zap.String("alert_id", alertID),
			zap.Int("level", level))
		return
	}

	s.logger.Info("Escalating alert",
		zap.String("alert_id", alertID),
		zap.Int("level", level),
		zap.Strings("channels", t.Channels))
	s.fire(ctx, alert, level, t.Channels)
}
