package rules

import (
	"context"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/alertd/internal/model"
)

// Seed is the content of a rules file: rules plus the channels they reference
type Seed struct {
	Rules    []*model.AlertRule           `yaml:"rules"`
	Channels []*model.NotificationChannel `yaml:"channels"`
}

// LoadFile reads and validates a YAML rules file. Missing enabled flags
// default to true.
func LoadFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

type enabledFlag struct {
	Enabled *bool `yaml:"enabled"`
}

// enabledFlags records which entries set enabled explicitly
type enabledFlags struct {
	Rules    []enabledFlag `yaml:"rules"`
	Channels []enabledFlag `yaml:"channels"`
}

func (f enabledFlag) value() bool {
	return f.Enabled == nil || *f.Enabled
}

// Parse decodes a YAML rules document
func Parse(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rules file: %v", ErrInvalidRule, err)
	}
	var flags enabledFlags
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("%w: failed to parse rules file: %v", ErrInvalidRule, err)
	}

	for i, r := range seed.Rules {
		if r == nil {
			return nil, fmt.Errorf("%w: rule %d is empty", ErrInvalidRule, i+1)
		}
		r.Enabled = flags.Rules[i].value()
		if err := Validate(r); err != nil {
			return nil, err
		}
	}
	for i, ch := range seed.Channels {
		if ch == nil || ch.ID == "" {
			return nil, fmt.Errorf("%w: channel %d has no id", ErrInvalidRule, i+1)
		}
		ch.Enabled = flags.Channels[i].value()
	}
	return &seed, nil
}

// Watch monitors path and calls onChange with the reloaded seed each time the
// file is written. A file that fails to parse is logged and ignored. Watch
// runs until ctx is cancelled.
func Watch(ctx context.Context, logger *zap.Logger, path string, onChange func(*Seed)) error {
	logger = logger.Named("rules-watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	logger.Info("Watching rules file", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// editors that save atomically show up as create
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			seed, err := LoadFile(path)
			if err != nil {
				logger.Error("Rules reload failed, keeping previous rules",
					zap.String("path", path),
					zap.Error(err))
				continue
			}

			logger.Info("Rules file reloaded",
				zap.String("path", path),
				zap.Int("rules", len(seed.Rules)),
				zap.Int("channels", len(seed.Channels)))
			onChange(seed)

			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("Watcher error", zap.Error(err))
		}
	}
}
