package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alertd/internal/anomaly"
	"github.com/t77yq/alertd/internal/model"
	"github.com/t77yq/alertd/internal/storage"
)

var (
	// ErrInsufficientData is returned when a class has fewer than the minimum examples
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrDegenerateData is returned when no feature separates the classes
	ErrDegenerateData = errors.New("no discriminating features")

	// ErrAccuracyTooLow is returned when the trained model does not validate well enough
	ErrAccuracyTooLow = errors.New("model accuracy too low")

	// ErrTrainingInProgress is returned when a run is already active
	ErrTrainingInProgress = errors.New("training already in progress")
)

// Validation weights per class
const (
	positiveWeight = 1.0
	negativeWeight = 0.5
)

// Store is the persistence the trainer needs
type Store interface {
	TrainingPositives(ctx context.Context) ([]storage.TrainingExample, error)
	TrainingNegatives(ctx context.Context, limit int) ([]storage.TrainingExample, error)
	StoreModel(ctx context.Context, m *model.StatisticalModel) error
}

// Config holds the trainer settings
type Config struct {
	ModelName      string
	MinSamples     int
	NegativeSample int
	MinAccuracy    float64
}

// Trainer fits the per-feature midpoint classifier from labelled events
type Trainer struct {
	logger  *zap.Logger
	store   Store
	config  Config
	now     func() time.Time
	running atomic.Bool
}

func NewTrainer(logger *zap.Logger, store Store, config Config) *Trainer {
	return &Trainer{
		logger: logger.Named("trainer"),
		store:  store,
		config: config,
		now:    time.Now,
	}
}

// Run collects examples, builds and validates a model and stores it when it
// is accurate enough. A second Run while one is active returns
// ErrTrainingInProgress without doing anything.
func (t *Trainer) Run(ctx context.Context) (*model.StatisticalModel, error) {
	if !t.running.CompareAndSwap(false, true) {
		return nil, ErrTrainingInProgress
	}
	defer t.running.Store(false)

	start := t.now()
	t.logger.Info("Training started", zap.String("model", t.config.ModelName))

	pos, err := t.store.TrainingPositives(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load positive examples: %w", err)
	}
	neg, err := t.store.TrainingNegatives(ctx, t.config.NegativeSample)
	if err != nil {
		return nil, fmt.Errorf("failed to load negative examples: %w", err)
	}
	if len(pos) < t.config.MinSamples || len(neg) < t.config.MinSamples {
		return nil, fmt.Errorf("%w: %d positive, %d negative, need %d of each",
			ErrInsufficientData, len(pos), len(neg), t.config.MinSamples)
	}

	m, err := BuildModel(featureVectors(pos), featureVectors(neg))
	if err != nil {
		return nil, err
	}
	m.Name = t.config.ModelName
	m.TrainingDate = t.now()

	if m.AccuracyScore <= t.config.MinAccuracy {
		t.logger.Warn("Model rejected",
			zap.String("model", m.Name),
			zap.Float64("accuracy", m.AccuracyScore))
		return m, fmt.Errorf("%w: %.3f <= %.3f", ErrAccuracyTooLow, m.AccuracyScore, t.config.MinAccuracy)
	}

	if err := t.store.StoreModel(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store model: %w", err)
	}

	t.logger.Info("Training completed",
		zap.String("model", m.Name),
		zap.Float64("accuracy", m.AccuracyScore),
		zap.Int("features", len(m.Thresholds)),
		zap.Int("positives", m.PositiveExamples),
		zap.Int("negatives", m.NegativeExamples),
		zap.Duration("duration", t.now().Sub(start)))
	return m, nil
}

func featureVectors(examples []storage.TrainingExample) []map[string]float64 {
	out := make([]map[string]float64, len(examples))
	for i := range examples {
		out[i] = anomaly.Extract(&examples[i].Event).Numeric()
	}
	return out
}

// BuildModel fits the classifier: per feature and class the mean, standard
// deviation, min and max, with the threshold at the midpoint of the class
// means. Features whose class means are equal are dropped. The returned model
// carries its validation accuracy over the training examples, each positive
// weighted positiveWeight and each negative negativeWeight.
func BuildModel(positives, negatives []map[string]float64) (*model.StatisticalModel, error) {
	if len(positives) == 0 || len(negatives) == 0 {
		return nil, ErrInsufficientData
	}

	m := &model.StatisticalModel{
		FeatureStats:     make(map[string]model.ClassStats),
		Thresholds:       make(map[string]float64),
		PositiveExamples: len(positives),
		NegativeExamples: len(negatives),
	}
	for _, name := range commonFeatures(positives, negatives) {
		a := summarize(positives, name)
		n := summarize(negatives, name)
		if a.Mean == n.Mean {
			continue
		}
		m.FeatureStats[name] = model.ClassStats{Anomaly: a, Normal: n}
		m.Thresholds[name] = (a.Mean + n.Mean) / 2
	}
	if len(m.Thresholds) == 0 {
		return nil, ErrDegenerateData
	}

	var correct float64
	for _, v := range positives {
		if Classify(m, v) {
			correct += positiveWeight
		}
	}
	for _, v := range negatives {
		if !Classify(m, v) {
			correct += negativeWeight
		}
	}
	total := positiveWeight*float64(len(positives)) + negativeWeight*float64(len(negatives))
	m.AccuracyScore = correct / total
	return m, nil
}

// Classify predicts anomaly when more of the model's features lie nearer the
// anomaly-class mean than the normal-class mean.
func Classify(m *model.StatisticalModel, features map[string]float64) bool {
	var anomalyVotes, normalVotes int
	for name, stats := range m.FeatureStats {
		v, ok := features[name]
		if !ok {
			continue
		}
		da := math.Abs(v - stats.Anomaly.Mean)
		dn := math.Abs(v - stats.Normal.Mean)
		switch {
		case da < dn:
			anomalyVotes++
		case dn < da:
			normalVotes++
		}
	}
	return anomalyVotes > normalVotes
}

func commonFeatures(a, b []map[string]float64) []string {
	inA := make(map[string]bool)
	for _, v := range a {
		for k := range v {
			inA[k] = true
		}
	}
	inB := make(map[string]bool)
	for _, v := range b {
		for k := range v {
			inB[k] = true
		}
	}
	var names []string
	for k := range inA {
		if inB[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func summarize(vectors []map[string]float64, name string) model.FeatureStats {
	var (
		sum    float64
		values []float64
	)
	for _, v := range vectors {
		x, ok := v[name]
		if !ok {
			continue
		}
		values = append(values, x)
		sum += x
	}
	if len(values) == 0 {
		return model.FeatureStats{}
	}

	mean := sum / float64(len(values))
	var sumSq float64
	stats := model.FeatureStats{Mean: mean, Min: values[0], Max: values[0]}
	for _, x := range values {
		sumSq += (x - mean) * (x - mean)
		stats.Min = math.Min(stats.Min, x)
		stats.Max = math.Max(stats.Max, x)
	}
	stats.Std = math.Sqrt(sumSq / float64(len(values)))
	return stats
}
