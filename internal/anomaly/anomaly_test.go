package anomaly

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alertd/internal/model"
	"github.com/t77yq/alertd/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

// fakeStore answers history queries from fixed tables
type fakeStore struct {
	mu sync.Mutex

	recentBySeverity map[model.EventSeverity]int
	recentBySource   map[string]int
	recentTotal      int
	recentSecurity   int
	historical       float64
	hourlyHistorical float64
	messages         []string

	rules      []*model.AnomalyDetectionRule
	baselines  []*model.BaselinePattern
	sourceRate map[string]float64
	hourAvg    map[int]float64

	detections []*model.AnomalyDetection
	usage      map[string]int
	upserts    []model.BaselinePattern
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recentBySeverity: map[model.EventSeverity]int{},
		recentBySource:   map[string]int{},
		usage:            map[string]int{},
	}
}

func (f *fakeStore) QueryRecentEventCount(_ context.Context, filter storage.EventFilter, _ time.Duration) (int, error) {
	switch {
	case len(filter.Keywords) > 0:
		return f.recentSecurity, nil
	case filter.Severity != "":
		return f.recentBySeverity[filter.Severity], nil
	case filter.Source != "":
		return f.recentBySource[filter.Source], nil
	default:
		return f.recentTotal, nil
	}
}

func (f *fakeStore) QueryHistoricalAverage(_ context.Context, filter storage.EventFilter, _ time.Duration) (float64, error) {
	if filter.HourOfDay != nil {
		return f.hourlyHistorical, nil
	}
	return f.historical, nil
}

func (f *fakeStore) RecentMessages(context.Context, string, int) ([]string, error) {
	return f.messages, nil
}

func (f *fakeStore) LoadAnomalyRules(context.Context) ([]*model.AnomalyDetectionRule, error) {
	return f.rules, nil
}

func (f *fakeStore) SaveAnomalyRule(_ context.Context, r *model.AnomalyDetectionRule) error {
	f.rules = append(f.rules, r)
	return nil
}

func (f *fakeStore) IncrementAnomalyRuleUsage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[id]++
	return nil
}

func (f *fakeStore) SaveAnomalyDetection(_ context.Context, d *model.AnomalyDetection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detections = append(f.detections, d)
	return nil
}

func (f *fakeStore) LoadBaselinePatterns(context.Context) ([]*model.BaselinePattern, error) {
	return f.baselines, nil
}

func (f *fakeStore) UpsertBaselinePattern(_ context.Context, p *model.BaselinePattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, *p)
	for i, b := range f.baselines {
		if b.PatternType == p.PatternType && b.Signature == p.Signature {
			cp := *p
			f.baselines[i] = &cp
			return nil
		}
	}
	cp := *p
	f.baselines = append(f.baselines, &cp)
	return nil
}

func (f *fakeStore) SourceHourlyRates(context.Context, time.Time) (map[string]float64, error) {
	return f.sourceRate, nil
}

func (f *fakeStore) HourOfDayAverages(context.Context, time.Time) (map[int]float64, error) {
	return f.hourAvg, nil
}

func onlyRule(t model.AnomalyType) []*model.AnomalyDetectionRule {
	for _, r := range DefaultRules() {
		if r.RuleType == t {
			return []*model.AnomalyDetectionRule{r}
		}
	}
	return nil
}

func newScorer(t *testing.T, store *fakeStore) *Scorer {
	s := NewScorer(zaptest.NewLogger(t), store, WithClock(func() time.Time { return testNow }))
	require.NoError(t, s.Load(context.Background()))
	return s
}

func testEvent(msg string) *model.Event {
	return &model.Event{
		ID:        "evt-1",
		Timestamp: testNow,
		Severity:  model.EventSeverityError,
		Source:    "api-gw",
		Message:   msg,
	}
}

func TestExtract(t *testing.T) {
	e := &model.Event{
		Timestamp: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		Severity:  model.EventSeverityCritical,
		Source:    "db-1",
		Message:   "Login FAILED from 10.0.0.7 see https://x.io/a by ops@example.com",
	}
	f := Extract(e)

	assert.Equal(t, 14, f.HourOfDay)
	assert.Equal(t, int(time.Tuesday), f.DayOfWeek)
	assert.Equal(t, 4, f.SeverityLevel)
	assert.Equal(t, SourceHash("db-1"), f.SourceHash)
	assert.Less(t, f.SourceHash, 1000)
	assert.True(t, f.HasDigits)
	assert.True(t, f.HasSpecialChars)
	assert.True(t, f.HasIP)
	assert.True(t, f.HasURL)
	assert.True(t, f.HasEmail)
	assert.Equal(t, 8, f.WordCount)
	assert.InDelta(t, 2.0/float64(len(SecurityKeywords)), f.SecurityScore, 1e-9)
	assert.Greater(t, f.UppercaseRatio, 0.0)
	assert.Len(t, f.Numeric(), 13)

	plain := Extract(&model.Event{Message: "all good here"})
	assert.False(t, plain.HasDigits)
	assert.False(t, plain.HasSpecialChars)
	assert.Equal(t, 0.0, plain.UppercaseRatio)
	assert.Equal(t, 0, plain.SourceHash)
}

func TestMessageSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, MessageSimilarity("disk full on node 3", "disk full on node 3"))
	assert.Equal(t, 1.0, MessageSimilarity("Disk Full", "disk full"))
	assert.InDelta(t, 0.5, MessageSimilarity("a b c", "b c d"), 1e-9)
	assert.Equal(t, 0.0, MessageSimilarity("a b", "c d"))

	// messages without words
	assert.Equal(t, 1.0, MessageSimilarity("   \t\n", "   \t\n"))
	assert.Equal(t, 1.0, MessageSimilarity("", " "))
	assert.Equal(t, 0.0, MessageSimilarity(" ", "disk full"))
}

func TestFrequencySpike(t *testing.T) {
	store := newFakeStore()
	store.rules = onlyRule(model.AnomalyFrequencySpike)
	store.historical = 2
	store.recentBySeverity[model.EventSeverityError] = 12
	s := newScorer(t, store)

	got := s.Score(context.Background(), testEvent("x"))
	require.Len(t, got, 1)
	// ratio 6, threshold 3: 0.5 + 0.4*(6-3)/3
	assert.InDelta(t, 0.9, got[0].ConfidenceScore, 1e-9)
	assert.Equal(t, model.AlertSeverityCritical, got[0].Severity)
	assert.Equal(t, "evt-1", got[0].SourceEventID)
	assert.Equal(t, 1, store.usage["frequency-spike"])

	// below the minimum count nothing fires even at a high ratio
	store.historical = 0
	store.recentBySeverity[model.EventSeverityError] = 9
	assert.Empty(t, s.Score(context.Background(), testEvent("x")))
}

func TestSourceAnomaly(t *testing.T) {
	store := newFakeStore()
	store.rules = onlyRule(model.AnomalySourceAnomaly)
	s := newScorer(t, store)
	ctx := context.Background()

	got := s.Score(ctx, testEvent("x"))
	require.Len(t, got, 1)
	assert.InDelta(t, 0.7, got[0].ConfidenceScore, 1e-9)
	require.Len(t, store.upserts, 1)
	assert.Equal(t, 1.0, store.upserts[0].FrequencyNormal)

	// known source at baseline volume
	store.recentBySource["api-gw"] = 1
	assert.Empty(t, s.Score(ctx, testEvent("x")))

	// five times the baseline: deviation 4
	store.recentBySource["api-gw"] = 5
	got = s.Score(ctx, testEvent("x"))
	require.Len(t, got, 1)
	assert.InDelta(t, 0.85, got[0].ConfidenceScore, 1e-9)

	last := store.upserts[len(store.upserts)-1]
	assert.Equal(t, 3, last.OccurrenceCount)
}

func TestContentAnomaly(t *testing.T) {
	store := newFakeStore()
	store.rules = onlyRule(model.AnomalyContentAnomaly)
	s := newScorer(t, store)
	ctx := context.Background()

	assert.Empty(t, s.Score(ctx, testEvent("brand new text")), "empty sample")

	store.messages = []string{"disk full on node 1", "disk full on node 2"}
	assert.Empty(t, s.Score(ctx, testEvent("disk full on node 3")))

	got := s.Score(ctx, testEvent("kernel panic cpu stuck"))
	require.Len(t, got, 1)
	assert.InDelta(t, 0.9, got[0].ConfidenceScore, 1e-9)
}

func TestTemporalAnomaly(t *testing.T) {
	store := newFakeStore()
	store.rules = onlyRule(model.AnomalyTemporalAnomaly)
	ctx := context.Background()

	store.recentTotal = 50
	store.hourlyHistorical = 0
	s := newScorer(t, store)
	assert.Empty(t, s.Score(ctx, testEvent("x")), "no history")

	store.hourlyHistorical = 10
	got := s.Score(ctx, testEvent("x"))
	require.Len(t, got, 1)
	// deviation 4, threshold 1.5
	assert.InDelta(t, 0.75, got[0].ConfidenceScore, 1e-9)

	// an hourly baseline takes precedence over the history query
	store.baselines = []*model.BaselinePattern{{PatternType: model.BaselineHourly, Signature: "14", FrequencyNormal: 40}}
	s = newScorer(t, store)
	assert.Empty(t, s.Score(ctx, testEvent("x")))
}

func TestSecurityCluster(t *testing.T) {
	store := newFakeStore()
	store.rules = onlyRule(model.AnomalySecurityCluster)
	store.recentSecurity = 10
	s := newScorer(t, store)
	ctx := context.Background()

	assert.Empty(t, s.Score(ctx, testEvent("cache warmed")))

	got := s.Score(ctx, testEvent("unauthorized access attempt"))
	require.Len(t, got, 1)
	// 0.7 * 10 / 5 capped
	assert.InDelta(t, 0.95, got[0].ConfidenceScore, 1e-9)

	store.recentSecurity = 4
	assert.Empty(t, s.Score(ctx, testEvent("unauthorized access attempt")))
}

func TestBelowConfidenceThresholdIsNotRecorded(t *testing.T) {
	store := newFakeStore()
	rules := onlyRule(model.AnomalySourceAnomaly)
	rules[0].ConfidenceThreshold = 0.8
	store.rules = rules
	s := newScorer(t, store)

	assert.Empty(t, s.Score(context.Background(), testEvent("x")))
	assert.Empty(t, store.detections)
}

func TestSyntheticEventsAreNotScored(t *testing.T) {
	store := newFakeStore()
	s := newScorer(t, store)
	e := testEvent("x")
	e.EventType = model.EventTypeAnomaly
	assert.Nil(t, s.Score(context.Background(), e))
}

func TestLoadSeedsDefaultRules(t *testing.T) {
	store := newFakeStore()
	s := newScorer(t, store)
	assert.Len(t, s.Rules(), 5)
	assert.Len(t, store.rules, 5)
}

func TestScoreIsDeterministic(t *testing.T) {
	build := func() *fakeStore {
		store := newFakeStore()
		store.rules = DefaultRules()
		store.historical = 1.5
		store.hourlyHistorical = 3
		store.recentTotal = 30
		store.recentSecurity = 7
		store.recentBySeverity[model.EventSeverityError] = 20
		store.messages = []string{"user login ok", "cache warmed"}
		store.baselines = []*model.BaselinePattern{{PatternType: model.BaselineSource, Signature: "api-gw", FrequencyNormal: 2}}
		store.recentBySource["api-gw"] = 9
		return store
	}

	summarize := func(ds []*model.AnomalyDetection) map[string]float64 {
		out := map[string]float64{}
		for _, d := range ds {
			out[d.RuleID] = d.ConfidenceScore
		}
		return out
	}

	first := summarize(newScorer(t, build()).Score(context.Background(), testEvent("login denied for admin")))
	second := summarize(newScorer(t, build()).Score(context.Background(), testEvent("login denied for admin")))
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestRefreshBaselines(t *testing.T) {
	store := newFakeStore()
	store.sourceRate = map[string]float64{"api-gw": 4.5}
	store.hourAvg = map[int]float64{3: 12}
	s := newScorer(t, store)

	require.NoError(t, s.RefreshBaselines(context.Background()))

	b, ok := s.baseline(model.BaselineSource, "api-gw")
	require.True(t, ok)
	assert.Equal(t, 4.5, b.FrequencyNormal)
	assert.True(t, b.IsBaseline)

	h, ok := s.baseline(model.BaselineHourly, "3")
	require.True(t, ok)
	assert.Equal(t, 12.0, h.FrequencyNormal)
}

func TestSyntheticEvent(t *testing.T) {
	d := &model.AnomalyDetection{
		ID:              "an-1",
		Timestamp:       testNow,
		SourceEventID:   "evt-1",
		AnomalyType:     model.AnomalyFrequencySpike,
		Severity:        model.AlertSeverityHigh,
		ConfidenceScore: 0.85,
		Description:     "spike",
	}
	e := SyntheticEvent(d, testEvent("x"))
	assert.True(t, e.IsSynthetic())
	assert.Equal(t, model.EventSeverityError, e.Severity)
	assert.Equal(t, "api-gw", e.Source)
	assert.Equal(t, "an-1", e.Metadata["anomaly_id"])
	assert.Equal(t, "0.850", e.Metadata["confidence"])
}
