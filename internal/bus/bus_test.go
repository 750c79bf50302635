package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alertd/internal/model"
	"github.com/t77yq/alertd/internal/testutil"
)

type recordingProcessor struct {
	mu     sync.Mutex
	events []*model.Event
	// failures is the number of calls that fail before processing succeeds
	failures int
}

func (p *recordingProcessor) ProcessEvent(_ context.Context, e *model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("store unavailable")
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingProcessor) processed() []*model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.Event(nil), p.events...)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "events.web_01", EventSubjectFor(&model.Event{Source: "web.01"}))
	assert.Equal(t, "events.unknown", EventSubjectFor(&model.Event{}))
	assert.Equal(t, "alert.critical", AlertSubjectFor(&model.Alert{Severity: model.AlertSeverityCritical}))
}

func TestNewCreatesStreams(t *testing.T) {
	_, js := testutil.StartJetStream(t)

	_, err := New(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	info, err := js.StreamInfo(EventStream)
	require.NoError(t, err)
	assert.Equal(t, []string{"events.>"}, info.Config.Subjects)

	info, err = js.StreamInfo(AlertStream)
	require.NoError(t, err)
	assert.Equal(t, []string{"alert.*"}, info.Config.Subjects)

	// a second instance updates the existing streams
	_, err = New(js, zaptest.NewLogger(t))
	require.NoError(t, err)
}

func TestConsumeDeliversEvents(t *testing.T) {
	_, js := testutil.StartJetStream(t)
	b, err := New(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := &recordingProcessor{failures: 1}
	require.NoError(t, b.Consume(ctx, proc))
	require.NoError(t, testutil.WaitForConsumer(t, js, EventStream, IngestConsumer, 5*time.Second))

	_, err = js.Publish("events.api", []byte("{not json"))
	require.NoError(t, err)
	for _, id := range []string{"evt-1", "evt-2"} {
		require.NoError(t, b.PublishEvent(ctx, &model.Event{
			ID:       id,
			Severity: model.EventSeverityError,
			Source:   "api",
			Message:  "request failed",
		}))
	}
	// duplicate ids are dropped by the stream
	require.NoError(t, b.PublishEvent(ctx, &model.Event{ID: "evt-1", Source: "api"}))

	require.Eventually(t, func() bool { return len(proc.processed()) == 2 }, 5*time.Second, 50*time.Millisecond)
	ids := map[string]bool{}
	for _, e := range proc.processed() {
		ids[e.ID] = true
	}
	assert.Equal(t, map[string]bool{"evt-1": true, "evt-2": true}, ids)
}

func TestPublishAlert(t *testing.T) {
	_, js := testutil.StartJetStream(t)
	b, err := New(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	alert := &model.Alert{
		ID:       "alert-1",
		RuleID:   "rule-1",
		Severity: model.AlertSeverityHigh,
		Status:   model.AlertStatusTriggered,
	}
	require.NoError(t, b.PublishAlert(ctx, alert))
	require.NoError(t, b.PublishAlert(ctx, alert))
	alert.EscalationLevel = 1
	require.NoError(t, b.PublishAlert(ctx, alert))

	msgs, err := testutil.ConsumeMessages(js, "alert.high", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var got model.Alert
	require.NoError(t, json.Unmarshal(msgs[1].Data, &got))
	assert.Equal(t, "alert-1", got.ID)
	assert.Equal(t, 1, got.EscalationLevel)
}
