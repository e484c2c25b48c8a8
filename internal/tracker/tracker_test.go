package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrabby/vrabby/internal/common/logger"
	"github.com/vrabby/vrabby/internal/events"
	"github.com/vrabby/vrabby/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestTracker(t *testing.T, capacity int) (*Tracker, *bus.MemoryEventBus) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	tr := NewTracker(eventBus, capacity, newTestLogger(t))
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() {
		_ = tr.Stop()
		eventBus.Close()
	})
	return tr, eventBus
}

func publish(t *testing.T, eventBus *bus.MemoryEventBus, eventType string, data map[string]interface{}) {
	t.Helper()
	err := eventBus.Publish(context.Background(), eventType, bus.NewEvent(eventType, "orchestrator", data))
	require.NoError(t, err)
}

func lifecycleData(requestID string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"project_id": "proj-1",
		"request_id": requestID,
		"agent":      "claude",
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// waitState polls until the record reaches the wanted state. Bus delivery is
// asynchronous, so assertions on tracker contents need a grace period.
func waitState(t *testing.T, tr *Tracker, requestID string, want State) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		got, ok := tr.Get(requestID)
		if !ok {
			return false
		}
		rec = got
		return got.State == want
	}, 2*time.Second, 5*time.Millisecond, "request %s never reached state %s", requestID, want)
	return rec
}

func TestLifecycleTransitions(t *testing.T) {
	tr, eventBus := newTestTracker(t, 0)

	publish(t, eventBus, events.RequestSubmitted, lifecycleData("1-abc", nil))
	rec := waitState(t, tr, "1-abc", StateQueued)
	assert.Equal(t, "proj-1", rec.ProjectID)
	assert.Equal(t, "claude", rec.Agent)
	assert.False(t, rec.SubmittedAt.IsZero())
	assert.True(t, rec.StartedAt.IsZero())
	assert.True(t, rec.FinishedAt.IsZero())

	publish(t, eventBus, events.RequestStarted, lifecycleData("1-abc", map[string]interface{}{"model": "claude-sonnet-4.5"}))
	rec = waitState(t, tr, "1-abc", StateRunning)
	assert.Equal(t, "claude-sonnet-4.5", rec.Model)
	assert.False(t, rec.StartedAt.IsZero())

	publish(t, eventBus, events.RequestCompleted, lifecycleData("1-abc", map[string]interface{}{"model": "claude-sonnet-4.5"}))
	rec = waitState(t, tr, "1-abc", StateCompleted)
	assert.True(t, rec.State.Terminal())
	assert.False(t, rec.FinishedAt.IsZero())
	assert.False(t, rec.FinishedAt.Before(rec.StartedAt))
	assert.Empty(t, rec.ErrorKind)
}

func TestFailedRecordsErrorKind(t *testing.T) {
	tr, eventBus := newTestTracker(t, 0)

	publish(t, eventBus, events.RequestSubmitted, lifecycleData("2-abc", nil))
	publish(t, eventBus, events.RequestStarted, lifecycleData("2-abc", map[string]interface{}{"model": "claude-sonnet-4.5"}))
	publish(t, eventBus, events.RequestFailed, lifecycleData("2-abc", map[string]interface{}{"kind": "cli_not_installed"}))

	rec := waitState(t, tr, "2-abc", StateFailed)
	assert.Equal(t, "cli_not_installed", rec.ErrorKind)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestCancelledWhileQueued(t *testing.T) {
	tr, eventBus := newTestTracker(t, 0)

	publish(t, eventBus, events.RequestSubmitted, lifecycleData("3-abc", nil))
	publish(t, eventBus, events.RequestCancelled, lifecycleData("3-abc", nil))

	rec := waitState(t, tr, "3-abc", StateCancelled)
	assert.True(t, rec.StartedAt.IsZero(), "never started, so StartedAt stays zero")
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestFellbackLinksRetryRecord(t *testing.T) {
	tr, eventBus := newTestTracker(t, 0)

	publish(t, eventBus, events.RequestSubmitted, lifecycleData("4-abc", map[string]interface{}{"agent": "cursor"}))
	publish(t, eventBus, events.RequestStarted, lifecycleData("4-abc", map[string]interface{}{"agent": "cursor", "model": "auto"}))
	publish(t, eventBus, events.RequestFailed, lifecycleData("4-abc", map[string]interface{}{"agent": "cursor", "kind": "cli_not_installed"}))
	publish(t, eventBus, events.RequestFellback, lifecycleData("4-abc", map[string]interface{}{
		"agent":            "cursor",
		"from":             "cursor",
		"to":               "claude",
		"retry_request_id": "5-abc",
	}))

	// The retry enters the queue directly; its first notification is started.
	publish(t, eventBus, events.RequestStarted, lifecycleData("5-abc", map[string]interface{}{"model": "claude-sonnet-4.5"}))
	publish(t, eventBus, events.RequestCompleted, lifecycleData("5-abc", map[string]interface{}{"model": "claude-sonnet-4.5"}))

	retry := waitState(t, tr, "5-abc", StateCompleted)
	assert.Equal(t, "claude", retry.Agent)
	assert.True(t, retry.SubmittedAt.IsZero())

	orig, ok := tr.Get("4-abc")
	require.True(t, ok)
	assert.Equal(t, StateFailed, orig.State)
	assert.Equal(t, "cursor", orig.Agent)
	assert.Equal(t, "claude", orig.FellbackTo)
	assert.Equal(t, "5-abc", orig.RetryRequestID)
}

func TestEvictionPrefersTerminalRecords(t *testing.T) {
	tr, eventBus := newTestTracker(t, 2)

	// Oldest record is still running; the completed one behind it goes first.
	publish(t, eventBus, events.RequestSubmitted, lifecycleData("live-1", nil))
	publish(t, eventBus, events.RequestStarted, lifecycleData("live-1", nil))
	publish(t, eventBus, events.RequestSubmitted, lifecycleData("done-1", nil))
	publish(t, eventBus, events.RequestCompleted, lifecycleData("done-1", nil))
	waitState(t, tr, "done-1", StateCompleted)

	publish(t, eventBus, events.RequestSubmitted, lifecycleData("new-1", nil))
	waitState(t, tr, "new-1", StateQueued)

	assert.Equal(t, 2, tr.Len())
	_, ok := tr.Get("done-1")
	assert.False(t, ok, "terminal record should be evicted before live ones")
	live, ok := tr.Get("live-1")
	require.True(t, ok)
	assert.Equal(t, StateRunning, live.State)
}

func TestEvictionFallsBackToOldestLive(t *testing.T) {
	tr, eventBus := newTestTracker(t, 2)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("run-%d", i)
		publish(t, eventBus, events.RequestSubmitted, lifecycleData(id, nil))
		publish(t, eventBus, events.RequestStarted, lifecycleData(id, nil))
		waitState(t, tr, id, StateRunning)
	}

	assert.Equal(t, 2, tr.Len())
	_, ok := tr.Get("run-1")
	assert.False(t, ok, "oldest live record evicted when nothing is terminal")
	_, ok = tr.Get("run-3")
	assert.True(t, ok)
}

func TestStartStopIdempotent(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger(t))
	defer eventBus.Close()
	tr := NewTracker(eventBus, 0, newTestLogger(t))

	require.False(t, tr.IsRunning())
	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Start(context.Background()))
	require.True(t, tr.IsRunning())

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
	require.False(t, tr.IsRunning())
}

func TestStoppedTrackerKeepsRecordsButIgnoresEvents(t *testing.T) {
	tr, eventBus := newTestTracker(t, 0)

	publish(t, eventBus, events.RequestSubmitted, lifecycleData("6-abc", nil))
	waitState(t, tr, "6-abc", StateQueued)

	require.NoError(t, tr.Stop())
	publish(t, eventBus, events.RequestStarted, lifecycleData("6-abc", nil))
	publish(t, eventBus, events.RequestSubmitted, lifecycleData("7-abc", nil))

	time.Sleep(50 * time.Millisecond)
	rec, ok := tr.Get("6-abc")
	require.True(t, ok)
	assert.Equal(t, StateQueued, rec.State, "events after Stop must not apply")
	_, ok = tr.Get("7-abc")
	assert.False(t, ok)
}

func TestMalformedPayloadIsSkipped(t *testing.T) {
	tr, eventBus := newTestTracker(t, 0)

	publish(t, eventBus, events.RequestSubmitted, map[string]interface{}{
		"project_id": "proj-1",
		"request_id": 42, // wrong type
	})
	publish(t, eventBus, events.RequestSubmitted, map[string]interface{}{
		"project_id": "proj-1",
		"agent":      "claude",
		// request_id missing entirely
	})
	publish(t, eventBus, events.RequestSubmitted, lifecycleData("8-abc", nil))

	waitState(t, tr, "8-abc", StateQueued)
	assert.Equal(t, 1, tr.Len(), "malformed events must not create records")
}
