// Package tracker maintains an in-memory view of request lifecycles, fed from
// the event bus. It answers "what happened to request X" for the HTTP API
// without touching the transcript store: the orchestrator publishes a
// notification per transition and the tracker folds them into one record per
// request id.
package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/common/logger"
	"github.com/vrabby/vrabby/internal/events"
	"github.com/vrabby/vrabby/internal/events/bus"
)

// requestSubjects matches every request lifecycle subject published by the
// orchestrator (request.submitted, request.started, ...).
const requestSubjects = "request.>"

// defaultCapacity bounds the record map when no capacity is configured.
const defaultCapacity = 1024

// State is the coarse lifecycle position of a request.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are expected. A fellback
// notification may still attach retry metadata to a terminal record.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Record is the tracked view of a single request.
type Record struct {
	RequestID      string    `json:"request_id"`
	ProjectID      string    `json:"project_id"`
	Agent          string    `json:"agent"`
	Model          string    `json:"model,omitempty"`
	State          State     `json:"state"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	FellbackTo     string    `json:"fellback_to,omitempty"`
	RetryRequestID string    `json:"retry_request_id,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// requestEventData mirrors the payload the orchestrator publishes with each
// lifecycle notification. Fields beyond the first three are per-transition.
type requestEventData struct {
	ProjectID      string `json:"project_id"`
	RequestID      string `json:"request_id"`
	Agent          string `json:"agent"`
	Model          string `json:"model,omitempty"`
	Kind           string `json:"kind,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	RetryRequestID string `json:"retry_request_id,omitempty"`
}

// Tracker subscribes to request lifecycle events and keeps a bounded map of
// records, oldest terminal records evicted first.
type Tracker struct {
	eventBus bus.EventBus
	logger   *logger.Logger
	capacity int

	mu      sync.Mutex
	records map[string]*Record
	order   []string // request ids in insertion order, for eviction
	sub     bus.Subscription
	running bool
}

// NewTracker creates a tracker reading from the given bus. A capacity of
// zero or less selects the default.
func NewTracker(eventBus bus.EventBus, capacity int, log *logger.Logger) *Tracker {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Tracker{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "tracker")),
		capacity: capacity,
		records:  make(map[string]*Record),
	}
}

// Start subscribes to request lifecycle events. Starting a running tracker
// is a no-op.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}

	sub, err := t.eventBus.Subscribe(requestSubjects, t.handleEvent)
	if err != nil {
		t.logger.Error("Failed to subscribe to request events",
			zap.String("subject", requestSubjects),
			zap.Error(err))
		return err
	}
	t.sub = sub
	t.running = true
	t.logger.Info("Request tracker started", zap.Int("capacity", t.capacity))
	return nil
}

// Stop unsubscribes from the bus. Records stay readable after Stop.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	if err := t.sub.Unsubscribe(); err != nil {
		t.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	t.sub = nil
	t.running = false
	t.logger.Info("Request tracker stopped")
	return nil
}

// IsRunning returns true if the tracker is subscribed.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Get returns a copy of the record for a request id.
func (t *Tracker) Get(requestID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[requestID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Len returns the number of tracked records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// handleEvent folds one bus notification into the record map. Parse failures
// are logged and swallowed so one malformed event cannot stall the
// subscription.
func (t *Tracker) handleEvent(ctx context.Context, event *bus.Event) error {
	var data requestEventData
	if err := parseEventData(event.Data, &data); err != nil {
		t.logger.Error("Failed to parse request event data",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err))
		return nil
	}
	if data.RequestID == "" {
		t.logger.Warn("Dropping request event without request id",
			zap.String("event_type", event.Type))
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.ensureLocked(data)
	rec.UpdatedAt = event.Timestamp

	switch event.Type {
	case events.RequestSubmitted:
		rec.State = StateQueued
		rec.SubmittedAt = event.Timestamp
	case events.RequestStarted:
		rec.State = StateRunning
		rec.StartedAt = event.Timestamp
		if data.Model != "" {
			rec.Model = data.Model
		}
	case events.RequestCompleted:
		rec.State = StateCompleted
		rec.FinishedAt = event.Timestamp
		if data.Model != "" {
			rec.Model = data.Model
		}
	case events.RequestFailed:
		rec.State = StateFailed
		rec.FinishedAt = event.Timestamp
		rec.ErrorKind = data.Kind
	case events.RequestCancelled:
		rec.State = StateCancelled
		rec.FinishedAt = event.Timestamp
	case events.RequestFellback:
		rec.FellbackTo = data.To
		rec.RetryRequestID = data.RetryRequestID
	default:
		t.logger.Debug("Ignoring request event",
			zap.String("event_type", event.Type))
	}

	t.logger.Debug("Tracked request transition",
		zap.String("event_type", event.Type),
		zap.String("request_id", rec.RequestID),
		zap.String("state", string(rec.State)))
	return nil
}

// ensureLocked returns the record for the event's request id, creating it
// when absent. Fallback retries enter the queue without a submitted
// notification, so any transition may be the first one seen.
func (t *Tracker) ensureLocked(data requestEventData) *Record {
	if rec, ok := t.records[data.RequestID]; ok {
		return rec
	}
	if len(t.records) >= t.capacity {
		t.evictLocked()
	}
	rec := &Record{
		RequestID: data.RequestID,
		ProjectID: data.ProjectID,
		Agent:     data.Agent,
	}
	t.records[data.RequestID] = rec
	t.order = append(t.order, data.RequestID)
	return rec
}

// evictLocked drops the oldest terminal record, or the oldest record outright
// when every tracked request is still live.
func (t *Tracker) evictLocked() {
	for i, id := range t.order {
		rec, ok := t.records[id]
		if !ok || rec.State.Terminal() {
			delete(t.records, id)
			t.order = append(t.order[:i], t.order[i+1:]...)
			if ok {
				t.logger.Debug("Evicted request record",
					zap.String("request_id", id))
			}
			return
		}
	}
	if len(t.order) == 0 {
		return
	}
	id := t.order[0]
	t.order = t.order[1:]
	delete(t.records, id)
	t.logger.Warn("Evicted live request record at capacity",
		zap.String("request_id", id))
}

// parseEventData converts the bus event's generic payload into a typed
// struct via a JSON round trip.
func parseEventData(data interface{}, target interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
