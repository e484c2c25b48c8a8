// Package orchestrator serializes agent runs per project. Each project gets
// a single-threaded run loop fed by a FIFO queue, so at most one subprocess
// is alive per workspace and every event carries a project-wide sequence
// number assigned under one lock: persist first, broadcast second. That
// ordering is what lets a subscriber replay history from the message store
// and splice the live stream without duplicates or gaps.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/common/config"
	"github.com/vrabby/vrabby/internal/common/logger"
	"github.com/vrabby/vrabby/internal/common/stringutil"
	"github.com/vrabby/vrabby/internal/events"
	"github.com/vrabby/vrabby/internal/events/bus"
	"github.com/vrabby/vrabby/internal/message"
	"github.com/vrabby/vrabby/internal/project"
	"github.com/vrabby/vrabby/internal/prompt"
	"github.com/vrabby/vrabby/internal/session"
)

// ErrOrchestratorClosed is returned by Submit once shutdown has begun.
var ErrOrchestratorClosed = errors.New("orchestrator is shutting down")

// Deps bundles the process-wide collaborators shared by every project
// orchestrator.
type Deps struct {
	Log      *logger.Logger
	Orch     config.OrchestratorConfig
	Registry *agent.Registry
	Projects project.Store
	Messages message.Store
	Sessions *session.Store
	Prompts  *prompt.Loader
	Bus      bus.EventBus

	// SubscriberQueue is each subscriber's channel capacity.
	SubscriberQueue int
}

// Orchestrator owns one project's run queue, sequence counter, and
// subscriber set.
type Orchestrator struct {
	projectID string
	workspace string
	log       *logger.Logger
	deps      Deps

	mu          sync.Mutex
	seq         int64
	queue       []*Request
	inflight    *Request
	cancelRun   context.CancelCauseFunc
	subscribers map[*Subscriber]struct{}
	closed      bool

	// initialized tracks which agents had their workspace instructions
	// seeded this process. Touched only by the run loop.
	initialized map[agent.Kind]bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator restores the project's sequence position and session state
// from the transcript, then starts the run loop. The context only scopes the
// restore reads; the loop's lifetime ends at Shutdown.
func NewOrchestrator(ctx context.Context, projectID, workspace string, deps Deps) (*Orchestrator, error) {
	if deps.SubscriberQueue <= 0 {
		deps.SubscriberQueue = 512
	}

	maxSeq, err := deps.Messages.MaxSeq(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to restore seq for project %s: %w", projectID, err)
	}
	if err := deps.Sessions.Seed(ctx, projectID, deps.Messages); err != nil {
		return nil, fmt.Errorf("failed to seed sessions for project %s: %w", projectID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		projectID:   projectID,
		workspace:   workspace,
		log:         deps.Log.WithProject(projectID),
		deps:        deps,
		seq:         maxSeq,
		subscribers: make(map[*Subscriber]struct{}),
		initialized: make(map[agent.Kind]bool),
		wake:        make(chan struct{}, 1),
		ctx:         loopCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go o.loop()

	o.publish(events.OrchestratorStarted, map[string]interface{}{"project_id": projectID})
	o.log.Info("orchestrator started", zap.Int64("seq", maxSeq))
	return o, nil
}

// ProjectID returns the owning project's id.
func (o *Orchestrator) ProjectID() string {
	return o.projectID
}

// Workspace returns the project's workspace directory.
func (o *Orchestrator) Workspace() string {
	return o.workspace
}

// Submit validates and enqueues a run request, echoing the instruction into
// the transcript immediately. It returns the request id before any
// subprocess starts.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.Instruction == "" {
		return "", errors.New("instruction must not be empty")
	}
	if len(sub.Instruction) > maxInstructionBytes {
		return "", fmt.Errorf("instruction exceeds %d bytes", maxInstructionBytes)
	}
	kind, err := agent.ParseKind(sub.Agent)
	if err != nil {
		return "", err
	}

	req := &Request{
		ID:              newRequestID(),
		ProjectID:       o.projectID,
		Instruction:     sub.Instruction,
		Agent:           kind,
		Model:           sub.Model,
		Images:          sub.Images,
		IsInitial:       sub.IsInitial,
		DeadlineSeconds: sub.DeadlineSeconds,
		SubmittedAt:     time.Now().UTC(),
	}

	echo := agent.NewUserText(sub.Instruction)
	echo.RequestID = req.ID

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrOrchestratorClosed
	}
	if _, err := o.emitLocked(ctx, echo); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("failed to persist instruction: %w", err)
	}
	o.queue = append(o.queue, req)
	o.mu.Unlock()

	o.wakeLoop()
	o.notify(events.RequestSubmitted, req, nil)
	o.log.Info("request submitted",
		zap.String("request_id", req.ID),
		zap.String("agent", string(kind)),
		zap.String("instruction", stringutil.TruncateStringWithEllipsis(sub.Instruction, 80)))
	return req.ID, nil
}

// Cancel interrupts the named request. A queued request terminates
// immediately with status cancelled; the in-flight request gets the soft
// interrupt path and terminates once its subprocess is down. Returns false
// when the request is not active.
func (o *Orchestrator) Cancel(requestID string) bool {
	o.mu.Lock()
	if o.inflight != nil && o.inflight.ID == requestID {
		cancel := o.cancelRun
		o.mu.Unlock()
		if cancel != nil {
			cancel(nil)
		}
		o.log.Info("cancelling in-flight request", zap.String("request_id", requestID))
		return true
	}
	for i, req := range o.queue {
		if req.ID != requestID {
			continue
		}
		o.queue = append(o.queue[:i], o.queue[i+1:]...)
		terminal := agent.NewStatus(agent.PhaseCancelled)
		terminal.RequestID = req.ID
		o.forceEmitLocked(terminal)
		o.mu.Unlock()
		o.notify(events.RequestCancelled, req, nil)
		o.log.Info("cancelled queued request", zap.String("request_id", requestID))
		return true
	}
	o.mu.Unlock()
	return false
}

// Subscribe registers a live event consumer. The caller replays history from
// the message store first: every event persisted after Subscribe returns is
// guaranteed to arrive on the channel, so replay plus a seq-based skip of
// the overlap yields a gapless stream.
func (o *Orchestrator) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan agent.Event, o.deps.SubscriberQueue)}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	o.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches and closes the subscriber. Safe to call after an
// overflow close.
func (o *Orchestrator) Unsubscribe(sub *Subscriber) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subscribers[sub]; !ok {
		return
	}
	delete(o.subscribers, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Busy reports whether a run is in flight, requests are queued, or any
// subscriber is attached. The manager only reclaims idle orchestrators.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight != nil || len(o.queue) > 0 || len(o.subscribers) > 0
}

// Shutdown stops accepting work, cancels the in-flight run, terminates every
// queued request as cancelled, and closes all subscribers. It returns once
// the loop has drained or ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	select {
	case <-o.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.closeSubscribers()
	return nil
}

// loop is the project's single-threaded executor. Requests run strictly in
// queue order; nothing else touches the subprocess lifecycle.
func (o *Orchestrator) loop() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			o.drainQueue()
			o.publish(events.OrchestratorStopped, map[string]interface{}{"project_id": o.projectID})
			return
		case <-o.wake:
		}
		for o.ctx.Err() == nil {
			req, reqCtx, cancel := o.next()
			if req == nil {
				break
			}
			o.execute(req, reqCtx, cancel)
		}
	}
}

// next atomically moves the queue head into the run slot, so Cancel always
// sees a request as either queued or in flight, never in between.
func (o *Orchestrator) next() (*Request, context.Context, context.CancelCauseFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, nil, nil
	}
	req := o.queue[0]
	o.queue = o.queue[1:]
	reqCtx, cancel := context.WithCancelCause(o.ctx)
	o.inflight = req
	o.cancelRun = cancel
	return req, reqCtx, cancel
}

// drainQueue terminates every queued request as cancelled during shutdown.
func (o *Orchestrator) drainQueue() {
	o.mu.Lock()
	pending := o.queue
	o.queue = nil
	for _, req := range pending {
		terminal := agent.NewStatus(agent.PhaseCancelled)
		terminal.RequestID = req.ID
		o.forceEmitLocked(terminal)
	}
	o.mu.Unlock()

	for _, req := range pending {
		o.notify(events.RequestCancelled, req, nil)
	}
	if len(pending) > 0 {
		o.log.Info("cancelled queued requests on shutdown", zap.Int("count", len(pending)))
	}
}

func (o *Orchestrator) wakeLoop() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// emit stamps the next seq, persists, then broadcasts. On persist failure
// nothing is broadcast and the seq is released, so the transcript and the
// wire never disagree about which events exist.
func (o *Orchestrator) emit(ctx context.Context, ev agent.Event) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.emitLocked(ctx, ev)
}

func (o *Orchestrator) emitLocked(ctx context.Context, ev agent.Event) (int64, error) {
	o.seq++
	ev.Seq = o.seq
	msg, err := message.FromEvent(o.projectID, ev)
	if err == nil {
		err = o.deps.Messages.Append(ctx, msg)
	}
	if err != nil {
		o.seq--
		return 0, err
	}
	o.broadcastLocked(ev)
	return ev.Seq, nil
}

// forceEmit is the failure-path variant: the event reaches subscribers even
// when the transcript write fails, so a run never ends without a terminal on
// the wire.
func (o *Orchestrator) forceEmit(ev agent.Event) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forceEmitLocked(ev)
}

func (o *Orchestrator) forceEmitLocked(ev agent.Event) int64 {
	o.seq++
	ev.Seq = o.seq
	msg, err := message.FromEvent(o.projectID, ev)
	if err == nil {
		err = o.deps.Messages.Append(context.Background(), msg)
	}
	if err != nil {
		o.log.Error("failed to persist event",
			zap.String("type", string(ev.Type)),
			zap.String("request_id", ev.RequestID),
			zap.Int64("seq", ev.Seq),
			zap.Error(err))
	}
	o.broadcastLocked(ev)
	return ev.Seq
}

// broadcastLocked fans the event out to every subscriber without blocking:
// a full queue closes the subscriber instead of stalling the run loop.
func (o *Orchestrator) broadcastLocked(ev agent.Event) {
	for sub := range o.subscribers {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.closed = true
			sub.overflowed.Store(true)
			close(sub.ch)
			delete(o.subscribers, sub)
			o.log.Warn("dropping slow subscriber", zap.Int64("seq", ev.Seq))
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sub := range o.subscribers {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	o.subscribers = make(map[*Subscriber]struct{})
}

// notify publishes a request lifecycle signal on the event bus.
func (o *Orchestrator) notify(eventType string, req *Request, extra map[string]interface{}) {
	data := map[string]interface{}{
		"project_id": o.projectID,
		"request_id": req.ID,
		"agent":      string(req.Agent),
	}
	for k, v := range extra {
		data[k] = v
	}
	o.publish(eventType, data)
}

func (o *Orchestrator) publish(eventType string, data map[string]interface{}) {
	if err := o.deps.Bus.Publish(context.Background(), eventType, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.log.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
