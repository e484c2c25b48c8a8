package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/events"
	"github.com/vrabby/vrabby/internal/session"
)

// runOutcome is what a single adapter invocation left behind. The terminal
// status is returned unemitted; finishRun puts it on the wire so the session
// commit and the terminal broadcast happen under one lock.
type runOutcome struct {
	terminal agent.Event
	native   string
	sawText  bool

	// staleRetry marks a resumed run that failed session_stale: its
	// terminal was withheld and the request runs again without resume.
	staleRetry bool
}

// execute drives one request from start status to terminal, including the
// one-shot stale retry and the fallback hand-off.
func (o *Orchestrator) execute(req *Request, reqCtx context.Context, cancel context.CancelCauseFunc) {
	defer func() {
		cancel(nil)
		o.mu.Lock()
		o.inflight = nil
		o.cancelRun = nil
		o.mu.Unlock()
	}()

	log := o.log.WithRequest(req.ID).WithAgent(string(req.Agent))

	adapter, err := o.deps.Registry.Get(req.Agent)
	if err != nil {
		o.finishFailed(req, agent.ErrInternal, err.Error())
		return
	}

	sess, _ := o.deps.Sessions.Get(o.projectID, req.Agent)
	runModel, optsModel := o.chooseModel(adapter, req, sess)

	start := agent.NewStatus(agent.PhaseStart)
	start.RequestID = req.ID
	start.Agent = req.Agent
	start.Meta = map[string]interface{}{"model": runModel}
	if _, err := o.emit(context.Background(), start); err != nil {
		log.Error("failed to persist start status", zap.Error(err))
		o.finishFailed(req, agent.ErrInternal, "failed to persist start status")
		return
	}
	o.notify(events.RequestStarted, req, map[string]interface{}{"model": runModel})
	log.Info("run started",
		zap.String("model", runModel),
		zap.Bool("resume", sess.NativeSessionID != ""))

	if !o.initialized[req.Agent] {
		systemPrompt := o.deps.Prompts.SystemPrompt(req.IsInitial, "")
		if err := adapter.Initialize(reqCtx, o.workspace, systemPrompt); err != nil {
			log.Warn("agent initialize failed", zap.Error(err))
		} else {
			o.initialized[req.Agent] = true
		}
	}

	opts := agent.RunOptions{
		Workspace:      o.workspace,
		Instruction:    req.Instruction,
		Model:          optsModel,
		PriorSessionID: sess.NativeSessionID,
		IsInitial:      req.IsInitial,
		Images:         req.Images,
	}
	deadline := o.deps.Orch.ClampDeadline(req.DeadlineSeconds)
	if deadline <= 0 {
		deadline = 600 * time.Second
	}
	stall := o.deps.Orch.StallTimeout()
	if stall <= 0 {
		stall = 90 * time.Second
	}

	var out runOutcome
	for attempt := 0; ; attempt++ {
		allowStaleRetry := attempt == 0 && opts.PriorSessionID != ""
		out = o.runOnce(reqCtx, adapter, req, opts, deadline, stall, allowStaleRetry)
		if out.staleRetry {
			log.Warn("native session stale, retrying without resume",
				zap.String("native_session_id", opts.PriorSessionID))
			opts.PriorSessionID = ""
			continue
		}
		break
	}

	seq := o.finishRun(req, runModel, out)

	switch out.terminal.Phase {
	case agent.PhaseComplete:
		o.notify(events.RequestCompleted, req, map[string]interface{}{"model": runModel})
		log.Info("run completed", zap.Int64("seq", seq))
	case agent.PhaseCancelled:
		o.notify(events.RequestCancelled, req, nil)
		log.Info("run cancelled", zap.Int64("seq", seq))
	case agent.PhaseFailed:
		o.notify(events.RequestFailed, req, map[string]interface{}{"kind": string(out.terminal.Kind)})
		log.Warn("run failed",
			zap.String("kind", string(out.terminal.Kind)),
			zap.Int64("seq", seq))
		o.maybeFallback(req, out.terminal.Kind)
	}
}

// runOnce consumes one adapter stream, stamping and fanning out everything
// except the terminal status, which it hands back through the outcome. It
// owns the stall and deadline timers and closes out dangling tool calls
// before the run ends.
func (o *Orchestrator) runOnce(reqCtx context.Context, a agent.Adapter, req *Request, opts agent.RunOptions, deadline, stall time.Duration, allowStaleRetry bool) runOutcome {
	ctx, cancel := context.WithCancelCause(reqCtx)
	defer cancel(nil)

	stream := a.Run(ctx, opts)

	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()
	stallTimer := time.NewTimer(stall)
	defer stallTimer.Stop()

	var (
		out       runOutcome
		openCalls []string
		openSet   = make(map[string]struct{})
		poisoned  bool
	)

	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				out.terminal = o.streamEndedEarly(ctx, req, openCalls)
				return out
			}
			if !stallTimer.Stop() {
				select {
				case <-stallTimer.C:
				default:
				}
			}
			stallTimer.Reset(stall)

			ev.RequestID = req.ID
			switch ev.Type {
			case agent.EventToolCall:
				if _, dup := openSet[ev.CallID]; !dup {
					openSet[ev.CallID] = struct{}{}
					openCalls = append(openCalls, ev.CallID)
				}
			case agent.EventToolResult:
				if _, open := openSet[ev.CallID]; !open {
					o.log.Warn("dropping tool result without matching call",
						zap.String("request_id", req.ID),
						zap.String("call_id", ev.CallID))
					continue
				}
				delete(openSet, ev.CallID)
				openCalls = removeCall(openCalls, ev.CallID)
			case agent.EventSessionInfo:
				out.native = ev.NativeSessionID
			case agent.EventAssistantText:
				out.sawText = true
			}

			if ev.Terminal() {
				if poisoned {
					o.flushOpenCalls(req, openCalls)
					errEv := agent.NewError(agent.ErrInternal, "transcript persistence failed", false)
					errEv.RequestID = req.ID
					o.forceEmit(errEv)
					out.terminal = agent.NewStatusFailed(agent.ErrInternal)
					return out
				}
				if ev.Phase == agent.PhaseFailed && ev.Kind == agent.ErrSessionStale && allowStaleRetry {
					out.staleRetry = true
					return out
				}
				o.flushOpenCalls(req, openCalls)
				out.terminal = ev
				return out
			}

			if poisoned {
				continue
			}
			if _, err := o.emit(context.Background(), ev); err != nil {
				o.log.Error("failed to persist event, aborting run",
					zap.String("request_id", req.ID),
					zap.String("type", string(ev.Type)),
					zap.Error(err))
				poisoned = true
				cancel(fmt.Errorf("transcript persistence failed: %w", err))
			}

		case <-stallTimer.C:
			cancel(fmt.Errorf("%w: no agent output for %s", agent.ErrRunTimeout, stall))

		case <-deadlineTimer.C:
			cancel(fmt.Errorf("%w: run exceeded %s deadline", agent.ErrRunTimeout, deadline))
		}
	}
}

// streamEndedEarly resolves a run whose adapter stream closed without a
// terminal status. A cancelled context explains the closure; anything else
// is a protocol violation on the adapter's side.
func (o *Orchestrator) streamEndedEarly(ctx context.Context, req *Request, openCalls []string) agent.Event {
	o.flushOpenCalls(req, openCalls)

	if ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, agent.ErrRunTimeout) {
			errEv := agent.NewError(agent.ErrTimeout, cause.Error(), false)
			errEv.RequestID = req.ID
			o.forceEmit(errEv)
			return agent.NewStatusFailed(agent.ErrTimeout)
		}
		return agent.NewStatus(agent.PhaseCancelled)
	}

	errEv := agent.NewError(agent.ErrProtocol, "agent stream ended without a terminal status", false)
	errEv.RequestID = req.ID
	o.forceEmit(errEv)
	return agent.NewStatusFailed(agent.ErrProtocol)
}

// flushOpenCalls closes out tool calls that never got a result, so every
// persisted call pairs with exactly one result.
func (o *Orchestrator) flushOpenCalls(req *Request, openCalls []string) {
	for _, callID := range openCalls {
		synth := agent.NewFailedToolResult(callID, "interrupted")
		synth.RequestID = req.ID
		o.forceEmit(synth)
	}
}

// finishRun emits the terminal and, on completion, commits the session under
// the same lock, so anyone who has seen the terminal also sees the updated
// session state. Returns the terminal's seq.
func (o *Orchestrator) finishRun(req *Request, runModel string, out runOutcome) int64 {
	terminal := out.terminal
	terminal.RequestID = req.ID

	o.mu.Lock()
	defer o.mu.Unlock()

	seq := o.forceEmitLocked(terminal)
	if terminal.Phase == agent.PhaseComplete {
		o.deps.Sessions.Update(o.projectID, req.Agent, func(s *session.Session) {
			if out.native != "" && out.sawText {
				s.NativeSessionID = out.native
			}
			if runModel != "" {
				s.LastModel = runModel
			}
			s.Seq = seq
		})
	}
	return seq
}

// finishFailed terminates a request that never reached the adapter.
func (o *Orchestrator) finishFailed(req *Request, kind agent.ErrorKind, msg string) {
	errEv := agent.NewError(kind, msg, agent.Retryable(kind))
	errEv.RequestID = req.ID
	o.forceEmit(errEv)
	o.finishRun(req, "", runOutcome{terminal: agent.NewStatusFailed(kind)})
	o.notify(events.RequestFailed, req, map[string]interface{}{"kind": string(kind)})
}

// maybeFallback enqueues the one-shot retry on the fallback agent after an
// eligible failure. The retry jumps the queue, carries a fresh request id,
// and drops the model so the fallback agent resolves its own.
func (o *Orchestrator) maybeFallback(req *Request, kind agent.ErrorKind) {
	if !agent.FallbackEligible(kind) || req.fallbackFrom != "" {
		return
	}
	fb, err := agent.ParseKind(o.deps.Orch.FallbackAgent)
	if err != nil || fb == req.Agent {
		return
	}
	p, err := o.deps.Projects.Get(o.ctx, o.projectID)
	if err != nil {
		o.log.Warn("skipping fallback, project lookup failed", zap.Error(err))
		return
	}
	if !p.FallbackEnabled {
		return
	}

	retry := &Request{
		ID:              newRequestID(),
		ProjectID:       req.ProjectID,
		Instruction:     req.Instruction,
		Agent:           fb,
		Images:          req.Images,
		IsInitial:       req.IsInitial,
		DeadlineSeconds: req.DeadlineSeconds,
		SubmittedAt:     time.Now().UTC(),
		fallbackFrom:    req.Agent,
	}

	banner := agent.NewStatusFellback(req.Agent, fb, retry.ID)
	banner.RequestID = req.ID

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.forceEmitLocked(banner)
	o.queue = append([]*Request{retry}, o.queue...)
	o.mu.Unlock()

	o.wakeLoop()
	o.notify(events.RequestFellback, req, map[string]interface{}{
		"from":             string(req.Agent),
		"to":               string(fb),
		"retry_request_id": retry.ID,
	})
	o.log.Info("falling back",
		zap.String("request_id", req.ID),
		zap.String("from", string(req.Agent)),
		zap.String("to", string(fb)),
		zap.String("retry_request_id", retry.ID))
}

// chooseModel resolves the run's model: explicit request, then the session's
// last model, then the adapter default. runModel is the canonical id
// recorded in the start status; optsModel is what the adapter receives,
// preserving unknown ids so the adapter emits its model_fallback notice.
func (o *Orchestrator) chooseModel(a agent.Adapter, req *Request, sess session.Session) (runModel, optsModel string) {
	requested := req.Model
	if requested == "" {
		requested = sess.LastModel
	}
	if requested == "" {
		return a.DefaultModel(), ""
	}
	for _, m := range o.deps.Registry.Models(req.Agent) {
		if m.ID == requested || m.Native == requested {
			return m.ID, requested
		}
	}
	return a.DefaultModel(), requested
}

func removeCall(calls []string, callID string) []string {
	for i, id := range calls {
		if id == callID {
			return append(calls[:i], calls[i+1:]...)
		}
	}
	return calls
}
