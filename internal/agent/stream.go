package agent

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/common/logger"
)

// lineParser turns one line of subprocess stdout into canonical events.
// Parsers are stateful within a single run and never emit status events; the
// runner synthesizes the terminal status from Outcome and the process exit.
type lineParser interface {
	// Parse consumes one trimmed, non-empty stdout line. ok=false marks the
	// line unparseable; the runner counts it against the garbage budget.
	Parse(line []byte) ([]Event, bool)

	// Outcome summarizes the stream. Valid once stdout is closed.
	Outcome() runOutcome
}

// runOutcome is what a parsed stream concluded, used for terminal
// classification after the process exits.
type runOutcome struct {
	// resultSeen marks that the CLI printed its end-of-turn record.
	resultSeen bool

	// isError marks the end-of-turn record as a failure.
	isError bool

	// errorKind carries a classification when the parser recognized one;
	// empty defers to text-based classification.
	errorKind ErrorKind

	// message is the CLI's own description of the failure.
	message string

	// meta carries run metrics (duration_ms, total_cost_usd, num_turns).
	meta map[string]interface{}
}

// emitter forwards canonical events in order and tracks open tool calls so
// every call is closed before the terminal status. Sends block; the stream
// consumer must drain the channel until it closes.
type emitter struct {
	ch  chan<- Event
	log *logger.Logger

	pending  []string
	open     map[string]struct{}
	sawEvent bool
	sawText  bool
}

func newEmitter(ch chan<- Event, log *logger.Logger) *emitter {
	return &emitter{ch: ch, log: log, open: make(map[string]struct{})}
}

// emit forwards one event. Tool results without a matching open call are
// dropped to keep the call/result pairing sound.
func (e *emitter) emit(ev Event) {
	switch ev.Type {
	case EventToolCall:
		if ev.CallID != "" {
			if _, dup := e.open[ev.CallID]; !dup {
				e.open[ev.CallID] = struct{}{}
				e.pending = append(e.pending, ev.CallID)
			}
		}
	case EventToolResult:
		if _, ok := e.open[ev.CallID]; !ok {
			e.log.Debug("dropping tool result without matching call", zap.String("call_id", ev.CallID))
			return
		}
		e.closeCall(ev.CallID)
	case EventAssistantText:
		e.sawText = true
	}
	e.sawEvent = true
	e.ch <- ev
}

func (e *emitter) closeCall(id string) {
	delete(e.open, id)
	for i, p := range e.pending {
		if p == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// finish closes every tool call the CLI never answered, in call order, then
// emits the terminal status. Runs exactly once per stream.
func (e *emitter) finish(terminal Event) {
	for _, id := range e.pending {
		delete(e.open, id)
		e.ch <- NewFailedToolResult(id, "interrupted")
	}
	e.pending = nil
	e.ch <- terminal
}

// fail emits an error event followed by the matching failed terminal.
func (e *emitter) fail(kind ErrorKind, message string) {
	e.emit(NewError(kind, message, Retryable(kind)))
	e.finish(NewStatusFailed(kind))
}

// tailBuffer retains the last limit bytes written to it. Used to keep a
// bounded stderr sample for crash diagnostics.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// garbageTally accounts for unparseable stdout. Garbage is tolerated up to
// limit bytes; crossing the limit is reported exactly once so the caller can
// log a warning, and everything past the limit is dropped.
type garbageTally struct {
	limit  int
	total  int
	warned bool
	sample []byte
}

func newGarbageTally(limit int) *garbageTally {
	return &garbageTally{limit: limit}
}

// add records one garbage line and reports whether the budget was just
// exhausted.
func (g *garbageTally) add(line []byte) (warnNow bool) {
	g.total += len(line) + 1
	if len(g.sample) < g.limit {
		room := g.limit - len(g.sample)
		if room > len(line) {
			room = len(line)
		}
		g.sample = append(g.sample, line[:room]...)
		g.sample = append(g.sample, '\n')
	}
	if g.total > g.limit && !g.warned {
		g.warned = true
		return true
	}
	return false
}

func (g *garbageTally) sampleString() string {
	return strings.TrimSpace(string(g.sample))
}
