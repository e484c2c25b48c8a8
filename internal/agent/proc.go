package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vrabby/vrabby/internal/common/logger"
)

const (
	// garbageLimit bounds how much unparseable stdout a run tolerates before
	// a warning is logged and further garbage is dropped.
	garbageLimit = 64 * 1024

	// stderrTailLimit bounds retained stderr used for crash diagnostics.
	stderrTailLimit = 8 * 1024

	// scanBufferLimit bounds a single stdout line. Stream records carry whole
	// assistant turns, which can be large.
	scanBufferLimit = 10 * 1024 * 1024

	// defaultCancelGrace is the soft-interrupt window when none is configured.
	defaultCancelGrace = 2 * time.Second
)

// ErrRunTimeout marks a context cancellation caused by a stall or deadline
// timer. Runs cancelled with this cause terminate with kind timeout instead
// of cancelled; use context.WithCancelCause to attach it.
var ErrRunTimeout = errors.New("run timeout")

// baseEnvVars are always forwarded to agent subprocesses. Everything else in
// the parent environment is withheld unless an adapter passes it through.
var baseEnvVars = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TMPDIR", "TERM",
	"LANG", "LC_ALL", "NO_COLOR",
}

// runSpec describes one subprocess invocation prepared by an adapter.
type runSpec struct {
	kind      Kind
	bin       string
	args      []string
	workspace string

	// stdin carries the instruction when the CLI reads the prompt from
	// standard input; empty means the prompt travels in args.
	stdin string

	// env entries override the sanitized base environment.
	env map[string]string

	// passEnv names parent environment variables forwarded beyond the base
	// set, typically the CLI's credential variables.
	passEnv []string

	parser lineParser

	// resumed marks that a prior session id was passed, enabling the
	// session_stale classification on rejection.
	resumed bool

	// grace is the soft-interrupt window before force kill.
	grace time.Duration

	// warnings are emitted before any subprocess output, e.g. model_fallback.
	warnings []Event
}

// runOneShot launches the CLI, normalizes its stdout into canonical events,
// and closes the stream after exactly one terminal status. The stream is
// single-consumer and must be drained until it closes. Cancelling ctx sends
// the process group a soft interrupt, waits the grace window, then kills.
func runOneShot(ctx context.Context, log *logger.Logger, spec runSpec) <-chan Event {
	ch := make(chan Event, 32)
	go func() {
		defer close(ch)

		em := newEmitter(ch, log)
		// Warnings bypass the emitter so sawEvent keeps meaning "the CLI
		// produced output"; a crash after a model_fallback notice still
		// classifies as crashed_before_first_event.
		for _, w := range spec.warnings {
			ch <- w
		}

		grace := spec.grace
		if grace <= 0 {
			grace = defaultCancelGrace
		}

		cmd := exec.Command(spec.bin, spec.args...)
		cmd.Dir = spec.workspace
		cmd.Env = buildEnv(spec.passEnv, spec.env)
		setProcGroup(cmd)
		if spec.stdin != "" {
			cmd.Stdin = strings.NewReader(spec.stdin)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			em.fail(ErrSpawnFailed, fmt.Sprintf("stdout pipe: %v", err))
			return
		}
		stderrTail := newTailBuffer(stderrTailLimit)
		cmd.Stderr = stderrTail

		if err := cmd.Start(); err != nil {
			kind := ErrSpawnFailed
			if errors.Is(err, exec.ErrNotFound) {
				kind = ErrCLINotInstalled
			}
			em.fail(kind, err.Error())
			return
		}

		log.Debug("agent subprocess started",
			zap.String("agent", string(spec.kind)),
			zap.Int("pid", cmd.Process.Pid))

		// With Setpgid the child's process group id equals its pid, so the
		// ladder signals the whole group through the negative pid.
		pid := cmd.Process.Pid
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-done:
				return
			case <-ctx.Done():
			}
			if err := interruptProcessGroup(pid); err != nil {
				_ = cmd.Process.Signal(os.Interrupt)
			}
			select {
			case <-done:
			case <-time.After(grace):
				if err := killProcessGroup(pid); err != nil {
					_ = cmd.Process.Kill()
				}
			}
		}()

		garbage := newGarbageTally(garbageLimit)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), scanBufferLimit)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			events, ok := spec.parser.Parse(line)
			if !ok {
				if garbage.add(line) {
					log.Warn("discarding unparseable agent output",
						zap.String("agent", string(spec.kind)),
						zap.Int("bytes", garbage.total))
				}
				continue
			}
			for _, ev := range events {
				em.emit(ev)
			}
		}

		waitErr := cmd.Wait()
		close(done)
		wg.Wait()

		finishRun(ctx, em, spec, waitErr, stderrTail.String(), garbage)
	}()
	return ch
}

// finishRun classifies the process exit and emits the terminal sequence.
func finishRun(ctx context.Context, em *emitter, spec runSpec, waitErr error, stderr string, garbage *garbageTally) {
	// Cancellation wins regardless of what the CLI printed on the way down.
	if ctx.Err() != nil {
		events := cancelEvents(ctx)
		for _, ev := range events[:len(events)-1] {
			em.emit(ev)
		}
		em.finish(events[len(events)-1])
		return
	}

	outcome := spec.parser.Outcome()
	if outcome.resultSeen {
		if !outcome.isError {
			terminal := NewStatus(PhaseComplete)
			terminal.Meta = outcome.meta
			em.finish(terminal)
			return
		}
		kind := outcome.errorKind
		if kind == "" {
			kind = classifyFailure(outcome.message, stderr, spec.resumed, ErrInternal)
		}
		msg := outcome.message
		if msg == "" {
			msg = "agent reported an error"
		}
		em.emit(NewError(kind, msg, Retryable(kind)))
		terminal := NewStatusFailed(kind)
		terminal.Meta = outcome.meta
		em.finish(terminal)
		return
	}

	if waitErr != nil {
		msg := stderr
		if msg == "" {
			msg = outcome.message
		}
		if msg == "" {
			msg = fmt.Sprintf("agent exited with code %d", exitCodeOf(waitErr))
		}
		fallbackKind := ErrInternal
		if !em.sawEvent {
			fallbackKind = ErrCrashedEarly
		}
		kind := classifyFailure(msg, stderr, spec.resumed, fallbackKind)
		em.emit(NewError(kind, msg, Retryable(kind)))
		em.finish(NewStatusFailed(kind))
		return
	}

	// Clean exit without the CLI's end-of-turn record.
	if !em.sawEvent {
		msg := "agent produced no parseable output"
		if sample := garbage.sampleString(); sample != "" {
			msg = fmt.Sprintf("%s: %s", msg, truncate(sample, 512))
		}
		em.emit(NewError(ErrProtocol, msg, false))
		em.finish(NewStatusFailed(ErrProtocol))
		return
	}
	em.finish(NewStatus(PhaseComplete))
}

// cancelEvents maps a context cancellation onto its terminal sequence. A
// cancellation caused by ErrRunTimeout terminates with kind timeout; anything
// else is a user or shutdown cancel.
func cancelEvents(ctx context.Context) []Event {
	if cause := context.Cause(ctx); errors.Is(cause, ErrRunTimeout) {
		return []Event{NewError(ErrTimeout, cause.Error(), false), NewStatusFailed(ErrTimeout)}
	}
	return []Event{NewStatus(PhaseCancelled)}
}

var (
	stalePatterns = []string{
		"no conversation found", "conversation not found", "session not found",
		"no session found", "session expired", "invalid session", "could not resume",
	}
	ratePatterns = []string{
		"rate limit", "too many requests", "quota exceeded", "overloaded", "429",
	}
	authPatterns = []string{
		"not logged in", "please log in", "please login", "login required",
		"authentication", "unauthorized", "invalid api key", "missing api key",
		"api key not", "credential", "/login", "oauth",
	}
)

// classifyFailure maps CLI error text onto the failure taxonomy. resumed
// gates the session_stale match so fresh runs never classify as stale;
// unmatched text falls back to def.
func classifyFailure(message, stderr string, resumed bool, def ErrorKind) ErrorKind {
	text := strings.ToLower(message + "\n" + stderr)
	if resumed && containsAny(text, stalePatterns...) {
		return ErrSessionStale
	}
	if containsAny(text, ratePatterns...) {
		return ErrRateLimited
	}
	if containsAny(text, authPatterns...) {
		return ErrAuthMissing
	}
	return def
}

func containsAny(text string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// buildEnv assembles the subprocess environment from the sanitized base set,
// the adapter's passthrough list, XDG session variables, and overrides.
// Output is sorted for determinism.
func buildEnv(passEnv []string, overrides map[string]string) []string {
	merged := make(map[string]string)
	copyVar := func(name string) {
		if v, ok := os.LookupEnv(name); ok {
			merged[name] = v
		}
	}
	for _, name := range baseEnvVars {
		copyVar(name)
	}
	for _, name := range passEnv {
		copyVar(name)
	}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "XDG_") {
			continue
		}
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
