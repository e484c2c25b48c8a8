package orchestrator

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vrabby/vrabby/internal/agent"
)

// maxInstructionBytes caps submitted instruction text.
const maxInstructionBytes = 64 << 10

// processSuffix distinguishes request ids minted by different processes,
// since the counter restarts at one on every boot.
var processSuffix = strings.SplitN(uuid.New().String(), "-", 2)[0]

// requestCounter is process-wide so ids never collide across projects.
var requestCounter atomic.Int64

// newRequestID returns "<counter>-<process suffix>".
func newRequestID() string {
	return fmt.Sprintf("%d-%s", requestCounter.Add(1), processSuffix)
}

// Submission is a submit payload after wire decoding, before validation.
// Agent and Model arrive as raw strings; Submit validates the agent kind and
// leaves model resolution to the run, where unknown ids select the adapter
// default.
type Submission struct {
	Instruction     string
	Agent           string
	Model           string
	Images          []agent.ImageAttachment
	IsInitial       bool
	DeadlineSeconds int
}

// Request is an accepted submission, either waiting in the queue or owning
// the project's single run slot.
type Request struct {
	ID              string
	ProjectID       string
	Instruction     string
	Agent           agent.Kind
	Model           string
	Images          []agent.ImageAttachment
	IsInitial       bool
	DeadlineSeconds int
	SubmittedAt     time.Time

	// fallbackFrom is set on the retry enqueued after an eligible failure;
	// a retry never falls back again.
	fallbackFrom agent.Kind
}

// Subscriber receives the project's live event stream over a bounded queue.
// A subscriber that stops draining is closed rather than allowed to block
// the emit path; Overflowed reports that outcome so the hub can close the
// connection with the slow-consumer code.
type Subscriber struct {
	ch chan agent.Event

	// closed is guarded by the owning orchestrator's mutex.
	closed     bool
	overflowed atomic.Bool
}

// Events is the subscriber's receive side. The channel closes on overflow,
// unsubscribe, or orchestrator shutdown.
func (s *Subscriber) Events() <-chan agent.Event {
	return s.ch
}

// Overflowed reports whether the subscriber was closed for falling behind.
func (s *Subscriber) Overflowed() bool {
	return s.overflowed.Load()
}
