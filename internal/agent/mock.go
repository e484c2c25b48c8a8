package agent

import (
	"context"
	"sync"
	"time"
)

// MockAdapter is a scripted adapter for tests and local development. Each
// Run plays back the script with an optional per-event delay and honors
// cancellation the way a real subprocess would, including the timeout cause.
type MockAdapter struct {
	// AgentKind defaults to claude when unset.
	AgentKind Kind

	// Avail is returned by Available; the zero value reports installed.
	Avail Availability

	// InitErr is returned by Initialize.
	InitErr error

	// Delay is waited before each scripted event.
	Delay time.Duration

	// Script yields the full event sequence for a run, terminal status
	// included. When nil, a minimal complete run is played.
	Script func(opts RunOptions) []Event

	mu   sync.Mutex
	runs []RunOptions
}

var _ Adapter = (*MockAdapter)(nil)

func (m *MockAdapter) Kind() Kind {
	if m.AgentKind == "" {
		return KindClaude
	}
	return m.AgentKind
}

func (m *MockAdapter) DefaultModel() string {
	return DefaultModelFor(m.Kind())
}

func (m *MockAdapter) Available(ctx context.Context) Availability {
	av := m.Avail
	if av.CheckedAt.IsZero() {
		av.CheckedAt = time.Now().UTC()
	}
	if !av.Installed && av.Error == "" && av.Version == "" {
		av.Installed = true
		av.Version = "mock"
	}
	return av
}

func (m *MockAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return m.InitErr
}

func (m *MockAdapter) Run(ctx context.Context, opts RunOptions) <-chan Event {
	m.mu.Lock()
	m.runs = append(m.runs, opts)
	m.mu.Unlock()

	events := m.script(opts)
	ch := make(chan Event, len(events)+2)
	go func() {
		defer close(ch)
		for _, ev := range events {
			if m.Delay > 0 {
				select {
				case <-time.After(m.Delay):
				case <-ctx.Done():
					for _, c := range cancelEvents(ctx) {
						ch <- c
					}
					return
				}
			} else if ctx.Err() != nil {
				for _, c := range cancelEvents(ctx) {
					ch <- c
				}
				return
			}
			ch <- ev
		}
	}()
	return ch
}

func (m *MockAdapter) script(opts RunOptions) []Event {
	if m.Script != nil {
		return m.Script(opts)
	}
	return []Event{
		NewSessionInfo("mock-session-1"),
		NewAssistantText("done", true),
		NewStatus(PhaseComplete),
	}
}

// Runs returns a copy of the options from every Run call, in order.
func (m *MockAdapter) Runs() []RunOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunOptions, len(m.runs))
	copy(out, m.runs)
	return out
}
