package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEmitter_DropsUnmatchedToolResult(t *testing.T) {
	ch := make(chan Event, 8)
	em := newEmitter(ch, newTestLogger(t))

	em.emit(NewToolResult("never-called", "x"))
	assert.Empty(t, drain(ch), "unmatched results are dropped")

	em.emit(NewToolCall("c1", "Bash", nil))
	em.emit(NewToolResult("c1", "ok"))
	events := drain(ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, EventToolResult, events[1].Type)
}

func TestEmitter_FinishClosesPendingInOrder(t *testing.T) {
	ch := make(chan Event, 8)
	em := newEmitter(ch, newTestLogger(t))

	em.emit(NewToolCall("a", "Read", nil))
	em.emit(NewToolCall("b", "Bash", nil))
	em.emit(NewToolResult("a", "done"))
	em.emit(NewToolCall("c", "Write", nil))
	drain(ch)

	em.finish(NewStatus(PhaseCancelled))
	events := drain(ch)

	require.Len(t, events, 3)
	assert.Equal(t, "b", events[0].CallID)
	assert.False(t, events[0].OK)
	assert.Equal(t, "c", events[1].CallID)
	assert.True(t, events[2].Terminal())
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	buf := newTailBuffer(10)
	_, _ = buf.Write([]byte("0123456789"))
	_, _ = buf.Write([]byte("abcde"))

	got := buf.String()
	assert.Equal(t, "56789abcde", got)
}

func TestGarbageTally_WarnsOnce(t *testing.T) {
	g := newGarbageTally(32)

	assert.False(t, g.add([]byte(strings.Repeat("x", 16))))
	assert.True(t, g.add([]byte(strings.Repeat("y", 32))), "crossing the limit warns")
	assert.False(t, g.add([]byte("more")), "warning fires only once")
	assert.Contains(t, g.sampleString(), "xxxx")
}
