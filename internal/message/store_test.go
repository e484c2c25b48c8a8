package message

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/db"
)

func newSQLTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	dbConn, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	t.Cleanup(func() { _ = sqlxDB.Close() })

	store, err := NewSQLStore(db.NewPool(sqlxDB, sqlxDB))
	require.NoError(t, err)
	return store
}

// storeFactories lets every behavior test run against both implementations.
var storeFactories = map[string]func(t *testing.T) Store{
	"sql":    func(t *testing.T) Store { return newSQLTestStore(t) },
	"memory": func(t *testing.T) Store { return NewMemoryStore() },
}

func appendText(t *testing.T, s Store, projectID string, seq int64, requestID, text string) *Message {
	t.Helper()
	ev := agent.NewAssistantText(text, false)
	ev.RequestID = requestID
	ev.Seq = seq
	msg, err := FromEvent(projectID, ev)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), msg))
	return msg
}

func TestStoreAppendAndListAfter(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			for i := int64(1); i <= 5; i++ {
				appendText(t, store, "proj-1", i, "req-1", "hello")
			}
			appendText(t, store, "proj-2", 1, "req-x", "other project")

			msgs, err := store.ListAfter(ctx, "proj-1", 0, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 5)
			for i, msg := range msgs {
				assert.Equal(t, int64(i+1), msg.Seq)
				assert.Equal(t, "proj-1", msg.ProjectID)
			}

			msgs, err = store.ListAfter(ctx, "proj-1", 3, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, int64(4), msgs[0].Seq)
			assert.Equal(t, int64(5), msgs[1].Seq)

			msgs, err = store.ListAfter(ctx, "proj-1", 0, 2)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, int64(1), msgs[0].Seq)
		})
	}
}

func TestStoreListTail(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			for i := int64(1); i <= 10; i++ {
				appendText(t, store, "proj-1", i, "req-1", "msg")
			}

			tail, err := store.ListTail(ctx, "proj-1", 3)
			require.NoError(t, err)
			require.Len(t, tail, 3)
			// Tail is returned oldest first so replay preserves order.
			assert.Equal(t, int64(8), tail[0].Seq)
			assert.Equal(t, int64(9), tail[1].Seq)
			assert.Equal(t, int64(10), tail[2].Seq)

			tail, err = store.ListTail(ctx, "proj-1", 100)
			require.NoError(t, err)
			assert.Len(t, tail, 10)

			tail, err = store.ListTail(ctx, "proj-1", 0)
			require.NoError(t, err)
			assert.Empty(t, tail)

			tail, err = store.ListTail(ctx, "missing", 5)
			require.NoError(t, err)
			assert.Empty(t, tail)
		})
	}
}

func TestStoreListByRequest(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			appendText(t, store, "proj-1", 1, "req-a", "first")
			appendText(t, store, "proj-1", 2, "req-b", "second")
			appendText(t, store, "proj-1", 3, "req-a", "third")

			msgs, err := store.ListByRequest(ctx, "proj-1", "req-a")
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, int64(1), msgs[0].Seq)
			assert.Equal(t, int64(3), msgs[1].Seq)

			msgs, err = store.ListByRequest(ctx, "proj-1", "req-none")
			require.NoError(t, err)
			assert.Empty(t, msgs)
		})
	}
}

func TestStoreMaxSeq(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			max, err := store.MaxSeq(ctx, "proj-1")
			require.NoError(t, err)
			assert.Equal(t, int64(0), max)

			appendText(t, store, "proj-1", 7, "req-1", "msg")
			max, err = store.MaxSeq(ctx, "proj-1")
			require.NoError(t, err)
			assert.Equal(t, int64(7), max)

			max, err = store.MaxSeq(ctx, "proj-2")
			require.NoError(t, err)
			assert.Equal(t, int64(0), max)
		})
	}
}

func TestStoreDuplicateSeqRejected(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)

			appendText(t, store, "proj-1", 1, "req-1", "first")

			ev := agent.NewAssistantText("dup", false)
			ev.Seq = 1
			msg, err := FromEvent("proj-1", ev)
			require.NoError(t, err)
			assert.Error(t, store.Append(context.Background(), msg))
		})
	}
}

func TestStoreRoundTripsBody(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			ev := agent.NewToolCall("call-1", "shell", map[string]interface{}{"command": "ls"})
			ev.RequestID = "req-1"
			ev.Seq = 1
			msg, err := FromEvent("proj-1", ev)
			require.NoError(t, err)
			require.NoError(t, store.Append(ctx, msg))

			msgs, err := store.ListAfter(ctx, "proj-1", 0, 0)
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			got := msgs[0]
			assert.Equal(t, msg.ID, got.ID)
			assert.Equal(t, agent.EventToolCall, got.Kind)
			assert.Equal(t, RoleAssistant, got.Role)

			var body agent.ToolCallBody
			require.NoError(t, json.Unmarshal(got.Body, &body))
			assert.Equal(t, "call-1", body.CallID)
			assert.Equal(t, "shell", body.Tool)
			assert.Equal(t, "ls", body.Arguments["command"])
		})
	}
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, RoleUser, RoleFor(agent.EventUserText))
	assert.Equal(t, RoleTool, RoleFor(agent.EventToolResult))
	assert.Equal(t, RoleAssistant, RoleFor(agent.EventAssistantText))
	assert.Equal(t, RoleAssistant, RoleFor(agent.EventStatus))
	assert.Equal(t, RoleAssistant, RoleFor(agent.EventError))
}

func TestFromEvent(t *testing.T) {
	ev := agent.NewUserText("build me an app")
	ev.RequestID = "req-9"
	ev.Seq = 42

	msg, err := FromEvent("proj-1", ev)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "proj-1", msg.ProjectID)
	assert.Equal(t, int64(42), msg.Seq)
	assert.Equal(t, "req-9", msg.RequestID)
	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, agent.EventUserText, msg.Kind)
	assert.False(t, msg.CreatedAt.IsZero())

	var body agent.UserTextBody
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "build me an app", body.Text)
}
