// Package message persists the canonical event transcript per project. Every
// event the orchestrator broadcasts is appended here first, stamped with a
// per-project sequence number, so reconnecting clients can replay the exact
// stream they missed.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vrabby/vrabby/internal/agent"
)

// Role is the transcript author bucket a message renders under.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// RoleFor maps an event type to its transcript role.
func RoleFor(t agent.EventType) Role {
	switch t {
	case agent.EventUserText:
		return RoleUser
	case agent.EventToolResult:
		return RoleTool
	}
	return RoleAssistant
}

// Message is one persisted canonical event.
type Message struct {
	ID        string          `json:"id" db:"id"`
	ProjectID string          `json:"project_id" db:"project_id"`
	Seq       int64           `json:"seq" db:"seq"`
	RequestID string          `json:"request_id,omitempty" db:"request_id"`
	Role      Role            `json:"role" db:"role"`
	Kind      agent.EventType `json:"kind" db:"kind"`
	Body      json.RawMessage `json:"body" db:"body_json"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// FromEvent converts a stamped canonical event into its persisted form. The
// event must already carry Seq and RequestID.
func FromEvent(projectID string, ev agent.Event) (*Message, error) {
	body, err := json.Marshal(ev.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event body: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Seq:       ev.Seq,
		RequestID: ev.RequestID,
		Role:      RoleFor(ev.Type),
		Kind:      ev.Type,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Store persists and replays the per-project event transcript. Seq values
// within a project are unique and strictly increasing in append order.
type Store interface {
	// Append persists one message. Appending a duplicate (project_id, seq)
	// is an error.
	Append(ctx context.Context, msg *Message) error

	// ListAfter returns messages with seq > afterSeq in ascending seq order,
	// up to limit (0 means no limit).
	ListAfter(ctx context.Context, projectID string, afterSeq int64, limit int) ([]*Message, error)

	// ListTail returns the last n messages for a project in ascending seq
	// order.
	ListTail(ctx context.Context, projectID string, n int) ([]*Message, error)

	// ListByRequest returns every message stamped with the request id, in
	// ascending seq order.
	ListByRequest(ctx context.Context, projectID, requestID string) ([]*Message, error)

	// MaxSeq returns the highest seq persisted for a project, 0 when the
	// transcript is empty.
	MaxSeq(ctx context.Context, projectID string) (int64, error)
}
