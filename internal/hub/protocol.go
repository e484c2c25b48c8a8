// Package hub accepts persistent WebSocket connections, one per (client,
// project), replays transcript history, fans live canonical events out in seq
// order, and forwards submit/cancel commands into the project's orchestrator.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/vrabby/vrabby/internal/agent"
)

// maxFrameBytes caps a single inbound frame. Instructions are capped at
// 64 KiB separately; the larger frame limit leaves room for image metadata.
const maxFrameBytes = 512 * 1024

// maxInstructionBytes mirrors the orchestrator's submit cap so oversize
// instructions are rejected at the edge with a protocol error.
const maxInstructionBytes = 64 << 10

// Keepalive frames are literal text, not JSON: browser WebSocket clients
// cannot send protocol-level pings.
const (
	pingFrame = "ping"
	pongFrame = "pong"
)

// Inbound envelope types.
const (
	FrameSubmit           = "submit"
	FrameCancel           = "cancel"
	FrameSubscribeFromSeq = "subscribe_from_seq"
)

// FrameSubmitted acknowledges an accepted submit with the assigned request id.
// It is a hub-level reply, never persisted to the transcript.
const FrameSubmitted = "submitted"

// Close codes beyond the standard 1000.
const (
	CloseSlowConsumer   = 4001
	CloseUnauthorized   = 4002
	CloseProjectUnknown = 4003
)

// Envelope is the JSON frame exchanged with subscribers. Outbound frames
// mirror canonical event variants (assistant_text, tool_call, tool_result,
// session_info, status, error, user_text) with Data holding the variant body
// and Seq the transcript position. Inbound command frames use Type submit,
// cancel, or subscribe_from_seq; subscribe_from_seq carries its position in
// the top-level Seq field.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
}

// ParseData unmarshals the envelope payload into target.
func (e *Envelope) ParseData(target interface{}) error {
	if len(e.Data) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Data, target)
}

// NewEnvelope wraps a payload, marshalling it into Data.
func NewEnvelope(frameType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return env, nil
}

// EventEnvelope frames a stamped canonical event for the wire.
func EventEnvelope(ev agent.Event) (*Envelope, error) {
	data, err := json.Marshal(ev.Body())
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      string(ev.Type),
		Data:      data,
		RequestID: ev.RequestID,
		Seq:       ev.Seq,
	}, nil
}

// ErrorEnvelope frames a hub-level error reply for the originating client.
// These are not part of the transcript and carry no seq.
func ErrorEnvelope(requestID string, kind agent.ErrorKind, message string) *Envelope {
	data, _ := json.Marshal(agent.ErrorBody{Kind: kind, Message: message})
	return &Envelope{
		Type:      string(agent.EventError),
		Data:      data,
		RequestID: requestID,
	}
}

// SubmitPayload is the body of an inbound submit frame.
type SubmitPayload struct {
	Instruction     string                  `json:"instruction"`
	Agent           string                  `json:"agent,omitempty"`
	Model           string                  `json:"model,omitempty"`
	Images          []agent.ImageAttachment `json:"images,omitempty"`
	IsInitial       bool                    `json:"is_initial,omitempty"`
	DeadlineSeconds int                     `json:"deadline_seconds,omitempty"`
}

// Validate checks the payload against the workspace the run will execute in.
// Image paths must stay inside the workspace; absolute paths are accepted
// only when they resolve under it.
func (p *SubmitPayload) Validate(workspace string) error {
	if p.Instruction == "" {
		return errors.New("instruction must not be empty")
	}
	if len(p.Instruction) > maxInstructionBytes {
		return fmt.Errorf("instruction exceeds %d bytes", maxInstructionBytes)
	}
	for _, img := range p.Images {
		if err := validateImagePath(workspace, img.Path); err != nil {
			return err
		}
	}
	return nil
}

// CancelPayload is the body of an inbound cancel frame.
type CancelPayload struct {
	RequestID string `json:"request_id"`
}

func (p *CancelPayload) Validate() error {
	if p.RequestID == "" {
		return errors.New("request_id must not be empty")
	}
	return nil
}

// SubmittedPayload is the body of the submitted acknowledgement.
type SubmittedPayload struct {
	RequestID string `json:"request_id"`
}

func validateImagePath(workspace, path string) error {
	if path == "" {
		return errors.New("image path must not be empty")
	}
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(workspace, path)
		if err != nil || !filepath.IsLocal(rel) {
			return fmt.Errorf("image path %q is outside the project workspace", path)
		}
		return nil
	}
	if !filepath.IsLocal(path) {
		return fmt.Errorf("image path %q is outside the project workspace", path)
	}
	return nil
}
