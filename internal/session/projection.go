package session

import (
	"encoding/json"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/message"
)

// runProgress accumulates what a single run revealed before its terminal.
type runProgress struct {
	agent   agent.Kind
	model   string
	native  string
	sawText bool
}

// Project replays a transcript in seq order and returns the session state per
// agent kind. It is a pure function of the message list: replaying the full
// transcript reconstructs exactly the state the live orchestrator built,
// because both apply the same rule. A session advances only when a run
// reaches Status{complete}, and native_session_id is taken only from runs
// that also produced assistant text.
func Project(projectID string, msgs []*message.Message) map[agent.Kind]Session {
	runs := make(map[string]*runProgress)
	out := make(map[agent.Kind]Session)

	for _, msg := range msgs {
		switch msg.Kind {
		case agent.EventStatus:
			var body agent.StatusBody
			if err := json.Unmarshal(msg.Body, &body); err != nil {
				continue
			}
			switch body.Phase {
			case agent.PhaseStart:
				rp := &runProgress{agent: body.Agent}
				if m, ok := body.Meta["model"].(string); ok {
					rp.model = m
				}
				runs[msg.RequestID] = rp
			case agent.PhaseComplete:
				rp, ok := runs[msg.RequestID]
				if !ok {
					break
				}
				sess, exists := out[rp.agent]
				if !exists {
					sess = Session{ProjectID: projectID, Agent: rp.agent}
				}
				if rp.native != "" && rp.sawText {
					sess.NativeSessionID = rp.native
				}
				if rp.model != "" {
					sess.LastModel = rp.model
				}
				sess.Seq = msg.Seq
				sess.UpdatedAt = msg.CreatedAt
				out[rp.agent] = sess
				delete(runs, msg.RequestID)
			case agent.PhaseCancelled, agent.PhaseFailed:
				delete(runs, msg.RequestID)
			}

		case agent.EventSessionInfo:
			rp, ok := runs[msg.RequestID]
			if !ok {
				break
			}
			var body agent.SessionInfoBody
			if err := json.Unmarshal(msg.Body, &body); err != nil {
				continue
			}
			if body.NativeSessionID != "" {
				rp.native = body.NativeSessionID
			}

		case agent.EventAssistantText:
			if rp, ok := runs[msg.RequestID]; ok {
				rp.sawText = true
			}
		}
	}
	return out
}
