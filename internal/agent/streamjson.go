package agent

import (
	"encoding/json"
	"strings"
)

// streamJSONParser handles the claude-style stream-json format. The gemini
// and qwen CLIs speak the same record shapes, so all three share this parser.
//
// Records look like:
//
//	{"type":"system","subtype":"init","session_id":"..."}
//	{"type":"assistant","message":{"content":[{"type":"text",...},{"type":"tool_use",...}]}}
//	{"type":"user","message":{"content":[{"type":"tool_result",...}]}}
//	{"type":"result","subtype":"success","is_error":false,"result":"...","duration_ms":...}
type streamJSONParser struct {
	outcome     runOutcome
	sessionSeen bool
}

var _ lineParser = (*streamJSONParser)(nil)

func newStreamJSONParser() *streamJSONParser {
	return &streamJSONParser{}
}

type streamRecord struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`

	IsError       bool    `json:"is_error"`
	Result        string  `json:"result"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	NumTurns      int     `json:"num_turns"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`

	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (p *streamJSONParser) Parse(line []byte) ([]Event, bool) {
	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil || rec.Type == "" {
		return nil, false
	}
	switch rec.Type {
	case "system":
		if rec.Subtype == "init" && rec.SessionID != "" {
			p.sessionSeen = true
			return []Event{NewSessionInfo(rec.SessionID)}, true
		}
		return nil, true
	case "assistant":
		return assistantEvents(rec.Message), true
	case "user":
		return toolResultEvents(rec.Message), true
	case "result":
		return p.resultEvents(rec), true
	}
	// Recognized framing with an unknown type is acknowledged, not surfaced.
	return nil, true
}

func (p *streamJSONParser) resultEvents(rec streamRecord) []Event {
	p.outcome.resultSeen = true
	p.outcome.isError = rec.IsError || strings.HasPrefix(rec.Subtype, "error")
	p.outcome.message = rec.Result
	if p.outcome.isError && p.outcome.message == "" {
		p.outcome.message = strings.ReplaceAll(rec.Subtype, "_", " ")
	}
	p.outcome.meta = resultMeta(rec)

	var events []Event
	if rec.SessionID != "" && !p.sessionSeen {
		p.sessionSeen = true
		events = append(events, NewSessionInfo(rec.SessionID))
	}
	if !p.outcome.isError && rec.Result != "" {
		events = append(events, NewAssistantText(rec.Result, true))
	}
	return events
}

// Outcome summarizes the stream for terminal classification.
func (p *streamJSONParser) Outcome() runOutcome {
	return p.outcome
}

func assistantEvents(raw json.RawMessage) []Event {
	var msg streamMessage
	if len(raw) == 0 || json.Unmarshal(raw, &msg) != nil {
		return nil
	}
	var events []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, NewAssistantText(block.Text, false))
			}
		case "tool_use":
			if block.ID != "" {
				events = append(events, NewToolCall(block.ID, block.Name, block.Input))
			}
		}
	}
	return events
}

func toolResultEvents(raw json.RawMessage) []Event {
	var msg streamMessage
	if len(raw) == 0 || json.Unmarshal(raw, &msg) != nil {
		return nil
	}
	var events []Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}
		output := blockContentText(block.Content)
		if block.IsError {
			events = append(events, NewFailedToolResult(block.ToolUseID, output))
		} else {
			events = append(events, NewToolResult(block.ToolUseID, output))
		}
	}
	return events
}

// blockContentText flattens a tool_result content field, which is either a
// plain string or a list of text blocks.
func blockContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func resultMeta(rec streamRecord) map[string]interface{} {
	meta := make(map[string]interface{})
	if rec.DurationMS > 0 {
		meta["duration_ms"] = rec.DurationMS
	}
	if rec.DurationAPIMS > 0 {
		meta["duration_api_ms"] = rec.DurationAPIMS
	}
	if rec.TotalCostUSD > 0 {
		meta["total_cost_usd"] = rec.TotalCostUSD
	}
	if rec.NumTurns > 0 {
		meta["num_turns"] = rec.NumTurns
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
