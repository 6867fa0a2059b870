package runtime

import (
	"encoding/json"

	"github.com/steveyackey/bloom/internal/agent"
)

// Kind classifies normalized stream events. The CLIs emit heterogeneous
// JSON; every line is mapped into this closed set.
type Kind string

const (
	KindText       Kind = "text"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindResult     Kind = "result"
	KindError      Kind = "error"
	KindInit       Kind = "init"
	KindSession    Kind = "session"
	KindUnknown    Kind = "unknown"
)

// Event is the uniform internal event decoded from one CLI stream line.
type Event struct {
	Kind Kind

	// Text carries assistant text, delta text, or tool-result content.
	Text string

	// ToolName is set for tool_use events.
	ToolName string

	// CostUSD and DurationMS are set on result events when present.
	CostUSD     float64
	HasCost     bool
	DurationMS  float64
	HasDuration bool

	// Message carries the error message for error events.
	Message string

	// SessionID and Model are set on init/session events when present.
	SessionID string
	Model     string
}

// DecodeLine decodes one stdout line into zero or more normalized events
// plus any session id the line carried under the spec's configured field.
// Returns ok=false when the line is not JSON.
func DecodeLine(out agent.OutputSpec, line []byte) (events []Event, sessionID string, ok bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, "", false
	}

	sessionID = extractSessionID(out, m)

	typ, _ := m["type"].(string)
	switch typ {
	case "assistant", "message", "user":
		events = messageEvents(m)

	case "content_block_delta":
		if delta, ok := m["delta"].(map[string]interface{}); ok {
			if text, ok := delta["text"].(string); ok && text != "" {
				events = append(events, Event{Kind: KindText, Text: text})
			}
		}

	case "text":
		text, _ := m["text"].(string)
		if text == "" {
			text, _ = m["content"].(string)
		}
		events = append(events, Event{Kind: KindText, Text: text})

	case "tool_use", "tool_call":
		name, _ := m["name"].(string)
		if name == "" {
			name, _ = m["tool_name"].(string)
		}
		events = append(events, Event{Kind: KindToolUse, ToolName: name})

	case "tool_result", "tool_response":
		events = append(events, Event{Kind: KindToolResult, Text: contentText(m["content"])})

	case "result", "done", "complete", "finish":
		ev := Event{Kind: KindResult}
		if cost, ok := floatField(m, "total_cost_usd"); ok {
			ev.CostUSD, ev.HasCost = cost, true
		} else if cost, ok := floatField(m, "cost_usd"); ok {
			ev.CostUSD, ev.HasCost = cost, true
		}
		if dur, ok := floatField(m, "duration_ms"); ok {
			ev.DurationMS, ev.HasDuration = dur, true
		}
		events = append(events, ev)

	case "error":
		events = append(events, Event{Kind: KindError, Message: errorMessage(m)})

	case "system":
		subtype, _ := m["subtype"].(string)
		switch subtype {
		case "init":
			ev := Event{Kind: KindInit, SessionID: sessionID}
			ev.Model, _ = m["model"].(string)
			events = append(events, ev)
		case "hook_started", "hook_response":
			events = append(events, Event{Kind: KindUnknown})
		default:
			events = append(events, Event{Kind: KindUnknown})
		}

	case "session":
		events = append(events, Event{Kind: KindSession, SessionID: sessionID})

	default:
		events = append(events, Event{Kind: KindUnknown})
	}

	return events, sessionID, true
}

// messageEvents extracts text, tool_use, and tool_result blocks from an
// assistant/user message, which may nest them under message.content.
func messageEvents(m map[string]interface{}) []Event {
	content := m["content"]
	if msg, ok := m["message"].(map[string]interface{}); ok {
		content = msg["content"]
	}

	blocks, ok := content.([]interface{})
	if !ok {
		// Some CLIs put a bare string under content.
		if text, ok := content.(string); ok && text != "" {
			return []Event{{Kind: KindText, Text: text}}
		}
		return nil
	}

	var events []Event
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, _ := block["text"].(string); text != "" {
				events = append(events, Event{Kind: KindText, Text: text})
			}
		case "tool_use":
			name, _ := block["name"].(string)
			events = append(events, Event{Kind: KindToolUse, ToolName: name})
		case "tool_result":
			events = append(events, Event{Kind: KindToolResult, Text: contentText(block["content"])})
		}
	}
	return events
}

// extractSessionID reads the spec's configured session id field, trying the
// alternate name and the nested message object as fallbacks.
func extractSessionID(out agent.OutputSpec, m map[string]interface{}) string {
	for _, field := range []string{out.SessionIDField, out.SessionIDFieldAlt} {
		if field == "" {
			continue
		}
		if id, ok := m[field].(string); ok && id != "" {
			return id
		}
		if msg, ok := m["message"].(map[string]interface{}); ok {
			if id, ok := msg[field].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

// contentText flattens a tool-result content value, which may be a string
// or a list of text blocks.
func contentText(v interface{}) string {
	switch c := v.(type) {
	case string:
		return c
	case []interface{}:
		var out string
		for _, b := range c {
			if block, ok := b.(map[string]interface{}); ok {
				if text, ok := block["text"].(string); ok {
					out += text
				}
			}
		}
		return out
	}
	return ""
}

func errorMessage(m map[string]interface{}) string {
	if errObj, ok := m["error"].(map[string]interface{}); ok {
		if msg, ok := errObj["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if msg, ok := m["error"].(string); ok && msg != "" {
		return msg
	}
	if msg, ok := m["message"].(string); ok && msg != "" {
		return msg
	}
	if msg, ok := m["content"].(string); ok && msg != "" {
		return msg
	}
	return "unknown error"
}

func floatField(m map[string]interface{}, key string) (float64, bool) {
	f, ok := m[key].(float64)
	return f, ok
}
