package wire

import "strings"

const (
	TypeContentDelta  = "content_delta"
	TypeThinkingDelta = "thinking_delta"
	TypeToolStart     = "tool_start"
	TypeToolDelta     = "tool_delta"
	TypeToolStop      = "tool_stop"
	TypeComplete      = "complete"
	TypeError         = "error"
)

// internalPrefix marks metadata frames the server emits for its own
// bookkeeping. Clients must not surface them.
const internalPrefix = "internal."

type Event struct {
	Type       string `json:"type"`
	MessageID  string `json:"message_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Message    string `json:"message,omitempty"`
}

func IsInternal(eventType string) bool {
	return strings.HasPrefix(eventType, internalPrefix)
}

type Validation struct {
	Valid  bool
	Errors []string
}

// ValidateEvent checks per-type required fields. Unrecognized types are
// always valid so older clients never reject events added later.
func ValidateEvent(ev Event) Validation {
	var errs []string
	switch ev.Type {
	case "":
		errs = append(errs, "event missing type")
	case TypeContentDelta, TypeThinkingDelta:
		if ev.MessageID == "" {
			errs = append(errs, ev.Type+" missing message_id")
		}
		if ev.Delta == "" {
			errs = append(errs, ev.Type+" missing delta")
		}
	case TypeToolStart:
		if ev.ToolCallID == "" {
			errs = append(errs, "tool_start missing tool_call_id")
		}
		if ev.ToolName == "" {
			errs = append(errs, "tool_start missing tool_name")
		}
	case TypeToolDelta, TypeToolStop:
		if ev.ToolCallID == "" {
			errs = append(errs, ev.Type+" missing tool_call_id")
		}
	}
	return Validation{Valid: len(errs) == 0, Errors: errs}
}
