// Package wire implements the line-oriented event-stream protocol: one
// optional "event:" line, one or more "data:" lines holding a JSON payload
// with a required "type" field, terminated by a blank line.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

type LineKind int

const (
	LineEmpty LineKind = iota
	LineComment
	LineEvent
	LineData
	LineRetry
)

type Line struct {
	Kind  LineKind
	Value string
}

// ParseLine classifies a single raw line by prefix. Lines that match no
// known prefix are treated as literal data rather than rejected.
func ParseLine(line string) Line {
	line = strings.TrimSuffix(line, "\r")
	switch {
	case line == "":
		return Line{Kind: LineEmpty}
	case strings.HasPrefix(line, ":"):
		return Line{Kind: LineComment, Value: strings.TrimPrefix(line, ":")}
	case strings.HasPrefix(line, "event:"):
		return Line{Kind: LineEvent, Value: strings.TrimSpace(strings.TrimPrefix(line, "event:"))}
	case strings.HasPrefix(line, "data:"):
		return Line{Kind: LineData, Value: strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")}
	case strings.HasPrefix(line, "retry:"):
		return Line{Kind: LineRetry, Value: strings.TrimSpace(strings.TrimPrefix(line, "retry:"))}
	default:
		return Line{Kind: LineData, Value: line}
	}
}

type ChunkResult struct {
	Events []Event
	Errors []string
}

// ParseChunk splits buf into blank-line-separated frames and decodes each
// frame's data payload. A malformed frame adds an error entry and never
// aborts the rest of the batch.
func ParseChunk(buf string) ChunkResult {
	var out ChunkResult
	var data []string
	flush := func() {
		if len(data) == 0 {
			return
		}
		payload := strings.Join(data, "\n")
		data = nil
		ev, err := decodePayload(payload)
		if err != nil {
			out.Errors = append(out.Errors, err.Error())
			return
		}
		out.Events = append(out.Events, ev)
	}
	for _, raw := range strings.Split(buf, "\n") {
		line := ParseLine(raw)
		switch line.Kind {
		case LineEmpty:
			flush()
		case LineData:
			data = append(data, line.Value)
		}
	}
	flush()
	return out
}

// Serialize renders one event as a wire frame, the inverse of ParseChunk
// for a single well-formed event.
func Serialize(ev Event, eventName string) string {
	b, err := json.Marshal(ev)
	if err != nil {
		// Event contains only plain string fields.
		panic(fmt.Sprintf("marshal event: %v", err))
	}
	var sb strings.Builder
	if eventName != "" {
		sb.WriteString("event: ")
		sb.WriteString(eventName)
		sb.WriteString("\n")
	}
	sb.WriteString("data: ")
	sb.Write(b)
	sb.WriteString("\n\n")
	return sb.String()
}

func decodePayload(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode frame %q: %v", truncate(payload), err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("frame %q missing type field", truncate(payload))
	}
	return ev, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
