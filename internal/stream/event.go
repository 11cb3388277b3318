// Package stream understands the line protocol of the agent CLI: newline
// delimited JSON events on stdout (stream-json), or plain text lines for
// tools that do not speak it.
package stream

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// EventType represents the type of a stream-json event.
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
	EventError     EventType = "error"
)

// Usage is the token accounting reported by result events.
type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_input_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Event is a parsed stream-json line.
type Event struct {
	Type EventType
	// Text is the assistant or result text carried by the event.
	Text string
	// ToolAction describes a tool invocation, e.g. "Editing auth.go".
	ToolAction string
	// Error holds error details for error events.
	Error string
	// Usage is set on result events that report it.
	Usage *Usage
}

// Parse decodes one output line. ok is false when the line is not a JSON
// object with a type field.
func Parse(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Event{}, false
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Event{}, false
	}
	t, _ := raw["type"].(string)
	if t == "" {
		return Event{}, false
	}

	ev := Event{Type: EventType(t)}
	switch ev.Type {
	case EventAssistant, EventSystem, EventUser:
		ev.Text = messageText(raw)
		if ev.Type == EventAssistant {
			ev.ToolAction = extractToolAction(raw)
		}
	case EventResult:
		if result, ok := raw["result"].(string); ok {
			ev.Text = result
		}
		ev.Usage = extractUsage(raw)
	case EventError:
		if msg, ok := raw["error"].(string); ok {
			ev.Error = msg
		} else if msg, ok := raw["message"].(string); ok {
			ev.Error = msg
		}
	}
	return ev, true
}

// Text returns the human-readable text of a line: the assistant text for
// stream-json assistant events, nothing for other protocol events, and the
// line itself for plain text. JSON objects of other types are returned
// unchanged, so directives printed by plain-text tools survive.
func Text(line string) string {
	ev, ok := Parse(line)
	if !ok || !ev.Type.protocol() {
		return line
	}
	if ev.Type == EventAssistant {
		return ev.Text
	}
	return ""
}

func (t EventType) protocol() bool {
	switch t {
	case EventSystem, EventAssistant, EventUser, EventResult, EventError:
		return true
	}
	return false
}

// PlainText converts a captured multi-line output into readable text. When
// the output holds a result event its text is preferred, since it repeats
// the final assistant message.
func PlainText(output string) string {
	var parts []string
	var result string
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev, ok := Parse(line)
		if !ok || !ev.Type.protocol() {
			parts = append(parts, line)
			continue
		}
		switch ev.Type {
		case EventAssistant:
			if ev.Text != "" {
				parts = append(parts, ev.Text)
			}
		case EventResult:
			result = ev.Text
		case EventError:
			if ev.Error != "" {
				parts = append(parts, "error: "+ev.Error)
			}
		}
	}
	if result != "" && len(parts) == 0 {
		return result
	}
	return strings.Join(parts, "\n")
}

// UsageOf returns the last usage reported in an output, if any.
func UsageOf(output string) (Usage, bool) {
	var last *Usage
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, `"result"`) {
			continue
		}
		if ev, ok := Parse(line); ok && ev.Usage != nil {
			last = ev.Usage
		}
	}
	if last == nil {
		return Usage{}, false
	}
	return *last, true
}

func messageText(raw map[string]interface{}) string {
	if s, ok := raw["message"].(string); ok {
		return s
	}
	if s, ok := raw["content"].(string); ok {
		return s
	}
	msg, ok := raw["message"].(map[string]interface{})
	if !ok {
		return ""
	}
	if s, ok := msg["content"].(string); ok {
		return s
	}
	content, _ := msg["content"].([]interface{})
	var texts []string
	for _, item := range content {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if bt, _ := block["type"].(string); bt == "text" {
			if s, ok := block["text"].(string); ok && s != "" {
				texts = append(texts, s)
			}
		}
	}
	return strings.Join(texts, "\n")
}

func extractUsage(raw map[string]interface{}) *Usage {
	u, ok := raw["usage"].(map[string]interface{})
	if !ok {
		return nil
	}
	num := func(k string) int64 {
		if f, ok := u[k].(float64); ok {
			return int64(f)
		}
		return 0
	}
	return &Usage{
		InputTokens:     num("input_tokens"),
		OutputTokens:    num("output_tokens"),
		CacheReadTokens: num("cache_read_input_tokens"),
	}
}

// Tail returns the last n bytes of s, advanced to a rune boundary.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for i := 0; i < len(s) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return ""
}
