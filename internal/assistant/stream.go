package assistant

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	maxThinkingPreviewChars = 500
	maxToolDetailChars      = 120
)

type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *streamMessage  `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Errors    json.RawMessage `json:"errors,omitempty"`
}

type streamMessage struct {
	Content []streamBlock `json:"content"`
}

type streamBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// streamParser turns Claude CLI stream-json lines into Events. Consecutive
// text blocks share a segment; a tool call after text closes it.
type streamParser struct {
	emit func(Event)

	segment   int
	segText   string
	sessionID string

	done      bool
	resultErr error
}

func newStreamParser(emit func(Event)) *streamParser {
	if emit == nil {
		emit = func(Event) {}
	}
	return &streamParser{emit: emit}
}

func (p *streamParser) handleLine(raw []byte) error {
	line := strings.TrimSpace(string(raw))
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}
	var sl streamLine
	if err := json.Unmarshal([]byte(line), &sl); err != nil {
		return fmt.Errorf("decode stream line: %w", err)
	}
	p.observeSession(sl.SessionID)

	switch sl.Type {
	case "assistant":
		if sl.Message == nil {
			return nil
		}
		for _, block := range sl.Message.Content {
			p.handleBlock(block)
		}
	case "result":
		p.handleResult(sl)
	}
	return nil
}

func (p *streamParser) observeSession(id string) {
	id = strings.TrimSpace(id)
	if id == "" || id == p.sessionID {
		return
	}
	p.sessionID = id
	p.emit(Event{Kind: EventSession, SessionID: id})
}

func (p *streamParser) handleBlock(block streamBlock) {
	switch block.Type {
	case "thinking":
		text := strings.TrimSpace(block.Thinking)
		if text == "" {
			return
		}
		p.emit(Event{Kind: EventThinking, Content: "💭 " + truncateRunes(text, maxThinkingPreviewChars)})
	case "tool_use":
		p.closeSegment()
		p.emit(Event{Kind: EventTool, Content: FormatToolStatus(block.Name, block.Input)})
	case "text":
		if block.Text == "" {
			return
		}
		if p.segText != "" {
			p.segText += "\n\n"
		}
		p.segText += block.Text
		p.emit(Event{Kind: EventText, Segment: p.segment, Content: p.segText})
	}
}

func (p *streamParser) closeSegment() {
	if strings.TrimSpace(p.segText) == "" {
		p.segText = ""
		return
	}
	p.emit(Event{Kind: EventSegmentEnd, Segment: p.segment, Content: p.segText})
	p.segment++
	p.segText = ""
}

func (p *streamParser) handleResult(sl streamLine) {
	if sl.IsError || (sl.Subtype != "" && sl.Subtype != "success") {
		msg := strings.TrimSpace(sl.Result)
		if msg == "" && len(sl.Errors) > 0 {
			msg = strings.TrimSpace(string(sl.Errors))
		}
		p.resultErr = &ResultError{Subtype: sl.Subtype, Message: msg}
		p.emit(Event{Kind: EventError, Content: p.resultErr.Error(), SessionID: p.sessionID})
		return
	}
	p.closeSegment()
	p.done = true
	p.emit(Event{Kind: EventDone, Content: sl.Result, SessionID: p.sessionID, Usage: sl.Usage})
}

// FormatToolStatus renders a one-line tool announcement such as
// "🔧 Bash: go test ./...".
func FormatToolStatus(name string, input map[string]any) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "tool"
	}
	detail := toolDetail(name, input)
	if detail == "" {
		return "🔧 " + name
	}
	return "🔧 " + name + ": " + truncateRunes(detail, maxToolDetailChars)
}

func toolDetail(name string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	preferred := map[string][]string{
		"Bash":      {"command", "description"},
		"Read":      {"file_path"},
		"Write":     {"file_path"},
		"Edit":      {"file_path"},
		"MultiEdit": {"file_path"},
		"Glob":      {"pattern"},
		"Grep":      {"pattern"},
		"WebFetch":  {"url"},
		"WebSearch": {"query"},
		"Task":      {"description"},
	}
	keys := preferred[name]
	if len(keys) == 0 {
		keys = make([]string, 0, len(input))
		for k := range input {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	for _, k := range keys {
		v, ok := input[k].(string)
		if !ok {
			continue
		}
		v = strings.Join(strings.Fields(v), " ")
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(r[:max-1]) + "…"
}
