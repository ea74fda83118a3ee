package assistant

import (
	"strings"
	"testing"
)

func collect(t *testing.T, lines ...string) ([]Event, *streamParser) {
	t.Helper()
	var events []Event
	p := newStreamParser(func(ev Event) { events = append(events, ev) })
	for _, line := range lines {
		if err := p.handleLine([]byte(line)); err != nil {
			t.Fatalf("handleLine(%q) error = %v", line, err)
		}
	}
	return events, p
}

func TestStreamParserSegmentsAroundToolCalls(t *testing.T) {
	events, p := collect(t,
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Looking."}]},"session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Let me check."}]},"session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Done."}]}}`,
		`{"type":"result","subtype":"success","result":"Done.","session_id":"sess-1","usage":{"input_tokens":10,"output_tokens":5}}`,
	)
	if !p.done {
		t.Fatalf("parser.done = false, want true")
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind))
	}
	want := "session,text,text,segment_end,tool,text,segment_end,done"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("event kinds = %s, want %s", got, want)
	}
	if events[2].Content != "Looking.\n\nLet me check." || events[2].Segment != 0 {
		t.Fatalf("second text event = %#v, want blocks of segment 0 joined by a blank line", events[2])
	}
	if events[3].Content != "Looking.\n\nLet me check." {
		t.Fatalf("segment_end content = %q", events[3].Content)
	}
	if events[4].Content != "🔧 Bash: ls -la" {
		t.Fatalf("tool event = %q", events[4].Content)
	}
	if events[5].Segment != 1 || events[6].Segment != 1 {
		t.Fatalf("post-tool text should open segment 1: %#v %#v", events[5], events[6])
	}
	done := events[7]
	if done.Content != "Done." || done.SessionID != "sess-1" || done.Usage == nil || done.Usage.InputTokens != 10 {
		t.Fatalf("done event = %#v", done)
	}
}

func TestStreamParserResultError(t *testing.T) {
	events, p := collect(t,
		`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}`,
	)
	if p.done {
		t.Fatalf("parser.done = true, want false")
	}
	if p.resultErr == nil || !strings.Contains(p.resultErr.Error(), "boom") {
		t.Fatalf("resultErr = %v, want boom", p.resultErr)
	}
	if len(events) != 1 || events[0].Kind != EventError {
		t.Fatalf("events = %#v, want a single error event", events)
	}
}

func TestStreamParserIgnoresNoise(t *testing.T) {
	events, _ := collect(t, "", "warning: something", `{"type":"assistant"}`)
	if len(events) != 0 {
		t.Fatalf("events = %#v, want none", events)
	}
	p := newStreamParser(nil)
	if err := p.handleLine([]byte(`{not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestFormatToolStatus(t *testing.T) {
	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"Read", map[string]any{"file_path": "/tmp/a.go"}, "🔧 Read: /tmp/a.go"},
		{"Bash", map[string]any{"command": "go   test\n./..."}, "🔧 Bash: go test ./..."},
		{"Custom", map[string]any{"b": "second", "a": "first"}, "🔧 Custom: first"},
		{"", nil, "🔧 tool"},
	}
	for _, tc := range cases {
		if got := FormatToolStatus(tc.name, tc.input); got != tc.want {
			t.Fatalf("FormatToolStatus(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
	long := FormatToolStatus("Bash", map[string]any{"command": strings.Repeat("x", 500)})
	if n := len([]rune(long)); n > len([]rune("🔧 Bash: "))+maxToolDetailChars {
		t.Fatalf("tool status length = %d, want truncated", n)
	}
}
