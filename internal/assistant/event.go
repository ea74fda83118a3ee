package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type EventKind string

const (
	EventSession    EventKind = "session"
	EventThinking   EventKind = "thinking"
	EventTool       EventKind = "tool"
	EventText       EventKind = "text"
	EventSegmentEnd EventKind = "segment_end"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// Event is one item of a query's output stream. Text and SegmentEnd carry
// the full segment text so far, not a delta.
type Event struct {
	Kind      EventKind
	Segment   int
	Content   string
	SessionID string
	Usage     *Usage
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// ContextTokens approximates how much of the context window the last turn occupied.
func (u Usage) ContextTokens() int {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

type Request struct {
	Prompt    string
	SessionID string
}

// Adapter runs one query against the assistant and reports its output
// through emit, in order. Query must return once ctx is done.
type Adapter interface {
	Query(ctx context.Context, req Request, emit func(Event)) error
}

var ErrProcessExited = errors.New("assistant: process exited abnormally")

type ResultError struct {
	Subtype string
	Message string
}

func (e *ResultError) Error() string {
	if e == nil {
		return "assistant: result error"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = strings.TrimSpace(e.Subtype)
	}
	if msg == "" {
		return "assistant: result error"
	}
	return fmt.Sprintf("assistant: %s", msg)
}
