// Package audit records one line per handled request: who asked, what was
// answered, and how the query ended.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindMessage   Kind = "message"
	KindFiles     Kind = "files"
	KindCommand   Kind = "command"
	KindHeartbeat Kind = "heartbeat"
)

type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCrash       Outcome = "crash"
	OutcomeError       Outcome = "error"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeRejected    Outcome = "unauthorized"
)

const maxFieldChars = 4000

type Event struct {
	ID            string    `json:"id"`
	Time          time.Time `json:"time"`
	Kind          Kind      `json:"kind"`
	UserID        int64     `json:"user_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	Response      string    `json:"response,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	DurationMS    int64     `json:"duration_ms,omitempty"`
	Retried       bool      `json:"retried,omitempty"`
}

type Sink interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }
func (nopSink) Close() error                      { return nil }

func Nop() Sink { return nopSink{} }

type JSONLSink struct {
	w   *rotatingWriter
	now func() time.Time
}

func NewJSONLSink(path string, rotateMaxBytes int64) (*JSONLSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("missing audit path")
	}
	w, err := newRotatingWriter(path, rotateMaxBytes)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{w: w, now: time.Now}, nil
}

// Emit fills in ID and Time when unset and truncates long text fields.
func (s *JSONLSink) Emit(ctx context.Context, e Event) error {
	if s == nil || s.w == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = s.now().UTC()
	}
	e.Prompt = clip(e.Prompt)
	e.Response = clip(e.Response)
	e.Error = clip(e.Error)
	return s.w.appendJSON(e)
}

func (s *JSONLSink) Close() error {
	if s == nil || s.w == nil {
		return nil
	}
	return s.w.close()
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxFieldChars {
		return s
	}
	return string(r[:maxFieldChars]) + "…"
}
