package heartbeatutil

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/session"
)

const DefaultInterval = 30 * time.Minute

type TickOutcome int

const (
	TickSuppressed TickOutcome = iota
	TickContent
	TickSkipped
	TickFailed
)

func (o TickOutcome) String() string {
	switch o {
	case TickContent:
		return "content"
	case TickSkipped:
		return "skipped"
	case TickFailed:
		return "failed"
	default:
		return "suppressed"
	}
}

type TickResult struct {
	Outcome      TickOutcome
	SkipReason   string
	Reply        string
	Err          error
	AlertMessage string
}

// Runner is the slice of the session controller a heartbeat needs.
type Runner interface {
	IsActive() bool
	TryStartProcessing() (func(), bool)
	SendMessageStreaming(ctx context.Context, q session.Query) (string, error)
	ConsumeInterruptFlag() bool
}

type Options struct {
	Enabled  bool
	Interval time.Duration
	Prompt   string
	Runner   Runner
	Logger   *slog.Logger
}

// Scheduler fires a keep-alive query on a fixed interval. Ticks never wait
// for foreground work: a tick that finds the session busy or inactive is
// dropped.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	state  State

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		opts.Prompt = DefaultPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{opts: opts, logger: logger}
}

// Start launches the tick loop. It is a no-op when disabled or already
// started.
func (s *Scheduler) Start(ctx context.Context) bool {
	if !s.opts.Enabled || s.opts.Runner == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("heartbeat_started", "interval", s.opts.Interval.String())
	return true
}

// Stop halts the loop and waits for an in-flight tick to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("heartbeat_stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) Snapshot() Snapshot {
	return s.state.Snapshot()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one heartbeat now, subject to the same skip rules as a timed
// tick.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	res := s.tick(ctx)
	switch res.Outcome {
	case TickSkipped:
		s.logger.Debug("heartbeat_skipped", "reason", res.SkipReason)
	case TickSuppressed:
		s.logger.Debug("heartbeat_ok")
	case TickContent:
		s.logger.Info("heartbeat_content", "reply", res.Reply)
	case TickFailed:
		s.logger.Warn("heartbeat_error", "error", res.Err.Error())
		if res.AlertMessage != "" {
			s.logger.Error("heartbeat_alert", "message", res.AlertMessage)
		}
	}
	return res
}

func (s *Scheduler) tick(ctx context.Context) TickResult {
	r := s.opts.Runner
	if r == nil {
		return TickResult{Outcome: TickSkipped, SkipReason: "invalid_config"}
	}
	if !s.state.Start() {
		return TickResult{Outcome: TickSkipped, SkipReason: "already_running"}
	}
	if !r.IsActive() {
		s.state.EndSkipped()
		return TickResult{Outcome: TickSkipped, SkipReason: "session_inactive"}
	}
	release, ok := r.TryStartProcessing()
	if !ok {
		s.state.EndSkipped()
		return TickResult{Outcome: TickSkipped, SkipReason: "session_busy"}
	}
	defer release()

	reply, err := r.SendMessageStreaming(ctx, session.Query{
		Prompt:        s.opts.Prompt,
		ActorName:     "heartbeat",
		CorrelationID: "heartbeat:" + uuid.NewString(),
	})
	if err != nil {
		if errors.Is(err, session.ErrCancelled) || errors.Is(err, session.ErrBusy) {
			r.ConsumeInterruptFlag()
			s.state.EndSkipped()
			return TickResult{Outcome: TickSkipped, SkipReason: "preempted", Err: err}
		}
		alert, msg := s.state.EndFailure(err)
		res := TickResult{Outcome: TickFailed, Err: err}
		if alert {
			res.AlertMessage = msg
		}
		return res
	}
	s.state.EndSuccess(time.Now())
	reply = strings.TrimSpace(reply)
	if IsSuppressible(reply) {
		return TickResult{Outcome: TickSuppressed, Reply: reply}
	}
	return TickResult{Outcome: TickContent, Reply: reply}
}
