package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/assistant"
)

const (
	DefaultQueryTimeout     = 180 * time.Second
	DefaultStopWait         = 5 * time.Second
	DefaultContextWindow    = 200000
	DefaultContextWarnRatio = 0.8

	// abandonGrace is how long a query whose context is done may take to
	// unwind before SendMessageStreaming returns without it. The query slot
	// stays held until the adapter returns.
	abandonGrace = 3 * time.Second
)

// State is the controller's position in Idle -> Running -> Stopping -> Idle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

type StopResult int

const (
	StopNoop StopResult = iota
	StopStopped
	StopPending
)

func (r StopResult) String() string {
	switch r {
	case StopStopped:
		return "stopped"
	case StopPending:
		return "pending"
	default:
		return "noop"
	}
}

type Options struct {
	Adapter          assistant.Adapter
	Store            Store
	Logger           *slog.Logger
	QueryTimeout     time.Duration
	StopWait         time.Duration
	ContextWindow    int
	ContextWarnRatio float64
	Now              func() time.Time
}

type Query struct {
	Prompt        string
	ActorName     string
	ActorID       int64
	CorrelationID string
	// OnEvent receives every adapter event in emission order. It runs on the
	// query's goroutine and must not call back into the Controller's
	// blocking operations.
	OnEvent func(context.Context, assistant.Event)
	// Transport is opaque caller context (a chat to reply into); nil for
	// background queries.
	Transport any
}

type Status struct {
	State             State
	SessionID         string
	ConversationTitle string
	LastMessage       string
	LastActivity      time.Time
	QueryStartedAt    time.Time
	CorrelationID     string
	LastUsage         *assistant.Usage
}

type activeQuery struct {
	cancel        context.CancelFunc
	done          chan struct{}
	stopping      bool
	correlationID string
	startedAt     time.Time
}

// Controller owns the single assistant session. All state transitions happen
// under mu; the adapter call itself runs outside the lock.
type Controller struct {
	adapter assistant.Adapter
	store   Store
	logger  *slog.Logger
	opts    Options

	mu             sync.Mutex
	sessionID      string
	title          string
	lastMessage    string
	lastActivity   time.Time
	lastUsage      *assistant.Usage
	holds          int
	query          *activeQuery
	stopRequested  bool
	interrupt      bool
	contextWarning string
	// generation is bumped by Kill; events from queries started under an
	// older generation no longer touch the session identity.
	generation  uint64
	unwindGrace time.Duration
}

func NewController(opts Options) (*Controller, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("session: adapter is required")
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.StopWait <= 0 {
		opts.StopWait = DefaultStopWait
	}
	if opts.ContextWindow < 0 {
		opts.ContextWindow = 0
	}
	if opts.ContextWarnRatio <= 0 || opts.ContextWarnRatio > 1 {
		opts.ContextWarnRatio = DefaultContextWarnRatio
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		adapter: opts.Adapter,
		store:   opts.Store,
		logger:      logger,
		opts:        opts,
		unwindGrace: abandonGrace,
	}, nil
}

// LoadFromStore adopts a persisted session id, if any.
func (c *Controller) LoadFromStore() (string, bool, error) {
	if c.store == nil {
		return "", false, nil
	}
	rec, ok, err := c.store.Load()
	if err != nil || !ok {
		return "", false, err
	}
	c.mu.Lock()
	c.sessionID = rec.SessionID
	if strings.TrimSpace(rec.Title) != "" {
		c.title = rec.Title
	}
	c.mu.Unlock()
	c.logger.Info("session_resumed", "session_id", rec.SessionID, "saved_at", rec.SavedAt.UTC().Format(time.RFC3339))
	return rec.SessionID, true, nil
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) IsActive() bool {
	return c.SessionID() != ""
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query != nil || c.holds > 0
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	switch {
	case c.query != nil && c.query.stopping:
		return StateStopping
	case c.query == nil && c.holds > 0 && c.stopRequested:
		return StateStopping
	case c.query != nil || c.holds > 0:
		return StateRunning
	default:
		return StateIdle
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:             c.stateLocked(),
		SessionID:         c.sessionID,
		ConversationTitle: c.title,
		LastMessage:       c.lastMessage,
		LastActivity:      c.lastActivity,
	}
	if c.query != nil {
		st.QueryStartedAt = c.query.startedAt
		st.CorrelationID = c.query.correlationID
	}
	if c.lastUsage != nil {
		u := *c.lastUsage
		st.LastUsage = &u
	}
	return st
}

func (c *Controller) SetConversationTitle(title string) {
	c.mu.Lock()
	c.title = strings.TrimSpace(title)
	c.mu.Unlock()
}

func (c *Controller) SetLastMessage(msg string) {
	c.mu.Lock()
	c.lastMessage = msg
	c.mu.Unlock()
}

// StartProcessing marks the session busy for a caller-scoped unit of work
// (downloads, a query, follow-up replies). The returned release is safe to
// call more than once and must be deferred.
func (c *Controller) StartProcessing() func() {
	c.mu.Lock()
	c.holds++
	c.mu.Unlock()
	return c.releaser()
}

// TryStartProcessing is StartProcessing that fails instead of overlapping
// other work.
func (c *Controller) TryStartProcessing() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holds > 0 || c.query != nil {
		return nil, false
	}
	c.holds++
	return c.releaser(), true
}

func (c *Controller) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.holds > 0 {
				c.holds--
			}
			if c.holds == 0 && c.query == nil {
				c.stopRequested = false
			}
		})
	}
}

func (c *Controller) MarkInterrupt() {
	c.mu.Lock()
	c.interrupt = true
	c.mu.Unlock()
}

func (c *Controller) ClearInterruptFlag() {
	c.mu.Lock()
	c.interrupt = false
	c.mu.Unlock()
}

// ConsumeInterruptFlag reports whether the last cancellation was an
// interrupt, and clears the flag.
func (c *Controller) ConsumeInterruptFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.interrupt
	c.interrupt = false
	return v
}

func (c *Controller) ClearStopRequested() {
	c.mu.Lock()
	c.stopRequested = false
	c.mu.Unlock()
}

func (c *Controller) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// ConsumeContextWarning returns the pending context warning once.
func (c *Controller) ConsumeContextWarning() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.contextWarning
	c.contextWarning = ""
	return w
}

// Stop cancels the running query and waits for the adapter to unwind. When
// only a processing scope is held, the stop is recorded and observed by the
// next SendMessageStreaming.
func (c *Controller) Stop(ctx context.Context) StopResult {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	aq := c.query
	if aq == nil {
		if c.holds == 0 {
			c.mu.Unlock()
			return StopNoop
		}
		c.stopRequested = true
		c.mu.Unlock()
		c.logger.Info("session_stop_pending", "reason", "processing")
		return StopPending
	}
	aq.stopping = true
	c.mu.Unlock()

	aq.cancel()
	timer := time.NewTimer(c.opts.StopWait)
	defer timer.Stop()
	select {
	case <-aq.done:
		c.logger.Info("session_stopped", "correlation_id", aq.correlationID)
		return StopStopped
	case <-ctx.Done():
	case <-timer.C:
	}
	c.logger.Warn("session_stop_pending", "reason", "adapter_unwinding", "correlation_id", aq.correlationID)
	return StopPending
}

// Kill drops the session identity so the next query starts a fresh
// assistant session.
func (c *Controller) Kill() {
	c.mu.Lock()
	old := c.sessionID
	c.sessionID = ""
	c.title = ""
	c.contextWarning = ""
	c.lastUsage = nil
	c.generation++
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Clear(); err != nil {
			c.logger.Warn("session_store_clear_error", "error", err.Error())
		}
	}
	c.logger.Info("session_killed", "previous_session_id", old)
}

// SendMessageStreaming runs one query. It returns the assistant's final
// answer, or a *QueryError classified as ProcessCrash, Cancelled, Timeout or
// Unknown. A call while another query is in flight fails with ErrBusy.
func (c *Controller) SendMessageStreaming(ctx context.Context, q Query) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := c.opts.Now()

	c.mu.Lock()
	if c.query != nil {
		c.mu.Unlock()
		return "", ErrBusy
	}
	if c.stopRequested {
		c.stopRequested = false
		c.mu.Unlock()
		c.logger.Info("session_query_cancelled_before_start", "correlation_id", q.CorrelationID)
		return "", &QueryError{Kind: KindCancelled, Err: context.Canceled}
	}
	runCtx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	aq := &activeQuery{
		cancel:        cancel,
		done:          make(chan struct{}),
		correlationID: q.CorrelationID,
		startedAt:     now,
	}
	c.query = aq
	c.lastActivity = now
	sessionID := c.sessionID
	gen := c.generation
	c.mu.Unlock()
	defer cancel()

	c.logger.Info("session_query_start",
		"correlation_id", q.CorrelationID,
		"actor", q.ActorName,
		"actor_id", q.ActorID,
		"resume", sessionID != "",
		"prompt_len", len(q.Prompt),
	)

	sink := &eventSink{c: c, ctx: runCtx, gen: gen, onEvent: q.OnEvent}
	errc := make(chan error, 1)
	go func() {
		errc <- c.adapter.Query(runCtx, assistant.Request{Prompt: q.Prompt, SessionID: sessionID}, sink.emit)
	}()

	var err error
	abandoned := false
	select {
	case err = <-errc:
	case <-runCtx.Done():
		timer := time.NewTimer(c.unwindGrace)
		select {
		case err = <-errc:
		case <-timer.C:
			err = runCtx.Err()
			abandoned = true
		}
		timer.Stop()
	}
	sink.close()
	if abandoned {
		c.mu.Lock()
		aq.stopping = true
		c.mu.Unlock()
		c.logger.Warn("session_query_abandoned", "correlation_id", q.CorrelationID)
		go func() {
			<-errc
			c.logger.Info("session_query_unwound", "correlation_id", q.CorrelationID)
			c.finishQuery(aq)
		}()
	} else {
		c.finishQuery(aq)
	}

	elapsed := c.opts.Now().Sub(now)
	if err == nil && runCtx.Err() != nil && !sink.done {
		err = runCtx.Err()
	}
	if err != nil {
		qe := c.classify(ctx, runCtx, err)
		c.logger.Warn("session_query_error",
			"correlation_id", q.CorrelationID,
			"kind", qe.Kind.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err.Error(),
		)
		return "", qe
	}

	text := sink.finalText()
	c.logger.Info("session_query_done",
		"correlation_id", q.CorrelationID,
		"duration_ms", elapsed.Milliseconds(),
		"answer_len", len(text),
	)
	return text, nil
}

// finishQuery frees the query slot once the adapter has returned.
func (c *Controller) finishQuery(aq *activeQuery) {
	c.mu.Lock()
	if c.query == aq {
		c.query = nil
	}
	c.mu.Unlock()
	close(aq.done)
}

func (c *Controller) classify(parent, runCtx context.Context, err error) *QueryError {
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return &QueryError{Kind: KindTimeout, Err: err}
	case runCtx.Err() != nil:
		return &QueryError{Kind: KindCancelled, Err: err}
	case errors.Is(err, assistant.ErrProcessExited):
		return &QueryError{Kind: KindProcessCrash, Err: err}
	default:
		return &QueryError{Kind: KindUnknown, Err: err}
	}
}

// Resume points the controller at an existing assistant session. It fails
// with ErrBusy while work is in progress.
func (c *Controller) Resume(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session: empty session id")
	}
	c.mu.Lock()
	if c.query != nil || c.holds > 0 {
		c.mu.Unlock()
		return ErrBusy
	}
	c.contextWarning = ""
	c.lastUsage = nil
	gen := c.generation
	c.mu.Unlock()
	c.adoptSession(id, gen)
	return nil
}

func (c *Controller) adoptSession(id string, gen uint64) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Info("session_adopt_stale", "session_id", id)
		return
	}
	if id == c.sessionID {
		c.mu.Unlock()
		return
	}
	c.sessionID = id
	rec := Record{SessionID: id, Title: c.title, SavedAt: c.opts.Now().UTC()}
	c.mu.Unlock()

	c.logger.Info("session_adopted", "session_id", id)
	if c.store != nil {
		if err := c.store.Save(rec); err != nil {
			c.logger.Warn("session_store_save_error", "error", err.Error())
		}
	}
}

func (c *Controller) recordUsage(u *assistant.Usage, gen uint64) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	cp := *u
	c.lastUsage = &cp
	window := c.opts.ContextWindow
	if window <= 0 {
		return
	}
	used := u.ContextTokens()
	if float64(used) < c.opts.ContextWarnRatio*float64(window) {
		return
	}
	pct := used * 100 / window
	c.contextWarning = fmt.Sprintf("⚠️ Context is %d%% full (%d/%d tokens). Send /new to start a fresh session.", pct, used, window)
}

// eventSink forwards adapter events to the caller and records what the
// controller needs from them. Events arriving after close are dropped.
type eventSink struct {
	c       *Controller
	ctx     context.Context
	gen     uint64
	onEvent func(context.Context, assistant.Event)

	mu       sync.Mutex
	closed   bool
	done     bool
	doneText string
	segments []string
}

func (s *eventSink) emit(ev assistant.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch ev.Kind {
	case assistant.EventSession:
		s.c.adoptSession(ev.SessionID, s.gen)
	case assistant.EventSegmentEnd:
		s.segments = append(s.segments, ev.Content)
	case assistant.EventDone:
		s.done = true
		s.doneText = ev.Content
		s.c.adoptSession(ev.SessionID, s.gen)
		s.c.recordUsage(ev.Usage, s.gen)
	}
	if s.onEvent != nil {
		s.onEvent(s.ctx, ev)
	}
}

func (s *eventSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *eventSink) finalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(s.doneText) != "" {
		return s.doneText
	}
	return strings.Join(s.segments, "\n\n")
}
