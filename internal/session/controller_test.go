package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/assistant"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type adapterFunc func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error

func (f adapterFunc) Query(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
	return f(ctx, req, emit)
}

type memStore struct {
	mu      sync.Mutex
	rec     Record
	ok      bool
	saves   int
	cleared int
}

func (s *memStore) Load() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, s.ok, nil
}

func (s *memStore) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec, s.ok = rec, true
	s.saves++
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec, s.ok = Record{}, false
	s.cleared++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, a assistant.Adapter, mutate func(*Options)) *Controller {
	t.Helper()
	opts := Options{Adapter: a, Logger: quietLogger(), StopWait: 2 * time.Second}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewController(opts)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c
}

func answer(session, text string) adapterFunc {
	return func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		emit(assistant.Event{Kind: assistant.EventSession, SessionID: session})
		emit(assistant.Event{Kind: assistant.EventText, Content: text})
		emit(assistant.Event{Kind: assistant.EventSegmentEnd, Content: text})
		emit(assistant.Event{Kind: assistant.EventDone, Content: text, SessionID: session})
		return nil
	}
}

// blocking returns an adapter that announces itself on started and then
// waits for cancellation.
func blocking(started chan<- struct{}) adapterFunc {
	return func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		emit(assistant.Event{Kind: assistant.EventSession, SessionID: "sess-block"})
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestSendMessageStreamingSuccess(t *testing.T) {
	store := &memStore{}
	var seen []assistant.EventKind
	c := newTestController(t, answer("sess-1", "hello"), func(o *Options) { o.Store = store })

	got, err := c.SendMessageStreaming(context.Background(), Query{
		Prompt:  "hi",
		OnEvent: func(_ context.Context, ev assistant.Event) { seen = append(seen, ev.Kind) },
	})
	if err != nil {
		t.Fatalf("SendMessageStreaming() error = %v", err)
	}
	if got != "hello" {
		t.Fatalf("answer = %q, want hello", got)
	}
	if c.SessionID() != "sess-1" || !c.IsActive() {
		t.Fatalf("session id = %q, want sess-1", c.SessionID())
	}
	if store.rec.SessionID != "sess-1" || store.saves != 1 {
		t.Fatalf("store = %#v saves=%d, want persisted once", store.rec, store.saves)
	}
	if len(seen) != 4 || seen[3] != assistant.EventDone {
		t.Fatalf("OnEvent saw %v", seen)
	}
	if c.IsRunning() || c.State() != StateIdle {
		t.Fatalf("controller still running after success")
	}
}

func TestSendMessageStreamingPassesSessionForResume(t *testing.T) {
	var gotSession string
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		gotSession = req.SessionID
		emit(assistant.Event{Kind: assistant.EventDone, Content: "ok", SessionID: "sess-9"})
		return nil
	}), func(o *Options) {
		o.Store = &memStore{rec: Record{SessionID: "sess-9", Title: "old"}, ok: true}
	})
	if id, ok, err := c.LoadFromStore(); err != nil || !ok || id != "sess-9" {
		t.Fatalf("LoadFromStore() = %q, %v, %v", id, ok, err)
	}
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "again"}); err != nil {
		t.Fatalf("SendMessageStreaming() error = %v", err)
	}
	if gotSession != "sess-9" {
		t.Fatalf("adapter session = %q, want sess-9", gotSession)
	}
}

func TestFinalTextFallsBackToSegments(t *testing.T) {
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		emit(assistant.Event{Kind: assistant.EventSegmentEnd, Content: "one"})
		emit(assistant.Event{Kind: assistant.EventSegmentEnd, Segment: 1, Content: "two"})
		emit(assistant.Event{Kind: assistant.EventDone})
		return nil
	}), nil)
	got, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "x"})
	if err != nil {
		t.Fatalf("SendMessageStreaming() error = %v", err)
	}
	if got != "one\n\ntwo" {
		t.Fatalf("answer = %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
		is   error
	}{
		{"crash", fmt.Errorf("%w: exit status 1", assistant.ErrProcessExited), KindProcessCrash, ErrProcessCrash},
		{"result", &assistant.ResultError{Subtype: "error_max_turns"}, KindUnknown, ErrUnknown},
		{"plain", errors.New("boom"), KindUnknown, ErrUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestController(t, adapterFunc(func(context.Context, assistant.Request, func(assistant.Event)) error {
				return tc.err
			}), nil)
			_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "x"})
			if KindOf(err) != tc.kind {
				t.Fatalf("KindOf(%v) = %v, want %v", err, KindOf(err), tc.kind)
			}
			if !errors.Is(err, tc.is) || !errors.Is(err, tc.err) {
				t.Fatalf("errors.Is chain broken for %v", err)
			}
			if c.IsRunning() {
				t.Fatalf("IsRunning() = true after error")
			}
		})
	}
}

func TestQueryTimeout(t *testing.T) {
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		<-ctx.Done()
		return ctx.Err()
	}), func(o *Options) { o.QueryTimeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "slow"})
	if KindOf(err) != KindTimeout || !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took %v", time.Since(start))
	}
	if c.IsRunning() {
		t.Fatalf("IsRunning() = true after timeout")
	}
}

// overlapCounter tracks how many adapter runs are live at once.
type overlapCounter struct {
	live  atomic.Int32
	max   atomic.Int32
	calls atomic.Int32
}

func (o *overlapCounter) enter() int32 {
	o.calls.Add(1)
	n := o.live.Add(1)
	for {
		m := o.max.Load()
		if n <= m || o.max.CompareAndSwap(m, n) {
			return n
		}
	}
}

func (o *overlapCounter) leave() { o.live.Add(-1) }

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatalf("controller still running after the adapter returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueryTimeoutAbandonsStuckAdapter(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	var runs overlapCounter
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		runs.enter()
		defer runs.leave()
		if req.Prompt != "stuck" {
			return nil
		}
		defer close(finished)
		<-release
		emit(assistant.Event{Kind: assistant.EventText, Content: "late"})
		return nil
	}), func(o *Options) { o.QueryTimeout = 20 * time.Millisecond })
	c.unwindGrace = 20 * time.Millisecond

	var lateEvents int
	_, err := c.SendMessageStreaming(context.Background(), Query{
		Prompt:  "stuck",
		OnEvent: func(context.Context, assistant.Event) { lateEvents++ },
	})
	if KindOf(err) != KindTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
	if !c.IsRunning() || c.State() != StateStopping {
		t.Fatalf("State() = %v, want stopping while the adapter unwinds", c.State())
	}
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "next"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("query during unwind error = %v, want ErrBusy", err)
	}
	if _, ok := c.TryStartProcessing(); ok {
		t.Fatalf("TryStartProcessing() succeeded while the adapter unwinds")
	}

	close(release)
	<-finished
	waitIdle(t, c)
	if lateEvents != 0 {
		t.Fatalf("events after abandonment were delivered: %d", lateEvents)
	}
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "next"}); err != nil {
		t.Fatalf("query after unwind error = %v", err)
	}
	if got := runs.max.Load(); got != 1 {
		t.Fatalf("max concurrent adapter runs = %d, want 1", got)
	}
	if got := runs.calls.Load(); got != 2 {
		t.Fatalf("adapter calls = %d, want 2", got)
	}
}

func TestAdapterRunsNeverOverlapAfterPendingStop(t *testing.T) {
	started := make(chan struct{})
	unwind := make(chan struct{})
	var runs overlapCounter
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		runs.enter()
		defer runs.leave()
		if req.Prompt != "first" {
			emit(assistant.Event{Kind: assistant.EventDone, Content: "ok"})
			return nil
		}
		close(started)
		<-ctx.Done()
		<-unwind
		return ctx.Err()
	}), func(o *Options) { o.StopWait = 20 * time.Millisecond })
	c.unwindGrace = 20 * time.Millisecond

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "first"})
		errc <- err
	}()
	<-started
	if res := c.Stop(context.Background()); res != StopPending {
		t.Fatalf("Stop() = %v, want pending", res)
	}
	if err := <-errc; KindOf(err) != KindCancelled {
		t.Fatalf("first query error = %v, want cancelled", err)
	}
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "second"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second query error = %v, want ErrBusy", err)
	}

	close(unwind)
	waitIdle(t, c)
	text, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "second"})
	if err != nil || text != "ok" {
		t.Fatalf("second query = %q, %v; want ok", text, err)
	}
	if got := runs.max.Load(); got != 1 {
		t.Fatalf("max concurrent adapter runs = %d, want 1", got)
	}
}

func TestBusyWhileRunning(t *testing.T) {
	started := make(chan struct{})
	c := newTestController(t, blocking(started), nil)
	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "a"})
		errc <- err
	}()
	<-started
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "b"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("second query error = %v, want ErrBusy", err)
	}
	if res := c.Stop(context.Background()); res != StopStopped {
		t.Fatalf("Stop() = %v, want stopped", res)
	}
	if err := <-errc; KindOf(err) != KindCancelled {
		t.Fatalf("first query error = %v, want cancelled", err)
	}
}

func TestStopNoop(t *testing.T) {
	c := newTestController(t, answer("s", "x"), nil)
	if res := c.Stop(context.Background()); res != StopNoop {
		t.Fatalf("Stop() = %v, want noop", res)
	}
	if c.StopRequested() {
		t.Fatalf("noop stop must not leave a pending request")
	}
}

func TestStopStoppedWaitsForAdapter(t *testing.T) {
	started := make(chan struct{})
	c := newTestController(t, blocking(started), nil)
	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "a"})
		errc <- err
	}()
	<-started
	if c.State() != StateRunning {
		t.Fatalf("State() = %v, want running", c.State())
	}
	if res := c.Stop(context.Background()); res != StopStopped {
		t.Fatalf("Stop() = %v, want stopped", res)
	}
	if c.IsRunning() {
		t.Fatalf("IsRunning() = true after Stop returned stopped")
	}
	err := <-errc
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("query error = %v, want cancelled", err)
	}
	if c.StopRequested() {
		t.Fatalf("a running query consumes its own stop")
	}
}

func TestStopPendingDuringProcessing(t *testing.T) {
	calls := 0
	c := newTestController(t, adapterFunc(func(context.Context, assistant.Request, func(assistant.Event)) error {
		calls++
		return nil
	}), nil)

	release := c.StartProcessing()
	defer release()
	if !c.IsRunning() {
		t.Fatalf("IsRunning() = false inside processing scope")
	}
	if res := c.Stop(context.Background()); res != StopPending {
		t.Fatalf("Stop() = %v, want pending", res)
	}
	if c.State() != StateStopping {
		t.Fatalf("State() = %v, want stopping", c.State())
	}
	_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "after stop"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("query error = %v, want cancelled before start", err)
	}
	if calls != 0 {
		t.Fatalf("adapter calls = %d, want 0", calls)
	}
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "next"}); err != nil {
		t.Fatalf("stop request should be consumed once, got %v", err)
	}
}

func TestStopPendingClearedWithLastHold(t *testing.T) {
	c := newTestController(t, answer("s", "x"), nil)
	release := c.StartProcessing()
	c.Stop(context.Background())
	release()
	release()
	if c.StopRequested() || c.IsRunning() {
		t.Fatalf("releasing the last hold should reset the controller")
	}
}

func TestStopPendingWhenAdapterIgnoresCancel(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		close(started)
		<-unblock
		return nil
	}), func(o *Options) { o.StopWait = 20 * time.Millisecond })

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "a"})
		errc <- err
	}()
	<-started
	if res := c.Stop(context.Background()); res != StopPending {
		t.Fatalf("Stop() = %v, want pending", res)
	}
	close(unblock)
	if err := <-errc; KindOf(err) != KindCancelled {
		t.Fatalf("query error = %v, want cancelled", err)
	}
}

func TestTryStartProcessing(t *testing.T) {
	c := newTestController(t, answer("s", "x"), nil)
	release, ok := c.TryStartProcessing()
	if !ok {
		t.Fatalf("TryStartProcessing() on idle controller failed")
	}
	if _, ok := c.TryStartProcessing(); ok {
		t.Fatalf("TryStartProcessing() should fail while held")
	}
	release()
	if c.IsRunning() {
		t.Fatalf("IsRunning() = true after release")
	}
}

func TestInterruptFlag(t *testing.T) {
	c := newTestController(t, answer("s", "x"), nil)
	if c.ConsumeInterruptFlag() {
		t.Fatalf("fresh controller has interrupt flag set")
	}
	c.MarkInterrupt()
	if !c.ConsumeInterruptFlag() {
		t.Fatalf("ConsumeInterruptFlag() = false after MarkInterrupt")
	}
	if c.ConsumeInterruptFlag() {
		t.Fatalf("interrupt flag should be consumed once")
	}
	c.MarkInterrupt()
	c.ClearInterruptFlag()
	if c.ConsumeInterruptFlag() {
		t.Fatalf("ClearInterruptFlag() did not clear")
	}
}

func TestKillClearsSession(t *testing.T) {
	store := &memStore{}
	c := newTestController(t, answer("sess-k", "x"), func(o *Options) { o.Store = store })
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "x"}); err != nil {
		t.Fatalf("SendMessageStreaming() error = %v", err)
	}
	c.Kill()
	if c.IsActive() {
		t.Fatalf("IsActive() = true after Kill")
	}
	if store.ok || store.cleared != 1 {
		t.Fatalf("store not cleared: %#v", store)
	}
}

func TestKillIgnoresSessionFromUnwindingQuery(t *testing.T) {
	store := &memStore{}
	started := make(chan struct{})
	emitLate := make(chan struct{})
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		emit(assistant.Event{Kind: assistant.EventSession, SessionID: "old"})
		close(started)
		<-ctx.Done()
		<-emitLate
		emit(assistant.Event{Kind: assistant.EventDone, SessionID: "old", Usage: &assistant.Usage{InputTokens: 190000}})
		return ctx.Err()
	}), func(o *Options) {
		o.Store = store
		o.StopWait = 20 * time.Millisecond
	})

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "x"})
		errc <- err
	}()
	<-started
	if res := c.Stop(context.Background()); res != StopPending {
		t.Fatalf("Stop() = %v, want pending", res)
	}
	c.Kill()
	close(emitLate)
	<-errc
	waitIdle(t, c)

	if got := c.SessionID(); got != "" {
		t.Fatalf("SessionID() = %q after Kill, want empty", got)
	}
	if store.ok {
		t.Fatalf("store holds %q after Kill", store.rec.SessionID)
	}
	if w := c.ConsumeContextWarning(); w != "" {
		t.Fatalf("stale context warning after Kill: %q", w)
	}
}

func TestResume(t *testing.T) {
	store := &memStore{}
	c := newTestController(t, answer("sess-r", "x"), func(o *Options) { o.Store = store })
	if err := c.Resume("  "); err == nil {
		t.Fatalf("Resume(blank) error = nil")
	}
	release := c.StartProcessing()
	if err := c.Resume("sess-old"); !errors.Is(err, ErrBusy) {
		t.Fatalf("Resume() while processing error = %v, want ErrBusy", err)
	}
	release()
	if err := c.Resume("sess-old"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := c.SessionID(); got != "sess-old" {
		t.Fatalf("SessionID() = %q, want sess-old", got)
	}
	if store.rec.SessionID != "sess-old" {
		t.Fatalf("stored session = %q, want sess-old", store.rec.SessionID)
	}
}

func TestContextWarning(t *testing.T) {
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		emit(assistant.Event{Kind: assistant.EventDone, Content: "ok", Usage: &assistant.Usage{InputTokens: 100, CacheReadInputTokens: 750}})
		return nil
	}), func(o *Options) { o.ContextWindow = 1000 })
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "x"}); err != nil {
		t.Fatalf("SendMessageStreaming() error = %v", err)
	}
	w := c.ConsumeContextWarning()
	if !strings.Contains(w, "85%") || !strings.Contains(w, "/new") {
		t.Fatalf("warning = %q", w)
	}
	if c.ConsumeContextWarning() != "" {
		t.Fatalf("warning should be consumed once")
	}
	if st := c.Status(); st.LastUsage == nil || st.LastUsage.ContextTokens() != 850 {
		t.Fatalf("Status().LastUsage = %#v", st.LastUsage)
	}
}

func TestNoContextWarningBelowRatio(t *testing.T) {
	c := newTestController(t, adapterFunc(func(ctx context.Context, req assistant.Request, emit func(assistant.Event)) error {
		emit(assistant.Event{Kind: assistant.EventDone, Content: "ok", Usage: &assistant.Usage{InputTokens: 10}})
		return nil
	}), func(o *Options) { o.ContextWindow = 1000 })
	if _, err := c.SendMessageStreaming(context.Background(), Query{Prompt: "x"}); err != nil {
		t.Fatalf("SendMessageStreaming() error = %v", err)
	}
	if w := c.ConsumeContextWarning(); w != "" {
		t.Fatalf("warning = %q, want none", w)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.json")
	s := NewFileStore(path)
	if _, ok, err := s.Load(); err != nil || ok {
		t.Fatalf("Load() on missing file = %v, %v", ok, err)
	}
	if err := s.Save(Record{SessionID: "abc", Title: "t"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rec, ok, err := s.Load()
	if err != nil || !ok || rec.SessionID != "abc" {
		t.Fatalf("Load() = %#v, %v, %v", rec, ok, err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
	if _, ok, _ := s.Load(); ok {
		t.Fatalf("Load() after Clear found a record")
	}
}
