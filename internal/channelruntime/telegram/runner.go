package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/audit"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/outputfmt"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/render"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/session"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramapi"
)

const (
	noticeStopped  = "🛑 Query stopped."
	noticeTimeout  = "⏱ Query timed out."
	noticeRetrying = "⚠️ Assistant crashed, retrying…"
	noticeEmpty    = "(no response)"
	errorPrefix    = "❌ Error: "
)

// handleJob runs on the single runner goroutine.
func (r *Runtime) handleJob(ctx context.Context, j job) {
	s := r.d.Session
	release, err := r.acquire(ctx)
	if err != nil {
		return
	}
	defer release()

	// Flags left by work that finished before this job are stale. A newer
	// request bumps seq before it interrupts, so anything after the seq
	// check below is aimed at this job.
	s.ClearInterruptFlag()
	s.ClearStopRequested()
	if j.Seq != r.seq.Load() {
		r.logger.Info("telegram_task_superseded", "chat_id", j.ChatID, "correlation_id", j.CorrelationID)
		r.emitAudit(ctx, r.auditEvent(j, j.Prompt, audit.OutcomeSuperseded))
		return
	}

	stopTyping := startTypingTicker(ctx, r.d.API, j.ChatID, "typing", r.opts.TypingInterval)
	defer stopTyping()

	prompt := j.Prompt
	if len(j.Files) > 0 {
		files, err := r.downloadFiles(ctx, j.ChatID, j.Files)
		if err != nil {
			r.logger.Warn("telegram_download_error", "chat_id", j.ChatID, "correlation_id", j.CorrelationID, "error", err.Error())
			ev := r.auditEvent(j, j.Caption, audit.OutcomeError)
			ev.Error = err.Error()
			r.emitAudit(ctx, ev)
			if ctx.Err() == nil {
				r.reply(ctx, j.ChatID, errorPrefix+"could not download the file: "+outputfmt.FormatErrorForDisplay(err, r.opts.ErrorChars))
			}
			return
		}
		prompt = buildFilesPrompt(files, j.Caption)
	}
	r.runQuery(ctx, j, prompt)
}

// acquire takes the session for the runner, preempting a heartbeat that
// holds it.
func (r *Runtime) acquire(ctx context.Context) (func(), error) {
	s := r.d.Session
	var ticker *time.Ticker
	for {
		if release, ok := s.TryStartProcessing(); ok {
			if ticker != nil {
				ticker.Stop()
			}
			return release, nil
		}
		if ticker == nil {
			ticker = time.NewTicker(idlePoll)
			stopCtx, cancel := context.WithTimeout(ctx, r.opts.InterruptGrace)
			res := s.Stop(stopCtx)
			cancel()
			r.logger.Debug("telegram_preempt_background", "result", res.String())
		}
		select {
		case <-ctx.Done():
			ticker.Stop()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runtime) runQuery(ctx context.Context, j job, prompt string) {
	s := r.d.Session
	started := r.d.Now()
	s.SetLastMessage(prompt)
	if s.Status().ConversationTitle == "" {
		s.SetConversationTitle(conversationTitle(prompt))
	}
	r.logger.Info("telegram_query_start", "chat_id", j.ChatID, "correlation_id", j.CorrelationID, "kind", string(j.Kind))

	var (
		text    string
		err     error
		retried bool
		disp    *render.Dispatcher
	)
	for attempt := 1; ; attempt++ {
		disp = render.NewDispatcher(telegramapi.ChatTransport{API: r.d.API, ChatID: j.ChatID}, r.opts.Render)
		text, err = s.SendMessageStreaming(ctx, session.Query{
			Prompt:        prompt,
			ActorName:     j.Username,
			ActorID:       j.UserID,
			CorrelationID: j.CorrelationID,
			OnEvent:       disp.Handle,
			Transport:     j.ChatID,
		})
		if err == nil || attempt > 1 || !errors.Is(err, session.ErrProcessCrash) {
			break
		}
		r.logger.Warn("telegram_query_crash_retry", "chat_id", j.ChatID, "correlation_id", j.CorrelationID, "error", err.Error())
		disp.Discard(ctx)
		s.Kill()
		r.reply(ctx, j.ChatID, noticeRetrying)
		retried = true
	}

	ev := r.auditEvent(j, prompt, audit.OutcomeOK)
	ev.Retried = retried
	ev.DurationMS = r.d.Now().Sub(started).Milliseconds()
	if err != nil {
		ev.Error = err.Error()
	}

	switch {
	case err == nil:
		ev.Response = text
		if disp.Messages() == 0 {
			if strings.TrimSpace(text) == "" {
				text = noticeEmpty
			}
			r.reply(ctx, j.ChatID, text)
		}
		if warning := s.ConsumeContextWarning(); warning != "" {
			r.reply(ctx, j.ChatID, warning)
		}
	case errors.Is(err, session.ErrCancelled):
		// Interrupts and shutdown stay silent; an explicit stop is announced.
		if s.ConsumeInterruptFlag() {
			ev.Outcome = audit.OutcomeInterrupted
		} else {
			ev.Outcome = audit.OutcomeCancelled
			if ctx.Err() == nil {
				r.reply(ctx, j.ChatID, noticeStopped)
			}
		}
	case errors.Is(err, session.ErrTimeout):
		ev.Outcome = audit.OutcomeTimeout
		r.reply(ctx, j.ChatID, noticeTimeout)
	case errors.Is(err, session.ErrProcessCrash):
		ev.Outcome = audit.OutcomeCrash
		r.reply(ctx, j.ChatID, errorPrefix+outputfmt.FormatErrorForDisplay(err, r.opts.ErrorChars))
	default:
		ev.Outcome = audit.OutcomeError
		r.reply(ctx, j.ChatID, errorPrefix+outputfmt.FormatErrorForDisplay(err, r.opts.ErrorChars))
	}

	r.logger.Info("telegram_query_done",
		"chat_id", j.ChatID,
		"correlation_id", j.CorrelationID,
		"outcome", string(ev.Outcome),
		"retried", retried,
		"duration_ms", ev.DurationMS,
	)
	r.emitAudit(ctx, ev)
}

func (r *Runtime) auditEvent(j job, prompt string, outcome audit.Outcome) audit.Event {
	return audit.Event{
		Kind:          j.Kind,
		UserID:        j.UserID,
		Username:      j.Username,
		ChatID:        j.ChatID,
		CorrelationID: j.CorrelationID,
		Prompt:        prompt,
		Outcome:       outcome,
	}
}

func conversationTitle(prompt string) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return render.Truncate(line, 50)
}

func startTypingTicker(ctx context.Context, api BotAPI, chatID int64, action string, interval time.Duration) func() {
	if ctx == nil {
		ctx = context.Background()
	}
	if api == nil || chatID == 0 {
		return func() {}
	}
	if interval <= 0 {
		interval = 4 * time.Second
	}
	action = strings.TrimSpace(action)
	if action == "" {
		action = "typing"
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		_ = api.SendChatAction(ctx, chatID, action)
		for {
			select {
			case <-ticker.C:
				_ = api.SendChatAction(ctx, chatID, action)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
		ticker.Stop()
		<-exited
	}
}
