package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/audit"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/render"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/session"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramapi"
)

const helpText = `Send a message and Claude answers it in this chat.

A new message while Claude is still answering replaces the running query.
Start a message with ! to interrupt explicitly; a lone ! just stops.
Photos and documents are saved locally and passed to Claude; an album is sent as one request.

/new - start a fresh session
/stop - stop the running query
/status - show session state
/retry - send the last request again
/resume [session_id] - go back to a previous session`

func splitCommand(text string) (cmd string, rest string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	i := strings.IndexAny(text, " \n\t")
	if i == -1 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func normalizeSlashCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || !strings.HasPrefix(cmd, "/") {
		return ""
	}
	// Allow "/cmd@BotName" variants by stripping "@...".
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return strings.ToLower(cmd)
}

// handleCommand runs a bot command inline on the poll loop. It reports false
// for commands the bot does not own, which are passed to the assistant as
// ordinary text.
func (r *Runtime) handleCommand(ctx context.Context, msg *telegramapi.Message, from sender, cmd, args string) bool {
	s := r.d.Session
	chatID := from.ChatID
	switch cmd {
	case "/start", "/help":
		r.reply(ctx, chatID, helpText)
	case "/new":
		r.seq.Add(1)
		if s.IsRunning() {
			s.MarkInterrupt()
			stopCtx, cancel := context.WithTimeout(ctx, r.opts.StopWait)
			if s.Stop(stopCtx) == session.StopNoop {
				s.ClearInterruptFlag()
			}
			cancel()
		}
		prev := s.SessionID()
		s.Kill()
		if prev != "" {
			r.mu.Lock()
			r.prevSessionID = prev
			r.mu.Unlock()
		}
		r.reply(ctx, chatID, "🆕 Session cleared. The next message starts a new conversation.")
	case "/stop":
		r.seq.Add(1)
		if !s.IsRunning() {
			r.reply(ctx, chatID, "Nothing is running.")
			break
		}
		stopCtx, cancel := context.WithTimeout(ctx, r.opts.StopWait)
		res := s.Stop(stopCtx)
		cancel()
		r.logger.Info("telegram_stop_command", "chat_id", chatID, "result", res.String())
		if res == session.StopNoop {
			r.reply(ctx, chatID, "Nothing is running.")
		}
	case "/status":
		r.reply(ctx, chatID, r.statusText())
	case "/retry":
		r.mu.Lock()
		var last *job
		if r.lastJob != nil {
			cp := *r.lastJob
			last = &cp
		}
		r.mu.Unlock()
		if last == nil {
			r.reply(ctx, chatID, "Nothing to retry.")
			break
		}
		last.ChatID = chatID
		last.MessageID = msg.MessageID
		last.UserID = from.UserID
		last.Username = from.Username
		last.CorrelationID = ""
		r.submit(ctx, *last)
	case "/resume":
		r.resume(ctx, chatID, strings.TrimSpace(args))
	default:
		return false
	}
	r.logger.Info("telegram_command", "chat_id", chatID, "user_id", from.UserID, "command", cmd)
	r.emitAudit(ctx, audit.Event{
		Kind:     audit.KindCommand,
		UserID:   from.UserID,
		Username: from.Username,
		ChatID:   chatID,
		Prompt:   strings.TrimSpace(cmd + " " + args),
		Outcome:  audit.OutcomeOK,
	})
	return true
}

func (r *Runtime) resume(ctx context.Context, chatID int64, id string) {
	s := r.d.Session
	if id == "" {
		r.mu.Lock()
		id = r.prevSessionID
		r.mu.Unlock()
	}
	if id == "" {
		if cur := s.SessionID(); cur != "" {
			r.reply(ctx, chatID, "Already on session "+cur+".")
		} else {
			r.reply(ctx, chatID, "No previous session to resume.")
		}
		return
	}
	cur := s.SessionID()
	if err := s.Resume(id); err != nil {
		if errors.Is(err, session.ErrBusy) {
			r.reply(ctx, chatID, "⏳ A query is running. Send /stop first.")
			return
		}
		r.reply(ctx, chatID, "❌ Error: "+err.Error())
		return
	}
	if cur != "" && cur != id {
		r.mu.Lock()
		r.prevSessionID = cur
		r.mu.Unlock()
	}
	r.reply(ctx, chatID, "▶️ Resumed session "+id+".")
}

func (r *Runtime) statusText() string {
	st := r.d.Session.Status()
	now := r.d.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", st.State)
	if st.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", st.SessionID)
	} else {
		b.WriteString("Session: none\n")
	}
	if st.ConversationTitle != "" {
		fmt.Fprintf(&b, "Title: %s\n", st.ConversationTitle)
	}
	if !st.QueryStartedAt.IsZero() {
		fmt.Fprintf(&b, "Query running for %s\n", now.Sub(st.QueryStartedAt).Round(time.Second))
	}
	if st.LastMessage != "" {
		fmt.Fprintf(&b, "Last message: %s\n", render.Truncate(st.LastMessage, 100))
	}
	if !st.LastActivity.IsZero() {
		fmt.Fprintf(&b, "Last activity: %s ago\n", now.Sub(st.LastActivity).Round(time.Second))
	}
	if st.LastUsage != nil {
		fmt.Fprintf(&b, "Context: %d tokens in, %d out\n", st.LastUsage.ContextTokens(), st.LastUsage.OutputTokens)
	}
	if hb := r.d.Heartbeat; hb != nil && hb.Running() {
		snap := hb.Snapshot()
		switch {
		case snap.LastSuccess.IsZero():
			b.WriteString("Heartbeat: no successful run yet\n")
		default:
			fmt.Fprintf(&b, "Heartbeat: last ok %s ago\n", now.Sub(snap.LastSuccess).Round(time.Second))
		}
		if snap.Failures > 0 {
			fmt.Fprintf(&b, "Heartbeat failures: %d (%s)\n", snap.Failures, snap.LastError)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
