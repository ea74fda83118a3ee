package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/audit"
	runtimeworker "github.com/htoorannysaurus/claude-telegram-bot/internal/channelruntime/worker"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/heartbeatutil"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/mediagroup"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/ratelimit"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/render"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/session"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramapi"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramutil"
)

const (
	replyTimeout = 15 * time.Second
	jobQueueSize = 16
	idlePoll     = 50 * time.Millisecond
)

// BotAPI is the part of the Bot API the runtime talks to.
type BotAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegramapi.Update, int64, error)
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	GetFile(ctx context.Context, fileID string) (*telegramapi.File, error)
	DownloadFileTo(ctx context.Context, filePath, dstPath string, maxBytes int64) (int64, error)
}

// HeartbeatView exposes heartbeat health for /status.
type HeartbeatView interface {
	Running() bool
	Snapshot() heartbeatutil.Snapshot
}

type Dependencies struct {
	Logger    *slog.Logger
	API       BotAPI
	Session   *session.Controller
	Limiter   *ratelimit.Limiter
	Audit     audit.Sink
	Cache     telegramutil.Cache
	Heartbeat HeartbeatView
	Now       func() time.Time
}

type job struct {
	Kind          audit.Kind
	ChatID        int64
	MessageID     int64
	UserID        int64
	Username      string
	Prompt        string
	Files         []*telegramapi.Message
	Caption       string
	Seq           uint64
	CorrelationID string
	ReceivedAt    time.Time
}

type sender struct {
	ChatID   int64
	UserID   int64
	Username string
}

// Runtime drives one bot: it polls updates, admits them, and hands queries
// to a single runner so at most one assistant query is active at a time.
type Runtime struct {
	d      Dependencies
	opts   runtimeLoopOptions
	logger *slog.Logger

	allowed map[int64]bool
	jobs    chan job
	media   *mediagroup.Aggregator[*telegramapi.Message, sender]

	// seq is bumped by every foreground request; a queued job whose Seq is
	// behind it has been replaced.
	seq atomic.Uint64

	workersCtx context.Context

	mu            sync.Mutex
	lastJob       *job
	prevSessionID string
}

func New(d Dependencies, opts RunOptions) (*Runtime, error) {
	if d.API == nil {
		return nil, fmt.Errorf("telegram runtime: missing bot api")
	}
	if d.Session == nil {
		return nil, fmt.Errorf("telegram runtime: missing session controller")
	}
	lo := resolveRuntimeLoopOptionsFromRunOptions(opts)
	if len(lo.AllowedUserIDs) == 0 {
		return nil, fmt.Errorf("telegram runtime: telegram.allowed_user_ids is empty")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	lo.Render.Logger = logger
	lo.Render.Now = d.Now

	r := &Runtime{
		d:          d,
		opts:       lo,
		logger:     logger,
		allowed:    make(map[int64]bool, len(lo.AllowedUserIDs)),
		jobs:       make(chan job, jobQueueSize),
		workersCtx: context.Background(),
	}
	for _, id := range lo.AllowedUserIDs {
		r.allowed[id] = true
	}
	r.media = mediagroup.New(lo.MediaGroupTimeout, r.finalizeMediaGroup, logger)
	return r, nil
}

// Run polls until ctx is done, then waits for the runner to finish the
// current job.
func (r *Runtime) Run(ctx context.Context) error {
	workersCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := r.startRunner(workersCtx)

	logger := r.logger
	logger.Info("telegram_start",
		"allowed_users", len(r.opts.AllowedUserIDs),
		"poll_timeout", r.opts.PollTimeout.String(),
		"interrupt_grace", r.opts.InterruptGrace.String(),
		"file_cache_dir", r.d.Cache.Dir,
	)

	g, gctx := errgroup.WithContext(workersCtx)
	g.Go(func() error { return r.pollLoop(gctx) })
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	err := g.Wait()

	if n := r.media.Close(); n > 0 {
		logger.Info("telegram_media_groups_dropped", "groups", n)
	}
	cancel()
	<-done
	return err
}

func (r *Runtime) startRunner(ctx context.Context) <-chan struct{} {
	r.workersCtx = ctx
	return runtimeworker.Start(runtimeworker.StartOptions[job]{
		Ctx:    ctx,
		Jobs:   r.jobs,
		Handle: r.handleJob,
	})
}

func (r *Runtime) pollLoop(ctx context.Context) error {
	logger := r.logger
	var offset int64
	for {
		updates, nextOffset, err := r.d.API.GetUpdates(ctx, offset, r.opts.PollTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				logger.Info("telegram_stop", "reason", "context_canceled")
				return nil
			}
			if telegramapi.IsPollTimeout(err) {
				logger.Debug("telegram_get_updates_timeout", "error", err.Error())
			} else {
				logger.Warn("telegram_get_updates_error", "error", err.Error())
			}
			select {
			case <-ctx.Done():
				logger.Info("telegram_stop", "reason", "context_canceled")
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		offset = nextOffset
		for _, u := range updates {
			r.handleUpdate(ctx, u)
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if strings.TrimSpace(r.d.Cache.Dir) == "" {
		return
	}
	prune := func() {
		n, err := r.d.Cache.Prune(r.d.Now())
		if err != nil {
			r.logger.Warn("file_cache_cleanup_error", "error", err.Error())
			return
		}
		if n > 0 {
			r.logger.Info("file_cache_cleanup", "removed", n)
		}
	}
	prune()
	ticker := time.NewTicker(r.opts.FileCachePrune)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func (r *Runtime) handleUpdate(ctx context.Context, u telegramapi.Update) {
	msg := u.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.From == nil || msg.From.IsBot {
		return
	}
	from := sender{
		ChatID:   msg.Chat.ID,
		UserID:   msg.From.ID,
		Username: actorName(msg.From),
	}
	if !r.allowed[from.UserID] {
		r.logger.Warn("telegram_unauthorized_user", "chat_id", from.ChatID, "user_id", from.UserID, "username", from.Username)
		r.emitAudit(ctx, audit.Event{
			Kind:     audit.KindMessage,
			UserID:   from.UserID,
			Username: from.Username,
			ChatID:   from.ChatID,
			Prompt:   msg.Body(),
			Outcome:  audit.OutcomeRejected,
		})
		return
	}

	text := strings.TrimSpace(msg.Body())
	if msg.HasFile() {
		if groupID := strings.TrimSpace(msg.MediaGroupID); groupID != "" {
			key := fmt.Sprintf("%d:%s", from.ChatID, groupID)
			if !r.media.Add(key, msg, from) {
				r.logger.Debug("telegram_media_group_closed", "chat_id", from.ChatID, "group_id", groupID)
			}
			return
		}
		r.submit(ctx, job{
			Kind:      audit.KindFiles,
			ChatID:    from.ChatID,
			MessageID: msg.MessageID,
			UserID:    from.UserID,
			Username:  from.Username,
			Files:     []*telegramapi.Message{msg},
			Caption:   text,
		})
		return
	}

	cmdWord, cmdArgs := splitCommand(text)
	if cmd := normalizeSlashCommand(cmdWord); cmd != "" {
		if r.handleCommand(ctx, msg, from, cmd, cmdArgs) {
			return
		}
	}

	forced := false
	if strings.HasPrefix(text, "!") {
		forced = true
		text = strings.TrimSpace(strings.TrimPrefix(text, "!"))
	}
	if text == "" {
		if forced {
			r.seq.Add(1)
			r.interruptRunning(ctx, "bang")
		}
		return
	}
	r.submit(ctx, job{
		Kind:      audit.KindMessage,
		ChatID:    from.ChatID,
		MessageID: msg.MessageID,
		UserID:    from.UserID,
		Username:  from.Username,
		Prompt:    text,
	})
}

func (r *Runtime) finalizeMediaGroup(groupID string, items []*telegramapi.Message, last sender) {
	caption := ""
	for _, m := range items {
		if c := strings.TrimSpace(m.Caption); c != "" {
			caption = c
		}
	}
	var messageID int64
	if len(items) > 0 {
		messageID = items[len(items)-1].MessageID
	}
	r.logger.Info("telegram_media_group_ready", "group", groupID, "items", len(items))
	r.submit(r.workersCtx, job{
		Kind:      audit.KindFiles,
		ChatID:    last.ChatID,
		MessageID: messageID,
		UserID:    last.UserID,
		Username:  last.Username,
		Files:     items,
		Caption:   caption,
	})
}

// submit admits a foreground request: rate limit, replace whatever is
// running or queued, then hand it to the runner.
func (r *Runtime) submit(ctx context.Context, j job) {
	if ok, wait := r.d.Limiter.Check(j.UserID); !ok {
		secs := ratelimit.RetrySeconds(wait)
		r.logger.Info("telegram_rate_limited", "chat_id", j.ChatID, "user_id", j.UserID, "retry_after_s", secs)
		r.reply(ctx, j.ChatID, fmt.Sprintf("⏳ Rate limited. Try again in %ds.", secs))
		r.emitAudit(ctx, audit.Event{
			Kind:     j.Kind,
			UserID:   j.UserID,
			Username: j.Username,
			ChatID:   j.ChatID,
			Prompt:   j.Prompt,
			Outcome:  audit.OutcomeRateLimited,
		})
		return
	}
	if j.CorrelationID == "" {
		j.CorrelationID = "telegram:" + uuid.NewString()
	}
	j.ReceivedAt = r.d.Now()
	j.Seq = r.seq.Add(1)
	r.interruptRunning(ctx, j.CorrelationID)

	r.mu.Lock()
	saved := j
	r.lastJob = &saved
	r.mu.Unlock()

	if err := runtimeworker.Enqueue(ctx, r.workersCtx, r.jobs, j); err != nil {
		r.logger.Warn("telegram_enqueue_error", "chat_id", j.ChatID, "correlation_id", j.CorrelationID, "error", err.Error())
		return
	}
	r.logger.Info("telegram_task_enqueued",
		"chat_id", j.ChatID,
		"kind", string(j.Kind),
		"correlation_id", j.CorrelationID,
		"files", len(j.Files),
		"text_len", len(j.Prompt),
	)
}

// interruptRunning cancels whatever holds the session so a newer request can
// take its place. The cancelled query stays silent.
func (r *Runtime) interruptRunning(ctx context.Context, reason string) {
	s := r.d.Session
	if !s.IsRunning() {
		return
	}
	s.MarkInterrupt()
	stopCtx, cancel := context.WithTimeout(ctx, r.opts.InterruptGrace)
	res := s.Stop(stopCtx)
	cancel()
	if res == session.StopNoop {
		s.ClearInterruptFlag()
	}
	r.logger.Info("telegram_interrupt", "reason", reason, "result", res.String())
}

func (r *Runtime) reply(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	for _, chunk := range render.Split(text, r.opts.Render.SafeLimit) {
		if _, err := r.d.API.SendMessage(sendCtx, chatID, chunk, 0); err != nil {
			r.logger.Warn("telegram_send_error", "chat_id", chatID, "error", err.Error())
			return
		}
	}
}

func (r *Runtime) emitAudit(ctx context.Context, e audit.Event) {
	if err := r.d.Audit.Emit(context.WithoutCancel(ctx), e); err != nil {
		r.logger.Warn("audit_emit_error", "kind", string(e.Kind), "error", err.Error())
	}
}

func actorName(u *telegramapi.User) string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.Username); name != "" {
		return "@" + name
	}
	return telegramapi.DisplayName(u)
}
