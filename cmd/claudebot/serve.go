package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/assistant"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/audit"
	telegramruntime "github.com/htoorannysaurus/claude-telegram-bot/internal/channelruntime/telegram"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/heartbeatutil"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/logutil"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/ratelimit"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/session"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/statepaths"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramapi"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramutil"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot (long polling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			token := strings.TrimSpace(flagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or CLAUDE_BOT_TELEGRAM_BOT_TOKEN)")
			}
			allowed, err := flagOrViperInt64Slice(cmd, "telegram-allowed-user-id", "telegram.allowed_user_ids")
			if err != nil {
				return fmt.Errorf("telegram.allowed_user_ids: %w", err)
			}
			if len(allowed) == 0 {
				return fmt.Errorf("missing telegram.allowed_user_ids (set via --telegram-allowed-user-id or CLAUDE_BOT_TELEGRAM_ALLOWED_USER_IDS)")
			}

			proc := assistant.NewProcess(assistant.ProcessOptions{
				Path:           flagOrViperString(cmd, "claude-path", "claude.path"),
				WorkDir:        statepaths.ExpandHomePath(flagOrViperString(cmd, "claude-working-dir", "claude.working_dir")),
				Model:          flagOrViperString(cmd, "claude-model", "claude.model"),
				PermissionMode: viper.GetString("claude.permission_mode"),
				ExtraArgs:      viper.GetStringSlice("claude.extra_args"),
				WaitDelay:      viper.GetDuration("claude.wait_delay"),
				Logger:         logger,
			})

			store := session.NewFileStore(statepaths.SessionFile())
			ctrl, err := session.NewController(session.Options{
				Adapter:          proc,
				Store:            store,
				Logger:           logger,
				QueryTimeout:     viper.GetDuration("session.query_timeout"),
				StopWait:         viper.GetDuration("session.stop_wait"),
				ContextWindow:    viper.GetInt("session.context_window"),
				ContextWarnRatio: viper.GetFloat64("session.context_warn_ratio"),
			})
			if err != nil {
				return err
			}
			if id, ok, err := ctrl.LoadFromStore(); err != nil {
				logger.Warn("session_store_load_error", "path", store.Path(), "error", err.Error())
			} else if ok {
				logger.Info("session_store_loaded", "path", store.Path(), "session_id", id)
			}

			var sink audit.Sink = audit.Nop()
			if viper.GetBool("audit.enabled") {
				js, err := audit.NewJSONLSink(statepaths.AuditFile(), viper.GetInt64("audit.rotate_max_bytes"))
				if err != nil {
					return fmt.Errorf("audit log: %w", err)
				}
				sink = js
			}
			defer func() {
				if err := sink.Close(); err != nil {
					logger.Warn("audit_close_error", "error", err.Error())
				}
			}()

			limiter := ratelimit.New(ratelimit.Options{
				Enabled:  viper.GetBool("rate_limit.enabled"),
				Requests: viper.GetInt("rate_limit.requests"),
				Window:   viper.GetDuration("rate_limit.window"),
			})

			cache := telegramutil.Cache{
				Dir:           statepaths.FileCacheDir(),
				MaxAge:        viper.GetDuration("file_cache.max_age"),
				MaxFiles:      viper.GetInt("file_cache.max_files"),
				MaxTotalBytes: viper.GetInt64("file_cache.max_total_bytes"),
			}
			if err := cache.Ensure(); err != nil {
				return fmt.Errorf("file cache dir: %w", err)
			}

			pollTimeout := flagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout")
			if pollTimeout <= 0 {
				pollTimeout = telegramapi.DefaultPollTimeout
			}
			api := telegramapi.New(&http.Client{Timeout: pollTimeout + 15*time.Second}, viper.GetString("telegram.base_url"), token)

			hb := heartbeatutil.NewScheduler(heartbeatutil.Options{
				Enabled:  flagOrViperBool(cmd, "heartbeat", "heartbeat.enabled"),
				Interval: viper.GetDuration("heartbeat.interval"),
				Prompt:   viper.GetString("heartbeat.prompt"),
				Runner:   ctrl,
				Logger:   logger,
			})

			rt, err := telegramruntime.New(telegramruntime.Dependencies{
				Logger:    logger,
				API:       api,
				Session:   ctrl,
				Limiter:   limiter,
				Audit:     sink,
				Cache:     cache,
				Heartbeat: hb,
			}, telegramruntime.RunOptions{
				AllowedUserIDs:    allowed,
				PollTimeout:       pollTimeout,
				InterruptGrace:    viper.GetDuration("session.interrupt_grace"),
				StopWait:          viper.GetDuration("session.stop_wait"),
				MediaGroupTimeout: viper.GetDuration("telegram.media_group_timeout"),
				FileMaxBytes:      viper.GetInt64("telegram.file_max_bytes"),
				FileCachePrune:    viper.GetDuration("file_cache.prune_interval"),
				TypingInterval:    viper.GetDuration("telegram.typing_interval"),
				ErrorChars:        viper.GetInt("telegram.error_chars"),
				RenderHardLimit:   viper.GetInt("render.hard_limit"),
				RenderSafeLimit:   viper.GetInt("render.safe_limit"),
				RenderThrottle:    viper.GetDuration("render.throttle"),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			me, err := api.GetMe(ctx)
			if err != nil {
				return fmt.Errorf("telegram getMe: %w", err)
			}
			logger.Info("telegram_bot_ready",
				"username", me.Username,
				"token", logutil.Redact(token),
				"claude_args", strings.Join(proc.Args(assistant.Request{}), " "),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return rt.Run(gctx)
			})
			g.Go(func() error {
				hb.Start(gctx)
				<-gctx.Done()
				hb.Stop()
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().Int64Slice("telegram-allowed-user-id", nil, "Telegram user id allowed to talk to the bot (repeatable).")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long-poll timeout for getUpdates.")
	cmd.Flags().String("claude-path", "claude", "Path to the claude CLI.")
	cmd.Flags().String("claude-working-dir", "", "Working directory for claude (defaults to the current directory).")
	cmd.Flags().String("claude-model", "", "Model passed to claude --model.")
	cmd.Flags().Bool("heartbeat", false, "Enable the periodic keep-alive query.")

	return cmd
}
