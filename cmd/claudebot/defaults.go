package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Global
	viper.SetDefault("file_state_dir", "~/.claudebot")

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.base_url", "https://api.telegram.org")
	viper.SetDefault("telegram.allowed_user_ids", []int64{})
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.file_cache_dir", "~/.cache/claudebot")
	viper.SetDefault("telegram.file_max_bytes", int64(20*1024*1024))
	viper.SetDefault("telegram.media_group_timeout", 1*time.Second)
	viper.SetDefault("telegram.typing_interval", 4*time.Second)
	viper.SetDefault("telegram.error_chars", 200)

	// File cache
	viper.SetDefault("file_cache.max_age", 24*time.Hour)
	viper.SetDefault("file_cache.max_files", 500)
	viper.SetDefault("file_cache.max_total_bytes", int64(512*1024*1024))
	viper.SetDefault("file_cache.prune_interval", time.Hour)

	// Claude CLI
	viper.SetDefault("claude.path", "claude")
	viper.SetDefault("claude.working_dir", "")
	viper.SetDefault("claude.model", "")
	viper.SetDefault("claude.permission_mode", "bypassPermissions")
	viper.SetDefault("claude.extra_args", []string{})
	viper.SetDefault("claude.wait_delay", 5*time.Second)

	// Session
	viper.SetDefault("session.query_timeout", 180*time.Second)
	viper.SetDefault("session.interrupt_grace", 500*time.Millisecond)
	viper.SetDefault("session.stop_wait", 5*time.Second)
	viper.SetDefault("session.state_file", "")
	viper.SetDefault("session.context_window", 200000)
	viper.SetDefault("session.context_warn_ratio", 0.8)

	// Rendering
	viper.SetDefault("render.hard_limit", 4096)
	viper.SetDefault("render.safe_limit", 4000)
	viper.SetDefault("render.throttle", 500*time.Millisecond)

	// Heartbeat
	viper.SetDefault("heartbeat.enabled", false)
	viper.SetDefault("heartbeat.interval", 30*time.Minute)
	viper.SetDefault("heartbeat.prompt", "")

	// Rate limit
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests", 20)
	viper.SetDefault("rate_limit.window", 60*time.Second)

	// Audit
	viper.SetDefault("audit.enabled", true)
	viper.SetDefault("audit.path", "")
	viper.SetDefault("audit.rotate_max_bytes", int64(100*1024*1024))
}
