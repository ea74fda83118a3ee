package telegram

import (
	"sort"
	"time"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/mediagroup"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/outputfmt"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/render"
	"github.com/htoorannysaurus/claude-telegram-bot/internal/telegramapi"
)

// RunOptions is the caller-facing configuration of the Telegram runtime.
type RunOptions struct {
	AllowedUserIDs    []int64
	PollTimeout       time.Duration
	InterruptGrace    time.Duration
	StopWait          time.Duration
	MediaGroupTimeout time.Duration
	FileMaxBytes      int64
	FileCachePrune    time.Duration
	TypingInterval    time.Duration
	ErrorChars        int
	RenderHardLimit   int
	RenderSafeLimit   int
	RenderThrottle    time.Duration
}

type runtimeLoopOptions struct {
	AllowedUserIDs    []int64
	PollTimeout       time.Duration
	InterruptGrace    time.Duration
	StopWait          time.Duration
	MediaGroupTimeout time.Duration
	FileMaxBytes      int64
	FileCachePrune    time.Duration
	TypingInterval    time.Duration
	ErrorChars        int
	Render            render.Options
}

func resolveRuntimeLoopOptionsFromRunOptions(opts RunOptions) runtimeLoopOptions {
	out := runtimeLoopOptions{
		AllowedUserIDs:    opts.AllowedUserIDs,
		PollTimeout:       opts.PollTimeout,
		InterruptGrace:    opts.InterruptGrace,
		StopWait:          opts.StopWait,
		MediaGroupTimeout: opts.MediaGroupTimeout,
		FileMaxBytes:      opts.FileMaxBytes,
		FileCachePrune:    opts.FileCachePrune,
		TypingInterval:    opts.TypingInterval,
		ErrorChars:        opts.ErrorChars,
		Render: render.Options{
			HardLimit: opts.RenderHardLimit,
			SafeLimit: opts.RenderSafeLimit,
			Throttle:  opts.RenderThrottle,
		},
	}
	return normalizeRuntimeLoopOptions(out)
}

func normalizeRuntimeLoopOptions(opts runtimeLoopOptions) runtimeLoopOptions {
	opts.AllowedUserIDs = normalizeAllowedUserIDs(opts.AllowedUserIDs)

	if opts.PollTimeout <= 0 {
		opts.PollTimeout = telegramapi.DefaultPollTimeout
	}
	if opts.InterruptGrace <= 0 {
		opts.InterruptGrace = 500 * time.Millisecond
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 5 * time.Second
	}
	if opts.MediaGroupTimeout <= 0 {
		opts.MediaGroupTimeout = mediagroup.DefaultTimeout
	}
	if opts.FileMaxBytes <= 0 {
		opts.FileMaxBytes = telegramapi.DefaultMaxFileSize
	}
	if opts.FileCachePrune <= 0 {
		opts.FileCachePrune = time.Hour
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = 4 * time.Second
	}
	if opts.ErrorChars <= 0 {
		opts.ErrorChars = outputfmt.DefaultErrorChars
	}
	if opts.Render.HardLimit <= 0 {
		opts.Render.HardLimit = render.DefaultHardLimit
	}
	if opts.Render.SafeLimit <= 0 || opts.Render.SafeLimit > opts.Render.HardLimit {
		opts.Render.SafeLimit = min(render.DefaultSafeLimit, opts.Render.HardLimit)
	}
	if opts.Render.Throttle <= 0 {
		opts.Render.Throttle = render.DefaultThrottle
	}
	return opts
}

func normalizeAllowedUserIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
