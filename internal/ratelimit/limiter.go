// Package ratelimit admits foreground requests per actor with a token bucket.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultRequests = 20
	DefaultWindow   = time.Minute
)

type Options struct {
	Enabled  bool
	Requests int
	Window   time.Duration
	Now      func() time.Time
}

// Limiter allows Requests per Window for each actor, with bursts up to
// Requests.
type Limiter struct {
	enabled bool
	limit   rate.Limit
	burst   int
	now     func() time.Time

	mu     sync.Mutex
	actors map[int64]*rate.Limiter
}

func New(opts Options) *Limiter {
	if opts.Requests <= 0 {
		opts.Requests = DefaultRequests
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		enabled: opts.Enabled,
		limit:   rate.Limit(float64(opts.Requests) / opts.Window.Seconds()),
		burst:   opts.Requests,
		now:     opts.Now,
		actors:  map[int64]*rate.Limiter{},
	}
}

// Check consumes one token for actorID. When the bucket is empty it
// reports how long until the next token.
func (l *Limiter) Check(actorID int64) (bool, time.Duration) {
	if l == nil || !l.enabled {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	lim, ok := l.actors[actorID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.actors[actorID] = lim
	}
	l.mu.Unlock()

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// RetrySeconds rounds a retry-after delay up to whole seconds for display.
func RetrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}
