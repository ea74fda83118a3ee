// Package mediagroup collects items that arrive as one burst (an album of
// photos or documents) and hands them off together once the burst is over.
package mediagroup

import (
	"log/slog"
	"sync"
	"time"
)

const DefaultTimeout = time.Second

// FinalizeFunc receives a finished group: every item in arrival order and
// the context passed with the last Add.
type FinalizeFunc[T, C any] func(groupID string, items []T, last C)

type group[T, C any] struct {
	items []T
	last  C
	timer *time.Timer
	gen   uint64
}

// Aggregator debounces items per group id. Each Add re-arms the group's
// timer; when the timer fires unchanged the group is removed and finalized
// exactly once.
type Aggregator[T, C any] struct {
	timeout  time.Duration
	finalize FinalizeFunc[T, C]
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[string]*group[T, C]
	closed bool
}

func New[T, C any](timeout time.Duration, finalize FinalizeFunc[T, C], logger *slog.Logger) *Aggregator[T, C] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator[T, C]{
		timeout:  timeout,
		finalize: finalize,
		logger:   logger,
		groups:   map[string]*group[T, C]{},
	}
}

// Add appends item to groupID, creating the group on first use. It returns
// false once the aggregator is closed.
func (a *Aggregator[T, C]) Add(groupID string, item T, ctx C) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	g, ok := a.groups[groupID]
	if !ok {
		g = &group[T, C]{}
		a.groups[groupID] = g
		a.logger.Debug("media_group_open", "group_id", groupID)
	} else if g.timer != nil {
		g.timer.Stop()
	}
	g.items = append(g.items, item)
	g.last = ctx
	g.gen++
	gen := g.gen
	g.timer = time.AfterFunc(a.timeout, func() { a.fire(groupID, gen) })
	return true
}

func (a *Aggregator[T, C]) fire(groupID string, gen uint64) {
	a.mu.Lock()
	g, ok := a.groups[groupID]
	// A stale timer lost the race with a newer Add.
	if !ok || g.gen != gen || a.closed {
		a.mu.Unlock()
		return
	}
	delete(a.groups, groupID)
	a.mu.Unlock()

	a.logger.Debug("media_group_finalize", "group_id", groupID, "items", len(g.items))
	if a.finalize != nil {
		a.finalize(groupID, g.items, g.last)
	}
}

// Pending reports how many groups are still collecting.
func (a *Aggregator[T, C]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// Close stops every timer and drops buffered groups. It returns how many
// groups were abandoned.
func (a *Aggregator[T, C]) Close() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	n := len(a.groups)
	for id, g := range a.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(a.groups, id)
	}
	if n > 0 {
		a.logger.Info("media_group_abandoned", "groups", n)
	}
	return n
}
