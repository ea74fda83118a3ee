package render

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/htoorannysaurus/claude-telegram-bot/internal/assistant"
)

const (
	DefaultHardLimit = 4096
	DefaultSafeLimit = 4000
	DefaultThrottle  = 500 * time.Millisecond
)

type MessageRef struct {
	ID int64
}

// Transport is the chat surface a Dispatcher renders into. Edit with
// unchanged content should succeed.
type Transport interface {
	Create(ctx context.Context, text string) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string) error
	Delete(ctx context.Context, ref MessageRef) error
}

type Options struct {
	HardLimit int
	SafeLimit int
	Throttle  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

type segment struct {
	ref      MessageRef
	lastEdit time.Time
	text     string
}

// Dispatcher turns one query's event stream into chat messages: one message
// per text segment, edited in place, plus ephemeral status messages that are
// removed when the query completes. A Dispatcher belongs to a single query
// attempt and is not reused.
type Dispatcher struct {
	tr     Transport
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	segments  map[int]*segment
	overflow  map[int][]MessageRef
	ephemeral []MessageRef
	finished  bool
}

func NewDispatcher(tr Transport, opts Options) *Dispatcher {
	if opts.HardLimit <= 0 {
		opts.HardLimit = DefaultHardLimit
	}
	if opts.SafeLimit <= 0 || opts.SafeLimit > opts.HardLimit {
		opts.SafeLimit = min(DefaultSafeLimit, opts.HardLimit)
	}
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tr:       tr,
		opts:     opts,
		logger:   logger,
		segments: map[int]*segment{},
		overflow: map[int][]MessageRef{},
	}
}

// Handle applies one event. Transport failures are logged and absorbed.
func (d *Dispatcher) Handle(ctx context.Context, ev assistant.Event) {
	if d == nil || d.tr == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	switch ev.Kind {
	case assistant.EventThinking, assistant.EventTool:
		d.addEphemeral(ctx, ev.Content)
	case assistant.EventText:
		d.updateSegment(ctx, ev.Segment, ev.Content)
	case assistant.EventSegmentEnd:
		d.finalizeSegment(ctx, ev.Segment, ev.Content)
	case assistant.EventDone:
		d.clearEphemeral(ctx)
		d.finished = true
	}
}

// Discard removes every message this dispatcher created, for a query
// attempt whose partial output must not stay visible.
func (d *Dispatcher) Discard(ctx context.Context) {
	if d == nil || d.tr == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearEphemeral(ctx)
	for id, seg := range d.segments {
		d.delete(ctx, seg.ref, "segment")
		delete(d.segments, id)
	}
	for id, refs := range d.overflow {
		for _, ref := range refs {
			d.delete(ctx, ref, "segment")
		}
		delete(d.overflow, id)
	}
	d.finished = true
}

// Messages reports how many messages are currently visible.
func (d *Dispatcher) Messages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.segments) + len(d.ephemeral)
	for _, refs := range d.overflow {
		n += len(refs)
	}
	return n
}

func (d *Dispatcher) addEphemeral(ctx context.Context, content string) {
	if blank(content) {
		return
	}
	ref, err := d.tr.Create(ctx, Truncate(content, d.opts.SafeLimit))
	if err != nil {
		d.logger.Warn("render_create_error", "kind", "ephemeral", "error", err.Error())
		return
	}
	d.ephemeral = append(d.ephemeral, ref)
}

func (d *Dispatcher) updateSegment(ctx context.Context, id int, content string) {
	if blank(content) {
		return
	}
	now := d.opts.Now()
	seg, ok := d.segments[id]
	if !ok {
		ref, err := d.tr.Create(ctx, Truncate(content, d.opts.SafeLimit))
		if err != nil {
			d.logger.Warn("render_create_error", "kind", "segment", "segment", id, "error", err.Error())
			return
		}
		d.segments[id] = &segment{ref: ref, lastEdit: now, text: content}
		return
	}
	if now.Sub(seg.lastEdit) <= d.opts.Throttle {
		return
	}
	if content == seg.text {
		return
	}
	if err := d.tr.Edit(ctx, seg.ref, Truncate(content, d.opts.SafeLimit)); err != nil {
		d.logger.Warn("render_edit_error", "segment", id, "error", err.Error())
		return
	}
	seg.lastEdit = now
	seg.text = content
}

func (d *Dispatcher) finalizeSegment(ctx context.Context, id int, content string) {
	if blank(content) {
		return
	}
	seg, ok := d.segments[id]
	if TextLen(content) <= d.opts.HardLimit {
		if !ok {
			ref, err := d.tr.Create(ctx, content)
			if err != nil {
				d.logger.Warn("render_create_error", "kind", "segment", "segment", id, "error", err.Error())
				return
			}
			d.segments[id] = &segment{ref: ref, lastEdit: d.opts.Now(), text: content}
			return
		}
		if err := d.tr.Edit(ctx, seg.ref, content); err != nil {
			d.logger.Warn("render_edit_error", "segment", id, "final", true, "error", err.Error())
			return
		}
		seg.lastEdit = d.opts.Now()
		seg.text = content
		return
	}

	if ok {
		d.delete(ctx, seg.ref, "segment")
		delete(d.segments, id)
	}
	chunks := Split(content, d.opts.SafeLimit)
	refs := make([]MessageRef, 0, len(chunks))
	for i, chunk := range chunks {
		ref, err := d.tr.Create(ctx, chunk)
		if err != nil {
			d.logger.Warn("render_create_error", "kind", "overflow", "segment", id, "chunk", i, "error", err.Error())
			continue
		}
		refs = append(refs, ref)
	}
	d.overflow[id] = refs
	d.logger.Debug("render_segment_split", "segment", id, "chunks", len(chunks))
}

func (d *Dispatcher) clearEphemeral(ctx context.Context) {
	for _, ref := range d.ephemeral {
		d.delete(ctx, ref, "ephemeral")
	}
	d.ephemeral = nil
}

func (d *Dispatcher) delete(ctx context.Context, ref MessageRef, kind string) {
	if err := d.tr.Delete(ctx, ref); err != nil {
		d.logger.Warn("render_delete_error", "kind", kind, "message_id", ref.ID, "error", err.Error())
	}
}
