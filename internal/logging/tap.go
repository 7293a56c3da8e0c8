package logging

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultTapBuffer = 256

// LogEntry is a log record forwarded to tap subscribers.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Subscription receives log entries at or above its minimum level.
// Delivery never blocks the logger; entries are dropped when C is full.
type Subscription struct {
	C        <-chan LogEntry
	ch       chan LogEntry
	minLevel slog.Level
	dropped  atomic.Int64
	once     sync.Once
}

// Dropped returns how many entries were discarded because C was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

var (
	tapMu   sync.RWMutex
	tapSubs = map[*Subscription]struct{}{}
)

// Subscribe registers a tap subscriber. Call Unsubscribe when done.
func Subscribe(minLevel string) *Subscription {
	ch := make(chan LogEntry, defaultTapBuffer)
	sub := &Subscription{C: ch, ch: ch, minLevel: parseLevel(minLevel)}
	tapMu.Lock()
	tapSubs[sub] = struct{}{}
	tapMu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// multiple times.
func Unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		tapMu.Lock()
		delete(tapSubs, sub)
		tapMu.Unlock()
		close(sub.ch)
	})
}

// tapHandler wraps a base slog.Handler and also forwards records to
// tap subscribers.
type tapHandler struct {
	base  slog.Handler
	attrs []slog.Attr
}

func (h *tapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.base.Enabled(ctx, level) {
		return true
	}
	tapMu.RLock()
	defer tapMu.RUnlock()
	for sub := range tapSubs {
		if level >= sub.minLevel {
			return true
		}
	}
	return false
}

func (h *tapHandler) Handle(ctx context.Context, record slog.Record) error {
	tapMu.RLock()
	if len(tapSubs) > 0 {
		entry := h.entry(record)
		for sub := range tapSubs {
			if record.Level < sub.minLevel {
				continue
			}
			select {
			case sub.ch <- entry:
			default:
				sub.dropped.Add(1)
			}
		}
	}
	tapMu.RUnlock()

	if !h.base.Enabled(ctx, record.Level) {
		return nil
	}
	return h.base.Handle(ctx, record)
}

func (h *tapHandler) entry(record slog.Record) LogEntry {
	fields := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})
	component, _ := fields[KeyComponent].(string)
	delete(fields, KeyComponent)
	if component == "" {
		component = "unknown"
	}
	return LogEntry{
		Timestamp: record.Time,
		Level:     record.Level.String(),
		Component: component,
		Message:   record.Message,
		Fields:    fields,
	}
}

func (h *tapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &tapHandler{base: h.base.WithAttrs(attrs), attrs: merged}
}

func (h *tapHandler) WithGroup(name string) slog.Handler {
	return &tapHandler{base: h.base.WithGroup(name), attrs: h.attrs}
}
