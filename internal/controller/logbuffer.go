package controller

// ============================================================================
// 最近日誌緩衝
// 職責：包裝 slog.Handler，保留最近 N 筆記錄供 Logs RPC 查詢
// ============================================================================

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultLogBufferSize 預設保留的日誌筆數
const DefaultLogBufferSize = 100

// LogEntry 保留的一筆日誌，屬性已展開成 group.key 形式
type LogEntry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

// logRing 固定容量的環形緩衝，由同一個 LogBuffer 衍生的 handler 共用
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// snapshot 由舊到新
func (r *logRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]LogEntry(nil), r.entries[:r.next]...)
	}
	out := make([]LogEntry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

type boundAttr struct {
	key   string
	value string
}

// LogBuffer 是轉發給下一個 handler 並保留最近記錄的 slog.Handler
type LogBuffer struct {
	ring   *logRing
	next   slog.Handler
	bound  []boundAttr
	prefix string // WithGroup 累積的 "a.b." 前綴
}

// NewLogBuffer 包裝 next，保留最近 size 筆記錄；size <= 0 時使用 DefaultLogBufferSize
func NewLogBuffer(next slog.Handler, size int) *LogBuffer {
	if size <= 0 {
		size = DefaultLogBufferSize
	}
	return &LogBuffer{
		ring: &logRing{entries: make([]LogEntry, size)},
		next: next,
	}
}

// Entries 回傳保留的記錄，由舊到新
func (h *LogBuffer) Entries() []LogEntry {
	return h.ring.snapshot()
}

func (h *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *LogBuffer) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]string, len(h.bound)+r.NumAttrs())
	for _, a := range h.bound {
		attrs[a.key] = a.value
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(attrs, h.prefix, a)
		return true
	})
	h.ring.add(LogEntry{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs})
	return h.next.Handle(ctx, r)
}

func (h *LogBuffer) WithAttrs(as []slog.Attr) slog.Handler {
	collected := make(map[string]string, len(as))
	for _, a := range as {
		flatten(collected, h.prefix, a)
	}
	bound := append([]boundAttr(nil), h.bound...)
	for k, v := range collected {
		bound = append(bound, boundAttr{key: k, value: v})
	}
	return &LogBuffer{ring: h.ring, next: h.next.WithAttrs(as), bound: bound, prefix: h.prefix}
}

func (h *LogBuffer) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogBuffer{ring: h.ring, next: h.next.WithGroup(name), bound: h.bound, prefix: h.prefix + name + "."}
}

func flatten(dst map[string]string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = v.String()
}
