package session

import (
	"strings"
	"sync"
	"time"
)

// Batching defaults. Agents can emit many small text deltas per second;
// coalescing them before they reach the rendering layer keeps downstream
// consumers from drowning in tiny updates.
const (
	DefaultFlushInterval = 50 * time.Millisecond
	DefaultFlushBytes    = 4096
)

// TextBatcher coalesces streaming text deltas and delivers them in batches.
// A batch is emitted when the buffer reaches a size threshold or when the
// flush interval elapses after the first buffered delta. Flush must be
// called on completion, cancellation, and shutdown so no trailing fragment
// is lost.
type TextBatcher struct {
	mu       sync.Mutex
	buf      strings.Builder
	timer    *time.Timer
	interval time.Duration
	maxBytes int
	emit     func(text string)
	closed   bool
}

// NewTextBatcher creates a batcher delivering batches to emit. Non-positive
// interval or maxBytes fall back to the defaults.
func NewTextBatcher(interval time.Duration, maxBytes int, emit func(text string)) *TextBatcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxBytes <= 0 {
		maxBytes = DefaultFlushBytes
	}
	return &TextBatcher{interval: interval, maxBytes: maxBytes, emit: emit}
}

// Add buffers a text delta. The delta is delivered with the next batch.
func (b *TextBatcher) Add(delta string) {
	if delta == "" {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf.WriteString(delta)

	if b.buf.Len() >= b.maxBytes {
		text := b.takeLocked()
		b.mu.Unlock()
		b.emit(text)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.Flush)
	}
	b.mu.Unlock()
}

// Flush delivers any buffered text immediately.
func (b *TextBatcher) Flush() {
	b.mu.Lock()
	text := b.takeLocked()
	b.mu.Unlock()

	if text != "" {
		b.emit(text)
	}
}

// Close flushes remaining text and stops the batcher. Further Add calls
// are ignored.
func (b *TextBatcher) Close() {
	b.mu.Lock()
	b.closed = true
	text := b.takeLocked()
	b.mu.Unlock()

	if text != "" {
		b.emit(text)
	}
}

// takeLocked drains the buffer and disarms the timer. Caller holds b.mu.
func (b *TextBatcher) takeLocked() string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	text := b.buf.String()
	b.buf.Reset()
	return text
}
