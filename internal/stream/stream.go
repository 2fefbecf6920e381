// Package stream forwards incremental command output to a live display,
// bounded per command by a character budget.
package stream

import (
	"sync"
	"unicode/utf8"
)

// Marker is appended once when a command's output exceeds its budget.
const Marker = "\n[output truncated]"

// Event is one chunk of sanitized output for a tool call.
type Event struct {
	ToolCallID string `json:"toolCallId"`
	Chunk      string `json:"chunk"`
}

// Sink receives events in production order. Implementations must not block
// for long; they are called from backend read loops.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Send(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Send(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Text concatenates every recorded chunk.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	for _, e := range r.events {
		s += e.Chunk
	}
	return s
}

// Truncator is the per-command accumulator. Once budget characters have
// been passed through, later chunks are dropped and Marker is emitted
// exactly once.
type Truncator struct {
	mu        sync.Mutex
	budget    int
	used      int
	truncated bool
}

func NewTruncator(budget int) *Truncator {
	return &Truncator{budget: budget}
}

// Push returns the part of chunk that fits in the remaining budget, with
// the marker attached on the call that exhausts it.
func (t *Truncator) Push(chunk string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated || chunk == "" {
		return ""
	}
	if t.budget <= 0 {
		return chunk
	}
	n := utf8.RuneCountInString(chunk)
	if t.used+n <= t.budget {
		t.used += n
		return chunk
	}
	keep := prefixRunes(chunk, t.budget-t.used)
	t.used = t.budget
	t.truncated = true
	return keep + Marker
}

// Truncated reports whether the budget has been exhausted.
func (t *Truncator) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.truncated
}

// Writer binds a truncator and a sink to one tool call. A nil *Writer
// discards everything.
type Writer struct {
	id    string
	sink  Sink
	trunc *Truncator
}

func NewWriter(toolCallID string, sink Sink, budget int) *Writer {
	if sink == nil {
		sink = Discard
	}
	return &Writer{id: toolCallID, sink: sink, trunc: NewTruncator(budget)}
}

// Push forwards chunk if any of it fits the budget.
func (w *Writer) Push(chunk string) {
	if w == nil {
		return
	}
	if out := w.trunc.Push(chunk); out != "" {
		w.sink.Send(Event{ToolCallID: w.id, Chunk: out})
	}
}

// ID returns the tool call the writer streams for.
func (w *Writer) ID() string {
	if w == nil {
		return ""
	}
	return w.id
}

// Truncate bounds a final result to budget characters, appending Marker
// when anything was cut.
func Truncate(s string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}
	return prefixRunes(s, budget) + Marker
}

func prefixRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
