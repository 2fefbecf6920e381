package remote

import (
	"strings"
	"sync"

	"github.com/zpdzap/sandterm/internal/sanitize"
	"github.com/zpdzap/sandterm/internal/session"
	"github.com/zpdzap/sandterm/internal/stream"
)

const (
	// Delivered output below this many bytes is kept before compacting.
	compactThreshold = 64 << 10
	// Undelivered output beyond this is dropped oldest first.
	maxBuffered = 4 << 20
)

// ptySession is the manager's view of one remote shell. Offsets are
// absolute byte positions in everything the shell has produced since
// tracking began; buf holds the bytes from base onward.
type ptySession struct {
	mu  sync.Mutex
	pid int

	buf      []byte
	base     int
	lastRead int

	pending    session.Sentinel
	detector   *session.Detector
	command    string
	searchFrom int
	match      *session.Match
	done       chan struct{}

	// recovered is a completion found in scrollback on reconnect whose
	// output has not been handed out by this process.
	recovered *session.Match

	out   *stream.Writer
	carry string

	exited        bool
	exitCode      int
	discontinuity bool
}

func newPTYSession() *ptySession {
	return &ptySession{done: make(chan struct{})}
}

func (s *ptySession) subscriber() Subscriber {
	return Subscriber{Data: s.append, Exit: s.exit}
}

func (s *ptySession) end() int { return s.base + len(s.buf) }

func (s *ptySession) slice(from, to int) string {
	if from < s.base {
		from = s.base
	}
	if to <= from {
		return ""
	}
	return string(s.buf[from-s.base : to-s.base])
}

// append is the push callback. The completion check only looks at the new
// bytes plus enough of the old ones to catch a token split across chunks.
func (s *ptySession) append(data []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, data...)
	s.trim()
	if s.pending != "" && s.match == nil {
		from := s.end() - len(data) - len(s.pending) - 16
		if from < s.searchFrom {
			from = s.searchFrom
		}
		if from < s.base {
			from = s.base
		}
		if m, ok := s.detector.Find(s.slice(from, s.end())); ok {
			m.Start += from
			m.End += from
			s.match = &m
			s.signal()
		}
	}
	w := s.out
	chunk := s.streamable(data)
	s.mu.Unlock()

	// Callbacks arrive one at a time from the client's read loop, so pushing
	// outside the lock keeps chunk order.
	if w != nil && chunk != "" {
		w.Push(sanitize.Chunk(chunk))
	}
}

// streamable holds back a trailing partial line that might be the start of
// a marker, so the sanitizer sees markers whole.
func (s *ptySession) streamable(data []byte) string {
	text := s.carry + string(data)
	s.carry = ""
	i := strings.LastIndexByte(text, '\n')
	tail := text[i+1:]
	if len(tail) < 256 && mayHoldMarker(tail) {
		s.carry = tail
		text = text[:i+1]
	}
	return text
}

const markerPrefix = "__ST_"

// mayHoldMarker reports whether tail contains a marker start or ends with
// something that could grow into one.
func mayHoldMarker(tail string) bool {
	if strings.Contains(tail, markerPrefix) {
		return true
	}
	for k := min(len(tail), len(markerPrefix)-1); k > 0; k-- {
		if strings.HasSuffix(tail, markerPrefix[:k]) {
			return true
		}
	}
	return false
}

func (s *ptySession) trim() {
	over := len(s.buf) - maxBuffered
	if over <= 0 {
		return
	}
	s.buf = append([]byte(nil), s.buf[over:]...)
	s.base += over
	if s.lastRead < s.base {
		s.lastRead = s.base
		s.discontinuity = true
	}
	if s.searchFrom < s.base {
		s.searchFrom = s.base
	}
}

func (s *ptySession) compact() {
	cut := s.lastRead
	if s.pending != "" && s.searchFrom < cut {
		cut = s.searchFrom
	}
	if cut-s.base < compactThreshold {
		return
	}
	s.buf = append([]byte(nil), s.buf[cut-s.base:]...)
	s.base = cut
}

func (s *ptySession) exit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}
	s.exited = true
	s.exitCode = code
	s.signal()
}

// signal closes done once; callers hold mu.
func (s *ptySession) signal() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// begin arms a new sentinel and returns the line to send.
func (s *ptySession) begin(command string, w *stream.Writer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := session.NewSentinel()
	s.pending = sent
	s.detector = sent.Detector()
	s.command = command
	s.searchFrom = s.end()
	s.match = nil
	s.done = make(chan struct{})
	s.recovered = nil
	s.out = w
	return session.BuildCommand(command, sent)
}

// abort disarms a sentinel whose command never reached the shell.
func (s *ptySession) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = ""
	s.detector = nil
	s.out = nil
}

// attach points streaming at a new caller and returns the channel that
// closes on completion, or nil when nothing is pending.
func (s *ptySession) attach(w *stream.Writer) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == "" && !s.exited {
		return nil
	}
	s.out = w
	return s.done
}

// collect hands out everything not yet read. If the pending command has
// finished it reports the exit status and reports finished so the caller
// can release the session.
func (s *ptySession) collect() (out session.Outcome, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	switch {
	case s.match != nil:
		stop := s.match.Start
		raw = s.slice(s.lastRead, stop)
		s.lastRead = max(s.lastRead, s.match.End)
		out.ExitCode = session.ExitCode(s.match.ExitCode)
		s.pending, s.detector, s.match, s.out = "", nil, nil, nil
		finished = true
	case s.pending == "" && s.recovered != nil:
		raw = s.slice(s.lastRead, s.recovered.Start)
		s.lastRead = max(s.lastRead, s.recovered.End)
		out.ExitCode = session.ExitCode(s.recovered.ExitCode)
		s.recovered = nil
	case s.exited:
		raw = s.slice(s.lastRead, s.end())
		s.lastRead = s.end()
		out.ExitCode = session.ExitCode(s.exitCode)
		s.pending, s.detector, s.out = "", nil, nil
		finished = true
	default:
		raw = s.slice(s.lastRead, s.end())
		s.lastRead = s.end()
		out.TimedOut = s.pending != ""
	}
	out.Output = sanitize.Output(raw, s.command)
	out.Discontinuity = s.discontinuity
	s.discontinuity = false
	s.compact()
	return out, finished
}

// read hands out unread output without resolving completion.
func (s *ptySession) read() session.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.slice(s.lastRead, s.end())
	s.lastRead = s.end()
	out := session.Outcome{
		Output:        sanitize.Output(raw, s.command),
		TimedOut:      s.pending != "" && s.match == nil,
		Discontinuity: s.discontinuity,
	}
	s.discontinuity = false
	s.compact()
	return out
}

// detach stops streaming to a caller whose wait ended.
func (s *ptySession) detach() {
	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
}

// restore seeds the buffer from scrollback returned by a reconnect. Data
// pushed between the attach and this call is already in buf and follows
// the scrollback.
func (s *ptySession) restore(att Attachment) (busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(append([]byte(nil), att.Scrollback...), s.buf...)
	s.base = 0
	s.discontinuity = !att.Complete
	s.lastRead = s.end()

	p, ok := session.RecoverPending(string(s.buf))
	if !ok {
		return false
	}
	d := p.Sentinel.Detector()
	s.lastRead = p.EchoEnd
	m, done := d.Find(s.slice(p.EchoEnd, s.end()))
	if done {
		m.Start += p.EchoEnd
		m.End += p.EchoEnd
		s.recovered = &m
		return false
	}
	s.pending = p.Sentinel
	s.detector = d
	s.searchFrom = p.EchoEnd
	return true
}

func (s *ptySession) isExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// close wakes any waiter on a session that is being torn down.
func (s *ptySession) close() {
	s.exit(-1)
}
