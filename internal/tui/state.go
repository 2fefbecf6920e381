package tui

import (
	"fmt"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/stream"
)

const (
	maxBlocks = 50
	msgBuffer = 256
)

// row is one session the console has seen.
type row struct {
	Pid     int
	Session string
	Backend string
	Running bool
	Last    string
}

// Ref addresses the session in commands.
func (r row) Ref() string {
	if r.Pid != 0 {
		return fmt.Sprintf("%d", r.Pid)
	}
	return r.Session
}

func (r row) request() dispatch.Request {
	return dispatch.Request{Pid: r.Pid, Session: r.Session}
}

// block is the output of one call.
type block struct {
	callID  string
	header  string
	body    strings.Builder
	done    bool
	isError bool
}

// consoleState outlives each Bubble Tea program, which is restarted around
// every tmux attach. Calls dispatched by one program report into msgs and
// are picked up by whichever program is running.
type consoleState struct {
	rows    []row
	blocks  []*block
	message string
	isError bool
	seq     int

	msgs chan tea.Msg

	mu      sync.Mutex
	pending []tea.Msg
}

func newConsoleState() *consoleState {
	return &consoleState{msgs: make(chan tea.Msg, msgBuffer)}
}

func (s *consoleState) note(msg string, isError bool) {
	s.message, s.isError = msg, isError
}

// running counts calls that have not returned.
func (s *consoleState) running() int {
	n := 0
	for _, b := range s.blocks {
		if !b.done {
			n++
		}
	}
	return n
}

func (s *consoleState) nextID() string {
	s.seq++
	return fmt.Sprintf("console-%d", s.seq)
}

// sink forwards streamed chunks. Chunks are dropped when the console is
// not draining, since the final result carries the whole output anyway.
func (s *consoleState) sink() stream.Sink {
	return stream.SinkFunc(func(e stream.Event) {
		select {
		case s.msgs <- outputMsg(e):
		default:
		}
	})
}

// listen delivers the next message to the program owning stop. A message
// read after that program ended is kept for the next one.
func (s *consoleState) listen(stop <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-s.msgs:
			select {
			case <-stop:
				s.requeue(msg)
				return nil
			default:
				return msg
			}
		case <-stop:
			return nil
		}
	}
}

func (s *consoleState) requeue(msg tea.Msg) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
}

// drain returns messages kept from an earlier program.
func (s *consoleState) drain() []tea.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *consoleState) start(callID, header string) {
	s.blocks = append(s.blocks, &block{callID: callID, header: header})
	if len(s.blocks) > maxBlocks {
		s.blocks = s.blocks[len(s.blocks)-maxBlocks:]
	}
}

func (s *consoleState) find(callID string) *block {
	for i := len(s.blocks) - 1; i >= 0; i-- {
		if s.blocks[i].callID == callID {
			return s.blocks[i]
		}
	}
	return nil
}

// apply records a message from a dispatched call.
func (s *consoleState) apply(msg tea.Msg) {
	switch msg := msg.(type) {
	case outputMsg:
		s.appendChunk(stream.Event(msg))
	case resultMsg:
		s.finish(msg.req.ToolCallID, msg.req, msg.res)
	}
}

// appendChunk adds streamed output to a live block. Chunks arriving after
// the call returned are ignored.
func (s *consoleState) appendChunk(e stream.Event) {
	if b := s.find(e.ToolCallID); b != nil && !b.done {
		b.body.WriteString(e.Chunk)
	}
}

// finish replaces the live body with the final result and updates the
// session list from it.
func (s *consoleState) finish(callID string, req dispatch.Request, res dispatch.Result) {
	if b := s.find(callID); b != nil {
		b.body.Reset()
		b.body.WriteString(res.Output)
		if res.ExitCode != nil && *res.ExitCode != 0 {
			fmt.Fprintf(&b.body, "\n[exit %d]", *res.ExitCode)
		}
		b.done = true
		b.isError = res.Error
	}

	switch {
	case req.Action == dispatch.ActionKill && !res.Error:
		s.remove(req.Pid, req.Session)
		return
	case res.Error && strings.HasPrefix(res.Output, "No session found"):
		s.remove(req.Pid, req.Session)
		return
	case res.Pid == 0 && res.Session == "":
		return
	}

	r := row{Pid: res.Pid, Session: res.Session, Backend: res.Backend, Running: res.TimedOut}
	if req.Action == dispatch.ActionExec {
		r.Last = req.Command
	}
	for i := range s.rows {
		if s.rows[i].Pid == r.Pid && s.rows[i].Session == r.Session {
			if r.Last == "" {
				r.Last = s.rows[i].Last
			}
			if r.Backend == "" {
				r.Backend = s.rows[i].Backend
			}
			s.rows[i] = r
			return
		}
	}
	s.rows = append(s.rows, r)
}

func (s *consoleState) remove(pid int, session string) {
	for i := range s.rows {
		if s.rows[i].Pid == pid && s.rows[i].Session == session {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return
		}
	}
}

// line is one rendered transcript line.
type line struct {
	text    string
	header  bool
	isError bool
}

// transcript renders all blocks, oldest first.
func (s *consoleState) transcript() []line {
	var lines []line
	for _, b := range s.blocks {
		lines = append(lines, line{text: b.header, header: true})
		body := strings.TrimRight(b.body.String(), "\n")
		if body == "" && !b.done {
			body = "..."
		}
		if body != "" {
			for _, l := range strings.Split(body, "\n") {
				lines = append(lines, line{text: l, isError: b.isError})
			}
		}
		lines = append(lines, line{})
	}
	return lines
}
