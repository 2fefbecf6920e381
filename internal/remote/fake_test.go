package remote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	fakeCmdLine  = regexp.MustCompile(`^(.*) (?:;|&) echo (__ST_[0-9a-f]{12}__)\$\?$`)
	fakeBareEcho = regexp.MustCompile(`^echo (__ST_[0-9a-f]{12}__)\$\?$`)
)

// fakeShell is a toy interactive shell: it echoes what it reads, runs a
// handful of commands and honours the completion echo.
type fakeShell struct {
	pid int

	emitMu sync.Mutex

	mu      sync.Mutex
	subs    []Subscriber
	history []byte
	status  int
	cancel  chan struct{}
	inputs  []string
	dead    bool
}

type step struct {
	after time.Duration
	do    func()
}

func (sh *fakeShell) emit(s string) {
	sh.emitMu.Lock()
	defer sh.emitMu.Unlock()
	sh.mu.Lock()
	sh.history = append(sh.history, s...)
	subs := append([]Subscriber(nil), sh.subs...)
	sh.mu.Unlock()
	for _, sub := range subs {
		sub.Data([]byte(s))
	}
}

func (sh *fakeShell) setStatus(code int) {
	sh.mu.Lock()
	sh.status = code
	sh.mu.Unlock()
}

func (sh *fakeShell) getStatus() int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.status
}

func (sh *fakeShell) input(data []byte) {
	sh.mu.Lock()
	sh.inputs = append(sh.inputs, string(data))
	sh.mu.Unlock()

	text := string(data)
	if text == "\x03" {
		sh.interrupt()
		return
	}
	if !strings.HasSuffix(text, "\n") {
		sh.emit(text)
		return
	}
	line := strings.TrimSuffix(text, "\n")
	sh.emit(line + "\r\n")
	if m := fakeBareEcho.FindStringSubmatch(line); m != nil {
		sh.emit(fmt.Sprintf("%s%d\r\n$ ", m[1], sh.getStatus()))
		return
	}
	m := fakeCmdLine.FindStringSubmatch(line)
	if m == nil {
		sh.emit("$ ")
		return
	}
	sh.run(m[1], m[2])
}

func (sh *fakeShell) run(cmd, tok string) {
	finish := func(code int) {
		sh.setStatus(code)
		sh.emit(fmt.Sprintf("%s%d\r\n$ ", tok, code))
	}
	fields := strings.Fields(cmd)
	switch fields[0] {
	case "echo":
		sh.emit(strings.Join(fields[1:], " ") + "\r\n")
		finish(0)
	case "false":
		finish(1)
	case "sleep":
		secs, _ := strconv.ParseFloat(fields[1], 64)
		sh.start([]step{{time.Duration(secs * float64(time.Second)), func() { finish(0) }}})
	case "emit":
		// emit a b c: one word every 200ms, then completion.
		var steps []step
		for i, w := range fields[1:] {
			after := 200 * time.Millisecond
			if i == 0 {
				after = 0
			}
			steps = append(steps, step{after, func() { sh.emit(w + "\r\n") }})
		}
		steps = append(steps, step{200 * time.Millisecond, func() { finish(0) }})
		sh.start(steps)
	case "exit":
		sh.die(0)
	default:
		sh.emit("bash: " + fields[0] + ": command not found\r\n")
		finish(127)
	}
}

func (sh *fakeShell) start(steps []step) {
	cancel := make(chan struct{})
	sh.mu.Lock()
	sh.cancel = cancel
	sh.mu.Unlock()
	go func() {
		for _, st := range steps {
			select {
			case <-time.After(st.after):
				st.do()
			case <-cancel:
				return
			}
		}
		sh.mu.Lock()
		if sh.cancel == cancel {
			sh.cancel = nil
		}
		sh.mu.Unlock()
	}()
}

func (sh *fakeShell) interrupt() {
	sh.mu.Lock()
	c := sh.cancel
	sh.cancel = nil
	sh.mu.Unlock()
	if c == nil {
		sh.emit("^C\r\n$ ")
		return
	}
	close(c)
	sh.setStatus(130)
	sh.emit("^C\r\n$ ")
}

func (sh *fakeShell) die(code int) {
	sh.mu.Lock()
	sh.dead = true
	subs := append([]Subscriber(nil), sh.subs...)
	sh.mu.Unlock()
	for _, sub := range subs {
		sub.Exit(code)
	}
}

func (sh *fakeShell) lastInput() string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.inputs) == 0 {
		return ""
	}
	return sh.inputs[len(sh.inputs)-1]
}

// fakeService implements PTYService with fakeShells.
type fakeService struct {
	mu         sync.Mutex
	next       int
	shells     map[int]*fakeShell
	creates    int
	sends      int
	kills      int
	killErr    error
	incomplete bool
}

func newFakeService() *fakeService {
	return &fakeService{next: 100, shells: make(map[int]*fakeShell)}
}

func (f *fakeService) shell(pid int) (*fakeShell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sh, ok := f.shells[pid]
	if !ok {
		return nil, fmt.Errorf("no such session: %d", pid)
	}
	sh.mu.Lock()
	dead := sh.dead
	sh.mu.Unlock()
	if dead {
		return nil, fmt.Errorf("session %d exited", pid)
	}
	return sh, nil
}

func (f *fakeService) Create(ctx context.Context, opts PTYOptions, sub Subscriber) (int, error) {
	f.mu.Lock()
	f.next++
	pid := f.next
	sh := &fakeShell{pid: pid, subs: []Subscriber{sub}}
	f.shells[pid] = sh
	f.creates++
	f.mu.Unlock()
	sh.emit("$ ")
	return pid, nil
}

func (f *fakeService) Connect(ctx context.Context, pid int, sub Subscriber) (Attachment, error) {
	sh, err := f.shell(pid)
	if err != nil {
		return Attachment{}, err
	}
	sh.emitMu.Lock()
	defer sh.emitMu.Unlock()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.subs = append(sh.subs, sub)
	f.mu.Lock()
	complete := !f.incomplete
	f.mu.Unlock()
	return Attachment{Scrollback: append([]byte(nil), sh.history...), Complete: complete}, nil
}

func (f *fakeService) SendInput(ctx context.Context, pid int, data []byte) error {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	sh, err := f.shell(pid)
	if err != nil {
		return err
	}
	sh.input(data)
	return nil
}

func (f *fakeService) Kill(ctx context.Context, pid int) error {
	f.mu.Lock()
	f.kills++
	killErr := f.killErr
	f.mu.Unlock()
	if killErr != nil {
		return killErr
	}
	sh, err := f.shell(pid)
	if err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.shells, pid)
	f.mu.Unlock()
	sh.die(137)
	return nil
}

func (f *fakeService) counts() (creates, sends, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.sends, f.kills
}

var errBoom = errors.New("boom")
