package ptyd

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// shellSession is one shell running on a pseudo-terminal.
type shellSession struct {
	pid  int
	cmd  *exec.Cmd
	ptmx *os.File
	ring *ring

	// mu orders ring writes with fan-out so a snapshot taken together with
	// a subscribe neither misses nor repeats bytes.
	mu       sync.Mutex
	subs     map[*conn]struct{}
	alive    bool
	killed   bool
	exitCode int
	exitedAt time.Time
}

func startShell(req Message, scrollback int) (*shellSession, error) {
	shell := req.Shell
	if shell == "" {
		shell = "bash"
	}
	cmd := exec.Command(shell)
	cmd.Dir = req.Cwd
	cmd.Env = shellEnv(req.Env)

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 200
	}
	if rows <= 0 {
		rows = 50
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("starting %s on a pty: %w", shell, err)
	}
	return &shellSession{
		pid:   cmd.Process.Pid,
		cmd:   cmd,
		ptmx:  ptmx,
		ring:  newRing(scrollback),
		subs:  make(map[*conn]struct{}),
		alive: true,
	}, nil
}

// shellEnv inherits the daemon's environment with overrides applied.
func shellEnv(extra map[string]string) []string {
	env := map[string]string{"TERM": "xterm-256color"}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				if _, set := env[kv[:i]]; !set {
					env[kv[:i]] = kv[i+1:]
				}
				break
			}
		}
	}
	for k, v := range extra {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// pump copies pty output into the ring and out to subscribers until the
// shell exits, then reports the exit.
func (s *shellSession) pump(onExit func(*shellSession)) {
	buf := make([]byte, 32<<10)
	var held []byte
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append(held, buf[:n]...)
			held = nil
			if t := utf8Tail(chunk); t > 0 {
				held = append([]byte(nil), chunk[len(chunk)-t:]...)
				chunk = chunk[:len(chunk)-t]
			}
			s.broadcast(chunk)
		}
		if err != nil {
			break
		}
	}
	if len(held) > 0 {
		s.broadcast(held)
	}
	s.ptmx.Close()

	code := 0
	if err := s.cmd.Wait(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}
	s.mu.Lock()
	s.alive = false
	s.exitCode = code
	s.exitedAt = time.Now()
	subs := s.subscribers()
	s.mu.Unlock()

	msg := Message{Type: TypeExit, Pid: s.pid, ExitCode: &code}
	for _, c := range subs {
		c.send(msg)
	}
	onExit(s)
}

func (s *shellSession) broadcast(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	data := append([]byte(nil), chunk...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Write(data)
	msg := Message{Type: TypeData, Pid: s.pid, Data: data}
	for c := range s.subs {
		c.send(msg)
	}
}

// subscribers returns a copy of the subscriber set; callers hold mu.
func (s *shellSession) subscribers() []*conn {
	out := make([]*conn, 0, len(s.subs))
	for c := range s.subs {
		out = append(out, c)
	}
	return out
}

// subscribe queues reply on c and adds c to the fan-out. When withScrollback
// is set the reply carries the ring contents as of the same instant.
func (s *shellSession) subscribe(c *conn, reply Message, withScrollback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if withScrollback {
		data, total := s.ring.Snapshot()
		reply.Scrollback = data
		reply.Total = total
		reply.Truncated = total > int64(len(data))
	}
	c.send(reply)
	if s.alive {
		s.subs[c] = struct{}{}
	} else {
		code := s.exitCode
		c.send(Message{Type: TypeExit, Pid: s.pid, ExitCode: &code})
	}
}

func (s *shellSession) unsubscribe(c *conn) {
	s.mu.Lock()
	delete(s.subs, c)
	s.mu.Unlock()
}

func (s *shellSession) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *shellSession) write(data []byte) error {
	if !s.running() {
		return fmt.Errorf("session %d has exited", s.pid)
	}
	_, err := s.ptmx.Write(data)
	return err
}

// terminate hangs up the shell and force-kills it if it lingers. It
// reports false when the shell already exited or a kill is underway, so a
// second kill of the same pid is rejected before the shell is reaped.
func (s *shellSession) terminate(grace time.Duration) bool {
	s.mu.Lock()
	if !s.alive || s.killed {
		s.mu.Unlock()
		return false
	}
	s.killed = true
	s.mu.Unlock()

	_ = s.cmd.Process.Signal(syscall.SIGHUP)
	s.ptmx.Close()
	go func() {
		time.Sleep(grace)
		if s.isAlive() {
			_ = s.cmd.Process.Kill()
		}
	}()
	return true
}

// running reports whether the shell is alive and not being killed.
func (s *shellSession) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.killed
}

func (s *shellSession) deadSince(now time.Time, age time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.alive && !s.exitedAt.IsZero() && now.Sub(s.exitedAt) > age
}
