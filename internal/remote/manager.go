// Package remote runs the completion protocol against a PTY service that
// pushes output as it is produced. Sessions are addressed by the remote
// shell's process id.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zpdzap/sandterm/internal/session"
	"github.com/zpdzap/sandterm/internal/stream"
)

// PTYOptions describes the shell a new session runs.
type PTYOptions struct {
	Shell string
	Cols  int
	Rows  int
	Cwd   string
	Env   map[string]string
}

// Subscriber receives a session's pushed events. Calls for one session are
// made one at a time, in the order the bytes were produced.
type Subscriber struct {
	Data func([]byte)
	Exit func(code int)
}

// Attachment is what re-attaching to a running session returns.
type Attachment struct {
	Scrollback []byte
	// Complete is false when the service could not return everything the
	// session has produced.
	Complete bool
}

// PTYService is the managed pseudo-terminal backend.
type PTYService interface {
	Create(ctx context.Context, opts PTYOptions, sub Subscriber) (int, error)
	Connect(ctx context.Context, pid int, sub Subscriber) (Attachment, error)
	SendInput(ctx context.Context, pid int, data []byte) error
	Kill(ctx context.Context, pid int) error
}

// DefaultSettle is how long Send waits for an echo before reading.
const DefaultSettle = 300 * time.Millisecond

// Manager owns the sessions of one chat.
type Manager struct {
	svc    PTYService
	opts   PTYOptions
	settle time.Duration
	log    *slog.Logger

	pool     *session.Pool[int]
	mu       sync.Mutex
	sessions map[int]*ptySession
	attach   singleflight.Group
}

func NewManager(svc PTYService, opts PTYOptions, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		svc:      svc,
		opts:     opts,
		settle:   DefaultSettle,
		log:      log,
		pool:     session.NewPool[int](),
		sessions: make(map[int]*ptySession),
	}
}

// SetSettle changes the pause after Send.
func (m *Manager) SetSettle(d time.Duration) { m.settle = d }

// Exec runs command in session pid, or in a pooled or new session when pid
// is zero. It returns once the command completes, timeout elapses or ctx is
// done; in the latter two cases the command keeps running and the session
// stays busy until Wait sees it finish.
func (m *Manager) Exec(ctx context.Context, pid int, command string, timeout time.Duration, w *stream.Writer) (int, session.Outcome, error) {
	s, err := m.acquire(ctx, pid)
	if err != nil {
		return pid, session.Outcome{}, err
	}
	line := s.begin(command, w)
	if err := m.svc.SendInput(ctx, s.pid, []byte(line+"\n")); err != nil {
		s.abort()
		m.pool.Release(s.pid)
		return s.pid, session.Outcome{}, fmt.Errorf("sending command to pid %d: %w", s.pid, err)
	}
	m.log.Debug("exec sent", "pid", s.pid, "timeout", timeout)
	return s.pid, m.await(ctx, s, s.done, timeout), nil
}

// Wait resumes waiting on the command pending in pid. With nothing pending
// it returns any new output immediately.
func (m *Manager) Wait(ctx context.Context, pid int, timeout time.Duration, w *stream.Writer) (session.Outcome, error) {
	s, err := m.ensure(ctx, pid)
	if err != nil {
		return session.Outcome{}, err
	}
	done := s.attach(w)
	if done == nil {
		out, _ := s.collect()
		return out, nil
	}
	return m.await(ctx, s, done, timeout), nil
}

// View returns output produced since the last read without waiting.
func (m *Manager) View(ctx context.Context, pid int) (session.Outcome, error) {
	s, err := m.ensure(ctx, pid)
	if err != nil {
		return session.Outcome{}, err
	}
	out, finished := s.collect()
	m.settled(s, finished)
	return out, nil
}

// Send writes input to the session. Input made only of key names is sent
// as those keys; anything else is sent verbatim. After a short pause the
// immediate echo is read and streamed. An interrupt re-arms the pending
// completion echo, since the shell drops the rest of a command list it
// was running when interrupted.
func (m *Manager) Send(ctx context.Context, pid int, input string, w *stream.Writer) (session.Outcome, error) {
	s, err := m.ensure(ctx, pid)
	if err != nil {
		return session.Outcome{}, err
	}
	data := []byte(input)
	keys, isKeys := session.ParseKeys(input)
	if isKeys {
		data = session.KeyBytes(keys)
	}
	if err := m.svc.SendInput(ctx, pid, data); err != nil {
		return session.Outcome{}, fmt.Errorf("sending input to pid %d: %w", pid, err)
	}
	if isKeys && session.HasInterrupt(keys) {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending != "" {
			if err := m.svc.SendInput(ctx, pid, []byte(pending.Echo()+"\n")); err != nil {
				m.log.Warn("re-arming completion echo failed", "pid", pid, "error", err)
			}
		}
	}

	select {
	case <-time.After(m.settle):
	case <-ctx.Done():
	}
	out := s.read()
	w.Push(out.Output)
	return out, nil
}

// Kill terminates the session and drops all bookkeeping for it, even when
// the service reports an error. An untracked pid still gets a direct kill
// attempt; if that fails too the session is reported as not found.
func (m *Manager) Kill(ctx context.Context, pid int) error {
	m.mu.Lock()
	s, tracked := m.sessions[pid]
	delete(m.sessions, pid)
	m.mu.Unlock()
	m.pool.Remove(pid)

	err := m.svc.Kill(ctx, pid)
	if tracked {
		s.close()
		if err != nil {
			m.log.Warn("kill reported an error; session dropped anyway", "pid", pid, "error", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: pid %d: %v", session.ErrNotFound, pid, err)
	}
	return nil
}

// Reconnect attaches to a session this manager is not tracking, for
// example one started by another process. Scrollback is used to restore a
// pending completion so Wait keeps working.
func (m *Manager) Reconnect(ctx context.Context, pid int) error {
	_, err := m.ensure(ctx, pid)
	return err
}

// State reports a session's pool membership.
func (m *Manager) State(pid int) session.State {
	return m.pool.State(pid)
}

// Sessions lists tracked pids.
func (m *Manager) Sessions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pids := make([]int, 0, len(m.sessions))
	for pid := range m.sessions {
		pids = append(pids, pid)
	}
	return pids
}

func (m *Manager) await(ctx context.Context, s *ptySession, done <-chan struct{}, timeout time.Duration) session.Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	out, finished := s.collect()
	if !finished {
		s.detach()
	}
	m.settled(s, finished)
	return out
}

// settled updates bookkeeping after a finished command: an exited shell is
// forgotten, a live one goes back to the idle pool.
func (m *Manager) settled(s *ptySession, finished bool) {
	if !finished {
		return
	}
	if s.isExited() {
		m.forget(s.pid)
		return
	}
	m.pool.Release(s.pid)
}

func (m *Manager) forget(pid int) {
	m.mu.Lock()
	delete(m.sessions, pid)
	m.mu.Unlock()
	m.pool.Remove(pid)
}

func (m *Manager) acquire(ctx context.Context, pid int) (*ptySession, error) {
	if pid != 0 {
		s, err := m.ensure(ctx, pid)
		if err != nil {
			return nil, err
		}
		if err := m.pool.Claim(pid); err != nil {
			return nil, fmt.Errorf("pid %d: %w", pid, err)
		}
		return s, nil
	}
	for {
		id, ok := m.pool.Acquire()
		if !ok {
			return m.create(ctx)
		}
		m.mu.Lock()
		s := m.sessions[id]
		m.mu.Unlock()
		if s == nil || s.isExited() {
			m.forget(id)
			continue
		}
		return s, nil
	}
}

func (m *Manager) create(ctx context.Context) (*ptySession, error) {
	s := newPTYSession()
	pid, err := m.svc.Create(ctx, m.opts, s.subscriber())
	if err != nil {
		return nil, fmt.Errorf("creating pty session: %w", err)
	}
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()

	m.mu.Lock()
	m.sessions[pid] = s
	m.mu.Unlock()
	m.pool.AddBusy(pid)
	m.log.Info("pty session created", "pid", pid)
	return s, nil
}

// ensure returns the tracked session for pid, reconnecting if needed.
func (m *Manager) ensure(ctx context.Context, pid int) (*ptySession, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", session.ErrNotFound, pid)
	}
	m.mu.Lock()
	s, ok := m.sessions[pid]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := m.attach.Do(strconv.Itoa(pid), func() (any, error) {
		m.mu.Lock()
		if s, ok := m.sessions[pid]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		s := newPTYSession()
		s.pid = pid
		att, err := m.svc.Connect(ctx, pid, s.subscriber())
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: pid %d: %v", session.ErrNotFound, pid, err)
		}
		busy := s.restore(att)

		m.mu.Lock()
		m.sessions[pid] = s
		m.mu.Unlock()
		if busy {
			m.pool.AddBusy(pid)
		} else {
			m.pool.AddIdle(pid)
		}
		m.log.Info("pty session reconnected", "pid", pid, "pending", busy, "complete", att.Complete)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ptySession), nil
}
