package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zpdzap/sandterm/internal/sanitize"
	"github.com/zpdzap/sandterm/internal/session"
	"github.com/zpdzap/sandterm/internal/stream"
)

// Runner runs a shell script where tmux lives and returns its stdout.
type Runner interface {
	Run(ctx context.Context, script string) (string, error)
}

// Options configures the sessions a Manager creates.
type Options struct {
	Chat         string
	Shell        string
	HistoryLimit int
	PollInterval time.Duration
	Settle       time.Duration
	Cols         int
	Rows         int
}

func (o *Options) applyDefaults() {
	if o.Chat == "" {
		o.Chat = "default"
	}
	if o.Shell == "" {
		o.Shell = "bash"
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Settle <= 0 {
		o.Settle = 300 * time.Millisecond
	}
	if o.Cols <= 0 {
		o.Cols = 200
	}
	if o.Rows <= 0 {
		o.Rows = 50
	}
}

// finalCaptureTimeout bounds the capture taken after a cancelled poll.
const finalCaptureTimeout = 5 * time.Second

// Manager owns the tmux sessions of one chat.
type Manager struct {
	run  Runner
	opts Options
	log  *slog.Logger

	pool     *session.Pool[string]
	mu       sync.Mutex
	sessions map[string]*pane
	created  int
	attach   singleflight.Group
}

func NewManager(run Runner, opts Options, log *slog.Logger) *Manager {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		run:      run,
		opts:     opts,
		log:      log.With("chat", opts.Chat),
		pool:     session.NewPool[string](),
		sessions: make(map[string]*pane),
	}
}

// pane is the manager's view of one tmux session.
type pane struct {
	mu   sync.Mutex
	name string
	// snapshot is the normalized capture up to the last byte handed out.
	snapshot      string
	pending       session.Sentinel
	detector      *session.Detector
	command       string
	discontinuity bool
}

// Exec runs command in the named session, or in a pooled or new session
// when name is empty. The poll for completion runs on the target machine
// in a single round trip. On timeout or cancellation the command keeps
// running and the session stays busy until Wait sees it finish.
func (m *Manager) Exec(ctx context.Context, name, command string, timeout time.Duration, w *stream.Writer) (string, session.Outcome, error) {
	p, err := m.acquire(ctx, name)
	if err != nil {
		return name, session.Outcome{}, err
	}
	p.mu.Lock()
	tok := session.NewSentinel()
	p.pending, p.detector, p.command = tok, tok.Detector(), command
	p.mu.Unlock()

	line := session.BuildCommand(command, tok)
	if _, err := m.run.Run(ctx, pasteScript(p.name, line, true)); err != nil {
		p.mu.Lock()
		p.pending, p.detector = "", nil
		p.mu.Unlock()
		m.pool.Release(p.name)
		return p.name, session.Outcome{}, fmt.Errorf("sending command to %s: %w", p.name, err)
	}
	m.log.Debug("exec sent", "session", p.name, "timeout", timeout)
	out, err := m.poll(ctx, p, timeout, w)
	return p.name, out, err
}

// Wait resumes waiting on the command pending in name. With nothing pending
// it returns any new output immediately.
func (m *Manager) Wait(ctx context.Context, name string, timeout time.Duration, w *stream.Writer) (session.Outcome, error) {
	p, err := m.ensure(ctx, name)
	if err != nil {
		return session.Outcome{}, err
	}
	p.mu.Lock()
	pending := p.pending
	p.mu.Unlock()
	if pending == "" {
		return m.View(ctx, name)
	}
	return m.poll(ctx, p, timeout, w)
}

// View returns output produced since the last read without waiting. A
// completion that has already happened is resolved.
func (m *Manager) View(ctx context.Context, name string) (session.Outcome, error) {
	p, err := m.ensure(ctx, name)
	if err != nil {
		return session.Outcome{}, err
	}
	raw, err := m.run.Run(ctx, captureScript(p.name))
	if err != nil {
		return session.Outcome{}, m.gone(ctx, p, err)
	}
	out, finished := p.absorb(raw, true)
	if finished {
		m.pool.Release(p.name)
	}
	return out, nil
}

// Send delivers input to the session: key names go through send-keys,
// anything else is pasted verbatim. An interrupt re-arms the pending
// completion echo. After a short pause the immediate echo is read and
// streamed without resolving completion.
func (m *Manager) Send(ctx context.Context, name, input string, w *stream.Writer) (session.Outcome, error) {
	p, err := m.ensure(ctx, name)
	if err != nil {
		return session.Outcome{}, err
	}
	var script string
	if keys, ok := session.ParseKeys(input); ok {
		script = keysScript(p.name, keys)
		p.mu.Lock()
		pending := p.pending
		p.mu.Unlock()
		if pending != "" && session.HasInterrupt(keys) {
			script += "\n" + pasteScript(p.name, pending.Echo(), true)
		}
	} else {
		script = pasteScript(p.name, input, false)
	}
	raw, err := m.run.Run(ctx, script+"\n"+settleScript(p.name, m.opts.Settle))
	if err != nil {
		return session.Outcome{}, fmt.Errorf("sending input to %s: %w", p.name, err)
	}
	out, _ := p.absorb(raw, false)
	w.Push(out.Output)
	return out, nil
}

// Kill ends the tmux session and drops all bookkeeping for it, even when
// tmux reports an error. An untracked name still gets a kill attempt; if
// that fails too the session is reported as not found.
func (m *Manager) Kill(ctx context.Context, name string) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: invalid session name %q", session.ErrNotFound, name)
	}
	m.mu.Lock()
	_, tracked := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	m.pool.Remove(name)

	_, err := m.run.Run(ctx, killScript(name))
	if tracked {
		if err != nil {
			m.log.Warn("kill reported an error; session dropped anyway", "session", name, "error", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", session.ErrNotFound, name, err)
	}
	return nil
}

// Reconnect attaches to a session this manager is not tracking.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	_, err := m.ensure(ctx, name)
	return err
}

// State reports a session's pool membership.
func (m *Manager) State(name string) session.State {
	return m.pool.State(name)
}

// Sessions lists tracked session names.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for n := range m.sessions {
		names = append(names, n)
	}
	return names
}

// poll runs the embedded poll loop for the pending sentinel and settles the
// session from the final capture.
func (m *Manager) poll(ctx context.Context, p *pane, timeout time.Duration, w *stream.Writer) (session.Outcome, error) {
	p.mu.Lock()
	tok := p.pending
	p.mu.Unlock()

	script := pollScript(p.name, tok, iterations(timeout, m.opts.PollInterval), m.opts.PollInterval)
	// The runner gets slack beyond the loop itself; the caller's timeout is
	// enforced by the iteration count.
	runCtx, cancel := context.WithTimeout(ctx, timeout+finalCaptureTimeout+5*time.Second)
	raw, err := m.run.Run(runCtx, script)
	cancel()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			return session.Outcome{}, m.gone(ctx, p, err)
		}
		// Cancelled: read what is there so nothing is lost, and leave the
		// session pending.
		capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCaptureTimeout)
		raw, err = m.run.Run(capCtx, captureScript(p.name))
		cancel()
		if err != nil {
			return session.Outcome{TimedOut: true}, nil
		}
	}
	out, finished := p.absorb(raw, true)
	if finished {
		m.pool.Release(p.name)
	}
	w.Push(out.Output)
	return out, nil
}

// gone turns a failed capture into ErrNotFound when the session no longer
// exists, dropping it from the pool.
func (m *Manager) gone(ctx context.Context, p *pane, err error) error {
	if _, herr := m.run.Run(ctx, hasScript(p.name)); herr != nil {
		m.forget(p.name)
		return fmt.Errorf("%w: %s has ended", session.ErrNotFound, p.name)
	}
	return fmt.Errorf("capturing %s: %w", p.name, err)
}

// absorb folds a capture into the pane. With resolve set a completion line
// of the pending sentinel finishes the command: output stops before it and
// the exit status is reported.
func (p *pane) absorb(raw string, resolve bool) (out session.Outcome, finished bool) {
	cur := normalize(raw)
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := newSince(p.snapshot, cur)
	if !ok {
		out.Discontinuity = true
	}
	// A capture older than what was already handed out must not move the
	// snapshot back.
	stale := len(cur) < len(p.snapshot) && strings.HasPrefix(p.snapshot, cur)
	next := cur
	end := len(cur)
	if p.detector != nil {
		if match, found := p.detector.FindFinal(cur); found && resolve {
			end = max(off, match.Start)
			next = cur[:max(off, match.End)]
			out.ExitCode = session.ExitCode(match.ExitCode)
			p.pending, p.detector = "", nil
			finished = true
		} else {
			out.TimedOut = true
		}
	}
	if !stale {
		p.snapshot = next
	}
	out.Output = sanitize.Output(cur[off:end], p.command)
	out.Discontinuity = out.Discontinuity || p.discontinuity
	p.discontinuity = false
	return out, finished
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.sessions, name)
	m.mu.Unlock()
	m.pool.Remove(name)
}

func (m *Manager) acquire(ctx context.Context, name string) (*pane, error) {
	if name != "" {
		p, err := m.ensure(ctx, name)
		if err != nil {
			return nil, err
		}
		if err := m.pool.Claim(name); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return p, nil
	}
	for {
		id, ok := m.pool.Acquire()
		if !ok {
			return m.create(ctx)
		}
		m.mu.Lock()
		p := m.sessions[id]
		m.mu.Unlock()
		if p == nil {
			continue
		}
		if _, err := m.run.Run(ctx, hasScript(id)); err != nil {
			m.log.Info("pooled session has ended", "session", id)
			m.forget(id)
			continue
		}
		return p, nil
	}
}

func (m *Manager) create(ctx context.Context) (*pane, error) {
	list, err := m.run.Run(ctx, listScript())
	if err != nil {
		return nil, fmt.Errorf("listing tmux sessions: %w", err)
	}
	m.mu.Lock()
	name := nextName(m.opts.Chat, parseList(list), m.created)
	m.created = mustCounter(name)
	m.mu.Unlock()

	script := createScript(name, m.opts.Shell, m.opts.HistoryLimit, m.opts.Cols, m.opts.Rows)
	if _, err := m.run.Run(ctx, script); err != nil {
		return nil, fmt.Errorf("creating tmux session %s: %w", name, err)
	}
	p := &pane{name: name}
	m.mu.Lock()
	m.sessions[name] = p
	m.mu.Unlock()
	m.pool.AddBusy(name)
	m.log.Info("tmux session created", "session", name)
	return p, nil
}

// mustCounter extracts the numeric suffix of a name built by nextName.
func mustCounter(name string) int {
	i := strings.LastIndexByte(name, '-')
	n := 0
	for _, c := range name[i+1:] {
		n = n*10 + int(c-'0')
	}
	return n
}

// ensure returns the tracked pane for name, reconnecting if needed. A
// reconnect seeds the snapshot from the current capture; a completion echo
// with no completion line yet is restored as pending and the output after
// it stays unread.
func (m *Manager) ensure(ctx context.Context, name string) (*pane, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: invalid session name %q", session.ErrNotFound, name)
	}
	m.mu.Lock()
	p, ok := m.sessions[name]
	m.mu.Unlock()
	if ok {
		return p, nil
	}

	v, err, _ := m.attach.Do(name, func() (any, error) {
		m.mu.Lock()
		if p, ok := m.sessions[name]; ok {
			m.mu.Unlock()
			return p, nil
		}
		m.mu.Unlock()

		if _, err := m.run.Run(ctx, hasScript(name)); err != nil {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, name)
		}
		raw, err := m.run.Run(ctx, captureScript(name)+"\n"+historyScript(name))
		if err != nil {
			return nil, fmt.Errorf("capturing %s: %w", name, err)
		}
		capture, history := splitLastLine(raw)

		p := &pane{name: name, discontinuity: trimmed(history)}
		cur := normalize(capture)
		p.snapshot = cur
		busy := false
		if pend, ok := session.RecoverPending(cur); ok {
			p.pending = pend.Sentinel
			p.detector = pend.Sentinel.Detector()
			p.snapshot = cur[:min(pend.EchoEnd, len(cur))]
			busy = !pend.Done
		}

		m.mu.Lock()
		m.sessions[name] = p
		m.mu.Unlock()
		if busy {
			m.pool.AddBusy(name)
		} else {
			m.pool.AddIdle(name)
		}
		m.log.Info("tmux session reconnected", "session", name, "pending", busy, "trimmed", p.discontinuity)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pane), nil
}

// splitLastLine separates the trailing line a script appended after a
// capture from the capture itself.
func splitLastLine(s string) (head, last string) {
	s = strings.TrimRight(s, "\n")
	i := strings.LastIndexByte(s, '\n')
	if i < 0 {
		return "", s
	}
	return s[:i], s[i+1:]
}
