package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"

	"github.com/zpdzap/sandterm/internal/config"
	"github.com/zpdzap/sandterm/internal/ptyd"
	"github.com/zpdzap/sandterm/internal/tmux"
)

const remoteKey = "remote"

// Target is where a tool call runs: the ptyd client for the remote
// backend, or a runner reaching tmux for the local one.
type Target struct {
	Backend Backend
	// Connection is the local connection, "host" or "container:<box>".
	Connection string
	Handle     *Handle
	Client     *ptyd.Client
	Runner     tmux.Runner
	// Fallback is set when the preferred local connection was absent and
	// the remote backend was picked instead.
	Fallback bool
}

// Manager hands out health-checked targets and, in hybrid mode, picks the
// backend from the stored preference.
type Manager struct {
	projectDir string
	cfg        *config.Config
	log        *slog.Logger
	boxes      *Boxes

	// Swapped in tests.
	lookPath func(string) (string, error)
	probe    func(key string) ProbeFunc

	mu      sync.Mutex
	client  *ptyd.Client
	handles map[string]*Handle
}

func NewManager(projectDir string, cfg *config.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		projectDir: projectDir,
		cfg:        cfg,
		log:        log,
		boxes:      NewBoxes(projectDir, cfg, log),
		lookPath:   exec.LookPath,
		handles:    make(map[string]*Handle),
	}
	m.probe = m.defaultProbe
	return m
}

// Boxes returns the box lifecycle manager.
func (m *Manager) Boxes() *Boxes { return m.boxes }

// Client returns the shared ptyd client, creating it on first use.
func (m *Manager) Client() *ptyd.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		m.client = ptyd.NewClient(m.cfg.Remote.URL, m.cfg.Remote.Token, m.log.With("component", "ptyd-client"))
	}
	return m.client
}

// Select returns the target for a new command according to the mode and,
// in hybrid mode, the stored preference.
func (m *Manager) Select(ctx context.Context) (Target, error) {
	switch m.cfg.Mode {
	case config.ModeRemote:
		return m.Remote(ctx)
	case config.ModeLocal:
		return m.Local(ctx, m.LocalConnection())
	}

	pref, err := LoadPreference(m.projectDir)
	if err != nil {
		m.log.Warn("reading backend preference", "err", err)
	}
	if pref.Backend != BackendLocal {
		return m.Remote(ctx)
	}
	conn := m.LocalConnection()
	if err := m.Available(ctx, conn); err != nil {
		m.log.Warn("preferred local connection is absent, using remote", "connection", conn, "err", err)
		return m.fallback(ctx)
	}
	t, err := m.Local(ctx, conn)
	if errors.Is(err, ErrUnavailable) {
		m.log.Warn("preferred local connection is unhealthy, using remote", "connection", conn, "err", err)
		return m.fallback(ctx)
	}
	return t, err
}

func (m *Manager) fallback(ctx context.Context) (Target, error) {
	t, err := m.Remote(ctx)
	t.Fallback = true
	return t, err
}

// LocalConnection is the preferred local connection, or the configured one.
func (m *Manager) LocalConnection() string {
	if pref, err := LoadPreference(m.projectDir); err == nil && pref.Connection != "" {
		return pref.Connection
	}
	return m.cfg.Local.Connection
}

// Remote returns the remote target after its health check.
func (m *Manager) Remote(ctx context.Context) (Target, error) {
	h := m.Handle(remoteKey)
	if err := h.Ready(ctx); err != nil {
		return Target{Backend: BackendRemote, Handle: h}, err
	}
	return Target{Backend: BackendRemote, Handle: h, Client: m.Client()}, nil
}

// Local returns the target for a local connection after its health check.
func (m *Manager) Local(ctx context.Context, conn string) (Target, error) {
	kind, box, err := config.ParseConnection(conn)
	if err != nil {
		return Target{}, err
	}
	h := m.Handle(conn)
	t := Target{Backend: BackendLocal, Connection: conn, Handle: h}
	if err := h.Ready(ctx); err != nil {
		return t, err
	}
	t.Runner = runnerFor(kind, box)
	return t, nil
}

// Available reports why a local connection cannot be used, or nil.
func (m *Manager) Available(ctx context.Context, conn string) error {
	kind, box, err := config.ParseConnection(conn)
	if err != nil {
		return err
	}
	if kind == "host" {
		for _, bin := range []string{"tmux", "bash"} {
			if _, err := m.lookPath(bin); err != nil {
				return fmt.Errorf("%s not found on this machine", bin)
			}
		}
		return nil
	}
	if _, ok, err := m.boxes.Get(box); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("box %q does not exist", box)
	}
	if !m.boxes.Running(ctx, box) {
		return fmt.Errorf("box %q is not running", box)
	}
	return nil
}

// Handle returns the health-tracked handle for key ("remote" or a local
// connection), creating it on first use.
func (m *Manager) Handle(key string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[key]
	if !ok {
		h = NewHandle(key, m.probe(key), HealthOptions{
			Timeout:          m.cfg.Health.ProbeTimeout,
			FailureThreshold: m.cfg.Health.FailureThreshold,
			BackoffBase:      m.cfg.Health.BackoffBase,
			BackoffMax:       m.cfg.Health.BackoffMax,
		}, m.log)
		m.handles[key] = h
	}
	return h
}

// Doctor resets the remote handle and the local connection's handle with
// an explicit probe each, returning their health afterwards.
func (m *Manager) Doctor(ctx context.Context) []Health {
	keys := []string{remoteKey, m.LocalConnection()}
	out := make([]Health, 0, len(keys))
	for _, k := range keys {
		h := m.Handle(k)
		if err := h.Reset(ctx); err != nil {
			m.log.Warn("doctor probe failed", "sandbox", k, "err", err)
		}
		out = append(out, h.Health())
	}
	return out
}

// Healths returns the record of every handle used so far.
func (m *Manager) Healths() []Health {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	out := make([]Health, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Close() error {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}

func (m *Manager) defaultProbe(key string) ProbeFunc {
	if key == remoteKey {
		return func(ctx context.Context) error {
			resp, err := m.Client().Run(ctx, "true", m.cfg.Health.ProbeTimeout)
			if err != nil {
				return err
			}
			if resp.ExitCode != 0 {
				return fmt.Errorf("probe exited %d", resp.ExitCode)
			}
			return nil
		}
	}
	kind, box, err := config.ParseConnection(key)
	if err != nil {
		return func(context.Context) error { return err }
	}
	r := runnerFor(kind, box)
	return func(ctx context.Context) error {
		_, err := r.Run(ctx, "command -v tmux >/dev/null")
		return err
	}
}
