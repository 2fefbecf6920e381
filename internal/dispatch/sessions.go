package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zpdzap/sandterm/internal/remote"
	"github.com/zpdzap/sandterm/internal/sandbox"
	"github.com/zpdzap/sandterm/internal/session"
	"github.com/zpdzap/sandterm/internal/stream"
	"github.com/zpdzap/sandterm/internal/tmux"
)

// Sessions is one backend's session manager for one chat. Both backends
// implement it: remote ids are decimal pids, local ids are tmux session
// names. An empty id asks Exec for a pooled or new session.
type Sessions interface {
	Exec(ctx context.Context, id, command string, timeout time.Duration, w *stream.Writer) (string, session.Outcome, error)
	Wait(ctx context.Context, id string, timeout time.Duration, w *stream.Writer) (session.Outcome, error)
	View(ctx context.Context, id string) (session.Outcome, error)
	Send(ctx context.Context, id, input string, w *stream.Writer) (session.Outcome, error)
	Kill(ctx context.Context, id string) error
}

var (
	_ Sessions = (*tmux.Manager)(nil)
	_ Sessions = remoteSessions{}
)

// remoteSessions adapts the pid-keyed remote manager.
type remoteSessions struct {
	m *remote.Manager
}

func parsePid(id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(id)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: invalid pid %q", session.ErrNotFound, id)
	}
	return pid, nil
}

func (r remoteSessions) Exec(ctx context.Context, id, command string, timeout time.Duration, w *stream.Writer) (string, session.Outcome, error) {
	pid, err := parsePid(id)
	if err != nil {
		return id, session.Outcome{}, err
	}
	pid, out, err := r.m.Exec(ctx, pid, command, timeout, w)
	return pidString(pid), out, err
}

func (r remoteSessions) Wait(ctx context.Context, id string, timeout time.Duration, w *stream.Writer) (session.Outcome, error) {
	pid, err := parsePid(id)
	if err != nil {
		return session.Outcome{}, err
	}
	return r.m.Wait(ctx, pid, timeout, w)
}

func (r remoteSessions) View(ctx context.Context, id string) (session.Outcome, error) {
	pid, err := parsePid(id)
	if err != nil {
		return session.Outcome{}, err
	}
	return r.m.View(ctx, pid)
}

func (r remoteSessions) Send(ctx context.Context, id, input string, w *stream.Writer) (session.Outcome, error) {
	pid, err := parsePid(id)
	if err != nil {
		return session.Outcome{}, err
	}
	return r.m.Send(ctx, pid, input, w)
}

func (r remoteSessions) Kill(ctx context.Context, id string) error {
	pid, err := parsePid(id)
	if err != nil {
		return err
	}
	return r.m.Kill(ctx, pid)
}

func pidString(pid int) string {
	if pid == 0 {
		return ""
	}
	return strconv.Itoa(pid)
}

// Factory builds the session manager for a target and chat.
type Factory func(t sandbox.Target, chat string) Sessions

// NewFactory returns the production factory: remote managers over the
// target's ptyd client, tmux managers over its runner.
func NewFactory(remoteOpts remote.PTYOptions, localOpts tmux.Options, log *slog.Logger) Factory {
	if log == nil {
		log = slog.Default()
	}
	return func(t sandbox.Target, chat string) Sessions {
		if t.Backend == sandbox.BackendRemote {
			return remoteSessions{m: remote.NewManager(t.Client, remoteOpts, log.With("chat", chat))}
		}
		opts := localOpts
		opts.Chat = chat
		return tmux.NewManager(t.Runner, opts, log.With("connection", t.Connection))
	}
}
