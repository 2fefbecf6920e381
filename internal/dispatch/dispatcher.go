package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/zpdzap/sandterm/internal/guardrail"
	"github.com/zpdzap/sandterm/internal/sandbox"
	"github.com/zpdzap/sandterm/internal/session"
	"github.com/zpdzap/sandterm/internal/stream"
)

// Targets hands out health-checked execution targets. *sandbox.Manager
// implements it.
type Targets interface {
	Select(ctx context.Context) (sandbox.Target, error)
	Remote(ctx context.Context) (sandbox.Target, error)
	Local(ctx context.Context, conn string) (sandbox.Target, error)
	LocalConnection() string
}

var _ Targets = (*sandbox.Manager)(nil)

// Options are the dispatcher's limits and policies.
type Options struct {
	Policies    []guardrail.Policy
	ExecTimeout time.Duration
	WaitTimeout time.Duration
	MaxTimeout  time.Duration
	// Budget bounds the characters streamed and returned per call.
	Budget int
}

func (o *Options) applyDefaults() {
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 30 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 300 * time.Second
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = 600 * time.Second
	}
}

// Dispatcher routes requests to per-chat session managers. Managers are
// created on first use and live as long as the dispatcher; each owns the
// pool of its chat, so chats never share sessions.
type Dispatcher struct {
	targets Targets
	factory Factory
	opts    Options
	log     *slog.Logger

	mu       sync.Mutex
	registry map[string]Sessions
}

func New(targets Targets, factory Factory, opts Options, log *slog.Logger) *Dispatcher {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		targets:  targets,
		factory:  factory,
		opts:     opts,
		log:      log,
		registry: make(map[string]Sessions),
	}
}

// Dispatch runs one request. It never returns an error: every failure is
// a Result with Error set.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, sink stream.Sink) Result {
	if req.Chat == "" {
		req.Chat = "default"
	}
	if err := req.Validate(); err != nil {
		return errorResult("%v", err)
	}

	switch req.Action {
	case ActionExec:
		return d.exec(ctx, req, sink)
	case ActionWait:
		return d.wait(ctx, req, sink)
	case ActionView:
		return d.view(ctx, req)
	case ActionSend:
		return d.send(ctx, req, sink)
	case ActionKill:
		return d.kill(ctx, req)
	default:
		return errorResult("%v %q", ErrUnknownAction, req.Action)
	}
}

func (d *Dispatcher) exec(ctx context.Context, req Request, sink stream.Sink) Result {
	decision := guardrail.Check(req.Command, d.opts.Policies)
	if !decision.Allowed {
		d.log.Warn("command blocked", "chat", req.Chat, "policy", decision.PolicyID)
		return Result{Output: decision.Message, Error: true, PolicyID: decision.PolicyID}
	}

	t, sess, res, ok := d.resolve(ctx, req)
	if !ok {
		return res
	}
	w := stream.NewWriter(req.ToolCallID, sink, d.opts.Budget)
	timeout := d.timeout(req.Timeout, d.opts.ExecTimeout)
	id, out, err := sess.Exec(ctx, res.sessionID(), req.Command, timeout, w)
	res.setID(id)
	res.Advisories = decision.Advisories
	if err != nil {
		return d.failed(t, res, "exec", err)
	}
	d.log.Info("exec", "chat", req.Chat, "backend", t.Backend, "session", id, "timedOut", out.TimedOut)
	return d.finish(res, out)
}

func (d *Dispatcher) wait(ctx context.Context, req Request, sink stream.Sink) Result {
	t, sess, res, ok := d.resolve(ctx, req)
	if !ok {
		return res
	}
	w := stream.NewWriter(req.ToolCallID, sink, d.opts.Budget)
	out, err := sess.Wait(ctx, res.sessionID(), d.timeout(req.Timeout, d.opts.WaitTimeout), w)
	if err != nil {
		return d.failed(t, res, "wait", err)
	}
	return d.finish(res, out)
}

func (d *Dispatcher) view(ctx context.Context, req Request) Result {
	t, sess, res, ok := d.resolve(ctx, req)
	if !ok {
		return res
	}
	out, err := sess.View(ctx, res.sessionID())
	if err != nil {
		return d.failed(t, res, "view", err)
	}
	return d.finish(res, out)
}

// send performs no guardrail check: keystrokes go to a process that was
// already allowed to start.
func (d *Dispatcher) send(ctx context.Context, req Request, sink stream.Sink) Result {
	t, sess, res, ok := d.resolve(ctx, req)
	if !ok {
		return res
	}
	w := stream.NewWriter(req.ToolCallID, sink, d.opts.Budget)
	out, err := sess.Send(ctx, res.sessionID(), req.Input, w)
	if err != nil {
		return d.failed(t, res, "send", err)
	}
	// The command may still be running; only a completion read reports an
	// exit code.
	out.TimedOut = false
	return d.finish(res, out)
}

func (d *Dispatcher) kill(ctx context.Context, req Request) Result {
	t, sess, res, ok := d.resolve(ctx, req)
	if !ok {
		return res
	}
	if err := sess.Kill(ctx, res.sessionID()); err != nil {
		return d.failed(t, res, "kill", err)
	}
	d.log.Info("session killed", "chat", req.Chat, "backend", t.Backend, "session", res.sessionID())
	res.Output = fmt.Sprintf("Killed %s.", res.ref())
	return res
}

// resolve picks the target for req and the chat's session manager on it.
// On failure the returned Result is the error to give back.
func (d *Dispatcher) resolve(ctx context.Context, req Request) (sandbox.Target, Sessions, Result, bool) {
	res := Result{Pid: req.Pid, Session: req.Session}
	var (
		t   sandbox.Target
		err error
	)
	switch {
	case req.Pid != 0:
		t, err = d.targets.Remote(ctx)
	case req.Session != "":
		t, err = d.targets.Local(ctx, d.targets.LocalConnection())
	default:
		t, err = d.targets.Select(ctx)
	}
	res.Backend = string(t.Backend)
	if err != nil {
		d.log.Warn("no sandbox", "chat", req.Chat, "backend", t.Backend, "err", err)
		res.Output = "Sandbox unavailable: " + err.Error()
		res.Error = true
		return t, nil, res, false
	}
	if t.Fallback {
		d.log.Info("using remote backend; preferred local connection is absent", "chat", req.Chat)
	}
	return t, d.sessions(t, req.Chat), res, true
}

func (d *Dispatcher) sessions(t sandbox.Target, chat string) Sessions {
	key := string(t.Backend) + "|" + t.Connection + "|" + chat
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.registry[key]
	if !ok {
		s = d.factory(t, chat)
		d.registry[key] = s
	}
	return s
}

func (d *Dispatcher) timeout(requested, def time.Duration) time.Duration {
	if requested <= 0 {
		requested = def
	}
	if requested > d.opts.MaxTimeout {
		requested = d.opts.MaxTimeout
	}
	return requested
}

// finish copies an outcome into res.
func (d *Dispatcher) finish(res Result, out session.Outcome) Result {
	output := out.Output
	if out.Discontinuity {
		if output == "" {
			output = session.DiscontinuityWarning
		} else {
			output = session.DiscontinuityWarning + "\n" + output
		}
	}
	output = stream.Truncate(output, d.opts.Budget)
	if out.TimedOut {
		res.TimedOut = true
		if output != "" {
			output += "\n"
		}
		output += res.stillRunning()
	}
	res.Output = output
	res.ExitCode = out.ExitCode
	return res
}

// failed turns an error into a Result. Anything but a missing or busy
// session is a backend failure and puts the target's health in doubt.
func (d *Dispatcher) failed(t sandbox.Target, res Result, op string, err error) Result {
	res.Error = true
	switch {
	case errors.Is(err, session.ErrNotFound):
		res.Output = fmt.Sprintf("No session found for %s. It may have exited or been killed; start a fresh exec.", res.ref())
	case errors.Is(err, session.ErrBusy):
		res.Output = fmt.Sprintf("A command is still running in %s. Use wait, send or kill on it, or exec without a session.", res.ref())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Output = fmt.Sprintf("%s cancelled: %v", op, err)
	default:
		if t.Handle != nil {
			t.Handle.Suspect(err)
		}
		d.log.Error("backend call failed", "op", op, "backend", t.Backend, "session", res.sessionID(), "err", err)
		res.Output = fmt.Sprintf("%s failed: %v", op, err)
	}
	return res
}

func (r Result) sessionID() string {
	if r.Pid != 0 {
		return strconv.Itoa(r.Pid)
	}
	return r.Session
}

// setID records the session a call ran in.
func (r *Result) setID(id string) {
	if id == "" {
		return
	}
	if r.Backend == string(sandbox.BackendRemote) {
		if pid, err := strconv.Atoi(id); err == nil {
			r.Pid = pid
			return
		}
	}
	r.Session = id
}
