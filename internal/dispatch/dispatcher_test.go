package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zpdzap/sandterm/internal/guardrail"
	"github.com/zpdzap/sandterm/internal/sandbox"
	"github.com/zpdzap/sandterm/internal/session"
	"github.com/zpdzap/sandterm/internal/stream"
)

type fakeTargets struct {
	mu      sync.Mutex
	calls   int
	backend sandbox.Backend
	err     error
}

func (f *fakeTargets) target(b sandbox.Backend, conn string) (sandbox.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	t := sandbox.Target{Backend: b, Connection: conn}
	return t, f.err
}

func (f *fakeTargets) Select(ctx context.Context) (sandbox.Target, error) {
	if f.backend == sandbox.BackendLocal {
		return f.target(sandbox.BackendLocal, "host")
	}
	return f.target(sandbox.BackendRemote, "")
}

func (f *fakeTargets) Remote(ctx context.Context) (sandbox.Target, error) {
	return f.target(sandbox.BackendRemote, "")
}

func (f *fakeTargets) Local(ctx context.Context, conn string) (sandbox.Target, error) {
	return f.target(sandbox.BackendLocal, conn)
}

func (f *fakeTargets) LocalConnection() string { return "host" }

// fakeSessions is a scripted session manager. Every session gets id "7".
type fakeSessions struct {
	mu       sync.Mutex
	calls    []string
	lastTO   time.Duration
	execOut  session.Outcome
	waitOut  session.Outcome
	sendOut  session.Outcome
	err      error
	chunks   []string
	lastSend string
}

func (f *fakeSessions) record(call string, timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.lastTO = timeout
}

func (f *fakeSessions) Exec(ctx context.Context, id, command string, timeout time.Duration, w *stream.Writer) (string, session.Outcome, error) {
	f.record("exec "+id+" "+command, timeout)
	for _, c := range f.chunks {
		w.Push(c)
	}
	return "7", f.execOut, f.err
}

func (f *fakeSessions) Wait(ctx context.Context, id string, timeout time.Duration, w *stream.Writer) (session.Outcome, error) {
	f.record("wait "+id, timeout)
	return f.waitOut, f.err
}

func (f *fakeSessions) View(ctx context.Context, id string) (session.Outcome, error) {
	f.record("view "+id, 0)
	return session.Outcome{Output: "viewed"}, f.err
}

func (f *fakeSessions) Send(ctx context.Context, id, input string, w *stream.Writer) (session.Outcome, error) {
	f.record("send "+id, 0)
	f.lastSend = input
	return f.sendOut, f.err
}

func (f *fakeSessions) Kill(ctx context.Context, id string) error {
	f.record("kill "+id, 0)
	return f.err
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	d       *Dispatcher
	targets *fakeTargets
	// made counts factory calls per chat.
	made map[string]int
	sess *fakeSessions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	policies, err := guardrail.Load("")
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{targets: &fakeTargets{}, made: map[string]int{}, sess: &fakeSessions{
		execOut: session.Outcome{Output: "hello", ExitCode: session.ExitCode(0)},
	}}
	factory := func(tg sandbox.Target, chat string) Sessions {
		h.made[string(tg.Backend)+"/"+chat]++
		return h.sess
	}
	h.d = New(h.targets, factory, Options{
		Policies:    policies,
		ExecTimeout: 5 * time.Second,
		WaitTimeout: 60 * time.Second,
		MaxTimeout:  120 * time.Second,
		Budget:      100,
	}, nil)
	return h
}

func TestExecEcho(t *testing.T) {
	h := newHarness(t)
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Command: "echo hello"}, nil)
	if res.Error || res.Output != "hello" {
		t.Fatalf("result = %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("ExitCode = %v", res.ExitCode)
	}
	if res.Pid != 7 || res.Session != "" || res.Backend != "remote" {
		t.Errorf("id = pid %d session %q backend %q", res.Pid, res.Session, res.Backend)
	}
	if h.sess.lastTO != 5*time.Second {
		t.Errorf("timeout = %v, want exec default", h.sess.lastTO)
	}
}

func TestLocalExecReportsSessionName(t *testing.T) {
	h := newHarness(t)
	h.targets.backend = sandbox.BackendLocal
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Command: "ls"}, nil)
	if res.Session != "7" || res.Pid != 0 {
		t.Errorf("result = %+v, want session id", res)
	}
}

func TestGuardrailShortCircuits(t *testing.T) {
	h := newHarness(t)
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Command: "rm -rf /"}, nil)
	if !res.Error || res.PolicyID == "" {
		t.Fatalf("result = %+v, want blocked", res)
	}
	if !strings.Contains(res.Output, res.PolicyID) {
		t.Errorf("output %q does not name the policy", res.Output)
	}
	if h.targets.calls != 0 {
		t.Errorf("sandbox consulted %d times for a blocked command", h.targets.calls)
	}
	if n := h.sess.count(); n != 0 {
		t.Errorf("backend called %d times for a blocked command", n)
	}
	if len(h.made) != 0 {
		t.Errorf("session manager created: %v", h.made)
	}
}

func TestSendSkipsGuardrail(t *testing.T) {
	h := newHarness(t)
	res := h.d.Dispatch(context.Background(), Request{Action: ActionSend, Pid: 7, Input: "rm -rf /\n"}, nil)
	if res.Error {
		t.Fatalf("send blocked: %+v", res)
	}
	if h.sess.lastSend != "rm -rf /\n" {
		t.Errorf("sent %q", h.sess.lastSend)
	}
}

func TestAdvisoriesAreAttached(t *testing.T) {
	h := newHarness(t)
	h.d.opts.Policies = []guardrail.Policy{{
		ID:          "noisy",
		Description: "prints things",
		Severity:    guardrail.Medium,
		Enabled:     true,
		Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)\becho\b`)},
	}}
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Command: "ECHO hi"}, nil)
	if res.Error || len(res.Advisories) != 1 || res.Advisories[0].PolicyID != "noisy" {
		t.Errorf("result = %+v, want one advisory", res)
	}
	if h.sess.count() != 1 {
		t.Error("advisory blocked the command")
	}
}

func TestTimeoutIsStillRunning(t *testing.T) {
	h := newHarness(t)
	h.sess.execOut = session.Outcome{Output: "partial", TimedOut: true}
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Command: "sleep 10", Timeout: 2 * time.Second}, nil)
	if res.Error || !res.TimedOut || res.ExitCode != nil {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Output, "partial\n") || !strings.Contains(res.Output, "still running in the background") {
		t.Errorf("output = %q", res.Output)
	}
	if !strings.Contains(res.Output, `"pid": 7`) {
		t.Errorf("output does not say how to wait: %q", res.Output)
	}
	if h.sess.lastTO != 2*time.Second {
		t.Errorf("timeout = %v", h.sess.lastTO)
	}
}

func TestTimeouts(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		wantTO time.Duration
	}{
		{"exec default", Request{Action: ActionExec, Command: "x"}, 5 * time.Second},
		{"wait default", Request{Action: ActionWait, Pid: 7}, 60 * time.Second},
		{"capped", Request{Action: ActionWait, Pid: 7, Timeout: time.Hour}, 120 * time.Second},
		{"explicit", Request{Action: ActionExec, Command: "x", Timeout: 9 * time.Second}, 9 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.d.Dispatch(context.Background(), tt.req, nil)
			if h.sess.lastTO != tt.wantTO {
				t.Errorf("timeout = %v, want %v", h.sess.lastTO, tt.wantTO)
			}
		})
	}
}

func TestRouting(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		wantCall string
		wantMade string
	}{
		{"remote wait", Request{Action: ActionWait, Pid: 42}, "wait 42", "remote/default"},
		{"local view", Request{Action: ActionView, Session: "st-a-1", Chat: "a"}, "view st-a-1", "local/a"},
		{"local kill", Request{Action: ActionKill, Session: "st-a-1"}, "kill st-a-1", "local/default"},
		{"exec into pid", Request{Action: ActionExec, Pid: 42, Command: "ls"}, "exec 42 ls", "remote/default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.d.Dispatch(context.Background(), tt.req, nil)
			if res.Error {
				t.Fatalf("result = %+v", res)
			}
			if got := h.sess.calls[0]; got != tt.wantCall {
				t.Errorf("call = %q, want %q", got, tt.wantCall)
			}
			if h.made[tt.wantMade] != 1 {
				t.Errorf("made = %v, want %s", h.made, tt.wantMade)
			}
		})
	}
}

func TestManagersArePerChat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, chat := range []string{"a", "b", "a", "", "default"} {
		h.d.Dispatch(ctx, Request{Action: ActionExec, Command: "ls", Chat: chat}, nil)
	}
	want := map[string]int{"remote/a": 1, "remote/b": 1, "remote/default": 1}
	if len(h.made) != len(want) {
		t.Fatalf("made = %v, want %v", h.made, want)
	}
	for k, v := range want {
		if h.made[k] != v {
			t.Errorf("made[%s] = %d, want %d", k, h.made[k], v)
		}
	}
}

func TestInvalidRequests(t *testing.T) {
	tests := []Request{
		{Action: "explode", Command: "ls"},
		{Action: ActionExec},
		{Action: ActionWait},
		{Action: ActionSend, Pid: 1},
		{Action: ActionKill, Pid: 1, Session: "st-a-1"},
	}
	for _, req := range tests {
		h := newHarness(t)
		res := h.d.Dispatch(context.Background(), req, nil)
		if !res.Error {
			t.Errorf("%+v accepted", req)
		}
		if h.targets.calls != 0 || h.sess.count() != 0 {
			t.Errorf("%+v reached the backend", req)
		}
	}
}

func TestKillNotFound(t *testing.T) {
	h := newHarness(t)
	h.sess.err = session.ErrNotFound
	res := h.d.Dispatch(context.Background(), Request{Action: ActionKill, Pid: 99}, nil)
	if !res.Error || !strings.Contains(res.Output, "No session found for pid 99") {
		t.Errorf("result = %+v", res)
	}
}

func TestKillReportsSuccess(t *testing.T) {
	h := newHarness(t)
	res := h.d.Dispatch(context.Background(), Request{Action: ActionKill, Session: "st-a-3"}, nil)
	if res.Error || res.Output != `Killed session "st-a-3".` || res.Session != "st-a-3" {
		t.Errorf("result = %+v", res)
	}
}

func TestBusySession(t *testing.T) {
	h := newHarness(t)
	h.sess.err = session.ErrBusy
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Pid: 7, Command: "ls"}, nil)
	if !res.Error || !strings.Contains(res.Output, "still running") {
		t.Errorf("result = %+v", res)
	}
}

func TestBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.sess.err = errors.New("connection reset by peer")
	res := h.d.Dispatch(context.Background(), Request{Action: ActionWait, Pid: 7}, nil)
	if !res.Error || !strings.Contains(res.Output, "connection reset by peer") {
		t.Errorf("result = %+v", res)
	}
}

func TestSandboxUnavailable(t *testing.T) {
	h := newHarness(t)
	h.targets.err = sandbox.ErrUnavailable
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Command: "ls"}, nil)
	if !res.Error || !strings.Contains(res.Output, "unavailable") {
		t.Errorf("result = %+v", res)
	}
	if h.sess.count() != 0 {
		t.Error("session manager used without a sandbox")
	}
}

func TestDiscontinuityWarning(t *testing.T) {
	h := newHarness(t)
	h.sess.waitOut = session.Outcome{Output: "tail", ExitCode: session.ExitCode(0), Discontinuity: true}
	res := h.d.Dispatch(context.Background(), Request{Action: ActionWait, Pid: 7}, nil)
	if res.Output != session.DiscontinuityWarning+"\ntail" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestSendNeverReportsTimeout(t *testing.T) {
	h := newHarness(t)
	h.sess.sendOut = session.Outcome{Output: "> ", TimedOut: true}
	res := h.d.Dispatch(context.Background(), Request{Action: ActionSend, Pid: 7, Input: "y"}, nil)
	if res.TimedOut || res.Output != "> " {
		t.Errorf("result = %+v", res)
	}
}

func TestStreamingAndBudget(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("x", 150)
	h.sess.chunks = []string{"abc", long, "never"}
	h.sess.execOut = session.Outcome{Output: "abc" + long + "never", ExitCode: session.ExitCode(0)}

	rec := &stream.Recorder{}
	res := h.d.Dispatch(context.Background(), Request{Action: ActionExec, Command: "gen", ToolCallID: "call-1"}, rec)

	events := rec.Events()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	for _, e := range events {
		if e.ToolCallID != "call-1" {
			t.Errorf("event for %q", e.ToolCallID)
		}
	}
	if got := rec.Text(); strings.Count(got, stream.Marker) != 1 || strings.Contains(got, "never") {
		t.Errorf("streamed %q", got)
	}
	if !strings.HasSuffix(res.Output, stream.Marker) || len(res.Output) != 100+len(stream.Marker) {
		t.Errorf("final output not bounded: %d chars", len(res.Output))
	}
}

func TestResultJSON(t *testing.T) {
	r := Result{Output: "x", Pid: 5}
	var m map[string]any
	if err := json.Unmarshal([]byte(r.JSON()), &m); err != nil {
		t.Fatal(err)
	}
	if v, ok := m["exitCode"]; !ok || v != nil {
		t.Errorf("exitCode = %v (present %v), want explicit null", v, ok)
	}
	if _, ok := m["session"]; ok {
		t.Error("empty session serialized")
	}
	if m["pid"] != float64(5) {
		t.Errorf("pid = %v", m["pid"])
	}
}
