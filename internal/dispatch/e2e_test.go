package dispatch

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/zpdzap/sandterm/internal/config"
	"github.com/zpdzap/sandterm/internal/guardrail"
	"github.com/zpdzap/sandterm/internal/ptyd"
	"github.com/zpdzap/sandterm/internal/remote"
	"github.com/zpdzap/sandterm/internal/sandbox"
	"github.com/zpdzap/sandterm/internal/stream"
	"github.com/zpdzap/sandterm/internal/tmux"
)

// newRemoteStack wires the production pieces against an in-process daemon.
func newRemoteStack(t *testing.T) *Dispatcher {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := ptyd.NewServer(ptyd.Options{Logger: log})
	ts := httptest.NewServer(srv.Handler())

	cfg := config.Default()
	cfg.Mode = config.ModeRemote
	cfg.Remote.URL = ts.URL
	sb := sandbox.NewManager(t.TempDir(), cfg, log)
	t.Cleanup(func() {
		sb.Close()
		ts.Close()
		srv.CloseAll()
	})

	policies, err := guardrail.Load("")
	if err != nil {
		t.Fatal(err)
	}
	factory := NewFactory(remote.PTYOptions{Shell: "bash", Cols: 120, Rows: 40, Env: map[string]string{"PS1": "$ "}}, tmux.Options{}, log)
	return New(sb, factory, Options{Policies: policies, Budget: 10000}, log)
}

func TestScenariosOverDaemon(t *testing.T) {
	d := newRemoteStack(t)
	ctx := context.Background()

	// An empty pool gets a fresh session.
	res := d.Dispatch(ctx, Request{Action: ActionExec, Command: "echo hello", Timeout: 5 * time.Second}, nil)
	if res.Error || !strings.Contains(res.Output, "hello") || res.ExitCode == nil || *res.ExitCode != 0 || res.Pid == 0 {
		t.Fatalf("echo: %+v", res)
	}
	pid := res.Pid

	// Timeout, then wait.
	res = d.Dispatch(ctx, Request{Action: ActionExec, Command: "sleep 2", Timeout: 500 * time.Millisecond}, nil)
	if res.Error || !res.TimedOut || res.ExitCode != nil || res.Pid != pid {
		t.Fatalf("sleep: %+v", res)
	}
	res = d.Dispatch(ctx, Request{Action: ActionWait, Pid: pid, Timeout: 10 * time.Second}, nil)
	if res.Error || res.TimedOut || res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("wait: %+v", res)
	}

	// Blocked before anything runs.
	res = d.Dispatch(ctx, Request{Action: ActionExec, Command: "rm -rf /", Timeout: 5 * time.Second}, nil)
	if !res.Error || res.PolicyID == "" {
		t.Fatalf("rm: %+v", res)
	}

	// Interrupt a pending command.
	res = d.Dispatch(ctx, Request{Action: ActionExec, Pid: pid, Command: "sleep 100", Timeout: 300 * time.Millisecond}, nil)
	if !res.TimedOut {
		t.Fatalf("sleep 100: %+v", res)
	}
	if res = d.Dispatch(ctx, Request{Action: ActionSend, Pid: pid, Input: "C-c"}, nil); res.Error {
		t.Fatalf("send: %+v", res)
	}
	res = d.Dispatch(ctx, Request{Action: ActionWait, Pid: pid, Timeout: 5 * time.Second}, nil)
	if res.Error || res.ExitCode == nil || *res.ExitCode == 0 {
		t.Fatalf("wait after interrupt: %+v", res)
	}

	// Streaming carries the same text as the result.
	rec := &stream.Recorder{}
	res = d.Dispatch(ctx, Request{Action: ActionExec, Command: "printf 'a\\nb\\n'", ToolCallID: "call-9", Timeout: 5 * time.Second}, rec)
	if !strings.Contains(res.Output, "a\nb") {
		t.Errorf("printf: %+v", res)
	}
	if got := rec.Text(); !strings.Contains(got, "a") || strings.Contains(got, "__ST_") {
		t.Errorf("streamed %q", got)
	}

	// Kill, then the pid is gone.
	if res = d.Dispatch(ctx, Request{Action: ActionKill, Pid: pid}, nil); res.Error {
		t.Fatalf("kill: %+v", res)
	}
	res = d.Dispatch(ctx, Request{Action: ActionKill, Pid: 999999}, nil)
	if !res.Error || !strings.Contains(res.Output, "No session found") {
		t.Fatalf("kill unknown: %+v", res)
	}
}
