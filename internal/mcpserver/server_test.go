package mcpserver

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/session"
	"github.com/zpdzap/sandterm/internal/stream"
)

type fakeDispatcher struct {
	got    []dispatch.Request
	result dispatch.Result
	chunks []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request, sink stream.Sink) dispatch.Result {
	f.got = append(f.got, req)
	for _, c := range f.chunks {
		sink.Send(stream.Event{ToolCallID: req.ToolCallID, Chunk: c})
	}
	return f.result
}

type captured struct {
	mu     sync.Mutex
	events []stream.Event
}

func newTestServer(d Dispatcher) (*Server, *captured) {
	s := New(d, "test", nil)
	c := &captured{}
	s.notify = func(ctx context.Context, e stream.Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	}
	return s, c
}

func call(args map[string]any, progress any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = ToolName
	req.Params.Arguments = args
	if progress != nil {
		req.Params.Meta = &mcp.Meta{ProgressToken: progress}
	}
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &m); err != nil {
		t.Fatalf("result is not JSON: %q", tc.Text)
	}
	return m
}

func TestExecCall(t *testing.T) {
	d := &fakeDispatcher{
		result: dispatch.Result{Output: "hello", ExitCode: session.ExitCode(0), Pid: 41},
		chunks: []string{"hel", "lo"},
	}
	s, c := newTestServer(d)

	res, err := s.handleTerminal(context.Background(), call(map[string]any{
		"action": "exec", "command": "echo hello", "timeout": float64(5),
	}, "tok-1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Error("IsError set on success")
	}
	m := resultText(t, res)
	if m["output"] != "hello" || m["exitCode"] != float64(0) || m["pid"] != float64(41) {
		t.Errorf("result = %v", m)
	}

	if len(d.got) != 1 || d.got[0].Command != "echo hello" || d.got[0].ToolCallID != "tok-1" {
		t.Fatalf("dispatched %+v", d.got)
	}
	want := []stream.Event{{ToolCallID: "tok-1", Chunk: "hel"}, {ToolCallID: "tok-1", Chunk: "lo"}}
	if !reflect.DeepEqual(c.events, want) {
		t.Errorf("notifications = %+v, want %+v", c.events, want)
	}
}

func TestGeneratedToolCallID(t *testing.T) {
	d := &fakeDispatcher{}
	s, _ := newTestServer(d)
	s.handleTerminal(context.Background(), call(map[string]any{"action": "view", "pid": float64(3)}, nil))
	s.handleTerminal(context.Background(), call(map[string]any{"action": "view", "pid": float64(3)}, nil))
	if len(d.got) != 2 || d.got[0].ToolCallID == "" || d.got[0].ToolCallID == d.got[1].ToolCallID {
		t.Errorf("tool call ids = %q, %q", d.got[0].ToolCallID, d.got[1].ToolCallID)
	}
}

func TestErrorResults(t *testing.T) {
	d := &fakeDispatcher{result: dispatch.Result{Output: "blocked", Error: true, PolicyID: "filesystem-destruction"}}
	s, _ := newTestServer(d)

	res, _ := s.handleTerminal(context.Background(), call(map[string]any{"action": "exec", "command": "rm -rf /"}, nil))
	if !res.IsError {
		t.Error("IsError not set")
	}
	if m := resultText(t, res); m["policyId"] != "filesystem-destruction" || m["error"] != true {
		t.Errorf("result = %v", m)
	}

	res, _ = s.handleTerminal(context.Background(), call(map[string]any{"action": "reboot"}, nil))
	if !res.IsError {
		t.Error("unknown action not an error")
	}
	if len(d.got) != 1 {
		t.Errorf("unknown action reached the dispatcher")
	}
}

func TestToolSchema(t *testing.T) {
	tool := terminalTool()
	if tool.Name != "terminal" {
		t.Errorf("name = %q", tool.Name)
	}
	action, ok := tool.InputSchema.Properties["action"].(map[string]any)
	if !ok {
		t.Fatalf("action property = %#v", tool.InputSchema.Properties["action"])
	}
	enum, _ := action["enum"].([]string)
	if !reflect.DeepEqual(enum, []string{"exec", "wait", "view", "send", "kill"}) {
		t.Errorf("enum = %v", action["enum"])
	}
	if !reflect.DeepEqual(tool.InputSchema.Required, []string{"action"}) {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
}
