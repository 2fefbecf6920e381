// Package mcpserver exposes the dispatcher to agents as a single MCP tool.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/stream"
)

const (
	ToolName = "terminal"
	// OutputNotification carries streamed chunks while a call runs.
	OutputNotification = "notifications/terminal/output"
)

// Dispatcher runs tool calls. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, sink stream.Sink) dispatch.Result
}

type Server struct {
	mcp    *server.MCPServer
	d      Dispatcher
	log    *slog.Logger
	notify func(ctx context.Context, e stream.Event)
}

func New(d Dispatcher, version string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		mcp: server.NewMCPServer("sandterm", version, server.WithToolCapabilities(false)),
		d:   d,
		log: log,
	}
	s.notify = s.sendNotification
	s.mcp.AddTool(terminalTool(), s.handleTerminal)
	return s
}

// MCP returns the underlying server, for transports other than stdio.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves on stdin/stdout until EOF or a termination signal.
func (s *Server) ServeStdio() error {
	s.log.Info("serving MCP on stdio")
	return server.ServeStdio(s.mcp)
}

func terminalTool() mcp.Tool {
	actions := make([]string, len(dispatch.Actions))
	for i, a := range dispatch.Actions {
		actions[i] = string(a)
	}
	return mcp.NewTool(ToolName,
		mcp.WithDescription("Run shell commands in a persistent sandboxed terminal. "+
			"exec runs a command and returns its output and exit code; if it outlives the timeout it keeps running "+
			"and the result says so (timedOut). wait resumes waiting on that command, view returns new output "+
			"without waiting, send types input or key names such as C-c, Enter or Up into the session, and kill ends it. "+
			"exec results carry pid (remote) or session (local); pass it back to address the same shell."),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Enum(actions...),
			mcp.Description("What to do"),
		),
		mcp.WithString("command",
			mcp.Description("Shell command (required for exec)"),
		),
		mcp.WithString("input",
			mcp.Description("Text or space-separated key names to type (required for send)"),
		),
		mcp.WithNumber("pid",
			mcp.Description("Remote session process id from an earlier result"),
		),
		mcp.WithString("session",
			mcp.Description("Local session name from an earlier result"),
		),
		mcp.WithNumber("timeout",
			mcp.Description("Seconds to wait before returning (exec default 30, wait default 300, capped)"),
		),
		mcp.WithString("chat",
			mcp.Description("Conversation id; sessions are pooled per chat"),
			mcp.DefaultString("default"),
		),
	)
}

func (s *Server) handleTerminal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	r, err := dispatch.ParseRequest(req.GetArguments())
	if err != nil {
		res := dispatch.Result{Output: err.Error(), Error: true}
		return mcp.NewToolResultError(res.JSON()), nil
	}
	r.ToolCallID = toolCallID(req)

	sink := stream.SinkFunc(func(e stream.Event) { s.notify(ctx, e) })
	res := s.d.Dispatch(ctx, r, sink)
	if res.Error {
		return mcp.NewToolResultError(res.JSON()), nil
	}
	return mcp.NewToolResultText(res.JSON()), nil
}

// toolCallID keys streamed chunks: the client's progress token when it
// sent one, otherwise a fresh id.
func toolCallID(req mcp.CallToolRequest) string {
	if req.Params.Meta != nil && req.Params.Meta.ProgressToken != nil {
		return fmt.Sprint(req.Params.Meta.ProgressToken)
	}
	return uuid.NewString()
}

func (s *Server) sendNotification(ctx context.Context, e stream.Event) {
	err := s.mcp.SendNotificationToClient(ctx, OutputNotification, map[string]any{
		"toolCallId": e.ToolCallID,
		"chunk":      e.Chunk,
	})
	if err != nil {
		s.log.Debug("dropping output notification", "toolCallId", e.ToolCallID, "err", err)
	}
}
