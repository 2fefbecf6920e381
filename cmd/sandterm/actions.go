package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/stream"
)

// actionCmd runs one tool action from the shell and prints the result
// JSON. Streamed output goes to stderr as it arrives when --stream is set.
func actionCmd(action dispatch.Action, use, short string) *cobra.Command {
	var (
		pid      int
		session  string
		chat     string
		timeout  float64
		enter    bool
		streamed bool
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dispatch.Request{
				Action:     action,
				Pid:        pid,
				Session:    session,
				Chat:       chat,
				Timeout:    time.Duration(timeout * float64(time.Second)),
				ToolCallID: uuid.NewString(),
			}
			switch action {
			case dispatch.ActionExec:
				req.Command = strings.Join(args, " ")
			case dispatch.ActionSend:
				req.Input = strings.Join(args, " ")
				if enter {
					req.Input += "\n"
				}
			}
			if err := req.Validate(); err != nil {
				return err
			}

			a, err := loadApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.sandbox.Close()

			ctx, cancel := actionTimeout(cmd.Context(), a.cfg.Timeouts.Max)
			defer cancel()

			sink := stream.Discard
			if streamed {
				sink = stream.SinkFunc(func(e stream.Event) {
					fmt.Fprint(os.Stderr, e.Chunk)
				})
			}

			res := a.dispatcher.Dispatch(ctx, req, sink)
			fmt.Println(res.JSON())
			if res.Error {
				return errReported
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&pid, "pid", 0, "remote session pid")
	f.StringVar(&session, "session", "", "local session name")
	f.StringVar(&chat, "chat", "default", "chat whose sessions to use")
	switch action {
	case dispatch.ActionExec, dispatch.ActionWait:
		f.Float64Var(&timeout, "timeout", 0, "seconds to wait before returning with the command still running")
	}
	switch action {
	case dispatch.ActionExec, dispatch.ActionWait, dispatch.ActionSend:
		f.BoolVar(&streamed, "stream", false, "copy output to stderr as it arrives")
	}
	switch action {
	case dispatch.ActionExec:
		cmd.Args = cobra.MinimumNArgs(1)
		// Flags go before the command: sandterm exec --pid 3 ls -la
		f.SetInterspersed(false)
	case dispatch.ActionSend:
		cmd.Args = cobra.MinimumNArgs(1)
		f.SetInterspersed(false)
		f.BoolVarP(&enter, "enter", "n", false, "append a newline to the input")
	default:
		cmd.Args = cobra.NoArgs
	}
	return cmd
}

// actionTimeout bounds a one-shot call beyond its own timeout.
func actionTimeout(ctx context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, max+30*time.Second)
}
