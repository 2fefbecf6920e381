// Package tui is the interactive console: it runs commands through the
// same dispatcher the MCP tool uses and shows their output as it streams.
package tui

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/sandbox"
	"github.com/zpdzap/sandterm/internal/stream"
)

// Dispatcher runs tool calls. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, sink stream.Sink) dispatch.Result
}

// Options wires the console to the rest of the program.
type Options struct {
	Dispatcher Dispatcher
	Sandbox    *sandbox.Manager
	ProjectDir string
	Version    string
}

// Run starts the console. It cycles between the Bubble Tea view and
// attaching the terminal to a local session (tmux attach) until the user
// quits. Sessions survive both.
func Run(opts Options) error {
	st := newConsoleState()
	for {
		m := newModel(opts, st)
		p := tea.NewProgram(m, tea.WithAltScreen())
		result, err := p.Run()
		close(m.stop)
		if err != nil {
			return fmt.Errorf("TUI error: %w", err)
		}

		final := result.(model)

		if final.quitting {
			if n := st.running(); n > 0 {
				fmt.Printf("Goodbye! (%d command(s) still running in the background)\n", n)
			} else {
				fmt.Println("Goodbye!")
			}
			return nil
		}

		if final.attachTo != "" {
			cmd, err := sandbox.AttachCmd(opts.Sandbox.LocalConnection(), final.attachTo)
			if err != nil {
				st.note(err.Error(), true)
				continue
			}
			fmt.Printf("Attaching to %s... (detach tmux with Ctrl-B d to return)\n", final.attachTo)
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				st.note(fmt.Sprintf("attach: %v", err), true)
			}
			// Reset terminal after tmux detach so Bubble Tea starts clean
			fmt.Print("\033c")
		}
	}
}
