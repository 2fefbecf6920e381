package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/sandbox"
)

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 6 // account for "  > /" prefix
		return m, nil

	case statusTickMsg:
		if m.opts.Sandbox != nil {
			m.health = m.opts.Sandbox.Healths()
		}
		return m, tickCmd()

	case healthMsg:
		m.health = msg
		m.state.note(healthSummary(msg), anyUnavailable(msg))
		return m, nil

	case outputMsg, resultMsg:
		m.state.apply(msg)
		if m.cursor >= len(m.state.rows) && m.cursor > 0 {
			m.cursor = len(m.state.rows) - 1
		}
		return m, m.state.listen(m.stop)

	case confirmKillExpiredMsg:
		m.confirmKill = false
		m.confirmKillRef = ""
		return m, nil

	case tea.KeyMsg:
		if m.commanding {
			return m.handleCommandMode(msg)
		}
		return m.handleNormalMode(msg)
	}

	// Forward to input if in command mode
	if m.commanding {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// selected returns the session under the cursor.
func (m model) selected() (row, bool) {
	if m.cursor < len(m.state.rows) {
		return m.state.rows[m.cursor], true
	}
	return row{}, false
}

// handleNormalMode handles keys when navigating the session list.
func (m model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Dismiss help modal
	if m.showHelp {
		if msg.String() == "?" || msg.String() == "esc" {
			m.showHelp = false
			return m, nil
		}
		// While help is showing, ignore other keys
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	// If confirming a kill, second x confirms, anything else cancels
	if m.confirmKill {
		m.confirmKill = false
		ref := m.confirmKillRef
		m.confirmKillRef = ""
		if msg.String() == "x" {
			for _, r := range m.state.rows {
				if r.Ref() == ref {
					req := r.request()
					req.Action = dispatch.ActionKill
					return m.dispatch(req)
				}
			}
		}
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit

	case "/":
		return m.prompt("")

	case "e":
		return m.prompt("exec ")

	case "r":
		if r, ok := m.selected(); ok {
			return m.prompt("in " + r.Ref() + " ")
		}
		return m, nil

	case "w", "v", "c":
		r, ok := m.selected()
		if !ok {
			return m, nil
		}
		req := r.request()
		switch msg.String() {
		case "w":
			req.Action = dispatch.ActionWait
		case "v":
			req.Action = dispatch.ActionView
		case "c":
			req.Action, req.Input = dispatch.ActionSend, "\x03"
		}
		return m.dispatch(req)

	case "x":
		if r, ok := m.selected(); ok {
			m.confirmKill = true
			m.confirmKillRef = r.Ref()
			return m, tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
				return confirmKillExpiredMsg{}
			})
		}
		return m, nil

	case "d":
		return m.doctor()

	case "?":
		m.showHelp = !m.showHelp
		return m, nil

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		} else if len(m.state.rows) > 0 {
			m.cursor = len(m.state.rows) - 1
		}
		return m, nil

	case "down", "j":
		if m.cursor < len(m.state.rows)-1 {
			m.cursor++
		}
		return m, nil

	case "enter":
		if r, ok := m.selected(); ok {
			if r.Session == "" {
				m.state.note(fmt.Sprintf("pid %d runs on the remote sandbox and cannot be attached. Press v to view it.", r.Pid), true)
				return m, nil
			}
			m.attachTo = r.Session
			return m, tea.Quit
		}
		return m, nil
	}

	return m, nil
}

// prompt opens the command bar prefilled with text.
func (m model) prompt(text string) (tea.Model, tea.Cmd) {
	m.commanding = true
	m.input.Focus()
	m.input.SetValue(text)
	m.input.SetCursor(len(text))
	return m, textinput.Blink
}

// handleCommandMode handles keys when the command input is active.
func (m model) handleCommandMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "esc":
		m.commanding = false
		m.input.Blur()
		m.input.SetValue("")
		return m, nil

	case "enter":
		m.commanding = false
		m.input.Blur()
		return m.processInput()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) processInput() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")

	if input == "" {
		return m, nil
	}

	// Allow commands with or without the / prefix; anything else is a
	// command line for a fresh session.
	if input[0] != '/' {
		first := strings.Fields(input)[0]
		if _, known := usage["/"+first]; known || isConsoleCommand("/"+first) {
			input = "/" + input
		} else {
			return m.dispatch(dispatch.Request{Action: dispatch.ActionExec, Command: input})
		}
	}

	cmd := ParseCommand(input)
	if req, ok, err := cmd.Request(); ok {
		if err != nil {
			m.state.note(err.Error(), true)
			return m, nil
		}
		return m.dispatch(req)
	}

	switch cmd.Name {
	case "/attach":
		if len(cmd.Args) != 1 {
			m.state.note("Usage: /attach <session>", true)
			return m, nil
		}
		m.attachTo = cmd.Args[0]
		return m, tea.Quit

	case "/prefer":
		p, err := parsePreference(cmd.Args)
		if err == nil {
			err = sandbox.SavePreference(m.opts.ProjectDir, p)
		}
		if err != nil {
			m.state.note(err.Error(), true)
			return m, nil
		}
		target := string(p.Backend)
		if p.Connection != "" {
			target += " (" + p.Connection + ")"
		}
		m.state.note("New sessions will prefer "+target, false)
		return m, nil

	case "/doctor":
		return m.doctor()

	case "/clear":
		m.state.blocks = nil
		return m, nil

	case "/help":
		m.showHelp = true
		return m, nil

	case "/quit":
		m.quitting = true
		return m, tea.Quit

	default:
		m.state.note(fmt.Sprintf("Unknown command: %s", cmd.Name), true)
		return m, nil
	}
}

func isConsoleCommand(name string) bool {
	switch name {
	case "/attach", "/prefer", "/doctor", "/clear", "/help", "/quit":
		return true
	}
	return false
}

// dispatch runs req in the background. Its output streams into a new block
// and the result arrives as a resultMsg.
func (m model) dispatch(req dispatch.Request) (tea.Model, tea.Cmd) {
	req.Chat = chat
	req.ToolCallID = m.state.nextID()
	m.state.start(req.ToolCallID, describe(req))

	st, d, sink := m.state, m.opts.Dispatcher, m.state.sink()
	go func() {
		res := d.Dispatch(context.Background(), req, sink)
		st.msgs <- resultMsg{req: req, res: res}
	}()
	return m, nil
}

func (m model) doctor() (tea.Model, tea.Cmd) {
	if m.opts.Sandbox == nil {
		return m, nil
	}
	m.state.note("Checking sandboxes...", false)
	mgr := m.opts.Sandbox
	return m, func() tea.Msg {
		return healthMsg(mgr.Doctor(context.Background()))
	}
}

// describe is the header line of a call's output block.
func describe(req dispatch.Request) string {
	target := "new session"
	if req.Pid != 0 {
		target = fmt.Sprintf("pid %d", req.Pid)
	} else if req.Session != "" {
		target = req.Session
	}
	switch req.Action {
	case dispatch.ActionExec:
		return fmt.Sprintf("$ %s  [%s]", req.Command, target)
	case dispatch.ActionSend:
		return fmt.Sprintf("send %q  [%s]", req.Input, target)
	default:
		return fmt.Sprintf("%s  [%s]", req.Action, target)
	}
}

func healthSummary(hs []sandbox.Health) string {
	if len(hs) == 0 {
		return "No sandboxes checked yet"
	}
	parts := make([]string, 0, len(hs))
	for _, h := range hs {
		switch {
		case h.Unavailable:
			parts = append(parts, fmt.Sprintf("%s unavailable (%s)", h.Name, h.LastError))
		case h.Verified:
			parts = append(parts, h.Name+" ok")
		default:
			parts = append(parts, h.Name+" unchecked")
		}
	}
	return strings.Join(parts, "  ")
}

func anyUnavailable(hs []sandbox.Health) bool {
	for _, h := range hs {
		if h.Unavailable {
			return true
		}
	}
	return false
}
