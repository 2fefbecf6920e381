package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/zpdzap/sandterm/internal/sandbox"
)

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	// Header, always shown
	title := "sandterm " + m.opts.Version
	health := m.renderHealth()
	gap := m.width - lipgloss.Width(title) - lipgloss.Width(health) - 4
	if gap < 1 {
		gap = 1
	}
	b.WriteString(headerStyle.Width(m.width).Render(title + strings.Repeat(" ", gap) + health))
	b.WriteString("\n")

	rows := m.state.rows
	if len(rows) == 0 {
		b.WriteString(emptyStyle.Render("No sessions yet. Type a command after / or press e to run one."))
		b.WriteString("\n")
	}
	for i, r := range rows {
		b.WriteString(m.renderRow(i, r))
		b.WriteString("\n")
	}

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	// Output pane fills the remaining height: header, rows (or the empty
	// line), divider, then hotkeys, divider, status and input below.
	footerLines := 4
	if m.commanding {
		footerLines++
	}
	listLines := max(1, len(rows))
	b.WriteString(m.renderOutput(max(3, m.height-1-listLines-1-footerLines)))

	b.WriteString(dividerStyle.Render(strings.Repeat("─", m.width)))
	b.WriteString("\n")

	// Hotkeys
	switch {
	case m.commanding:
		b.WriteString(hotkeysStyle.Render("[enter] execute  [esc] cancel"))
	case m.confirmKill:
		b.WriteString(confirmStyle.Render(fmt.Sprintf("Kill %s? Press x again to confirm, any other key to cancel", m.confirmKillRef)))
	case len(rows) == 0:
		b.WriteString(hotkeysStyle.Render("[e]xec  [/] command  [d]octor  [?] help  [q] quit"))
	default:
		b.WriteString(hotkeysStyle.Render("[↑↓] select  [enter] attach  [e]xec  [r]un in  [w]ait  [v]iew  [c] ctrl-c  [x] kill  [?] help"))
	}
	b.WriteString("\n")

	m.renderStatusAndInput(&b)

	if m.showHelp {
		return m.renderHelpOverlay(b.String())
	}
	return b.String()
}

// renderHealth shows one dot per sandbox handle.
func (m model) renderHealth() string {
	parts := make([]string, 0, len(m.health))
	for _, h := range m.health {
		icon, style := healthIcon(h)
		parts = append(parts, style.Render(icon)+" "+h.Name)
	}
	return strings.Join(parts, "  ")
}

func healthIcon(h sandbox.Health) (string, lipgloss.Style) {
	switch {
	case h.Unavailable:
		return "✗", stateBad
	case h.Verified:
		return "●", stateRunning
	case h.Failures > 0:
		return "◍", stateUnknown
	default:
		return "◌", stateUnknown
	}
}

func (m model) renderRow(index int, r row) string {
	cursor := "  "
	nStyle := nameStyle
	if index == m.cursor {
		cursor = "▸ "
		nStyle = selectedNameStyle
	}

	icon, iStyle := "○", stateIdle
	if r.Running {
		icon, iStyle = "●", stateRunning
	}

	name := r.Session
	if r.Pid != 0 {
		name = fmt.Sprintf("pid %d", r.Pid)
	}

	parts := []string{fmt.Sprintf("  %s%s %s", cursor, iStyle.Render(icon), nStyle.Render(name))}
	if r.Backend != "" {
		parts = append(parts, backendStyle.Render(r.Backend))
	}
	if r.Last != "" {
		last := ansi.Truncate(r.Last, max(10, m.width/2), "…")
		parts = append(parts, lastCmdStyle.Render(last))
	}
	return strings.Join(parts, "  ")
}

func (m model) renderOutput(height int) string {
	var b strings.Builder

	lines := m.state.transcript()
	if len(lines) == 0 {
		b.WriteString(emptyStyle.Render("Output of your commands shows up here."))
		b.WriteString("\n")
		for i := 1; i < height; i++ {
			b.WriteString("\n")
		}
		return b.String()
	}

	// Take last N lines to fit the pane
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}

	for _, l := range lines {
		text := ansi.Truncate(l.text, max(1, m.width-4), "")
		switch {
		case l.header:
			b.WriteString(blockHeaderStyle.Render(text))
		case l.isError:
			b.WriteString(outputErrorStyle.Render(text))
		default:
			b.WriteString(outputStyle.Render(text))
		}
		b.WriteString("\n")
	}

	// Pad remaining lines
	for i := len(lines); i < height; i++ {
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) renderStatusAndInput(b *strings.Builder) {
	if msg := m.state.message; msg != "" {
		if m.state.isError {
			b.WriteString(errorStyle.Render(msg))
		} else {
			b.WriteString(messageStyle.Render(msg))
		}
		b.WriteString("\n")
	}
	if m.commanding {
		b.WriteString("  ")
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
}

func (m model) renderHelpOverlay(base string) string {
	help := strings.Join([]string{
		helpHeaderStyle.Render("Navigation"),
		helpKeyStyle.Render("  ↑/k  ↓/j") + helpDescStyle.Render("   Select session"),
		helpKeyStyle.Render("  Enter") + helpDescStyle.Render("       Attach to local session (tmux)"),
		"",
		helpHeaderStyle.Render("Actions"),
		helpKeyStyle.Render("  e") + helpDescStyle.Render("           Run a command in a new session"),
		helpKeyStyle.Render("  r") + helpDescStyle.Render("           Run a command in the selected session"),
		helpKeyStyle.Render("  w") + helpDescStyle.Render("           Wait for the selected session"),
		helpKeyStyle.Render("  v") + helpDescStyle.Render("           View the selected session"),
		helpKeyStyle.Render("  c") + helpDescStyle.Render("           Send Ctrl-C"),
		helpKeyStyle.Render("  x") + helpDescStyle.Render("           Kill the selected session"),
		helpKeyStyle.Render("  d") + helpDescStyle.Render("           Check sandbox health"),
		"",
		helpHeaderStyle.Render("Commands"),
		helpKeyStyle.Render("  /") + helpDescStyle.Render("           Open command bar (plain text runs as /exec)"),
		helpDescStyle.Render("  " + usage["/exec"]),
		helpDescStyle.Render("  " + usage["/in"]),
		helpDescStyle.Render("  " + usage["/wait"]),
		helpDescStyle.Render("  " + usage["/view"]),
		helpDescStyle.Render("  " + usage["/send"] + `  (\n, \x03 ok)`),
		helpDescStyle.Render("  " + usage["/kill"]),
		helpDescStyle.Render("  /attach <session>"),
		helpDescStyle.Render("  /prefer remote | local [host|<box>]"),
		helpDescStyle.Render("  /doctor  /clear"),
		"",
		helpKeyStyle.Render("  q") + helpDescStyle.Render("  quit") + "     " + helpKeyStyle.Render("?") + helpDescStyle.Render("  close this help"),
	}, "\n")

	modal := helpStyle.Render(help)

	// Center the modal over the base view
	modalWidth := lipgloss.Width(modal)
	modalHeight := lipgloss.Height(modal)

	baseLines := strings.Split(base, "\n")

	xOffset := max(0, (m.width-modalWidth)/2)
	yOffset := max(0, (m.height-modalHeight)/2)

	modalLines := strings.Split(modal, "\n")
	for i, mLine := range modalLines {
		y := yOffset + i
		if y < len(baseLines) {
			padding := strings.Repeat(" ", xOffset)
			baseLines[y] = padding + mLine + strings.Repeat(" ", max(0, m.width-xOffset-lipgloss.Width(mLine)))
		}
	}

	return strings.Join(baseLines, "\n")
}
