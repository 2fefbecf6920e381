package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/sandbox"
	"github.com/zpdzap/sandterm/internal/stream"
)

// resultMsg is sent when a dispatched call resolves.
type resultMsg struct {
	req dispatch.Request
	res dispatch.Result
}

// outputMsg carries one streamed chunk.
type outputMsg stream.Event

// statusTickMsg triggers a health refresh.
type statusTickMsg time.Time

// confirmKillExpiredMsg cancels a pending kill confirmation.
type confirmKillExpiredMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return statusTickMsg(t)
	})
}

// healthMsg carries the result of an explicit health check.
type healthMsg []sandbox.Health
