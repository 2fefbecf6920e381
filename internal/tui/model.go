package tui

import (
	"os"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/zpdzap/sandterm/internal/sandbox"
)

// chat is the session namespace console commands run in, kept apart from
// the sessions of agent chats.
const chat = "console"

// model is the Bubble Tea model for the sandterm console.
type model struct {
	opts       Options
	state      *consoleState
	stop       chan struct{}
	input      textinput.Model
	cursor     int
	commanding bool // true when in command mode (/ pressed)
	quitting   bool
	attachTo   string // local session to attach to after tea quits
	width      int
	height     int
	health     []sandbox.Health

	// Help modal
	showHelp bool

	// Double-press kill confirmation
	confirmKill    bool
	confirmKillRef string
}

func newModel(opts Options, st *consoleState) model {
	ti := textinput.New()
	ti.Placeholder = "exec, in, wait, view, send, kill, attach, prefer, doctor | quit"
	ti.CharLimit = 1024
	ti.Width = 80
	// Input starts unfocused, activated by pressing /
	ti.Blur()

	// Get initial terminal size so the first render isn't at width=0
	w, h, _ := term.GetSize(int(os.Stdout.Fd()))
	if w == 0 {
		w = 80
	}
	if h == 0 {
		h = 24
	}

	m := model{
		opts:   opts,
		state:  st,
		stop:   make(chan struct{}),
		input:  ti,
		width:  w,
		height: h,
	}
	for _, msg := range st.drain() {
		st.apply(msg)
	}
	if opts.Sandbox != nil {
		m.health = opts.Sandbox.Healths()
	}
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.state.listen(m.stop))
}
