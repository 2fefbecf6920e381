package tmux

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	quotedArg    = regexp.MustCompile(`'((?:[^']|'\\'')*)'`)
	pollIters    = regexp.MustCompile(`-lt (\d+) \]`)
	pollSleep    = regexp.MustCompile(`(?m)^  sleep ([0-9.]+)$`)
	pollToken    = regexp.MustCompile(`grep -q '(__ST_[0-9a-f]{12}__)\[0-9\]'`)
	pasteData    = regexp.MustCompile(`^printf '%s' '([A-Za-z0-9+/=]*)' \| base64 -d`)
	fakeCmdLine  = regexp.MustCompile(`^(.*) (?:;|&) echo (__ST_[0-9a-f]{12}__)\$\?$`)
	fakeBareEcho = regexp.MustCompile(`^echo (__ST_[0-9a-f]{12}__)\$\?$`)
)

// fakeTmux interprets the scripts this package builds against in-memory
// panes running a toy shell. Time is virtual: sleeps in scripts advance a
// clock that drives running jobs.
type fakeTmux struct {
	mu      sync.Mutex
	clock   time.Duration
	panes   map[string]*fakePane
	scripts []string
	// failOn makes any script containing the substring fail.
	failOn string
	// blockPoll makes poll scripts wait for ctx to end.
	blockPoll bool
	history   string
}

type fakePane struct {
	screen string
	input  string
	status int
	job    *fakeJob
}

type fakeJob struct {
	until time.Duration
	tok   string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{panes: make(map[string]*fakePane)}
}

func (f *fakeTmux) Run(ctx context.Context, script string) (string, error) {
	f.mu.Lock()
	f.scripts = append(f.scripts, script)
	failOn, block := f.failOn, f.blockPoll
	f.mu.Unlock()

	if failOn != "" && strings.Contains(script, failOn) {
		return "", errors.New("exit status 1")
	}
	if strings.HasPrefix(script, "i=0\n") {
		if block {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return f.poll(script)
	}
	var out strings.Builder
	for _, line := range strings.Split(script, "\n") {
		s, err := f.line(line)
		if err != nil {
			return out.String(), err
		}
		out.WriteString(s)
	}
	return out.String(), nil
}

func (f *fakeTmux) poll(script string) (string, error) {
	n, _ := strconv.Atoi(pollIters.FindStringSubmatch(script)[1])
	interval, _ := strconv.ParseFloat(pollSleep.FindStringSubmatch(script)[1], 64)
	tok := pollToken.FindStringSubmatch(script)[1]
	name := target(args(script))
	done := regexp.MustCompile(regexp.QuoteMeta(tok) + `[0-9]`)

	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.panes[name]
	if !ok {
		return "", fmt.Errorf("can't find pane: %s", name)
	}
	for i := 0; i < n; i++ {
		if done.MatchString(p.screen) {
			break
		}
		f.advance(time.Duration(interval * float64(time.Second)))
	}
	return p.capture(), nil
}

func (f *fakeTmux) line(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if strings.HasPrefix(line, "sleep ") {
		secs, _ := strconv.ParseFloat(strings.TrimPrefix(line, "sleep "), 64)
		f.mu.Lock()
		f.advance(time.Duration(secs * float64(time.Second)))
		f.mu.Unlock()
		return "", nil
	}
	if m := pasteData.FindStringSubmatch(line); m != nil {
		data, _ := base64.StdEncoding.DecodeString(m[1])
		parts := strings.Split(line, " && ")
		name := target(args(parts[1]))
		f.mu.Lock()
		defer f.mu.Unlock()
		p, ok := f.panes[name]
		if !ok {
			return "", fmt.Errorf("can't find pane: %s", name)
		}
		p.typeText(f, strings.ReplaceAll(string(data), "\n", "\r"))
		if len(parts) > 2 {
			p.typeText(f, "\r")
		}
		return "", nil
	}

	ignoreErr := strings.HasSuffix(line, "2>/dev/null") || strings.HasSuffix(line, "|| true")
	a := args(line)
	if len(a) == 0 {
		if strings.Contains(line, "start-server") {
			return "", nil
		}
		return "", fmt.Errorf("fake tmux: unknown line %q", line)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := target(a)
	p := f.panes[name]
	missing := func() (string, error) {
		if ignoreErr {
			return "", nil
		}
		return "", fmt.Errorf("can't find session: %s", name)
	}
	switch a[0] {
	case "list-sessions":
		var b strings.Builder
		for n := range f.panes {
			b.WriteString(n + "\n")
		}
		return b.String(), nil
	case "new-session":
		sname := a[indexOf(a, "-s")+1]
		f.panes[sname] = &fakePane{screen: "$ "}
		return "", nil
	case "kill-session":
		if p == nil {
			return missing()
		}
		delete(f.panes, name)
		return "", nil
	case "has-session":
		if p == nil {
			return missing()
		}
		return "", nil
	case "capture-pane":
		if p == nil {
			return missing()
		}
		return p.capture(), nil
	case "display-message":
		if p == nil {
			return missing()
		}
		if f.history != "" {
			return f.history + "\n", nil
		}
		return "10 50000\n", nil
	case "send-keys":
		if p == nil {
			return missing()
		}
		for _, k := range a[3:] {
			switch k {
			case "C-c":
				p.interrupt()
			case "Enter":
				p.typeText(f, "\r")
			default:
				p.typeText(f, k)
			}
		}
		return "", nil
	}
	return "", fmt.Errorf("fake tmux: unsupported command %q", a[0])
}

// args returns the quoted arguments of the first tmux invocation in s.
func args(s string) []string {
	var out []string
	for _, m := range quotedArg.FindAllStringSubmatch(s, -1) {
		out = append(out, strings.ReplaceAll(m[1], `'\''`, "'"))
	}
	return out
}

func indexOf(a []string, s string) int {
	for i, v := range a {
		if v == s {
			return i
		}
	}
	return -1
}

// target extracts the session name from the -t argument.
func target(a []string) string {
	i := indexOf(a, "-t")
	if i < 0 || i+1 >= len(a) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(a[i+1], "="), ":")
}

// advance moves virtual time forward, finishing due jobs. Callers hold mu.
func (f *fakeTmux) advance(d time.Duration) {
	f.clock += d
	for _, p := range f.panes {
		if p.job != nil && p.job.until <= f.clock {
			p.finish(p.job.tok, 0)
		}
	}
}

func (p *fakePane) capture() string {
	// Real captures pad the visible screen with empty rows.
	return p.screen + "\n\n\n"
}

func (p *fakePane) typeText(f *fakeTmux, s string) {
	for _, r := range s {
		if r != '\r' {
			p.input += string(r)
			p.screen += string(r)
			continue
		}
		line := p.input
		p.input = ""
		p.screen += "\n"
		p.exec(f, line)
	}
}

func (p *fakePane) exec(f *fakeTmux, line string) {
	if p.job != nil {
		// Typed ahead while a job runs; the toy shell ignores it.
		return
	}
	if m := fakeBareEcho.FindStringSubmatch(line); m != nil {
		p.screen += fmt.Sprintf("%s%d\n$ ", m[1], p.status)
		return
	}
	m := fakeCmdLine.FindStringSubmatch(line)
	if m == nil {
		p.screen += "$ "
		return
	}
	fields := strings.Fields(m[1])
	tok := m[2]
	switch fields[0] {
	case "echo":
		p.screen += strings.Join(fields[1:], " ") + "\n"
		p.finish(tok, 0)
	case "false":
		p.finish(tok, 1)
	case "sleep":
		secs, _ := strconv.ParseFloat(fields[1], 64)
		p.job = &fakeJob{until: f.clock + time.Duration(secs*float64(time.Second)), tok: tok}
	default:
		p.screen += "bash: " + fields[0] + ": command not found\n"
		p.finish(tok, 127)
	}
}

func (p *fakePane) finish(tok string, code int) {
	p.job = nil
	p.status = code
	p.screen += fmt.Sprintf("%s%d\n$ ", tok, code)
}

func (p *fakePane) interrupt() {
	p.screen += "^C\n$ "
	p.input = ""
	if p.job != nil {
		p.job = nil
		p.status = 130
	}
}

func (f *fakeTmux) pane(name string) *fakePane {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panes[name]
}

func (f *fakeTmux) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.scripts {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}
