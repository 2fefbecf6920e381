// Package tmux emulates persistent PTY sessions on a machine that only
// offers "run this shell script and return its stdout". Every session is a
// tmux session on a dedicated server socket, so the user's own tmux server
// and ~/.tmux.conf are never touched.
package tmux

import (
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zpdzap/sandterm/internal/session"
)

// Socket names the dedicated tmux server (tmux -L).
const Socket = "sandterm"

var (
	namePattern = regexp.MustCompile(`^st-[a-z0-9_]{1,16}-[0-9]+$`)
	unsafeChat  = regexp.MustCompile(`[^a-z0-9_]+`)
)

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tmux renders one tmux invocation against the dedicated server.
func tmux(args ...string) string {
	var b strings.Builder
	b.WriteString("tmux -L " + Socket)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(quote(a))
	}
	return b.String()
}

// sessionTarget matches a session name exactly rather than by prefix.
func sessionTarget(name string) string { return "=" + name }

// paneTarget addresses the active pane of an exactly named session.
func paneTarget(name string) string { return "=" + name + ":" }

// ChatPrefix is the session name prefix for a chat: "st-<chat>-".
func ChatPrefix(chat string) string {
	c := unsafeChat.ReplaceAllString(strings.ToLower(chat), "_")
	c = strings.Trim(c, "_")
	if c == "" {
		c = "default"
	}
	if len(c) > 16 {
		c = c[:16]
	}
	return "st-" + c + "-"
}

// ValidName reports whether name could have been produced by this package.
// Names reach tmux as targets, so anything else is rejected up front.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// nextName picks the first name for chat whose counter is above every
// existing session of that chat, so a new process never reuses the name of
// a shell an earlier one left running.
func nextName(chat string, existing []string, floor int) string {
	prefix := ChatPrefix(chat)
	n := floor
	for _, name := range existing {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if k, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil && k > n {
			n = k
		}
	}
	return prefix + strconv.Itoa(n+1)
}

func listScript() string {
	return tmux("list-sessions", "-F", "#{session_name}") + " 2>/dev/null || true"
}

func parseList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}

// createScript starts the server if needed, kills any stale session with
// the same name and starts a fresh shell.
func createScript(name, shell string, historyLimit, cols, rows int) string {
	return strings.Join([]string{
		tmux("kill-session", "-t", sessionTarget(name)) + " 2>/dev/null",
		"tmux -L " + Socket + " -f /dev/null start-server \\; set-option -g history-limit " + strconv.Itoa(historyLimit),
		tmux("new-session", "-d", "-s", name, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows), shell),
	}, "\n")
}

func hasScript(name string) string {
	return tmux("has-session", "-t", sessionTarget(name))
}

func killScript(name string) string {
	return tmux("kill-session", "-t", sessionTarget(name))
}

// pasteScript delivers data to the pane through a named paste buffer. The
// bytes travel base64-encoded, so nothing in them is ever interpreted by a
// shell. Line feeds become carriage returns on paste, which is what a
// terminal sends for Enter.
func pasteScript(name, data string, enter bool) string {
	enc := base64.StdEncoding.EncodeToString([]byte(data))
	buf := "st-buf-" + name
	s := "printf '%s' " + quote(enc) + " | base64 -d | " + tmux("load-buffer", "-b", buf, "-") +
		" && " + tmux("paste-buffer", "-d", "-b", buf, "-t", paneTarget(name))
	if enter {
		s += " && " + tmux("send-keys", "-t", paneTarget(name), "Enter")
	}
	return s
}

// keysScript sends tmux key names, e.g. C-c or Up.
func keysScript(name string, keys []string) string {
	args := append([]string{"send-keys", "-t", paneTarget(name)}, keys...)
	return tmux(args...)
}

func captureScript(name string) string {
	return tmux("capture-pane", "-p", "-J", "-S", "-", "-t", paneTarget(name))
}

// pollScript waits on the machine itself for the completion line of tok:
// it captures the pane every interval, at most iterations times, and stops
// early once the token followed by a status digit shows up. The final
// capture is the script's only output.
func pollScript(name string, tok session.Sentinel, iterations int, interval time.Duration) string {
	return fmt.Sprintf(`i=0
while [ "$i" -lt %d ]; do
  if %s | grep -q %s; then break; fi
  sleep %s
  i=$((i+1))
done
%s`,
		iterations,
		captureScript(name),
		quote(string(tok)+"[0-9]"),
		strconv.FormatFloat(interval.Seconds(), 'f', -1, 64),
		captureScript(name))
}

// settleScript pauses before capturing, for reading the echo of input.
func settleScript(name string, pause time.Duration) string {
	return "sleep " + strconv.FormatFloat(pause.Seconds(), 'f', -1, 64) + "\n" + captureScript(name)
}

func historyScript(name string) string {
	return tmux("display-message", "-p", "-t", paneTarget(name), "#{history_size} #{history_limit}")
}

// trimmed reports whether the pane's scrollback has reached its limit, in
// which case the oldest lines are already gone.
func trimmed(out string) bool {
	f := strings.Fields(out)
	if len(f) != 2 {
		return false
	}
	size, err1 := strconv.Atoi(f[0])
	limit, err2 := strconv.Atoi(f[1])
	return err1 == nil && err2 == nil && limit > 0 && size >= limit
}

// iterations is how many polls fit in timeout, at least one.
func iterations(timeout, interval time.Duration) int {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	n := int(math.Ceil(float64(timeout) / float64(interval)))
	if n < 1 {
		n = 1
	}
	return n
}
