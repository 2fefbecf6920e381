package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/sandbox"
)

// Command represents a parsed slash command.
type Command struct {
	Name string
	Args []string
	// Rest is the raw text after the name, spacing preserved.
	Rest string
}

// ParseCommand parses a slash command string into a Command.
// Returns nil if the input is not a valid command.
func ParseCommand(input string) *Command {
	input = strings.TrimSpace(input)
	if input == "" || input[0] != '/' {
		return nil
	}

	parts := strings.Fields(input)
	rest := strings.TrimSpace(strings.TrimPrefix(input, parts[0]))
	return &Command{
		Name: parts[0],
		Args: parts[1:],
		Rest: rest,
	}
}

// usage per session command, also shown in help.
var usage = map[string]string{
	"/exec": "/exec <command>",
	"/in":   "/in <pid|session> <command>",
	"/wait": "/wait <pid|session> [seconds]",
	"/view": "/view <pid|session>",
	"/send": "/send <pid|session> <text>",
	"/kill": "/kill <pid|session>",
}

// Request turns a session command into a dispatcher request. ok is false
// for commands that are not tool calls (/attach, /prefer, ...).
func (c *Command) Request() (req dispatch.Request, ok bool, err error) {
	u, known := usage[c.Name]
	if !known {
		return dispatch.Request{}, false, nil
	}
	bad := fmt.Errorf("usage: %s", u)

	switch c.Name {
	case "/exec":
		if c.Rest == "" {
			return req, true, bad
		}
		return dispatch.Request{Action: dispatch.ActionExec, Command: c.Rest}, true, nil
	}

	if len(c.Args) == 0 {
		return req, true, bad
	}
	req = targetRequest(c.Args[0])
	rest := strings.TrimSpace(strings.TrimPrefix(c.Rest, c.Args[0]))

	switch c.Name {
	case "/in":
		if rest == "" {
			return req, true, bad
		}
		req.Action, req.Command = dispatch.ActionExec, rest
	case "/wait":
		req.Action = dispatch.ActionWait
		if len(c.Args) > 1 {
			secs, err := strconv.ParseFloat(c.Args[1], 64)
			if err != nil || secs <= 0 {
				return req, true, bad
			}
			req.Timeout = time.Duration(secs * float64(time.Second))
		}
	case "/view":
		req.Action = dispatch.ActionView
	case "/send":
		if rest == "" {
			return req, true, bad
		}
		req.Action, req.Input = dispatch.ActionSend, unescape(rest)
	case "/kill":
		req.Action = dispatch.ActionKill
	}
	return req, true, nil
}

// targetRequest addresses a session by reference: digits are a remote
// pid, anything else a local session name.
func targetRequest(ref string) dispatch.Request {
	if pid, err := strconv.Atoi(ref); err == nil && pid > 0 {
		return dispatch.Request{Pid: pid}
	}
	return dispatch.Request{Session: ref}
}

// unescape reads Go escapes such as \n or \x03 in typed input, so control
// characters can be sent from the command bar. Text that does not parse is
// sent as typed.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	u, err := strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
	if err != nil {
		return s
	}
	return u
}

// parsePreference reads "/prefer remote" or "/prefer local [host|<box>]".
func parsePreference(args []string) (sandbox.Preference, error) {
	if len(args) == 0 || len(args) > 2 {
		return sandbox.Preference{}, fmt.Errorf("usage: /prefer remote | /prefer local [host|<box>]")
	}
	p := sandbox.Preference{Backend: sandbox.Backend(args[0])}
	if len(args) == 2 {
		if p.Backend != sandbox.BackendLocal {
			return sandbox.Preference{}, fmt.Errorf("only the local backend takes a connection")
		}
		p.Connection = args[1]
		if p.Connection != "host" && !strings.HasPrefix(p.Connection, "container:") {
			p.Connection = "container:" + p.Connection
		}
	}
	return p, nil
}
