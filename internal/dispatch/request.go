// Package dispatch turns terminal tool calls into session manager
// operations and every outcome, failures included, into a Result.
package dispatch

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Action is the closed set of things a tool call can ask for.
type Action string

const (
	ActionExec Action = "exec"
	ActionWait Action = "wait"
	ActionView Action = "view"
	ActionSend Action = "send"
	ActionKill Action = "kill"
)

// Actions lists every action in the order tool schemas present them.
var Actions = []Action{ActionExec, ActionWait, ActionView, ActionSend, ActionKill}

// ErrUnknownAction is returned for actions outside Actions.
var ErrUnknownAction = errors.New("unknown action")

// ParseAction validates s.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w %q (want exec, wait, view, send or kill)", ErrUnknownAction, s)
}

// Request is one validated tool call.
type Request struct {
	Action  Action
	Command string
	Input   string
	// Pid addresses a remote session, Session a local one. At most one is
	// set; neither means a pooled or fresh session for exec.
	Pid     int
	Session string
	// Timeout of zero selects the action's default.
	Timeout time.Duration
	Chat    string
	// ToolCallID keys streamed output.
	ToolCallID string
}

// Targeted reports whether the request names a session.
func (r Request) Targeted() bool { return r.Pid != 0 || r.Session != "" }

// Validate checks the fields each action requires.
func (r Request) Validate() error {
	if _, err := ParseAction(string(r.Action)); err != nil {
		return err
	}
	if r.Pid != 0 && r.Session != "" {
		return errors.New("pass either pid or session, not both")
	}
	if r.Pid < 0 {
		return fmt.Errorf("invalid pid %d", r.Pid)
	}
	switch r.Action {
	case ActionExec:
		if strings.TrimSpace(r.Command) == "" {
			return errors.New("exec requires a command")
		}
	case ActionSend:
		if r.Input == "" {
			return errors.New("send requires input")
		}
		fallthrough
	case ActionWait, ActionView, ActionKill:
		if !r.Targeted() {
			return fmt.Errorf("%s requires a pid or session", r.Action)
		}
	}
	return nil
}

// ParseRequest builds a Request from decoded JSON tool arguments.
func ParseRequest(args map[string]any) (Request, error) {
	var r Request
	action, err := stringArg(args, "action")
	if err != nil {
		return r, err
	}
	if r.Action, err = ParseAction(action); err != nil {
		return r, err
	}
	if r.Command, err = stringArg(args, "command"); err != nil {
		return r, err
	}
	if r.Input, err = stringArg(args, "input"); err != nil {
		return r, err
	}
	if r.Session, err = stringArg(args, "session"); err != nil {
		return r, err
	}
	if r.Chat, err = stringArg(args, "chat"); err != nil {
		return r, err
	}
	if r.Pid, err = pidArg(args["pid"]); err != nil {
		return r, err
	}
	if r.Timeout, err = secondsArg(args["timeout"]); err != nil {
		return r, err
	}
	return r, r.Validate()
}

func stringArg(args map[string]any, key string) (string, error) {
	switch v := args[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
}

func pidArg(v any) (int, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if v != math.Trunc(v) || v < 0 || v > math.MaxInt32 {
			return 0, fmt.Errorf("invalid pid %v", v)
		}
		return int(v), nil
	case int:
		return v, nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid pid %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("pid must be a number, got %T", v)
	}
}

func secondsArg(v any) (time.Duration, error) {
	var secs float64
	switch v := v.(type) {
	case nil:
		return 0, nil
	case float64:
		secs = v
	case int:
		secs = float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timeout %q", v)
		}
		secs = f
	default:
		return 0, fmt.Errorf("timeout must be a number of seconds, got %T", v)
	}
	if secs <= 0 || math.IsNaN(secs) {
		return 0, nil
	}
	// Clamped to the configured maximum later; this only keeps the
	// conversion in range.
	if secs > 1<<30 {
		secs = 1 << 30
	}
	return time.Duration(secs * float64(time.Second)), nil
}
