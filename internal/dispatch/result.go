package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/zpdzap/sandterm/internal/guardrail"
)

// Result is what a tool call returns to the agent.
type Result struct {
	Output   string `json:"output"`
	ExitCode *int   `json:"exitCode"`
	// Exactly one of Pid and Session is set once a session is involved.
	Pid        int                  `json:"pid,omitempty"`
	Session    string               `json:"session,omitempty"`
	TimedOut   bool                 `json:"timedOut,omitempty"`
	Error      bool                 `json:"error,omitempty"`
	PolicyID   string               `json:"policyId,omitempty"`
	Advisories []guardrail.Advisory `json:"advisories,omitempty"`
	Backend    string               `json:"backend,omitempty"`
}

// JSON renders the result for a tool response.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"output":%q,"exitCode":null,"error":true}`, err.Error())
	}
	return string(data)
}

func errorResult(format string, args ...any) Result {
	return Result{Output: fmt.Sprintf(format, args...), Error: true}
}

// ref names the session in messages.
func (r Result) ref() string {
	if r.Pid != 0 {
		return fmt.Sprintf("pid %d", r.Pid)
	}
	return fmt.Sprintf("session %q", r.Session)
}

// refArg is the argument that addresses the session in a later call.
func (r Result) refArg() string {
	if r.Pid != 0 {
		return fmt.Sprintf(`"pid": %d`, r.Pid)
	}
	return fmt.Sprintf(`"session": %q`, r.Session)
}

func (r Result) stillRunning() string {
	return fmt.Sprintf("[Command still running in the background in %s. Call wait with %s to keep waiting, or kill to stop it.]",
		r.ref(), r.refArg())
}
