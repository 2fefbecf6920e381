// Package ptyd is the managed PTY service that runs inside a sandbox, and
// the client the remote session manager uses to talk to it.
//
// Besides the HTTP health and run endpoints, the service speaks JSON over a
// websocket. Requests carry a ref that is echoed on the reply; data and
// exit messages are pushed to every connection subscribed to a session.
package ptyd

// Message types.
const (
	TypeCreate   = "create"
	TypeAttach   = "attach"
	TypeInput    = "input"
	TypeKill     = "kill"
	TypeCreated  = "created"
	TypeAttached = "attached"
	TypeOK       = "ok"
	TypeError    = "error"
	TypeData     = "data"
	TypeExit     = "exit"
)

// Paths served by the daemon.
const (
	PathHealth = "/api/v1/health"
	PathRun    = "/api/v1/run"
	PathPTY    = "/api/v1/pty"
)

// Message is the single envelope for every websocket frame. Byte fields are
// base64 on the wire.
type Message struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Pid  int    `json:"pid,omitempty"`

	// create
	Shell string            `json:"shell,omitempty"`
	Cols  int               `json:"cols,omitempty"`
	Rows  int               `json:"rows,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`

	// input, data
	Data []byte `json:"data,omitempty"`

	// attached; Total counts every byte the session has produced.
	Scrollback []byte `json:"scrollback,omitempty"`
	Total      int64  `json:"total,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`

	ExitCode *int   `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
	Code     string `json:"code,omitempty"`
}

// CodeNotFound marks an error reply about a pid the daemon does not know.
const CodeNotFound = "not_found"

// Health is the body of a health response.
type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// RunRequest asks the daemon to run one command outside any PTY session.
type RunRequest struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// RunResponse is the result of a RunRequest.
type RunResponse struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exitCode"`
}
