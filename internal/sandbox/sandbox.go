// Package sandbox owns the execution environments commands run in: the
// health of each connection, the docker boxes that local sessions can live
// in, and the choice between the remote and the local backend.
package sandbox

import "time"

// Status represents the current state of a box container.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Box is a long-lived container that hosts tmux sessions for the local
// backend.
type Box struct {
	Name        string            `json:"name"`
	ContainerID string            `json:"container_id"`
	Status      Status            `json:"status"`
	Image       string            `json:"image"`
	Ports       map[string]string `json:"ports,omitempty"` // container port → host port
	CreatedAt   time.Time         `json:"created_at"`
}

// ContainerName is the docker name of a box.
func ContainerName(box string) string {
	return "st-" + box
}

// Backend names the session manager a tool call is routed to.
type Backend string

const (
	BackendRemote Backend = "remote"
	BackendLocal  Backend = "local"
)

// Preference is the user's stored backend choice for hybrid mode.
type Preference struct {
	Backend Backend `json:"backend,omitempty"`
	// Connection is the local connection to use, "host" or "container:<box>".
	// Empty means the configured default.
	Connection string    `json:"connection,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// DefaultDockerfile is written by init for box images: a shell with tmux.
const DefaultDockerfile = `FROM debian:bookworm-slim

RUN apt-get update \
 && apt-get install -y --no-install-recommends tmux bash coreutils procps ca-certificates curl git \
 && rm -rf /var/lib/apt/lists/*

RUN useradd -m -s /bin/bash sandterm
USER sandterm
WORKDIR /workspace
`
