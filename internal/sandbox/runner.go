package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zpdzap/sandterm/internal/tmux"
)

var (
	_ tmux.Runner = HostRunner{}
	_ tmux.Runner = ContainerRunner{}
)

// HostRunner runs scripts with bash on this machine.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, script string) (string, error) {
	return runScript(ctx, exec.CommandContext(ctx, "bash", "-c", script))
}

// ContainerRunner runs scripts with bash inside a box.
type ContainerRunner struct {
	Box string
}

func (r ContainerRunner) Run(ctx context.Context, script string) (string, error) {
	return runScript(ctx, exec.CommandContext(ctx, "docker", "exec", "-i", ContainerName(r.Box), "bash", "-c", script))
}

// runScript returns stdout; stderr only shows up in the error.
func runScript(ctx context.Context, cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A forked tmux server may keep the pipes open.
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.String(), fmt.Errorf("%s: %w", cmd.Args[0], err)
		}
		return stdout.String(), fmt.Errorf("%s: %s: %w", cmd.Args[0], msg, err)
	}
	return stdout.String(), nil
}

// runnerFor returns the runner for a parsed local connection.
func runnerFor(kind, box string) tmux.Runner {
	if kind == "container" {
		return ContainerRunner{Box: box}
	}
	return HostRunner{}
}
