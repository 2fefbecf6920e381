package sandbox

import (
	"fmt"
	"os/exec"

	"github.com/zpdzap/sandterm/internal/config"
	"github.com/zpdzap/sandterm/internal/tmux"
)

// AttachCmd returns a command that attaches the user's terminal to a local
// session. Detaching (Ctrl-B d) leaves the session running.
func AttachCmd(conn, session string) (*exec.Cmd, error) {
	if !tmux.ValidName(session) {
		return nil, fmt.Errorf("invalid session name %q", session)
	}
	kind, box, err := config.ParseConnection(conn)
	if err != nil {
		return nil, err
	}
	args := []string{"-L", tmux.Socket, "attach-session", "-t", "=" + session}
	if kind == "container" {
		return exec.Command("docker", append([]string{"exec", "-it", ContainerName(box), "tmux"}, args...)...), nil
	}
	return exec.Command("tmux", args...), nil
}
