package config

import (
	"os/exec"
)

type Detection struct {
	Tmux   bool
	Docker bool
	Bash   bool
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Detect inspects the host for the binaries the local backend needs.
func Detect() Detection {
	has := func(name string) bool {
		_, err := lookPath(name)
		return err == nil
	}
	return Detection{
		Tmux:   has("tmux"),
		Docker: has("docker"),
		Bash:   has("bash"),
	}
}

// SuggestedMode picks the backend mode for a fresh project. Without tmux
// on the host only the remote backend can work.
func (d Detection) SuggestedMode() string {
	if d.Tmux && d.Bash {
		return ModeHybrid
	}
	return ModeRemote
}
