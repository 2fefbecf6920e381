package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zpdzap/sandterm/internal/config"
)

// Docker runs the docker CLI and returns its combined output.
type Docker func(ctx context.Context, args ...string) (string, error)

func execDocker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		return s, fmt.Errorf("docker %s failed: %s: %w", args[0], s, err)
	}
	return s, nil
}

var boxName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// Boxes handles the docker lifecycle of boxes and their records in the
// state file.
type Boxes struct {
	projectDir string
	cfg        *config.Config
	docker     Docker
	log        *slog.Logger
}

func NewBoxes(projectDir string, cfg *config.Config, log *slog.Logger) *Boxes {
	if log == nil {
		log = slog.Default()
	}
	return &Boxes{projectDir: projectDir, cfg: cfg, docker: execDocker, log: log}
}

// ProgressFunc is called with status updates during box creation.
type ProgressFunc func(phase string)

// Create builds the box image and starts a container with the project
// mounted at /workspace. If progress is non-nil, it's called with phase
// updates.
func (b *Boxes) Create(ctx context.Context, name string, progress ProgressFunc) (*Box, error) {
	report := func(phase string) {
		if progress != nil {
			progress(phase)
		}
	}
	if !boxName.MatchString(name) {
		return nil, fmt.Errorf("invalid box name %q (lowercase letters, digits, - and _)", name)
	}
	s, err := readState(b.projectDir)
	if err != nil {
		return nil, err
	}
	if _, exists := s.Boxes[name]; exists {
		return nil, fmt.Errorf("box %q already exists", name)
	}

	report("Building image (may take a minute on first run)...")
	if err := b.buildImage(ctx); err != nil {
		return nil, fmt.Errorf("building image: %w", err)
	}

	report("Starting container...")
	container := ContainerName(name)
	args := []string{
		"run", "-d",
		"--name", container,
		"--label", "sandterm.box=" + name,
		"-v", b.projectDir + ":/workspace",
		"-w", "/workspace",
	}
	for _, port := range b.cfg.Local.Ports {
		args = append(args, "-p", fmt.Sprintf("0:%d", port))
	}
	keys := make([]string, 0, len(b.cfg.Local.Env))
	for k := range b.cfg.Local.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+b.cfg.Local.Env[k])
	}
	args = append(args, b.cfg.Local.Image, "sleep", "infinity")

	out, err := b.docker(ctx, args...)
	if err != nil {
		return nil, err
	}
	containerID := strings.TrimSpace(out)
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}

	box := &Box{
		Name:        name,
		ContainerID: containerID,
		Status:      StatusRunning,
		Image:       b.cfg.Local.Image,
		Ports:       b.queryPorts(ctx, container),
		CreatedAt:   time.Now(),
	}
	err = updateState(b.projectDir, func(s *State) error {
		s.Boxes[name] = box
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.log.Info("box created", "box", name, "container", containerID)
	return box, nil
}

// Destroy stops and removes a box container and forgets it. Missing
// containers are not an error.
func (b *Boxes) Destroy(ctx context.Context, name string) error {
	container := ContainerName(name)
	if _, err := b.docker(ctx, "rm", "-f", container); err != nil {
		b.log.Warn("removing container", "box", name, "err", err)
	}
	return updateState(b.projectDir, func(s *State) error {
		delete(s.Boxes, name)
		if conn := "container:" + name; s.Preference.Connection == conn {
			s.Preference.Connection = ""
		}
		return nil
	})
}

// List returns all boxes sorted by creation time.
func (b *Boxes) List() ([]*Box, error) {
	s, err := readState(b.projectDir)
	if err != nil {
		return nil, err
	}
	result := make([]*Box, 0, len(s.Boxes))
	for _, box := range s.Boxes {
		result = append(result, box)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Get returns a box by name.
func (b *Boxes) Get(name string) (*Box, bool, error) {
	s, err := readState(b.projectDir)
	if err != nil {
		return nil, false, err
	}
	box, ok := s.Boxes[name]
	return box, ok, nil
}

// Running reports whether the box's container is up.
func (b *Boxes) Running(ctx context.Context, name string) bool {
	return dockerToStatus(b.inspectStatus(ctx, ContainerName(name))) == StatusRunning
}

// Reconcile syncs the state file with actual container states: boxes whose
// container is gone are dropped, the rest get their status and ports
// refreshed.
func (b *Boxes) Reconcile(ctx context.Context) error {
	return updateState(b.projectDir, func(s *State) error {
		for name, box := range s.Boxes {
			container := ContainerName(name)
			status := b.inspectStatus(ctx, container)
			if status == "" {
				b.log.Info("box container gone", "box", name)
				delete(s.Boxes, name)
				continue
			}
			box.Status = dockerToStatus(status)
			if box.Status == StatusRunning {
				box.Ports = b.queryPorts(ctx, container)
			}
		}
		return nil
	})
}

func (b *Boxes) buildImage(ctx context.Context) error {
	_, err := b.docker(ctx, "build", "-q", "-t", b.cfg.Local.Image, "-f", b.cfg.Local.Dockerfile, b.projectDir)
	return err
}

func (b *Boxes) queryPorts(ctx context.Context, container string) map[string]string {
	ports := make(map[string]string)
	out, err := b.docker(ctx, "port", container)
	if err != nil {
		return ports
	}
	// Parse lines like: "3000/tcp -> 0.0.0.0:49321"
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), " -> ", 2)
		if len(parts) != 2 {
			continue
		}
		containerPort := strings.SplitN(parts[0], "/", 2)[0]
		if i := strings.LastIndex(parts[1], ":"); i >= 0 {
			ports[containerPort] = parts[1][i+1:]
		}
	}
	return ports
}

func (b *Boxes) inspectStatus(ctx context.Context, container string) string {
	out, err := b.docker(ctx, "inspect", "-f", "{{.State.Status}}", container)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func dockerToStatus(dockerStatus string) Status {
	switch dockerStatus {
	case "running":
		return StatusRunning
	case "exited", "dead":
		return StatusStopped
	case "created", "restarting":
		return StatusCreating
	case "":
		return StatusStopped
	default:
		return StatusError
	}
}
