package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zpdzap/sandterm/internal/config"
	"github.com/zpdzap/sandterm/internal/dispatch"
	"github.com/zpdzap/sandterm/internal/guardrail"
	"github.com/zpdzap/sandterm/internal/logging"
	"github.com/zpdzap/sandterm/internal/remote"
	"github.com/zpdzap/sandterm/internal/sandbox"
	"github.com/zpdzap/sandterm/internal/tmux"
	"github.com/zpdzap/sandterm/internal/tui"
)

var version = "dev"

// errReported means the command already printed its failure.
var errReported = errors.New("reported")

func main() {
	root := &cobra.Command{
		Use:           "sandterm",
		Short:         "sandterm: persistent sandboxed terminals for coding agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runTUI,
	}

	root.AddCommand(
		initCmd(),
		serveCmd(),
		mcpCmd(),
		actionCmd(dispatch.ActionExec, "exec <command...>", "Run a command in a session"),
		actionCmd(dispatch.ActionWait, "wait", "Wait for the running command of a session"),
		actionCmd(dispatch.ActionView, "view", "Show new output of a session without waiting"),
		actionCmd(dispatch.ActionSend, "send <input>", "Send raw input to a session"),
		actionCmd(dispatch.ActionKill, "kill", "Kill a session"),
		boxCmd(),
		preferCmd(),
		doctorCmd(),
		guardrailsCmd(),
	)

	if err := root.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// app is everything a command needs, built from the project config.
type app struct {
	projectDir string
	cfg        *config.Config
	sandbox    *sandbox.Manager
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger
}

// loadApp reads the config and wires the sandbox manager and dispatcher.
// logs is where log output goes when no log file is configured.
func loadApp(logs io.Writer) (*app, error) {
	projectDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", config.ConfigPath(projectDir), err)
	}

	log, err := setupLogging(cfg, logs)
	if err != nil {
		return nil, err
	}

	overrides, err := guardrail.ParseConfig(cfg.Guardrails)
	if err != nil {
		return nil, err
	}
	for _, id := range guardrail.Unknown(overrides) {
		log.Warn("ignoring unknown guardrail policy", "policy", id)
	}

	mgr := sandbox.NewManager(projectDir, cfg, log)
	factory := dispatch.NewFactory(
		remote.PTYOptions{
			Shell: cfg.Remote.Shell,
			Cols:  cfg.Remote.Cols,
			Rows:  cfg.Remote.Rows,
		},
		tmux.Options{
			Shell:        cfg.Local.Shell,
			HistoryLimit: cfg.Local.HistoryLimit,
			PollInterval: cfg.Local.PollInterval,
		},
		log,
	)
	d := dispatch.New(mgr, factory, dispatch.Options{
		Policies:    guardrail.Effective(overrides),
		ExecTimeout: cfg.Timeouts.Exec,
		WaitTimeout: cfg.Timeouts.Wait,
		MaxTimeout:  cfg.Timeouts.Max,
		Budget:      cfg.Stream.Budget,
	}, log)

	return &app{projectDir: projectDir, cfg: cfg, sandbox: mgr, dispatcher: d, log: log}, nil
}

// setupLogging installs the default logger. A configured log file always
// gets the output; stderr only when logs is non-nil.
func setupLogging(cfg *config.Config, logs io.Writer) (*slog.Logger, error) {
	if logs == os.Stderr {
		if err := logging.Init(cfg.Log.Level, cfg.Log.File); err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		return slog.Default(), nil
	}
	if logs == nil {
		logs = io.Discard
	}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		logs = f
	}
	log := logging.New(logs, cfg.Log.Level)
	slog.SetDefault(log)
	return log, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize sandterm in the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, err := os.Getwd()
			if err != nil {
				return err
			}

			if config.Exists(projectDir) {
				fmt.Println("sandterm already initialized in this project.")
				return nil
			}

			detection := config.Detect()
			cfg := config.Default()
			cfg.Mode = detection.SuggestedMode()

			if err := config.Save(projectDir, cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}

			if err := writeDockerfile(projectDir, cfg); err != nil {
				return fmt.Errorf("writing Dockerfile: %w", err)
			}

			if err := updateGitignore(projectDir); err != nil {
				return fmt.Errorf("updating .gitignore: %w", err)
			}

			fmt.Printf("Initialized sandterm for %s (mode: %s)\n", filepath.Base(projectDir), cfg.Mode)
			fmt.Printf("  Config: %s/%s\n", config.Dir, config.ConfigFile)
			fmt.Printf("  Dockerfile: %s\n", cfg.Local.Dockerfile)
			if !detection.Tmux {
				fmt.Println("  tmux not found: local sessions need tmux on the host or a box (sandterm box create).")
			}
			fmt.Printf("\nStart the remote daemon with `sandterm serve` and point agents at `sandterm mcp`.\n")
			return nil
		},
	}
}

func writeDockerfile(projectDir string, cfg *config.Config) error {
	path := cfg.Local.Dockerfile
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectDir, path)
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sandbox.DefaultDockerfile), 0o644)
}

func updateGitignore(projectDir string) error {
	gitignorePath := filepath.Join(projectDir, ".gitignore")

	entries := []string{
		config.Dir + "/" + config.StateFile,
		config.Dir + "/" + config.StateFile + ".lock",
	}

	existing, _ := os.ReadFile(gitignorePath)
	content := string(existing)

	var toAdd []string
	for _, entry := range entries {
		if !strings.Contains(content, entry) {
			toAdd = append(toAdd, entry)
		}
	}

	if len(toAdd) == 0 {
		return nil
	}

	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	content += "\n# sandterm\n"
	for _, entry := range toAdd {
		content += entry + "\n"
	}

	return os.WriteFile(gitignorePath, []byte(content), 0o644)
}

func runTUI(cmd *cobra.Command, args []string) error {
	// The console owns the terminal, so logs only go to the log file.
	a, err := loadApp(nil)
	if err != nil {
		return err
	}
	defer a.sandbox.Close()

	// Reconcile box state with actual Docker containers on startup
	if err := a.sandbox.Boxes().Reconcile(cmd.Context()); err != nil {
		a.log.Warn("box reconciliation failed", "err", err)
	}

	return tui.Run(tui.Options{
		Dispatcher: a.dispatcher,
		Sandbox:    a.sandbox,
		ProjectDir: a.projectDir,
		Version:    version,
	})
}
