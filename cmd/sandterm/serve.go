package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zpdzap/sandterm/internal/mcpserver"
	"github.com/zpdzap/sandterm/internal/ptyd"
)

func serveCmd() *cobra.Command {
	var (
		addr       string
		token      string
		deadAfter  time.Duration
		scrollback int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the PTY daemon that backs remote sessions",
		Long: `Run the PTY daemon that backs remote sessions.

Shells started through the daemon outlive the processes that created them,
so agents can reconnect to them by pid. Run it inside the machine that
should execute commands.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(os.Stderr)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = listenAddr(a.cfg.Remote.URL)
			}
			if token == "" {
				token = a.cfg.Remote.Token
			}
			if token == "" {
				token = os.Getenv("SANDTERM_TOKEN")
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := ptyd.NewServer(ptyd.Options{
				Token:      token,
				Scrollback: scrollback,
				DeadAfter:  deadAfter,
				Logger:     a.log,
			})
			if token == "" {
				a.log.Warn("pty daemon has no token; anyone who can reach it can run commands", "addr", addr)
			}
			return srv.Serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: host:port of remote.url)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token clients must present (default: remote.token or $SANDTERM_TOKEN)")
	cmd.Flags().DurationVar(&deadAfter, "dead-after", 5*time.Minute, "how long exited shells stay re-attachable")
	cmd.Flags().IntVar(&scrollback, "scrollback", ptyd.DefaultScrollback, "scrollback bytes kept per shell")
	return cmd
}

// listenAddr derives the daemon's listen address from the URL clients use.
func listenAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "127.0.0.1:7681"
	}
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "7681")
	}
	return u.Host
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the terminal tool to an agent over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Stdout carries the protocol; logs stay on stderr.
			a, err := loadApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.sandbox.Close()

			a.log.Info("serving MCP on stdio", "version", version, "mode", a.cfg.Mode)
			return mcpserver.New(a.dispatcher, version, a.log).ServeStdio()
		},
	}
}
