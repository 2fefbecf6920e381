package ptyd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 1024
	maxFrame     = 4 << 20
)

// Options configures a Server. Zero values get defaults.
type Options struct {
	// Token, when set, must arrive as a bearer token on every request.
	Token      string
	Scrollback int
	// Dead sessions are kept for re-attach this long before being swept.
	DeadAfter  time.Duration
	SweepEvery time.Duration
	// RunTimeout caps /run requests that do not name a timeout.
	RunTimeout time.Duration
	Logger     *slog.Logger
}

// Server owns the shells and serves the HTTP and websocket API.
type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[int]*shellSession
}

func NewServer(opts Options) *Server {
	if opts.Scrollback <= 0 {
		opts.Scrollback = DefaultScrollback
	}
	if opts.DeadAfter <= 0 {
		opts.DeadAfter = 5 * time.Minute
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = time.Minute
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts: opts,
		log:  opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[int]*shellSession),
	}
}

// Handler returns the daemon's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PathHealth, s.handleHealth)
	mux.HandleFunc("POST "+PathRun, s.handleRun)
	mux.HandleFunc("GET "+PathPTY, s.handlePTY)
	return s.authorize(mux)
}

// Serve accepts connections on ln until ctx is done, sweeping dead sessions
// in the background. All shells are hung up on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving pty daemon: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(s.opts.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if n := s.Sweep(time.Now()); n > 0 {
					s.log.Debug("swept dead sessions", "count", n)
				}
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	s.log.Info("pty daemon listening", "addr", ln.Addr().String())
	err := g.Wait()
	s.CloseAll()
	return err
}

// Sweep removes sessions that exited more than DeadAfter before now.
func (s *Server) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for pid, sess := range s.sessions {
		if sess.deadSince(now, s.opts.DeadAfter) {
			delete(s.sessions, pid)
			n++
		}
	}
	return n
}

// CloseAll hangs up every shell.
func (s *Server) CloseAll() {
	s.mu.Lock()
	sessions := make([]*shellSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[int]*shellSession)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.terminate(2 * time.Second)
	}
}

func (s *Server) live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.running() {
			n++
		}
	}
	return n
}

func (s *Server) lookup(pid int) (*shellSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[pid]
	return sess, ok
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.opts.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health{Status: "running", Sessions: s.live()})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}
	timeout := s.opts.RunTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", req.Command)
	cmd.WaitDelay = 2 * time.Second
	out, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		var ee *exec.ExitError
		switch {
		case errors.As(err, &ee):
			code = ee.ExitCode()
		case ctx.Err() != nil:
			code = -1
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, RunResponse{Stdout: string(out), ExitCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePTY(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrame)
	c := newConn(ws, s.log)
	go c.writePump()
	defer func() {
		c.close()
		s.mu.RLock()
		for _, sess := range s.sessions {
			sess.unsubscribe(c)
		}
		s.mu.RUnlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("pty connection closed", "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(Message{Type: TypeError, Message: "invalid message: " + err.Error()})
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *conn, msg Message) {
	fail := func(format string, args ...any) {
		c.send(Message{Type: TypeError, Ref: msg.Ref, Pid: msg.Pid, Message: fmt.Sprintf(format, args...)})
	}
	missing := func() {
		c.send(Message{Type: TypeError, Ref: msg.Ref, Pid: msg.Pid, Code: CodeNotFound, Message: fmt.Sprintf("no such session: %d", msg.Pid)})
	}
	switch msg.Type {
	case TypeCreate:
		sess, err := startShell(msg, s.opts.Scrollback)
		if err != nil {
			fail("%v", err)
			return
		}
		s.mu.Lock()
		s.sessions[sess.pid] = sess
		s.mu.Unlock()
		// Subscribe before the pump starts so no output is missed.
		sess.subscribe(c, Message{Type: TypeCreated, Ref: msg.Ref, Pid: sess.pid}, false)
		go sess.pump(func(sess *shellSession) {
			s.log.Info("shell exited", "pid", sess.pid, "exit_code", sess.exitCode)
		})
		s.log.Info("shell started", "pid", sess.pid, "shell", msg.Shell)

	case TypeAttach:
		sess, ok := s.lookup(msg.Pid)
		if !ok {
			missing()
			return
		}
		sess.subscribe(c, Message{Type: TypeAttached, Ref: msg.Ref, Pid: msg.Pid}, true)

	case TypeInput:
		sess, ok := s.lookup(msg.Pid)
		if !ok {
			missing()
			return
		}
		if err := sess.write(msg.Data); err != nil {
			fail("writing to session %d: %v", msg.Pid, err)
			return
		}
		c.send(Message{Type: TypeOK, Ref: msg.Ref, Pid: msg.Pid})

	case TypeKill:
		sess, ok := s.lookup(msg.Pid)
		if !ok || !sess.terminate(2*time.Second) {
			missing()
			return
		}
		c.send(Message{Type: TypeOK, Ref: msg.Ref, Pid: msg.Pid})

	default:
		fail("unknown message type %q", msg.Type)
	}
}

// conn is one websocket peer. Writes go through a buffered queue drained by
// writePump; a peer that falls a whole buffer behind is disconnected rather
// than silently losing output.
type conn struct {
	ws   *websocket.Conn
	log  *slog.Logger
	out  chan Message
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, log *slog.Logger) *conn {
	return &conn{ws: ws, log: log, out: make(chan Message, sendBuffer), done: make(chan struct{})}
}

func (c *conn) send(msg Message) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- msg:
	default:
		c.log.Warn("pty client too slow; disconnecting", "pid", msg.Pid)
		c.close()
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) writePump() {
	defer c.close()
	for {
		select {
		case msg := <-c.out:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("encoding pty message", "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
