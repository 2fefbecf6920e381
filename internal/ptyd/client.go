package ptyd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zpdzap/sandterm/internal/backoff"
	"github.com/zpdzap/sandterm/internal/remote"
	"github.com/zpdzap/sandterm/internal/session"
)

// ErrDisconnected is returned for requests in flight when the websocket drops.
var ErrDisconnected = errors.New("pty daemon connection lost")

var _ remote.PTYService = (*Client)(nil)

// Client talks to one daemon. The websocket is dialed on first use and
// redialed in the background when it drops while sessions are subscribed;
// on redial every subscription is re-attached and the bytes missed in
// between are replayed from scrollback.
type Client struct {
	base  string
	token string
	http  *http.Client
	log   *slog.Logger

	dialMu sync.Mutex
	// writeMu serializes frames on the current connection.
	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	waiters   map[string]chan Message
	// pending holds subscribers for create and attach requests in flight,
	// keyed by ref, until the reply names the pid.
	pending map[string]remote.Subscriber
	// resync maps the refs of re-attach requests to their pid.
	resync    map[string]int
	subs      map[int]*subscription
	redialing bool
	closed    bool
}

type subscription struct {
	sub  remote.Subscriber
	seen int64
}

// NewClient returns a client for the daemon at baseURL, e.g.
// "http://127.0.0.1:7681".
func NewClient(baseURL, token string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		log:     log,
		waiters: make(map[string]chan Message),
		pending: make(map[string]remote.Subscriber),
		resync:  make(map[string]int),
		subs:    make(map[int]*subscription),
	}
}

// Create starts a shell and subscribes sub to it.
func (c *Client) Create(ctx context.Context, opts remote.PTYOptions, sub remote.Subscriber) (int, error) {
	reply, err := c.request(ctx, Message{
		Type:  TypeCreate,
		Shell: opts.Shell,
		Cols:  opts.Cols,
		Rows:  opts.Rows,
		Cwd:   opts.Cwd,
		Env:   opts.Env,
	}, &sub)
	if err != nil {
		return 0, err
	}
	return reply.Pid, nil
}

// Connect subscribes sub to a running shell and returns its scrollback.
func (c *Client) Connect(ctx context.Context, pid int, sub remote.Subscriber) (remote.Attachment, error) {
	reply, err := c.request(ctx, Message{Type: TypeAttach, Pid: pid}, &sub)
	if err != nil {
		return remote.Attachment{}, err
	}
	return remote.Attachment{Scrollback: reply.Scrollback, Complete: !reply.Truncated}, nil
}

func (c *Client) SendInput(ctx context.Context, pid int, data []byte) error {
	_, err := c.request(ctx, Message{Type: TypeInput, Pid: pid, Data: data}, nil)
	return err
}

func (c *Client) Kill(ctx context.Context, pid int) error {
	_, err := c.request(ctx, Message{Type: TypeKill, Pid: pid}, nil)
	return err
}

// Health queries the daemon's health endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, PathHealth, nil, &h)
	return h, err
}

// Run executes command outside any PTY session.
func (c *Client) Run(ctx context.Context, command string, timeout time.Duration) (RunResponse, error) {
	var resp RunResponse
	err := c.do(ctx, http.MethodPost, PathRun, RunRequest{Command: command, TimeoutMs: int(timeout.Milliseconds())}, &resp)
	return resp, err
}

// Close drops the connection and stops redialing.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) wsURL() string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + PathPTY
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + PathPTY
	}
	return c.base + PathPTY
}

// connect returns the live connection, dialing if there is none.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("pty client closed")
	}
	if c.ws != nil {
		ws := c.ws
		c.mu.Unlock()
		return ws, nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing pty daemon: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dialing pty daemon: %w", err)
	}
	ws.SetReadLimit(maxFrame)

	c.mu.Lock()
	c.ws = ws
	var resubscribe []Message
	for pid := range c.subs {
		ref := uuid.NewString()
		c.resync[ref] = pid
		resubscribe = append(resubscribe, Message{Type: TypeAttach, Ref: ref, Pid: pid})
	}
	c.mu.Unlock()

	go c.readLoop(ws)
	for _, msg := range resubscribe {
		if err := c.write(ws, msg); err != nil {
			return nil, err
		}
	}
	if len(resubscribe) > 0 {
		c.log.Info("pty daemon reconnected", "sessions", len(resubscribe))
	}
	return ws, nil
}

func (c *Client) write(ws *websocket.Conn, msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("writing %s: %w", msg.Type, err)
	}
	return nil
}

// request sends msg and waits for the reply carrying its ref. When sub is
// set it is registered for the pid the reply names before any data for
// that pid is delivered.
func (c *Client) request(ctx context.Context, msg Message, sub *remote.Subscriber) (Message, error) {
	ws, err := c.connect(ctx)
	if err != nil {
		return Message{}, err
	}
	msg.Ref = uuid.NewString()
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.waiters[msg.Ref] = ch
	if sub != nil {
		c.pending[msg.Ref] = *sub
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, msg.Ref)
		delete(c.pending, msg.Ref)
		c.mu.Unlock()
	}()

	if err := c.write(ws, msg); err != nil {
		return Message{}, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return Message{}, ErrDisconnected
		}
		if reply.Type == TypeError {
			if reply.Code == CodeNotFound {
				return Message{}, fmt.Errorf("%w: %s", session.ErrNotFound, reply.Message)
			}
			return Message{}, errors.New(reply.Message)
		}
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			c.disconnected(ws, err)
			return
		}
		c.handle(msg)
	}
}

// handle runs on the read loop, so subscriber callbacks for one pid are
// made in order.
func (c *Client) handle(msg Message) {
	switch msg.Type {
	case TypeData:
		c.mu.Lock()
		s := c.subs[msg.Pid]
		if s != nil {
			s.seen += int64(len(msg.Data))
		}
		c.mu.Unlock()
		if s != nil {
			s.sub.Data(msg.Data)
		}
		return

	case TypeExit:
		c.mu.Lock()
		s := c.subs[msg.Pid]
		delete(c.subs, msg.Pid)
		c.mu.Unlock()
		if s != nil && s.sub.Exit != nil {
			code := -1
			if msg.ExitCode != nil {
				code = *msg.ExitCode
			}
			s.sub.Exit(code)
		}
		return
	}

	c.mu.Lock()
	if pid, ok := c.resync[msg.Ref]; ok {
		delete(c.resync, msg.Ref)
		s := c.subs[pid]
		if msg.Type == TypeError {
			delete(c.subs, pid)
		}
		c.mu.Unlock()
		c.replay(pid, s, msg)
		return
	}
	if sub, ok := c.pending[msg.Ref]; ok && (msg.Type == TypeCreated || msg.Type == TypeAttached) {
		delete(c.pending, msg.Ref)
		c.subs[msg.Pid] = &subscription{sub: sub, seen: msg.Total}
	}
	ch, ok := c.waiters[msg.Ref]
	delete(c.waiters, msg.Ref)
	c.mu.Unlock()
	if ok {
		ch <- msg
	} else if msg.Type == TypeCreated {
		c.log.Warn("shell created for an abandoned request", "pid", msg.Pid)
	}
}

// replay delivers what a subscription missed while disconnected.
func (c *Client) replay(pid int, s *subscription, msg Message) {
	if s == nil {
		return
	}
	if msg.Type == TypeError {
		c.log.Warn("session lost while disconnected", "pid", pid, "error", msg.Message)
		if s.sub.Exit != nil {
			s.sub.Exit(-1)
		}
		return
	}
	c.mu.Lock()
	missed := msg.Total - s.seen
	s.seen = msg.Total
	c.mu.Unlock()
	if missed <= 0 {
		return
	}
	tail := msg.Scrollback
	if missed > int64(len(tail)) {
		c.log.Warn("output lost while disconnected", "pid", pid, "bytes", missed-int64(len(tail)))
	} else {
		tail = tail[int64(len(tail))-missed:]
	}
	if len(tail) > 0 {
		s.sub.Data(tail)
	}
}

func (c *Client) disconnected(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	for ref, ch := range c.waiters {
		close(ch)
		delete(c.waiters, ref)
	}
	c.resync = make(map[string]int)
	redial := !c.closed && len(c.subs) > 0 && !c.redialing
	if redial {
		c.redialing = true
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.log.Warn("pty daemon connection dropped", "error", err)
	}
	if redial {
		go c.redial()
	}
}

func (c *Client) redial() {
	defer func() {
		c.mu.Lock()
		c.redialing = false
		c.mu.Unlock()
	}()
	b := backoff.New(250*time.Millisecond, 10*time.Second)
	for {
		c.mu.Lock()
		stop := c.closed || len(c.subs) == 0
		c.mu.Unlock()
		if stop {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := c.connect(ctx)
		cancel()
		if err == nil {
			return
		}
		wait := b.Next()
		c.log.Debug("redialing pty daemon", "attempt", b.Attempts(), "wait", wait, "error", err)
		time.Sleep(wait)
	}
}
