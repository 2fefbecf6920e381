// Package session holds the pieces shared by both session backends: the
// idle/busy pool, the completion sentinel, named keys and the outcome of a
// read.
package session

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound means no live session answers to the identifier.
	ErrNotFound = errors.New("no session found")
	// ErrBusy means the session is running a command and cannot take another.
	ErrBusy = errors.New("session is busy")
)

// State is a session's pool membership.
type State int

const (
	Unknown State = iota
	Idle
	Busy
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Pool tracks which sessions are free for a new command. Idle sessions are
// handed out most recently released first so sequential commands land in
// the shell that already has the caller's working directory.
type Pool[ID comparable] struct {
	mu   sync.Mutex
	idle []ID
	busy map[ID]struct{}
}

func NewPool[ID comparable]() *Pool[ID] {
	return &Pool[ID]{busy: make(map[ID]struct{})}
}

// Acquire moves the most recently idled session to busy. It reports false
// when the caller must create a session.
func (p *Pool[ID]) Acquire() (ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero ID
	n := len(p.idle)
	if n == 0 {
		return zero, false
	}
	id := p.idle[n-1]
	p.idle = p.idle[:n-1]
	p.busy[id] = struct{}{}
	return id, true
}

// AddBusy registers a session created for the caller.
func (p *Pool[ID]) AddBusy(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeIdle(id)
	p.busy[id] = struct{}{}
}

// AddIdle registers a session found alive with nothing running.
func (p *Pool[ID]) AddIdle(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[id]; ok {
		return
	}
	p.removeIdle(id)
	p.idle = append(p.idle, id)
}

// Release returns a busy session to the idle list.
func (p *Pool[ID]) Release(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[id]; !ok {
		return false
	}
	delete(p.busy, id)
	p.idle = append(p.idle, id)
	return true
}

// Claim moves one specific idle session to busy.
func (p *Pool[ID]) Claim(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[id]; ok {
		return ErrBusy
	}
	if !p.removeIdle(id) {
		return ErrNotFound
	}
	p.busy[id] = struct{}{}
	return nil
}

// Remove forgets the session entirely.
func (p *Pool[ID]) Remove(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, id)
	p.removeIdle(id)
}

func (p *Pool[ID]) State(id ID) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.busy[id]; ok {
		return Busy
	}
	for _, v := range p.idle {
		if v == id {
			return Idle
		}
	}
	return Unknown
}

// Len returns the idle and busy counts.
func (p *Pool[ID]) Len() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.busy)
}

func (p *Pool[ID]) removeIdle(id ID) bool {
	for i, v := range p.idle {
		if v == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}
