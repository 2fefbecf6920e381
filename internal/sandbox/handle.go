package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zpdzap/sandterm/internal/backoff"
)

// ErrUnavailable is returned once a handle has failed its health probe
// FailureThreshold times in a row. Only an explicit Reset clears it.
var ErrUnavailable = errors.New("sandbox unavailable")

// ProbeFunc runs a cheap no-op against the environment.
type ProbeFunc func(ctx context.Context) error

// HealthOptions tunes probing.
type HealthOptions struct {
	Timeout          time.Duration
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

// Handle is a connection to one execution environment with its health
// record. It is probed before first use; consecutive probe failures are
// retried with backoff until the threshold, after which the handle stays
// unavailable and no further attempts are made.
type Handle struct {
	name  string
	probe ProbeFunc
	opts  HealthOptions
	log   *slog.Logger

	mu          sync.Mutex
	failures    int
	unavailable bool
	verified    bool
	lastErr     error
	inflight    *attempt
}

// attempt is one run of the probe loop that concurrent Ready callers share.
// The mutex is never held while probing or backing off.
type attempt struct {
	done chan struct{}
	err  error
	// abandoned means the caller running the loop gave up, which says
	// nothing about the environment.
	abandoned bool
}

func NewHandle(name string, probe ProbeFunc, opts HealthOptions, log *slog.Logger) *Handle {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handle{name: name, probe: probe, opts: opts, log: log.With("sandbox", name)}
}

func (h *Handle) Name() string { return h.name }

// Ready returns nil once the environment has answered a probe. Concurrent
// callers wait for the probe in flight instead of starting their own.
func (h *Handle) Ready(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.unavailable {
			err := h.unavailableErr()
			h.mu.Unlock()
			return err
		}
		if h.verified {
			h.mu.Unlock()
			return nil
		}
		a := h.inflight
		if a == nil {
			a = &attempt{done: make(chan struct{})}
			h.inflight = a
			h.mu.Unlock()
			h.probeLoop(ctx, a)
			return a.err
		}
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
		}
		if !a.abandoned {
			return a.err
		}
		// The owner was cancelled; take over with our own context.
	}
}

// probeLoop probes until success, the failure threshold or cancellation,
// and publishes the outcome on a.
func (h *Handle) probeLoop(ctx context.Context, a *attempt) {
	defer func() {
		h.mu.Lock()
		h.inflight = nil
		h.mu.Unlock()
		close(a.done)
	}()

	b := backoff.New(h.opts.BackoffBase, h.opts.BackoffMax)
	for {
		err := h.runProbe(ctx)

		h.mu.Lock()
		if err == nil {
			h.failures = 0
			h.verified = true
			h.mu.Unlock()
			return
		}
		if ctx.Err() != nil {
			h.mu.Unlock()
			a.err, a.abandoned = ctx.Err(), true
			return
		}
		h.failures++
		h.lastErr = err
		failures := h.failures
		if failures >= h.opts.FailureThreshold {
			h.unavailable = true
			a.err = h.unavailableErr()
			h.mu.Unlock()
			h.log.Warn("health probe failed", "failures", failures, "err", err)
			h.log.Error("sandbox marked unavailable", "threshold", h.opts.FailureThreshold)
			return
		}
		h.mu.Unlock()
		h.log.Warn("health probe failed", "failures", failures, "err", err)

		t := time.NewTimer(b.Next())
		select {
		case <-ctx.Done():
			t.Stop()
			a.err, a.abandoned = ctx.Err(), true
			return
		case <-t.C:
		}
	}
}

// Suspect forgets the last successful probe after a backend call failed,
// so the next Ready probes again.
func (h *Handle) Suspect(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.verified {
		h.log.Debug("backend call failed, will re-probe", "err", err)
	}
	h.verified = false
}

// Reset runs one explicit probe. On success the handle is usable again
// even if it had been marked unavailable.
func (h *Handle) Reset(ctx context.Context) error {
	err := h.runProbe(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.lastErr = err
		return fmt.Errorf("probing %s: %w", h.name, err)
	}
	h.failures = 0
	h.unavailable = false
	h.verified = true
	h.lastErr = nil
	return nil
}

// Health is a snapshot of a handle's record.
type Health struct {
	Name        string
	Failures    int
	Unavailable bool
	Verified    bool
	LastError   string
}

func (h *Handle) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	hs := Health{Name: h.name, Failures: h.failures, Unavailable: h.unavailable, Verified: h.verified}
	if h.lastErr != nil {
		hs.LastError = h.lastErr.Error()
	}
	return hs
}

func (h *Handle) runProbe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()
	return h.probe(ctx)
}

func (h *Handle) unavailableErr() error {
	if h.lastErr != nil {
		return fmt.Errorf("%s: %w after %d failed health checks: %v", h.name, ErrUnavailable, h.failures, h.lastErr)
	}
	return fmt.Errorf("%s: %w", h.name, ErrUnavailable)
}
