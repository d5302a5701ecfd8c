// Package device sends best-effort relay commands to a network light-bulb
// controller and tracks whether that controller is reachable.
package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusLinking   Status = "linking"
	StatusConnected Status = "connected"
	StatusError     Status = "error"
	StatusOffline   Status = "offline"
)

// Observer receives every request outcome. kind is "relay" or "probe".
type Observer func(kind string, outcome Outcome)

type LinkConfig struct {
	Address        string
	CommandTimeout time.Duration
	ProbeTimeout   time.Duration
	Logger         *slog.Logger
	Observer       Observer
}

type LinkState struct {
	Address     string    `json:"address"`
	Status      Status    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	CheckedAt   time.Time `json:"checked_at,omitempty"`
	LastCommand *Result   `json:"last_command,omitempty"`
}

// Link owns the hardware link status. A probe runs once per address change and is
// never retried; only the probe for the current address may update the status.
type Link struct {
	commandTimeout time.Duration
	probeTimeout   time.Duration
	log            *slog.Logger
	observe        Observer

	mu          sync.RWMutex
	client      *Client
	generation  uint64
	status      Status
	lastError   string
	checkedAt   time.Time
	lastCommand *Result
}

func NewLink(cfg LinkConfig) *Link {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = func(string, Outcome) {}
	}

	return &Link{
		commandTimeout: cfg.CommandTimeout,
		probeTimeout:   cfg.ProbeTimeout,
		log:            cfg.Logger,
		observe:        cfg.Observer,
		client:         NewClient(cfg.Address),
		status:         StatusIdle,
	}
}

func (l *Link) State() LinkState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LinkState{
		Address:     l.client.Address(),
		Status:      l.status,
		LastError:   l.lastError,
		CheckedAt:   l.checkedAt,
		LastCommand: l.lastCommand,
	}
}

func (l *Link) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client.Address()
}

// SetAddress switches to a new device address and probes it in the background.
// The returned channel yields the probe result once; an empty address yields nothing
// and leaves the link idle.
func (l *Link) SetAddress(address string) <-chan Result {
	l.mu.Lock()
	l.client = NewClient(address)
	l.generation++
	gen := l.generation
	client := l.client
	l.lastError = ""
	l.lastCommand = nil
	l.mu.Unlock()

	done := make(chan Result, 1)
	if client.Address() == "" {
		l.setStatus(gen, StatusIdle, Result{})
		close(done)
		return done
	}

	l.setStatus(gen, StatusLinking, Result{})
	go func() {
		defer close(done)
		done <- l.probe(context.Background(), gen, client)
	}()
	return done
}

// Probe checks the current address synchronously and updates the status.
func (l *Link) Probe(ctx context.Context) Result {
	l.mu.Lock()
	gen := l.generation
	client := l.client
	l.mu.Unlock()

	if client.Address() == "" {
		return Result{Outcome: OutcomeFailure, Err: ErrNoAddress}
	}
	l.setStatus(gen, StatusLinking, Result{})
	return l.probe(ctx, gen, client)
}

func (l *Link) probe(ctx context.Context, gen uint64, client *Client) Result {
	res := client.Probe(ctx, l.probeTimeout)
	l.observe("probe", res.Outcome)

	switch {
	case res.OK():
		l.setStatus(gen, StatusConnected, res)
		l.log.Info("device_probe_ok", "address", client.Address(), "duration", res.Duration.String())
	case errors.Is(res.Err, ErrInvalidAddress):
		l.setStatus(gen, StatusError, res)
		l.log.Warn("device_address_invalid", "address", client.Address(), "error", res.Err.Error())
	default:
		l.setStatus(gen, StatusOffline, res)
		l.log.Warn("device_probe_failed", "address", client.Address(), "outcome", string(res.Outcome), "error", errString(res.Err))
	}
	return res
}

func (l *Link) setStatus(gen uint64, status Status, res Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation {
		return
	}
	l.status = status
	if status == StatusConnected || status == StatusOffline || status == StatusError {
		l.lastError = errString(res.Err)
		l.checkedAt = time.Now()
	}
}

// SendRelay fires the relay command without blocking the caller. Nothing is sent
// when no address is configured; the channel is then closed empty.
func (l *Link) SendRelay(on bool) <-chan Result {
	l.mu.RLock()
	client := l.client
	gen := l.generation
	l.mu.RUnlock()

	done := make(chan Result, 1)
	if client.Address() == "" {
		close(done)
		return done
	}

	go func() {
		defer close(done)

		res := client.SetRelay(context.Background(), on, l.commandTimeout)
		l.observe("relay", res.Outcome)
		if res.OK() {
			l.log.Debug("relay_command_sent", "address", client.Address(), "on", on)
		} else {
			l.log.Warn("relay_command_failed", "address", client.Address(), "on", on, "outcome", string(res.Outcome), "error", errString(res.Err))
		}

		l.mu.Lock()
		if gen == l.generation {
			l.lastCommand = &res
		}
		l.mu.Unlock()

		done <- res
	}()
	return done
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
