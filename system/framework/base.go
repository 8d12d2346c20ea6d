// Package framework holds the small amount of service plumbing the HTTP
// surface embeds: a readiness state machine for the /healthz probe and the
// lifecycle subpackage's hook and drain helpers.
package framework

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceState is where a service currently sits in its lifecycle.
type ServiceState int32

const (
	StateUninitialized ServiceState = iota
	StateInitializing
	StateReady
	StateNotReady
	StateStopping
	StateStopped
	StateFailed
)

func (s ServiceState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateNotReady:
		return "not-ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ServiceBase tracks readiness for one service instance. The consensus
// coordinator's HTTP server embeds it so the deployment platform's probe
// flips to not-ready the moment startup fails or shutdown begins.
type ServiceBase struct {
	state     atomic.Int32
	startedAt atomic.Value // time.Time
	stoppedAt atomic.Value // time.Time

	name   string
	domain string

	mu        sync.RWMutex
	lastError error
}

// NewServiceBase names the service for probe error messages. domain groups
// related services in dashboards and carries no behavior.
func NewServiceBase(name, domain string) *ServiceBase {
	return &ServiceBase{name: name, domain: domain}
}

// Name returns the service name.
func (b *ServiceBase) Name() string { return b.name }

// Domain returns the service domain.
func (b *ServiceBase) Domain() string { return b.domain }

// State returns the current lifecycle state.
func (b *ServiceBase) State() ServiceState {
	return ServiceState(b.state.Load())
}

// SetState overrides the lifecycle state directly.
func (b *ServiceBase) SetState(state ServiceState) {
	b.state.Store(int32(state))
}

// MarkReady flips between ready and not-ready without recording an error.
func (b *ServiceBase) MarkReady(ready bool) {
	if ready {
		b.state.Store(int32(StateReady))
	} else {
		b.state.Store(int32(StateNotReady))
	}
}

// MarkStarted records the start time and moves to ready.
func (b *ServiceBase) MarkStarted() {
	b.startedAt.Store(time.Now())
	b.state.Store(int32(StateReady))
}

// MarkStopped records the stop time and moves to stopped.
func (b *ServiceBase) MarkStopped() {
	b.stoppedAt.Store(time.Now())
	b.state.Store(int32(StateStopped))
}

// MarkFailed records err and moves to failed; the probe reports err until
// the service is marked ready again.
func (b *ServiceBase) MarkFailed(err error) {
	b.mu.Lock()
	b.lastError = err
	b.mu.Unlock()
	b.state.Store(int32(StateFailed))
}

// LastError returns the error recorded by the most recent MarkFailed.
func (b *ServiceBase) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

// StartedAt returns when the service started, or the zero time.
func (b *ServiceBase) StartedAt() time.Time {
	if v := b.startedAt.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// StoppedAt returns when the service stopped, or the zero time.
func (b *ServiceBase) StoppedAt() time.Time {
	if v := b.stoppedAt.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// Uptime is the running duration, frozen at the stop time once stopped.
func (b *ServiceBase) Uptime() time.Duration {
	started := b.StartedAt()
	if started.IsZero() {
		return 0
	}
	if stopped := b.StoppedAt(); !stopped.IsZero() {
		return stopped.Sub(started)
	}
	return time.Since(started)
}

// IsReady reports whether the service is currently ready.
func (b *ServiceBase) IsReady() bool {
	return b.State() == StateReady
}

// Ready returns nil when ready, otherwise an error naming the service and
// either the recorded failure or the current state.
func (b *ServiceBase) Ready(ctx context.Context) error {
	_ = ctx
	state := b.State()
	if state == StateReady {
		return nil
	}
	if lastErr := b.LastError(); lastErr != nil {
		return fmt.Errorf("%s: %w", b.name, lastErr)
	}
	return fmt.Errorf("%s: %s", b.name, state)
}
