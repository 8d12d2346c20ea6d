// Package lifecycle carries the start/stop plumbing shared by long-running
// components: ordered hooks around the serving lifecycle and an in-flight
// request drain for shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// HookFunc runs during one lifecycle phase. A pre-start hook returning an
// error aborts the start; errors from the other phases are logged by the
// caller and do not stop the sequence they belong to.
type HookFunc func(ctx context.Context) error

// NamedHook pairs a hook with an optional name used in error messages.
type NamedHook struct {
	Name string
	Fn   HookFunc
}

// Hooks is the registry of pre/post start and stop hooks for one service.
// The composition root registers cleanup (store close, cron stop) as
// post-stop hooks so teardown rides the same path as the HTTP listener's.
type Hooks struct {
	mu sync.RWMutex

	preStart  []NamedHook
	postStart []NamedHook
	preStop   []NamedHook
	postStop  []NamedHook
}

// NewHooks returns an empty registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

// OnPreStart registers fn to run before the service starts serving.
func (h *Hooks) OnPreStart(fn HookFunc) { h.OnPreStartNamed("", fn) }

// OnPreStartNamed registers a named pre-start hook.
func (h *Hooks) OnPreStartNamed(name string, fn HookFunc) {
	h.add(&h.preStart, name, fn)
}

// OnPostStart registers fn to run after the service starts serving.
func (h *Hooks) OnPostStart(fn HookFunc) { h.OnPostStartNamed("", fn) }

// OnPostStartNamed registers a named post-start hook.
func (h *Hooks) OnPostStartNamed(name string, fn HookFunc) {
	h.add(&h.postStart, name, fn)
}

// OnPreStop registers fn to run before shutdown begins.
func (h *Hooks) OnPreStop(fn HookFunc) { h.OnPreStopNamed("", fn) }

// OnPreStopNamed registers a named pre-stop hook.
func (h *Hooks) OnPreStopNamed(name string, fn HookFunc) {
	h.add(&h.preStop, name, fn)
}

// OnPostStop registers fn to run after the listener has stopped.
func (h *Hooks) OnPostStop(fn HookFunc) { h.OnPostStopNamed("", fn) }

// OnPostStopNamed registers a named post-stop hook.
func (h *Hooks) OnPostStopNamed(name string, fn HookFunc) {
	h.add(&h.postStop, name, fn)
}

func (h *Hooks) add(phase *[]NamedHook, name string, fn HookFunc) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	*phase = append(*phase, NamedHook{Name: name, Fn: fn})
}

// RunPreStart runs pre-start hooks in registration order, stopping at the
// first error.
func (h *Hooks) RunPreStart(ctx context.Context) error {
	return h.run(ctx, "PreStart", h.snapshot(&h.preStart))
}

// RunPostStart runs post-start hooks in registration order, stopping at the
// first error.
func (h *Hooks) RunPostStart(ctx context.Context) error {
	return h.run(ctx, "PostStart", h.snapshot(&h.postStart))
}

// RunPreStop runs pre-stop hooks in registration order, stopping at the
// first error.
func (h *Hooks) RunPreStop(ctx context.Context) error {
	return h.run(ctx, "PreStop", h.snapshot(&h.preStop))
}

// RunPostStop runs post-stop hooks in reverse registration order, so
// resources tear down opposite to how they were wired up.
func (h *Hooks) RunPostStop(ctx context.Context) error {
	hooks := h.snapshot(&h.postStop)
	for i, j := 0, len(hooks)-1; i < j; i, j = i+1, j-1 {
		hooks[i], hooks[j] = hooks[j], hooks[i]
	}
	return h.run(ctx, "PostStop", hooks)
}

func (h *Hooks) snapshot(phase *[]NamedHook) []NamedHook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]NamedHook, len(*phase))
	copy(out, *phase)
	return out
}

func (h *Hooks) run(ctx context.Context, phase string, hooks []NamedHook) error {
	for i, hook := range hooks {
		if hook.Fn == nil {
			continue
		}
		if err := hook.Fn(ctx); err != nil {
			if hook.Name != "" {
				return fmt.Errorf("%s hook %q (#%d) failed: %w", phase, hook.Name, i, err)
			}
			return fmt.Errorf("%s hook #%d failed: %w", phase, i, err)
		}
	}
	return nil
}
