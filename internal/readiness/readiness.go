// Package readiness tracks the two independent initializations (runtime and
// model) that must both resolve before detection is allowed.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrNotStarted is returned by Wait when Start was never called.
var ErrNotStarted = errors.New("initialization not started")

// Phase is the coarse gate state.
type Phase int

const (
	Idle Phase = iota
	Loading
	Ready
	InitializationFailed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case InitializationFailed:
		return "initialization_failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name in JSON and YAML output.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Branch is one initialization. It must be safe to call again after a failure.
type Branch func(ctx context.Context) error

// State is a point-in-time snapshot of the gate.
type State struct {
	RuntimeReady bool  `json:"runtime_ready"`
	ModelReady   bool  `json:"model_ready"`
	Phase        Phase `json:"phase"`
	Err          error `json:"-"`
}

// Ready reports whether both flags are set.
func (s State) Ready() bool { return s.RuntimeReady && s.ModelReady }

// Gate runs the runtime and model branches concurrently and exposes the
// combined readiness. Flags only ever go from false to true.
type Gate struct {
	runtime Branch
	model   Branch

	mu           sync.Mutex
	runtimeReady bool
	modelReady   bool
	phase        Phase
	err          error
	done         chan struct{}
}

// NewGate creates an idle gate.
func NewGate(runtime, model Branch) *Gate {
	return &Gate{runtime: runtime, model: model, done: make(chan struct{})}
}

// Start launches both branches immediately. Calling Start again after the
// first call is a no-op.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase != Idle {
		return
	}
	g.launchLocked(ctx)
}

// Retry re-runs the branches that have not resolved. It only acts in the
// InitializationFailed phase and reports whether a retry was launched.
func (g *Gate) Retry(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase != InitializationFailed {
		return false
	}
	g.done = make(chan struct{})
	g.launchLocked(ctx)
	return true
}

func (g *Gate) launchLocked(ctx context.Context) {
	g.phase = Loading
	g.err = nil
	done := g.done
	runRuntime := !g.runtimeReady
	runModel := !g.modelReady
	slog.Info("initialization started", "runtime", runRuntime, "model", runModel)

	go func() {
		var eg errgroup.Group
		if runRuntime {
			eg.Go(func() error {
				if err := g.runtime(ctx); err != nil {
					return fmt.Errorf("runtime initialization: %w", err)
				}
				g.mu.Lock()
				g.runtimeReady = true
				g.mu.Unlock()
				slog.Info("runtime ready")
				return nil
			})
		}
		if runModel {
			eg.Go(func() error {
				if err := g.model(ctx); err != nil {
					return fmt.Errorf("model load: %w", err)
				}
				g.mu.Lock()
				g.modelReady = true
				g.mu.Unlock()
				slog.Info("model ready")
				return nil
			})
		}
		err := eg.Wait()

		g.mu.Lock()
		if err != nil {
			g.phase = InitializationFailed
			g.err = err
			slog.Error("initialization failed", "error", err)
		} else {
			g.phase = Ready
		}
		close(done)
		g.mu.Unlock()
	}()
}

// Ready reports whether both initializations have resolved.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runtimeReady && g.modelReady
}

// Snapshot returns the current state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{RuntimeReady: g.runtimeReady, ModelReady: g.modelReady, Phase: g.phase, Err: g.err}
}

// Done returns a channel closed when the current attempt finishes.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Wait blocks until the gate is ready, the current attempt fails, or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		phase, err, done := g.phase, g.err, g.done
		g.mu.Unlock()
		switch phase {
		case Idle:
			return ErrNotStarted
		case Ready:
			return nil
		case InitializationFailed:
			return err
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
