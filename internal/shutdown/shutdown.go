// ABOUTME: Single shutdown coordinator owning an ordered list of cleanup callbacks.
// ABOUTME: Runs exactly once no matter which termination path fired.

package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hook is one named cleanup step.
type Hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Coordinator collects cleanup callbacks and runs them in registration order
// on shutdown. Every hook runs even if earlier ones fail; failures are
// aggregated into the returned error.
type Coordinator struct {
	logger *slog.Logger

	mu    sync.Mutex
	hooks []Hook
	once  sync.Once
	err   error
}

// New creates a coordinator.
func New(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With("component", "shutdown")}
}

// Register adds a cleanup step. Steps run in the order they were registered.
func (c *Coordinator) Register(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, Hook{name: name, fn: fn})
}

// Shutdown runs all registered hooks exactly once. Subsequent calls return
// the first run's result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.mu.Lock()
		hooks := make([]Hook, len(c.hooks))
		copy(hooks, c.hooks)
		c.mu.Unlock()

		var errs []error
		for _, h := range hooks {
			c.logger.Debug("running shutdown hook", "name", h.name)
			if err := h.fn(ctx); err != nil {
				c.logger.Error("shutdown hook failed", "name", h.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}
