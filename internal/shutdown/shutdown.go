// Package shutdown coordinates ordered cleanup on process exit.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// CleanupFunc releases one resource. Errors are logged, never fatal: a
// failing cleanup must not block the ones after it.
type CleanupFunc func() error

type registration struct {
	name string
	fn   CleanupFunc
}

// Coordinator runs registered cleanups in registration order, exactly once.
type Coordinator struct {
	mu       sync.Mutex
	once     sync.Once
	cleanups []registration
	log      *utils.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{log: utils.NewLogger("Shutdown")}
}

// Register adds a named cleanup. Registration after RunCleanup has started
// is ignored.
func (c *Coordinator) Register(name string, fn CleanupFunc) {
	c.mu.Lock()
	c.cleanups = append(c.cleanups, registration{name: name, fn: fn})
	c.mu.Unlock()
}

// RunCleanup executes all cleanups once, in registration order. Safe to call
// from multiple paths; only the first call runs anything.
func (c *Coordinator) RunCleanup() {
	c.once.Do(func() {
		c.mu.Lock()
		cleanups := make([]registration, len(c.cleanups))
		copy(cleanups, c.cleanups)
		c.mu.Unlock()

		for _, reg := range cleanups {
			if err := reg.fn(); err != nil {
				c.log.Warn("cleanup %s failed: %v", reg.name, err)
			} else {
				c.log.Debug("cleanup %s done", reg.name)
			}
		}
	})
}

// HandleSignals installs a one-shot SIGINT/SIGTERM handler that runs the
// cleanups and exits 0. A second signal while cleaning up exits immediately.
func (c *Coordinator) HandleSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		c.log.Info("received %s, shutting down", sig)
		done := make(chan struct{})
		go func() {
			c.RunCleanup()
			close(done)
		}()
		select {
		case <-done:
		case <-ch:
			c.log.Warn("second signal, exiting without finishing cleanup")
		}
		os.Exit(0)
	}()
}
