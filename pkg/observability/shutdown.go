package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs registered cleanup steps once a stop signal arrives.
// Steps run in reverse registration order, so register the database before the
// servers that use it.
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration
	mu      sync.Mutex
	steps   []shutdownStep
	once    sync.Once
	err     error
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{logger: logger, timeout: timeout}
}

// Register adds a named cleanup step.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown runs every step once, bounded by the manager timeout.
// Later calls return the first result.
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	sm.once.Do(func() {
		ctx, cancel := context.WithTimeout(parent, sm.timeout)
		defer cancel()

		sm.mu.Lock()
		steps := append([]shutdownStep(nil), sm.steps...)
		sm.mu.Unlock()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			if err := step.fn(ctx); err != nil {
				sm.logger.WithError(err).WithField("step", step.name).Error("Shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
				continue
			}
			sm.logger.WithField("step", step.name).Debug("Shutdown step complete")
		}

		if len(errs) > 0 {
			sm.err = errors.Join(errs...)
			return
		}
		sm.logger.Info("Graceful shutdown complete")
	})
	return sm.err
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx is done, then shuts down.
func (sm *ShutdownManager) WaitForSignal(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	sm.logger.Info("Stop requested, starting graceful shutdown")
	return sm.Shutdown(context.Background())
}
