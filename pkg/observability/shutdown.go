package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultShutdownTimeout = 30 * time.Second

// ErrShutdownTimeout is returned when shutdown steps outlive the timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout reached")

// ShutdownFunc releases one resource within ctx's deadline.
type ShutdownFunc func(context.Context) error

type shutdownStep struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager drains the API server on SIGINT or SIGTERM and then runs
// the registered steps concurrently under one deadline.
type ShutdownManager struct {
	logger  logrus.FieldLogger
	server  *http.Server
	timeout time.Duration
	signals <-chan os.Signal

	mu    sync.Mutex
	steps []shutdownStep
}

// NewShutdownManager drains server, if non-nil, before any step runs. A zero
// timeout means 30s.
func NewShutdownManager(logger logrus.FieldLogger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &ShutdownManager{logger: logger, server: server, timeout: timeout}
}

// Register adds a named step. Steps run concurrently, so any ordering
// between resources belongs inside one step.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// WaitForShutdown blocks for a signal and then calls Shutdown.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigs := sm.signals
	if sigs == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigs = ch
	}

	sig := <-sigs
	sm.logger.WithField("signal", sig.String()).Info("starting graceful shutdown")
	return sm.Shutdown()
}

// Shutdown drains the server and runs every step. In-flight requests finish
// first so none of them append to a ledger whose store is closing.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
		sm.logger.Info("HTTP server drained")
	}

	sm.mu.Lock()
	steps := append([]shutdownStep(nil), sm.steps...)
	sm.mu.Unlock()

	errs := make([]error, len(steps))
	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := sm.logger.WithField("step", step.name)
			if err := step.fn(ctx); err != nil {
				log.WithError(err).Error("shutdown step failed")
				errs[i] = fmt.Errorf("%s: %w", step.name, err)
				return
			}
			log.Debug("shutdown step complete")
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		sm.logger.Warn("shutdown timeout reached, forcing exit")
		return ErrShutdownTimeout
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	sm.logger.Info("graceful shutdown complete")
	return nil
}
