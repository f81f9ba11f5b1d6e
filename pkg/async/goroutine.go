package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SafeGo executes fn in a goroutine with a timeout, panic recovery and error
// logging. A zero timeout means fn runs until parentCtx is done.
func SafeGo(parentCtx context.Context, log logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	go func() {
		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}
		if err := run(ctx, taskName, fn); err != nil {
			log.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// run calls fn and converts a panic into an error.
func run(ctx context.Context, taskName string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Task: taskName, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// PanicError is returned for a task that panicked.
type PanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Task, e.Value)
}

// Group supervises a set of long lived tasks sharing one context.
type Group struct {
	ctx  context.Context
	log  logrus.FieldLogger
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewGroup returns a Group whose tasks receive ctx.
func NewGroup(ctx context.Context, log logrus.FieldLogger) *Group {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Group{ctx: ctx, log: log}
}

// Go starts fn. A task returning context.Canceled is treated as a clean
// stop.
func (g *Group) Go(taskName string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		log := g.log.WithField("task", taskName)
		log.Debug("background task started")

		err := run(g.ctx, taskName, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			log.Debug("background task stopped")
			return
		}

		var p *PanicError
		if errors.As(err, &p) {
			log.WithField("stack", string(p.Stack)).Error(err.Error())
		} else {
			log.WithError(err).Error("background task failed")
		}
		g.mu.Lock()
		g.errs = append(g.errs, fmt.Errorf("%s: %w", taskName, err))
		g.mu.Unlock()
	}()
}

// Wait blocks until every task has returned and joins their failures.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
