// Package jobs runs tracked executions in the background.
//
// A job carries only the execution id (claim-check); the handler reads
// everything else from the execution record. Jobs run once: a failure is
// recorded in the execution and never retried.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/tracker"
)

// Handler performs one operation. Output written to out becomes the
// execution log. The returned error becomes the execution error.
type Handler func(ctx context.Context, exec *domain.Execution, out io.Writer) error

// Runner maps operations to handlers and drives an execution through the
// tracker.
type Runner struct {
	tracker *tracker.Tracker

	mu       sync.RWMutex
	handlers map[string]Handler
	leases   map[string]func()
}

// NewRunner creates a Runner.
func NewRunner(t *tracker.Tracker) *Runner {
	return &Runner{
		tracker:  t,
		handlers: make(map[string]Handler),
		leases:   make(map[string]func()),
	}
}

// Register binds op to h. Registering an operation twice panics.
func (r *Runner) Register(op string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[op]; dup {
		panic(fmt.Sprintf("jobs: handler for %q registered twice", op))
	}
	r.handlers[op] = h
}

// Handles reports whether op has a handler.
func (r *Runner) Handles(op string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[op]
	return ok
}

// HoldLease hands release to the job of execution id. It is called once the
// execution reaches a terminal state, or by ReleaseLease when dispatch fails.
func (r *Runner) HoldLease(id string, release func()) {
	if release == nil {
		return
	}
	r.mu.Lock()
	r.leases[id] = release
	r.mu.Unlock()
}

// ReleaseLease releases the lease held for id, if any.
func (r *Runner) ReleaseLease(id string) {
	r.mu.Lock()
	release := r.leases[id]
	delete(r.leases, id)
	r.mu.Unlock()
	if release != nil {
		release()
	}
}

// Run executes one execution. Handler errors are recorded on the execution
// and not returned; the returned error only reports tracker failures.
func (r *Runner) Run(ctx context.Context, id string) error {
	defer r.ReleaseLease(id)

	exec, err := r.tracker.Start(ctx, id)
	if errors.Is(err, tracker.ErrNotRunnable) {
		logger.Info("Execution no longer pending, skipping", logger.ExecutionID(id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("start execution %s: %w", id, err)
	}

	op := exec.Operation()
	r.mu.RLock()
	h, ok := r.handlers[op]
	r.mu.RUnlock()
	if !ok {
		r.tracker.Finish(ctx, id, fmt.Errorf("no handler for operation %q", op))
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unbind := r.tracker.Bind(id, cancel)
	defer unbind()

	log := logger.With(logger.ExecutionID(id), logger.Operation(op), zap.String("target", exec.Target))
	log.Info("Execution started")

	runErr := invoke(jobCtx, h, exec, r.tracker.Writer(ctx, id))
	if runErr != nil {
		log.Warn("Execution failed", zap.Error(runErr))
	}
	r.tracker.Finish(ctx, id, runErr)
	return nil
}

// invoke calls h and turns a panic into an error.
func invoke(ctx context.Context, h Handler, exec *domain.Execution, out io.Writer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Execution handler panicked",
				logger.ExecutionID(exec.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, exec, out)
}
