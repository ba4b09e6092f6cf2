// Package tracker records asynchronous executions and their output.
//
// Status moves forward only: pending → running → success|failed|cancelled,
// pending → cancelled, and pending → failed when dispatch fails. Once an
// execution is terminal its status never changes again; an outcome that
// arrives late is appended to the log instead.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/metrics"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/store"
)

// ErrNotRunnable is returned by Start when the execution left pending
// before the job picked it up, usually because it was cancelled or deleted.
var ErrNotRunnable = errors.New("execution is not pending")

// Store is the persistence the tracker needs.
type Store interface {
	CreateExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, errMsg string) error
	ListExecutions(ctx context.Context, f domain.ExecutionFilter) (*domain.ExecutionPage, error)
	ListExecutionsByStatus(ctx context.Context, status domain.ExecutionStatus, before time.Time) ([]*domain.Execution, error)
	DeleteExecution(ctx context.Context, id string) error
	AppendLog(ctx context.Context, executionID, content string) (int64, error)
	Logs(ctx context.Context, executionID string, after int64) ([]domain.LogChunk, error)
}

// AbandonFunc is called when an execution ends without its handler
// finishing it: cancelled while pending (ran false), or failed as stale after
// its job disappeared (ran true).
type AbandonFunc func(ctx context.Context, e *domain.Execution, ran bool)

// Tracker is the execution tracker.
type Tracker struct {
	store   Store
	cfg     config.Source
	metrics *metrics.Metrics

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	started   map[string]time.Time
	abandoned []AbandonFunc
}

// New creates a Tracker. m may be nil.
func New(st Store, cfg config.Source, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:   st,
		cfg:     cfg,
		metrics: m,
		cancels: make(map[string]context.CancelFunc),
		started: make(map[string]time.Time),
	}
}

// OnAbandoned registers fn. Callbacks run synchronously, in registration
// order.
func (t *Tracker) OnAbandoned(fn AbandonFunc) {
	t.mu.Lock()
	t.abandoned = append(t.abandoned, fn)
	t.mu.Unlock()
}

func (t *Tracker) notifyAbandoned(ctx context.Context, id string, ran bool) {
	t.mu.Lock()
	fns := append([]AbandonFunc(nil), t.abandoned...)
	t.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		logger.Warn("Abandoned execution vanished", logger.ExecutionID(id), zap.Error(err))
		return
	}
	for _, fn := range fns {
		fn(ctx, e, ran)
	}
}

// Create records a pending execution.
func (t *Tracker) Create(ctx context.Context, kind domain.ExecutionKind, target string, params map[string]interface{}, owner string) (*domain.Execution, error) {
	if !kind.Valid() {
		return nil, apperrors.ErrValidationf("unknown execution kind %q", kind)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate execution id: %w", err)
	}
	if owner == "" {
		owner = "system"
	}
	e := &domain.Execution{
		ID:         id.String(),
		Kind:       kind,
		Status:     domain.ExecutionPending,
		Target:     target,
		Parameters: params,
		Owner:      owner,
	}
	if err := t.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	logger.Debug("Execution created",
		logger.ExecutionID(e.ID),
		logger.Operation(e.Operation()),
		zap.String("target", target),
	)
	return e, nil
}

// Get returns one execution.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.Execution, error) {
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, id)
	}
	return e, nil
}

// List returns one page of executions, newest first.
func (t *Tracker) List(ctx context.Context, f domain.ExecutionFilter) (*domain.ExecutionPage, error) {
	return t.store.ListExecutions(ctx, f)
}

// Logs returns the chunks of id with a sequence number above after.
func (t *Tracker) Logs(ctx context.Context, id string, after int64) ([]domain.LogChunk, error) {
	if _, err := t.Get(ctx, id); err != nil {
		return nil, err
	}
	return t.store.Logs(ctx, id, after)
}

// Append adds one log chunk. Empty content is ignored.
func (t *Tracker) Append(ctx context.Context, id, content string) {
	if content == "" {
		return
	}
	if _, err := t.store.AppendLog(ctx, id, content); err != nil {
		logger.Warn("Failed to append execution log",
			logger.ExecutionID(id),
			zap.Error(err),
		)
	}
}

// Appendf formats and appends one log line.
func (t *Tracker) Appendf(ctx context.Context, id, format string, args ...interface{}) {
	t.Append(ctx, id, fmt.Sprintf(format, args...)+"\n")
}

// Writer returns an io.Writer that stores every write as a log chunk.
func (t *Tracker) Writer(ctx context.Context, id string) io.Writer {
	return &logWriter{ctx: context.WithoutCancel(ctx), t: t, id: id}
}

type logWriter struct {
	ctx context.Context
	t   *Tracker
	id  string
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.t.Append(w.ctx, w.id, string(p))
	return len(p), nil
}

// Start moves id from pending to running.
func (t *Tracker) Start(ctx context.Context, id string) (*domain.Execution, error) {
	err := t.store.TransitionExecution(ctx, id, domain.ExecutionPending, domain.ExecutionRunning, "")
	if errors.Is(err, store.ErrStaleVersion) || errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("start %s: %w", id, ErrNotRunnable)
	}
	if err != nil {
		return nil, mapStoreError(err, id)
	}
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, id)
	}
	t.mu.Lock()
	t.started[id] = time.Now()
	t.mu.Unlock()
	t.metrics.ExecutionStarted()
	return e, nil
}

// Finish records the outcome of a running execution. When the execution is
// already terminal (cancelled while running) the outcome is appended to the
// log and the status is left alone.
func (t *Tracker) Finish(ctx context.Context, id string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	to, msg := domain.ExecutionSuccess, ""
	if runErr != nil {
		to, msg = domain.ExecutionFailed, runErr.Error()
	}

	err := t.store.TransitionExecution(ctx, id, domain.ExecutionRunning, to, msg)
	t.observeEnd(id, to, err == nil)
	switch {
	case err == nil:
		logger.Info("Execution finished",
			logger.ExecutionID(id),
			zap.String("status", string(to)),
		)
		if runErr != nil {
			t.Appendf(ctx, id, "ERROR: %s", msg)
		}
	case errors.Is(err, store.ErrStaleVersion):
		outcome := string(to)
		if msg != "" {
			outcome += ": " + msg
		}
		t.Appendf(ctx, id, "late outcome after cancellation: %s", outcome)
		logger.Info("Late outcome for terminal execution",
			logger.ExecutionID(id),
			zap.String("outcome", string(to)),
		)
	default:
		logger.Error("Failed to record execution outcome",
			logger.ExecutionID(id),
			zap.Error(err),
		)
	}
}

// FailPending marks an execution that was never started as failed, e.g.
// when dispatch fails.
func (t *Tracker) FailPending(ctx context.Context, id string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := t.store.TransitionExecution(ctx, id, domain.ExecutionPending, domain.ExecutionFailed, cause.Error()); err != nil {
		logger.Warn("Failed to mark execution failed",
			logger.ExecutionID(id),
			zap.Error(err),
		)
		return
	}
	t.Appendf(ctx, id, "ERROR: %s", cause.Error())
	t.recordOutcome(id, domain.ExecutionFailed, false, 0)
}

func (t *Tracker) observeEnd(id string, status domain.ExecutionStatus, applied bool) {
	t.mu.Lock()
	began, ok := t.started[id]
	delete(t.started, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	if !applied {
		return
	}
	t.recordOutcome(id, status, true, time.Since(began))
}

func (t *Tracker) recordOutcome(id string, status domain.ExecutionStatus, ran bool, dur time.Duration) {
	if t.metrics == nil {
		return
	}
	kind := ""
	if e, err := t.store.GetExecution(context.Background(), id); err == nil {
		kind = string(e.Kind)
	}
	if ran {
		t.metrics.ExecutionFinished(kind, string(status), dur)
		return
	}
	t.metrics.ExecutionSettled(kind, string(status))
}

// Bind registers the cancel function of the job running id. The returned
// function unregisters it.
func (t *Tracker) Bind(id string, cancel context.CancelFunc) func() {
	t.mu.Lock()
	t.cancels[id] = cancel
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.cancels, id)
		t.mu.Unlock()
	}
}

// Cancel marks a pending or running execution cancelled. With
// executions.hard_cancel the job context is cancelled as well, which kills
// a running child process; otherwise the job runs to completion and its
// outcome is appended to the log.
func (t *Tracker) Cancel(ctx context.Context, id string) (*domain.Execution, error) {
	e, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return nil, apperrors.Conflict(apperrors.CodeInvalidTransition,
			fmt.Sprintf("execution %s is already %s", id, e.Status)).
			WithParams(map[string]interface{}{"status": e.Status})
	}
	if err := t.store.TransitionExecution(ctx, id, e.Status, domain.ExecutionCancelled, "cancelled by user"); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			return nil, apperrors.Conflict(apperrors.CodeInvalidTransition,
				fmt.Sprintf("execution %s changed status concurrently", id))
		}
		return nil, mapStoreError(err, id)
	}
	t.mu.Lock()
	began, ran := t.started[id]
	delete(t.started, id)
	t.mu.Unlock()
	t.recordOutcome(id, domain.ExecutionCancelled, ran, time.Since(began))

	hard := t.cfg != nil && t.cfg.Current().Executions.HardCancel
	if hard {
		t.mu.Lock()
		cancel := t.cancels[id]
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		t.Appendf(ctx, id, "cancelled: job context terminated")
	} else if e.Status == domain.ExecutionRunning {
		t.Appendf(ctx, id, "cancelled: the running command is not interrupted, its outcome will be appended")
	}
	if e.Status == domain.ExecutionPending {
		t.notifyAbandoned(ctx, id, false)
	}

	logger.Info("Execution cancelled",
		logger.ExecutionID(id),
		zap.Bool("hard", hard),
	)
	return t.Get(ctx, id)
}

// Delete cancels id if it is still active and removes it with its log.
func (t *Tracker) Delete(ctx context.Context, id string) error {
	e, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if !e.Status.Terminal() {
		if _, err := t.Cancel(ctx, id); err != nil && !apperrors.Is(err, apperrors.KindConflict) {
			return err
		}
	}
	if err := t.store.DeleteExecution(ctx, id); err != nil {
		return mapStoreError(err, id)
	}
	return nil
}

// FailStale marks executions that have been running since before cutoff as
// failed. They belong to a previous process and have no job anymore.
func (t *Tracker) FailStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := t.store.ListExecutionsByStatus(ctx, domain.ExecutionRunning, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range stale {
		t.mu.Lock()
		_, live := t.cancels[e.ID]
		t.mu.Unlock()
		if live {
			continue
		}
		err := t.store.TransitionExecution(ctx, e.ID, domain.ExecutionRunning, domain.ExecutionFailed, "execution abandoned: no job is running it")
		if err != nil {
			continue
		}
		t.Appendf(ctx, e.ID, "ERROR: execution abandoned: no job is running it")
		t.notifyAbandoned(ctx, e.ID, true)
		n++
	}
	return n, nil
}

func mapStoreError(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound(apperrors.CodeExecutionNotFound, fmt.Sprintf("execution %s not found", id)).
			WithParams(map[string]interface{}{"id": id})
	}
	return err
}
