package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/pkg/worker"
)

// Dispatcher schedules an execution to run in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string) error
}

// PoolDispatcher runs executions on the infra worker pool, detached from
// the request that created them.
type PoolDispatcher struct {
	pools  *worker.Pools
	runner *Runner
}

// NewPoolDispatcher creates a PoolDispatcher.
func NewPoolDispatcher(pools *worker.Pools, runner *Runner) *PoolDispatcher {
	return &PoolDispatcher{pools: pools, runner: runner}
}

// Dispatch submits the execution and returns immediately.
func (d *PoolDispatcher) Dispatch(_ context.Context, id string) error {
	err := d.pools.SubmitDetached(worker.PoolInfra, func(ctx context.Context) {
		if err := d.runner.Run(ctx, id); err != nil {
			logger.Error("Execution job failed", logger.ExecutionID(id), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("submit execution %s: %w", id, err)
	}
	return nil
}

// SyncDispatcher runs the execution before Dispatch returns. Used by tests
// and the CLI.
type SyncDispatcher struct {
	runner *Runner
}

// NewSyncDispatcher creates a SyncDispatcher.
func NewSyncDispatcher(runner *Runner) *SyncDispatcher {
	return &SyncDispatcher{runner: runner}
}

// Dispatch runs the execution inline.
func (d *SyncDispatcher) Dispatch(ctx context.Context, id string) error {
	return d.runner.Run(context.WithoutCancel(ctx), id)
}
