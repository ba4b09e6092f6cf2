package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

// QueueVMOperations is the river queue for execution jobs.
const QueueVMOperations = "vm_operations"

// ExecutionArgs carries only the execution id.
type ExecutionArgs struct {
	ExecutionID string `json:"execution_id"`
}

// Kind returns the job kind identifier.
func (ExecutionArgs) Kind() string { return "execution" }

// InsertOpts runs every execution at most once.
func (ExecutionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueVMOperations,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// ExecutionWorker runs execution jobs pulled from river.
type ExecutionWorker struct {
	river.WorkerDefaults[ExecutionArgs]
	runner *Runner
}

// NewExecutionWorker creates an ExecutionWorker.
func NewExecutionWorker(runner *Runner) *ExecutionWorker {
	return &ExecutionWorker{runner: runner}
}

// Timeout disables river's job timeout; terraform and ansible enforce their
// own.
func (w *ExecutionWorker) Timeout(*river.Job[ExecutionArgs]) time.Duration { return -1 }

// Work runs the execution.
func (w *ExecutionWorker) Work(ctx context.Context, job *river.Job[ExecutionArgs]) error {
	logger.Info("Processing execution job",
		logger.ExecutionID(job.Args.ExecutionID),
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
	)
	if err := w.runner.Run(ctx, job.Args.ExecutionID); err != nil {
		return river.JobCancel(err)
	}
	return nil
}

// RiverDispatcher enqueues executions as river jobs.
type RiverDispatcher struct {
	client *river.Client[pgx.Tx]
}

// NewRiverDispatcher creates a RiverDispatcher.
func NewRiverDispatcher(client *river.Client[pgx.Tx]) *RiverDispatcher {
	return &RiverDispatcher{client: client}
}

// Dispatch inserts the job.
func (d *RiverDispatcher) Dispatch(ctx context.Context, id string) error {
	if _, err := d.client.Insert(ctx, ExecutionArgs{ExecutionID: id}, nil); err != nil {
		return fmt.Errorf("enqueue execution %s: %w", id, err)
	}
	return nil
}

// RegisterWorkers adds the execution worker to workers.
func RegisterWorkers(workers *river.Workers, runner *Runner) {
	river.AddWorker(workers, NewExecutionWorker(runner))
}
