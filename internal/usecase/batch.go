package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

// BatchPlan dispatches a plan per name.
func (o *Orchestrator) BatchPlan(ctx context.Context, names []string) *domain.BatchResult {
	return o.batch(ctx, "plan", names, func(name string) (*domain.Execution, error) {
		return o.Plan(ctx, name)
	})
}

// BatchApply dispatches an apply per name with the same options.
func (o *Orchestrator) BatchApply(ctx context.Context, names []string, in ApplyInput) *domain.BatchResult {
	return o.batch(ctx, "apply", names, func(name string) (*domain.Execution, error) {
		return o.Apply(ctx, name, in)
	})
}

// BatchDestroy dispatches a destroy per name.
func (o *Orchestrator) BatchDestroy(ctx context.Context, names []string) *domain.BatchResult {
	return o.batch(ctx, "destroy", names, func(name string) (*domain.Execution, error) {
		return o.Destroy(ctx, name)
	})
}

// batch runs fn for each name in order. A failure, even a panic, only
// affects its own item.
func (o *Orchestrator) batch(ctx context.Context, op string, names []string, fn func(string) (*domain.Execution, error)) *domain.BatchResult {
	res := domain.NewBatchResult()
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		exec, err := safeCall(name, fn)
		if err != nil {
			res.Failed = append(res.Failed, domain.BatchFailure{Name: name, Error: err.Error()})
			continue
		}
		res.Successful = append(res.Successful, name)
		res.Executions[name] = exec.ID
	}
	logger.Info("Batch dispatched",
		zap.String("batch", op),
		logger.Actor(ActorFrom(ctx)),
		zap.Int("successful", len(res.Successful)),
		zap.Int("failed", len(res.Failed)),
	)
	return res
}

func safeCall(name string, fn func(string) (*domain.Execution, error)) (exec *domain.Execution, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Batch item panicked", logger.VMName(name), zap.Any("panic", r))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return fn(name)
}
