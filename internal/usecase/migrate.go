package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

// handleTable remembers phase-one migration handles by VM name. Handles
// are lost on restart; phase two then needs the task id from the caller.
type handleTable struct {
	mu      sync.Mutex
	handles map[string]*domain.MigrationHandle
}

func newHandleTable() *handleTable {
	return &handleTable{handles: make(map[string]*domain.MigrationHandle)}
}

func (t *handleTable) get(name string) (*domain.MigrationHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[name]
	return h, ok
}

func (t *handleTable) put(h *domain.MigrationHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[h.VMName] = h
}

func (t *handleTable) drop(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handles, name)
}

// StartMigration queues the move of a deployed VM to target and returns
// the task handle without waiting.
func (o *Orchestrator) StartMigration(ctx context.Context, name, target string) (*domain.MigrationHandle, error) {
	if target == "" {
		return nil, apperrors.ErrValidationf("target_node is required")
	}
	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.startMigration(ctx, name, target)
}

func (o *Orchestrator) startMigration(ctx context.Context, name, target string) (*domain.MigrationHandle, error) {
	vm, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if vm.Status != domain.VMStatusDeployed {
		return nil, notDeployed(vm)
	}
	if vm.Node == target {
		return nil, alreadyOnNode(vm, target)
	}
	if err := checkNode(o.cfg.Current(), target); err != nil {
		return nil, err
	}
	if h, ok := o.migrations.get(name); ok {
		return nil, apperrors.Conflict(apperrors.CodeMigrationRunning,
			fmt.Sprintf("vm %q is already migrating to %s", name, h.TargetNode)).
			WithParams(map[string]interface{}{"vm_name": name, "upid": h.TaskID})
	}

	source, err := o.liveNode(ctx, vm)
	if err != nil {
		return nil, err
	}
	if source == target {
		return nil, alreadyOnNode(vm, target)
	}

	h, err := o.hv.StartMigration(ctx, vm.VMID, source, target)
	if err != nil {
		return nil, err
	}
	h.VMName = name
	o.migrations.put(h)

	logger.Info("Migration started",
		logger.VMName(name),
		logger.VMID(vm.VMID),
		logger.TaskID(h.TaskID),
		zap.String("source_node", source),
		zap.String("target_node", target),
		zap.Bool("was_running", h.WasRunning),
	)
	return h, nil
}

// TaskStatus polls a hypervisor task.
func (o *Orchestrator) TaskStatus(ctx context.Context, node, upid string) (*domain.TaskStatus, error) {
	if node == "" {
		node = taskNode(upid)
	}
	return o.hv.TaskStatus(ctx, node, upid)
}

// CompleteMigration finishes a migration once its task succeeded: it
// restarts the VM if it was stopped for the move, points the definition and
// row at the new node and records the move.
func (o *Orchestrator) CompleteMigration(ctx context.Context, name string, in CompleteMigrationInput) (*domain.MigrationResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.completeMigration(ctx, name, in)
}

func (o *Orchestrator) completeMigration(ctx context.Context, name string, in CompleteMigrationInput) (*domain.MigrationResult, error) {
	vm, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	h, remembered := o.migrations.get(name)
	if !remembered && vm.Node == in.TargetNode {
		// Already completed, or never moved.
		return nil, alreadyOnNode(vm, in.TargetNode)
	}

	taskID := in.TaskID
	wasRunning := false
	source := vm.Node
	if remembered {
		if taskID == "" {
			taskID = h.TaskID
		}
		wasRunning = h.WasRunning
		source = h.SourceNode
	}
	if in.WasRunning != nil {
		wasRunning = *in.WasRunning
	}

	if taskID != "" {
		st, err := o.hv.TaskStatus(ctx, taskNode(taskID), taskID)
		if err != nil {
			return nil, err
		}
		switch {
		case !st.Reachable:
			return nil, apperrors.Unavailable(provider.SystemProxmox,
				fmt.Errorf("task %s status unavailable", taskID))
		case !st.Finished:
			return nil, apperrors.Conflict(apperrors.CodeMigrationRunning,
				fmt.Sprintf("migration task %s has not finished", taskID)).
				WithParams(map[string]interface{}{"vm_name": name, "upid": taskID})
		case !st.Success:
			o.migrations.drop(name)
			return nil, apperrors.Rejected(provider.SystemProxmox,
				fmt.Sprintf("migration task %s failed: %s", taskID, st.ExitStatus))
		}
	}

	res := &domain.MigrationResult{
		VMName:     name,
		VMID:       vm.VMID,
		SourceNode: source,
		TargetNode: in.TargetNode,
		TaskID:     taskID,
		WasRunning: wasRunning,
	}
	if wasRunning {
		if _, err := o.hv.PowerAction(ctx, vm.VMID, in.TargetNode, domain.PowerStart); err != nil {
			res.Warning = fmt.Sprintf("vm was migrated but could not be restarted: %v", err)
			logger.Warn("Failed to restart migrated vm", logger.VMName(name), logger.Node(in.TargetNode), zap.Error(err))
		} else {
			res.Restarted = true
		}
	}

	before := o.definition(name)
	if before != "" {
		if err := o.ws.SetNode(name, in.TargetNode); err != nil {
			logger.Warn("Failed to update definition node", logger.VMName(name), zap.Error(err))
		} else {
			res.TFUpdated = true
		}
	}
	if err := o.store.UpdateVMNode(ctx, name, in.TargetNode); err != nil {
		return nil, fmt.Errorf("update node of %s: %w", name, err)
	}
	o.migrations.drop(name)

	o.record(ctx, &domain.HistoryEntry{
		VMName:       name,
		Action:       domain.ActionMigrated,
		ConfigBefore: before,
		ConfigAfter:  o.definition(name),
		Metadata: map[string]interface{}{
			"vmid":        vm.VMID,
			"source_node": source,
			"target_node": in.TargetNode,
			"was_running": wasRunning,
			"restarted":   res.Restarted,
			"task_id":     taskID,
		},
	})
	logger.Info("Migration completed",
		logger.VMName(name),
		logger.VMID(vm.VMID),
		zap.String("source_node", source),
		zap.String("target_node", in.TargetNode),
		zap.Bool("restarted", res.Restarted),
	)
	return res, nil
}

// Migrate runs both phases and blocks until the task finishes or the
// migration timeout passes. The lease is held throughout.
func (o *Orchestrator) Migrate(ctx context.Context, name, target string) (*domain.MigrationResult, error) {
	if target == "" {
		return nil, apperrors.ErrValidationf("target_node is required")
	}
	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	h, err := o.startMigration(ctx, name, target)
	if err != nil {
		return nil, err
	}

	if err := o.waitTask(ctx, h.SourceNode, h.TaskID, o.cfg.Current().Migration.Timeout); err != nil {
		if apperrors.Is(err, apperrors.KindRejected) {
			o.migrations.drop(name)
		}
		return nil, err
	}
	return o.completeMigration(ctx, name, CompleteMigrationInput{TargetNode: target, TaskID: h.TaskID})
}

// taskNode extracts the node from a task id of the form
// "UPID:node:pid:...".
func taskNode(upid string) string {
	parts := strings.SplitN(upid, ":", 3)
	if len(parts) < 3 || parts[0] != "UPID" {
		return ""
	}
	return parts[1]
}

func alreadyOnNode(vm *domain.VMConfig, node string) error {
	return apperrors.Conflict(apperrors.CodeAlreadyOnNode,
		fmt.Sprintf("vm %q is already on %s", vm.Name, node)).
		WithParams(map[string]interface{}{"vm_name": vm.Name, "node": node})
}
