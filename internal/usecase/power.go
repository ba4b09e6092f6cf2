package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

// TaskResult is returned by operations that queue a hypervisor task.
type TaskResult struct {
	VMName string `json:"vm_name"`
	VMID   int    `json:"vmid"`
	Node   string `json:"node"`
	Action string `json:"action"`
	TaskID string `json:"upid"`
}

// Power queues a power action on the node the hypervisor reports.
func (o *Orchestrator) Power(ctx context.Context, name string, action domain.PowerAction) (*TaskResult, error) {
	if !action.Valid() {
		return nil, apperrors.ErrValidationf("unknown power action %q", action)
	}
	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	vm, node, err := o.locate(ctx, name)
	if err != nil {
		return nil, err
	}
	upid, err := o.hv.PowerAction(ctx, vm.VMID, node, action)
	if err != nil {
		return nil, err
	}
	logger.Info("Power action queued",
		logger.VMName(name),
		logger.VMID(vm.VMID),
		logger.Node(node),
		logger.TaskID(upid),
		zap.String("action", string(action)),
	)
	return &TaskResult{VMName: name, VMID: vm.VMID, Node: node, Action: string(action), TaskID: upid}, nil
}

// ListSnapshots returns the hypervisor snapshots of name.
func (o *Orchestrator) ListSnapshots(ctx context.Context, name string) ([]domain.Snapshot, error) {
	vm, node, err := o.locate(ctx, name)
	if err != nil {
		return nil, err
	}
	return o.hv.ListSnapshots(ctx, vm.VMID, node)
}

// CreateSnapshot queues a snapshot of name.
func (o *Orchestrator) CreateSnapshot(ctx context.Context, name string, in SnapshotInput) (*TaskResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	return o.snapshotTask(ctx, name, "snapshot", func(vmid int, node string) (string, error) {
		return o.hv.CreateSnapshot(ctx, vmid, node, in.Name, in.Description, in.IncludeRAM)
	})
}

// DeleteSnapshot queues the removal of snapshot snap.
func (o *Orchestrator) DeleteSnapshot(ctx context.Context, name, snap string) (*TaskResult, error) {
	if err := checkSnapshotName(snap); err != nil {
		return nil, err
	}
	return o.snapshotTask(ctx, name, "delsnapshot", func(vmid int, node string) (string, error) {
		return o.hv.DeleteSnapshot(ctx, vmid, node, snap)
	})
}

// RollbackSnapshot queues a rollback of name to snapshot snap.
func (o *Orchestrator) RollbackSnapshot(ctx context.Context, name, snap string) (*TaskResult, error) {
	if err := checkSnapshotName(snap); err != nil {
		return nil, err
	}
	return o.snapshotTask(ctx, name, "rollback", func(vmid int, node string) (string, error) {
		return o.hv.RollbackSnapshot(ctx, vmid, node, snap)
	})
}

func (o *Orchestrator) snapshotTask(ctx context.Context, name, action string, queue func(vmid int, node string) (string, error)) (*TaskResult, error) {
	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	vm, node, err := o.locate(ctx, name)
	if err != nil {
		return nil, err
	}
	upid, err := queue(vm.VMID, node)
	if err != nil {
		return nil, err
	}
	logger.Info("Snapshot task queued",
		logger.VMName(name),
		logger.Node(node),
		logger.TaskID(upid),
		zap.String("action", action),
	)
	return &TaskResult{VMName: name, VMID: vm.VMID, Node: node, Action: action, TaskID: upid}, nil
}

// locate loads name and resolves its live node.
func (o *Orchestrator) locate(ctx context.Context, name string) (*domain.VMConfig, string, error) {
	vm, err := o.Get(ctx, name)
	if err != nil {
		return nil, "", err
	}
	node, err := o.liveNode(ctx, vm)
	if err != nil {
		return nil, "", err
	}
	return vm, node, nil
}

func checkSnapshotName(snap string) error {
	if len(snap) == 0 || len(snap) > 40 || !snapshotPattern.MatchString(snap) {
		return apperrors.BadRequest(apperrors.CodeValidationFailed,
			fmt.Sprintf("invalid snapshot name %q", snap)).
			WithParams(map[string]interface{}{"snapshot": snap})
	}
	return nil
}
