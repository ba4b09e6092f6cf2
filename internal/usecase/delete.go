package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/store"
)

// CompleteDelete removes every trace of a VM from all six subsystems. Each
// step runs regardless of the others and reports on its own; the report is
// returned together with a PARTIAL_FAILURE error when any step failed.
func (o *Orchestrator) CompleteDelete(ctx context.Context, name string) (*domain.DeleteReport, error) {
	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	vm, err := o.deleteTarget(ctx, name)
	if err != nil {
		return nil, err
	}
	before := o.definition(name)

	report := &domain.DeleteReport{VMName: name}
	steps := []struct {
		subsystem string
		run       func(context.Context, *domain.VMConfig) domain.SubsystemResult
	}{
		{domain.SubsystemProxmox, o.deleteFromHypervisor},
		{domain.SubsystemNetBoxVM, o.deleteIPAMVM},
		{domain.SubsystemNetBoxIP, o.deleteIPAMAddress},
		{domain.SubsystemTerraformState, o.deleteState},
		{domain.SubsystemTerraformFile, o.deleteDefinition},
		{domain.SubsystemAnsibleInventory, o.deleteInventory},
	}
	for _, step := range steps {
		res := step.run(ctx, vm)
		report.Set(step.subsystem, res)
		if res.Error != "" {
			logger.Warn("Delete step failed",
				logger.VMName(name),
				logger.Subsystem(step.subsystem),
				zap.String("error", res.Error),
			)
		}
	}

	failed := report.Failed()
	report.Success = len(failed) == 0
	if report.Success {
		report.Message = fmt.Sprintf("vm %s deleted from all systems", name)
	} else {
		report.Message = fmt.Sprintf("vm %s partially deleted; failed: %s", name, strings.Join(failed, ", "))
	}

	o.record(ctx, &domain.HistoryEntry{
		VMName:       name,
		Action:       domain.ActionDestroyed,
		ConfigBefore: before,
		Metadata: map[string]interface{}{
			"complete_delete": true,
			"vmid":            vm.VMID,
			"ip_address":      vm.IPAddress,
			"success":         report.Success,
			"failed":          failed,
		},
	})
	logger.Info("Complete delete finished",
		logger.VMName(name),
		zap.Bool("success", report.Success),
		zap.Strings("failed", failed),
	)

	if !report.Success {
		return report, apperrors.Partial(report.Message).
			WithParams(map[string]interface{}{"vm_name": name, "failed": failed})
	}
	return report, nil
}

// deleteTarget finds the VM in the table or, failing that, in a leftover
// definition file.
func (o *Orchestrator) deleteTarget(ctx context.Context, name string) (*domain.VMConfig, error) {
	vm, err := o.store.GetVM(ctx, name)
	if err == nil {
		return vm, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load vm %s: %w", name, err)
	}
	text, rerr := o.ws.Read(name)
	if rerr != nil {
		return nil, apperrors.ErrVMNotFoundf(name)
	}
	vm, err = o.ws.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse definition of %s: %w", name, err)
	}
	vm.Name = name
	return vm, nil
}

func (o *Orchestrator) deleteFromHypervisor(ctx context.Context, vm *domain.VMConfig) domain.SubsystemResult {
	p := o.hv.CheckExists(ctx, vm.VMID, "")
	switch p.State {
	case domain.PresenceAbsent:
		return domain.SubsystemResult{Success: true, Message: "not present"}
	case domain.PresenceUnknown:
		return failure(hypervisorUnknown(p))
	}

	timeout := o.cfg.Current().Migration.Timeout
	if p.Status != domain.LiveStopped {
		upid, err := o.hv.PowerAction(ctx, vm.VMID, p.Node, domain.PowerStop)
		if err == nil {
			err = o.waitTask(ctx, p.Node, upid, timeout)
		}
		if err != nil {
			return failure(fmt.Errorf("stop: %w", err))
		}
	}
	upid, err := o.hv.DeleteVM(ctx, vm.VMID, p.Node)
	if err == nil {
		err = o.waitTask(ctx, p.Node, upid, timeout)
	}
	if err != nil {
		return failure(err)
	}
	return domain.SubsystemResult{Success: true, Message: fmt.Sprintf("vm %d deleted from %s", vm.VMID, p.Node)}
}

func (o *Orchestrator) deleteIPAMVM(ctx context.Context, vm *domain.VMConfig) domain.SubsystemResult {
	deleted, err := o.ipam.DeleteVM(ctx, vm.Name)
	if err != nil {
		return failure(err)
	}
	if !deleted {
		return domain.SubsystemResult{Success: true, Message: "no vm object"}
	}
	return domain.SubsystemResult{Success: true, Message: "vm object deleted"}
}

func (o *Orchestrator) deleteIPAMAddress(ctx context.Context, vm *domain.VMConfig) domain.SubsystemResult {
	if vm.IPAddress == "" {
		return domain.SubsystemResult{Skipped: true, Message: "no address"}
	}
	released, err := o.ipam.Release(ctx, vm.IPAddress)
	if err != nil {
		return failure(err)
	}
	if !released {
		return domain.SubsystemResult{Success: true, Message: "no address record"}
	}
	return domain.SubsystemResult{Success: true, Message: vm.IPAddress + " released"}
}

func (o *Orchestrator) deleteState(ctx context.Context, vm *domain.VMConfig) domain.SubsystemResult {
	resources, err := o.iac.StateList(ctx)
	if err != nil {
		return failure(err)
	}
	prefix := o.ws.ModuleAddress(vm.Name) + "."
	removed := 0
	for _, r := range resources {
		if !strings.HasPrefix(r.Address, prefix) {
			continue
		}
		if err := o.iac.StateRemove(ctx, r.Address); err != nil {
			return failure(fmt.Errorf("remove %s: %w", r.Address, err))
		}
		removed++
	}
	if removed == 0 {
		return domain.SubsystemResult{Success: true, Message: "not in state"}
	}
	return domain.SubsystemResult{Success: true, Message: fmt.Sprintf("%d resources removed from state", removed)}
}

func (o *Orchestrator) deleteDefinition(ctx context.Context, vm *domain.VMConfig) domain.SubsystemResult {
	if err := o.ws.Delete(vm.Name); err != nil {
		return failure(err)
	}
	if err := o.store.DeleteVM(ctx, vm.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return failure(err)
	}
	return domain.SubsystemResult{Success: true, Message: "definition and configuration removed"}
}

func (o *Orchestrator) deleteInventory(_ context.Context, vm *domain.VMConfig) domain.SubsystemResult {
	removed, err := o.prov.RemoveHost(vm.Name)
	if err != nil {
		return failure(err)
	}
	if !removed {
		return domain.SubsystemResult{Success: true, Message: "not in inventory"}
	}
	return domain.SubsystemResult{Success: true, Message: "host removed"}
}

func failure(err error) domain.SubsystemResult {
	return domain.SubsystemResult{Error: err.Error()}
}
