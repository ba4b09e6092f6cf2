package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/store"
)

// Plan dispatches a targeted plan. It takes no lease and leaves the status
// untouched.
func (o *Orchestrator) Plan(ctx context.Context, name string) (*domain.Execution, error) {
	if _, err := o.Get(ctx, name); err != nil {
		return nil, err
	}
	if !o.ws.Exists(name) {
		return nil, missingDefinition(name)
	}
	return o.submit(ctx, domain.KindInfrastructureApply, name, map[string]interface{}{
		domain.ParamOperation: domain.OpTerraformPlan,
	}, nil)
}

// Apply re-checks the address, marks the VM deploying and dispatches the
// apply. The job finishes the deployment, see runApply.
func (o *Orchestrator) Apply(ctx context.Context, name string, in ApplyInput) (*domain.Execution, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	if in.PostDeployPlaybook != "" {
		if err := o.prov.Validate(domain.PlaybookRequest{Playbook: in.PostDeployPlaybook, Hosts: []string{name}}); err != nil {
			return nil, err
		}
	}

	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	vm, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !o.ws.Exists(name) {
		return nil, missingDefinition(name)
	}
	if err := o.checkAddressForApply(ctx, vm); err != nil {
		return nil, err
	}

	previous := vm.Status
	if err := o.store.UpdateVMStatus(ctx, name, domain.VMStatusDeploying); err != nil {
		return nil, fmt.Errorf("mark %s deploying: %w", name, err)
	}

	params := map[string]interface{}{
		domain.ParamOperation:      domain.OpTerraformApply,
		domain.ParamWaitForSSH:     in.waitForSSH(),
		domain.ParamPreviousStatus: string(previous),
	}
	if in.PostDeployPlaybook != "" {
		params[domain.ParamPostDeployPlaybook] = in.PostDeployPlaybook
		if len(in.PostDeployExtraVars) > 0 {
			params[domain.ParamPostDeployVars] = in.PostDeployExtraVars
		}
	}
	handedOff = true
	exec, err := o.submit(ctx, domain.KindInfrastructureApply, name, params, release)
	if err != nil {
		o.setStatus(ctx, name, previous)
		return nil, err
	}
	return exec, nil
}

// checkAddressForApply passes when IPAM has no record for the address or
// only the reservation made for this VM. Nothing is sent to the IaC engine
// when it fails.
func (o *Orchestrator) checkAddressForApply(ctx context.Context, vm *domain.VMConfig) error {
	rec, err := o.ipam.Lookup(ctx, vm.IPAddress)
	if err != nil {
		return err
	}
	if rec != nil && !ownRecord(rec, vm.Name) {
		logger.Warn("Address claimed by another owner, refusing apply",
			logger.VMName(vm.Name),
			logger.IPAddress(vm.IPAddress),
			zap.String("dns_name", rec.DNSName),
			zap.String("ipam_status", string(rec.Status)),
		)
		return apperrors.ErrIPConflictf(vm.IPAddress).
			WithParams(map[string]interface{}{"ip_address": vm.IPAddress, "claimed_by": rec.DNSName})
	}

	other, err := o.store.FindVMByIP(ctx, vm.IPAddress)
	if err == nil && other.Name != vm.Name {
		return apperrors.ErrIPConflictf(vm.IPAddress)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("look up address %s: %w", vm.IPAddress, err)
	}
	return nil
}

// ownRecord reports whether rec is the reservation or activation made for
// name.
func ownRecord(rec *domain.IPRecord, name string) bool {
	return rec.DNSName == name
}

// Destroy marks the VM destroying and dispatches the destroy. The job
// releases the address and removes the definition and row, see runDestroy.
func (o *Orchestrator) Destroy(ctx context.Context, name string) (*domain.Execution, error) {
	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	vm, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !o.ws.Exists(name) {
		return nil, missingDefinition(name)
	}

	previous := vm.Status
	if err := o.store.UpdateVMStatus(ctx, name, domain.VMStatusDestroying); err != nil {
		return nil, fmt.Errorf("mark %s destroying: %w", name, err)
	}
	handedOff = true
	exec, err := o.submit(ctx, domain.KindInfrastructureApply, name, map[string]interface{}{
		domain.ParamOperation:      domain.OpTerraformDestroy,
		domain.ParamPreviousStatus: string(previous),
	}, release)
	if err != nil {
		o.setStatus(ctx, name, previous)
		return nil, err
	}
	return exec, nil
}

// ReleaseIP deletes the address record of name from IPAM and nothing else.
// It reports false when IPAM had no record.
func (o *Orchestrator) ReleaseIP(ctx context.Context, name string) (bool, error) {
	release, err := o.leases.Lock(name)
	if err != nil {
		return false, err
	}
	defer release()

	vm, err := o.Get(ctx, name)
	if err != nil {
		return false, err
	}
	released, err := o.ipam.Release(ctx, vm.IPAddress)
	if err != nil {
		return false, err
	}
	logger.Info("Address released",
		logger.VMName(name),
		logger.IPAddress(vm.IPAddress),
		zap.Bool("had_record", released),
	)
	return released, nil
}

// DeleteConfig removes the definition and row of a VM that is not
// deployed. The removed definition is kept in history so it can be rolled
// back.
func (o *Orchestrator) DeleteConfig(ctx context.Context, name string) error {
	release, err := o.leases.Lock(name)
	if err != nil {
		return err
	}
	defer release()

	vm, err := o.Get(ctx, name)
	if err != nil {
		return err
	}
	switch vm.Status {
	case domain.VMStatusDeployed, domain.VMStatusDeploying, domain.VMStatusDestroying:
		return apperrors.Conflict(apperrors.CodeVMDeployed,
			fmt.Sprintf("vm %q is %s; destroy it first", name, vm.Status)).
			WithParams(map[string]interface{}{"vm_name": name, "status": vm.Status})
	}

	before := o.definition(name)
	if err := o.ws.Delete(name); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if err := o.store.DeleteVM(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete vm %s: %w", name, err)
	}

	o.record(ctx, &domain.HistoryEntry{
		VMName:       name,
		Action:       domain.ActionDestroyed,
		ConfigBefore: before,
		Metadata: map[string]interface{}{
			"config_only": true,
			"vmid":        vm.VMID,
			"ip_address":  vm.IPAddress,
		},
	})
	logger.Info("VM configuration deleted", logger.VMName(name))
	return nil
}

// SetFrontendURL sets or, for an empty url, clears the frontend URL of a VM.
func (o *Orchestrator) SetFrontendURL(ctx context.Context, name, url string) (*domain.VMConfig, error) {
	if err := validate.Var(url, "omitempty,url,max=512"); err != nil {
		return nil, apperrors.ErrValidationf("frontend_url must be a URL")
	}

	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	vm, err := o.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	before := o.definition(name)
	if before != "" {
		if err := o.ws.SetFrontendURL(name, url); err != nil {
			return nil, fmt.Errorf("update definition: %w", err)
		}
	}
	vm.FrontendURL = url
	if err := o.store.UpdateVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("update vm %s: %w", name, err)
	}

	o.record(ctx, &domain.HistoryEntry{
		VMName:       name,
		Action:       domain.ActionConfigChanged,
		ConfigBefore: before,
		ConfigAfter:  o.definition(name),
		Metadata:     map[string]interface{}{"field": "frontend_url", "frontend_url": url},
	})
	return vm, nil
}

// setStatus updates the status of name, logging failures.
func (o *Orchestrator) setStatus(ctx context.Context, name string, status domain.VMStatus) {
	if err := o.store.UpdateVMStatus(context.WithoutCancel(ctx), name, status); err != nil {
		logger.Warn("Failed to update vm status",
			logger.VMName(name),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func missingDefinition(name string) error {
	return apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("definition for vm %q not found", name)).
		WithParams(map[string]interface{}{"vm_name": name})
}
