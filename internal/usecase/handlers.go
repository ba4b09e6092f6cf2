package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/store"
)

func (o *Orchestrator) registerHandlers() {
	o.runner.Register(domain.OpTerraformPlan, o.runPlan)
	o.runner.Register(domain.OpTerraformApply, o.runApply)
	o.runner.Register(domain.OpTerraformDestroy, o.runDestroy)
	o.runner.Register(domain.OpTerraformRefresh, o.runRefresh)
	o.runner.Register(domain.OpHypervisorClone, o.runClone)
	o.runner.Register(domain.OpAnsiblePlaybook, o.runPlaybook)
}

func (o *Orchestrator) runPlan(ctx context.Context, exec *domain.Execution, out io.Writer) error {
	if err := o.iac.Init(ctx, out); err != nil {
		return err
	}
	return o.iac.Plan(ctx, exec.Target, out)
}

func (o *Orchestrator) runRefresh(ctx context.Context, _ *domain.Execution, out io.Writer) error {
	if err := o.iac.Init(ctx, out); err != nil {
		return err
	}
	return o.iac.Refresh(ctx, out)
}

// runApply applies the module of exec.Target. An empty target applies the
// whole workspace and skips the per-VM follow-up.
func (o *Orchestrator) runApply(ctx context.Context, exec *domain.Execution, out io.Writer) error {
	name := exec.Target
	err := o.iac.Init(ctx, out)
	if err == nil {
		err = o.iac.Apply(ctx, name, out)
	}
	if name == "" {
		return err
	}
	if err != nil {
		o.setStatus(ctx, name, domain.VMStatusFailed)
		return err
	}
	return o.finishDeploy(ctx, exec, out)
}

// finishDeploy runs after a successful apply: the VM is marked deployed,
// its address activated and the deployment recorded. Follow-up steps are
// best effort and only logged.
func (o *Orchestrator) finishDeploy(ctx context.Context, exec *domain.Execution, out io.Writer) error {
	name := exec.Target
	vm, err := o.store.GetVM(ctx, name)
	if err != nil {
		return fmt.Errorf("load vm %s after apply: %w", name, err)
	}
	o.setStatus(ctx, name, domain.VMStatusDeployed)

	if err := o.ipam.Activate(ctx, vm.IPAddress); err != nil {
		warn(out, "could not activate %s in IPAM: %v", vm.IPAddress, err)
	}

	playbook := exec.StringParam(domain.ParamPostDeployPlaybook)
	if vm.AnsibleGroup != "" || playbook != "" {
		if err := o.prov.AddHost(name, vm.IPAddress, vm.AnsibleGroup); err != nil {
			warn(out, "could not add %s to the inventory: %v", name, err)
		}
	}

	o.ledger.Record(ctx, &domain.HistoryEntry{
		VMName:      name,
		Action:      domain.ActionDeployed,
		Actor:       exec.Owner,
		ExecutionID: exec.ID,
		Metadata: map[string]interface{}{
			"vmid":       vm.VMID,
			"node":       vm.Node,
			"ip_address": vm.IPAddress,
		},
	})

	if playbook == "" {
		return nil
	}
	if exec.BoolParam(domain.ParamWaitForSSH, true) {
		fmt.Fprintf(out, "Waiting for SSH on %s\n", vm.IPAddress)
		timeout := o.cfg.Current().SSH.WaitTimeout
		if err := o.prov.WaitReachable(ctx, vm.IPAddress, timeout); err != nil {
			warn(out, "%s not reachable, post-deploy playbook %s skipped: %v", vm.IPAddress, playbook, err)
			return nil
		}
	}

	var vars map[string]interface{}
	if err := exec.DecodeParam(domain.ParamPostDeployVars, &vars); err != nil {
		warn(out, "post-deploy extra vars unreadable, playbook %s skipped: %v", playbook, err)
		return nil
	}
	req := domain.PlaybookRequest{Playbook: playbook, Hosts: []string{name}, ExtraVars: vars}
	child, err := o.submitPlaybook(WithActor(ctx, exec.Owner), req, exec.ID)
	if err != nil {
		warn(out, "post-deploy playbook %s not started: %v", playbook, err)
		return nil
	}
	fmt.Fprintf(out, "Post-deploy playbook %s started as execution %s\n", playbook, child.ID)
	return nil
}

// runDestroy destroys the module of exec.Target and, on success, removes
// every trace of the VM from the orchestrator's own records.
func (o *Orchestrator) runDestroy(ctx context.Context, exec *domain.Execution, out io.Writer) error {
	name := exec.Target
	before := o.definition(name)

	err := o.iac.Init(ctx, out)
	if err == nil {
		err = o.iac.Destroy(ctx, name, out)
	}
	if err != nil {
		o.setStatus(ctx, name, domain.VMStatusFailed)
		return err
	}

	meta := map[string]interface{}{}
	vm, err := o.store.GetVM(ctx, name)
	switch {
	case err == nil:
		meta["vmid"] = vm.VMID
		meta["ip_address"] = vm.IPAddress
		if released, err := o.ipam.Release(ctx, vm.IPAddress); err != nil {
			warn(out, "could not release %s in IPAM: %v", vm.IPAddress, err)
		} else {
			meta["ip_released"] = released
		}
	case !errors.Is(err, store.ErrNotFound):
		warn(out, "could not load configuration: %v", err)
	}

	if _, err := o.prov.RemoveHost(name); err != nil {
		warn(out, "could not remove %s from the inventory: %v", name, err)
	}
	if err := o.ws.Delete(name); err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if err := o.store.DeleteVM(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete vm %s: %w", name, err)
	}

	o.ledger.Record(ctx, &domain.HistoryEntry{
		VMName:       name,
		Action:       domain.ActionDestroyed,
		Actor:        exec.Owner,
		ExecutionID:  exec.ID,
		ConfigBefore: before,
		Metadata:     meta,
	})
	return nil
}

func (o *Orchestrator) runPlaybook(ctx context.Context, exec *domain.Execution, out io.Writer) error {
	var req domain.PlaybookRequest
	if err := exec.DecodeParam(domain.ParamPlaybookRequest, &req); err != nil {
		return fmt.Errorf("decode playbook request: %w", err)
	}
	// Re-validated because the playbooks directory may have changed since
	// the request was accepted.
	if err := o.prov.Validate(req); err != nil {
		return err
	}
	targets := req.Limit()
	if targets == "" {
		targets = "all"
	}
	fmt.Fprintf(out, "Running playbook %s on %s\n", req.Playbook, targets)
	return o.prov.Run(ctx, req, out)
}

// abandoned undoes what a job would have settled when its execution ends
// without the handler: a VM left deploying or destroying goes back to its
// previous status, or to failed if the job had started. A clone that never
// ran gives its reserved address back.
func (o *Orchestrator) abandoned(ctx context.Context, exec *domain.Execution, ran bool) {
	if exec.Target == "" {
		return
	}
	switch exec.Operation() {
	case domain.OpTerraformApply:
		o.revertStatus(ctx, exec, domain.VMStatusDeploying, ran)
	case domain.OpTerraformDestroy:
		o.revertStatus(ctx, exec, domain.VMStatusDestroying, ran)
	case domain.OpHypervisorClone:
		if ran {
			return
		}
		var job cloneJob
		if err := exec.DecodeParam(domain.ParamClone, &job); err != nil {
			logger.Warn("Cannot decode abandoned clone", logger.ExecutionID(exec.ID), zap.Error(err))
			return
		}
		o.releaseAddress(ctx, job.Target.IPAddress)
	}
}

func (o *Orchestrator) revertStatus(ctx context.Context, exec *domain.Execution, transient domain.VMStatus, ran bool) {
	vm, err := o.store.GetVM(ctx, exec.Target)
	if err != nil || vm.Status != transient {
		return
	}
	next := domain.VMStatus(exec.StringParam(domain.ParamPreviousStatus))
	if ran || next == "" {
		next = domain.VMStatusFailed
	}
	o.setStatus(ctx, vm.Name, next)
	logger.Info("Reverted status of abandoned execution",
		logger.VMName(vm.Name),
		logger.ExecutionID(exec.ID),
		zap.String("status", string(next)),
	)
}

// warn writes a warning line to the execution log and the service log.
func warn(out io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(out, "WARNING: %s\n", msg)
	logger.Warn("Execution warning", zap.String("warning", strings.TrimSpace(msg)))
}
