package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

// cloneJob is the payload of a clone execution.
type cloneJob struct {
	Source     string          `json:"source"`
	SourceVMID int             `json:"source_vmid"`
	Full       bool            `json:"full"`
	Target     domain.VMConfig `json:"target"`
}

// Clone reserves an address for a copy of a deployed VM and dispatches the
// hypervisor clone. The job writes the definition and row once the clone
// task succeeds, see runClone.
func (o *Orchestrator) Clone(ctx context.Context, in CloneInput) (*domain.CloneResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	release, err := o.leases.LockAll(in.SourceName, in.TargetName)
	if err != nil {
		return nil, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	src, err := o.Get(ctx, in.SourceName)
	if err != nil {
		return nil, err
	}
	if src.Status != domain.VMStatusDeployed {
		return nil, notDeployed(src)
	}
	if err := o.checkNameFree(ctx, in.TargetName); err != nil {
		return nil, err
	}

	vlan := src.VLAN
	if in.IPAddress != "" {
		if vlan, err = identity.VLANOf(in.IPAddress); err != nil {
			return nil, err
		}
	}
	ip, err := o.resolveIP(ctx, in.IPAddress, vlan)
	if err != nil {
		return nil, err
	}
	vmid, _, err := identity.Derive(ip)
	if err != nil {
		return nil, err
	}

	node, err := o.liveNode(ctx, src)
	if err != nil {
		return nil, err
	}

	target := *src
	target.Name = in.TargetName
	target.VMID = vmid
	target.VLAN = vlan
	target.IPAddress = ip
	target.Node = node
	target.FrontendURL = ""
	target.Status = domain.VMStatusDeployed
	target.Owner = ActorFrom(ctx)
	target.CreatedAt, target.UpdatedAt = time.Time{}, time.Time{}

	if _, err := o.ipam.Reserve(ctx, ip, reservationDescription(target.Name), target.Name); err != nil {
		return nil, err
	}

	job := cloneJob{Source: src.Name, SourceVMID: src.VMID, Full: in.full(), Target: target}
	handedOff = true
	exec, err := o.submit(ctx, domain.KindInfrastructureApply, target.Name, map[string]interface{}{
		domain.ParamOperation: domain.OpHypervisorClone,
		domain.ParamClone:     job,
	}, release)
	if err != nil {
		o.releaseAddress(ctx, ip)
		return nil, err
	}

	logger.Info("Clone dispatched",
		logger.VMName(target.Name),
		logger.ExecutionID(exec.ID),
		zap.String("source", src.Name),
		logger.VMID(vmid),
	)
	return &domain.CloneResult{
		ExecutionID: exec.ID,
		SourceName:  src.Name,
		TargetName:  target.Name,
		TargetVMID:  vmid,
		TargetIP:    ip,
	}, nil
}

func (o *Orchestrator) runClone(ctx context.Context, exec *domain.Execution, out io.Writer) error {
	var job cloneJob
	if err := exec.DecodeParam(domain.ParamClone, &job); err != nil {
		return fmt.Errorf("decode clone request: %w", err)
	}
	target := job.Target
	if err := identity.Check(target.VMID, target.IPAddress); err != nil {
		o.releaseAddress(ctx, target.IPAddress)
		return err
	}

	fmt.Fprintf(out, "Cloning %s (%d) to %s (%d) on %s\n", job.Source, job.SourceVMID, target.Name, target.VMID, target.Node)
	upid, err := o.hv.Clone(ctx, job.SourceVMID, target.Node, target.VMID, target.Name, job.Full)
	if err == nil {
		fmt.Fprintf(out, "Clone task %s\n", upid)
		err = o.waitTask(ctx, target.Node, upid, o.cfg.Current().Migration.Timeout)
	}
	if err != nil {
		o.releaseAddress(ctx, target.IPAddress)
		return err
	}

	text, err := o.ws.Generate(&target)
	if err != nil {
		return err
	}
	if err := o.ws.Write(target.Name, text); err != nil {
		return fmt.Errorf("write definition: %w", err)
	}
	if err := o.store.InsertVM(ctx, &target); err != nil {
		return insertError(err, &target)
	}

	if err := o.iac.Import(ctx, target.Name, target.Node, target.VMID, out); err != nil {
		o.setStatus(ctx, target.Name, domain.VMStatusFailed)
		return fmt.Errorf("import clone into state: %w", err)
	}
	if err := o.ipam.Activate(ctx, target.IPAddress); err != nil {
		warn(out, "could not activate %s in IPAM: %v", target.IPAddress, err)
	}
	if target.AnsibleGroup != "" {
		if err := o.prov.AddHost(target.Name, target.IPAddress, target.AnsibleGroup); err != nil {
			warn(out, "could not add %s to the inventory: %v", target.Name, err)
		}
	}

	o.ledger.Record(ctx, &domain.HistoryEntry{
		VMName:      target.Name,
		Action:      domain.ActionCreated,
		Actor:       exec.Owner,
		ExecutionID: exec.ID,
		ConfigAfter: string(text),
		Metadata: map[string]interface{}{
			"clone_of":    job.Source,
			"source_vmid": job.SourceVMID,
			"vmid":        target.VMID,
			"ip_address":  target.IPAddress,
			"task_id":     upid,
		},
	})
	fmt.Fprintf(out, "Clone %s ready at %s\n", target.Name, target.IPAddress)
	return nil
}

// waitTask polls a hypervisor task until it finishes. An unreachable
// hypervisor is polled again until timeout.
func (o *Orchestrator) waitTask(ctx context.Context, node, upid string, timeout time.Duration) error {
	interval := o.cfg.Current().Migration.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := o.hv.TaskStatus(ctx, node, upid)
		if err != nil && !apperrors.Is(err, apperrors.KindUnavailable) {
			return err
		}
		if err == nil && st.Reachable && st.Finished {
			if !st.Success {
				return apperrors.Rejected(provider.SystemProxmox,
					fmt.Sprintf("task %s failed: %s", upid, st.ExitStatus))
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return apperrors.Unavailable(provider.SystemProxmox,
				fmt.Errorf("task %s did not finish within %s: %w", upid, timeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// liveNode returns the node the hypervisor reports for vm.
func (o *Orchestrator) liveNode(ctx context.Context, vm *domain.VMConfig) (string, error) {
	p := o.hv.CheckExists(ctx, vm.VMID, "")
	switch p.State {
	case domain.PresenceExists:
		return p.Node, nil
	case domain.PresenceAbsent:
		return "", absentOnHypervisor(vm)
	default:
		return "", hypervisorUnknown(p)
	}
}

func (o *Orchestrator) releaseAddress(ctx context.Context, ip string) {
	if _, err := o.ipam.Release(context.WithoutCancel(ctx), ip); err != nil {
		logger.Warn("Failed to release address", logger.IPAddress(ip), zap.Error(err))
	}
}

func notDeployed(vm *domain.VMConfig) error {
	return apperrors.Conflict(apperrors.CodeVMNotDeployed,
		fmt.Sprintf("vm %q is %s, not deployed", vm.Name, vm.Status)).
		WithParams(map[string]interface{}{"vm_name": vm.Name, "status": vm.Status})
}

func absentOnHypervisor(vm *domain.VMConfig) error {
	return apperrors.Conflict(apperrors.CodeVMAbsent,
		fmt.Sprintf("vm %q (%d) does not exist on the hypervisor", vm.Name, vm.VMID)).
		WithParams(map[string]interface{}{"vm_name": vm.Name, "vmid": vm.VMID})
}

func hypervisorUnknown(p domain.Presence) error {
	reason := p.Reason
	if reason == "" {
		reason = "hypervisor unreachable"
	}
	return apperrors.Unavailable(provider.SystemProxmox, errors.New(reason))
}
