package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/store"
)

// Import adopts a VM that exists on the hypervisor but has no definition.
// Its identifier must already be the one derived from its address. The
// call is synchronous and bounded by the IaC timeout.
func (o *Orchestrator) Import(ctx context.Context, in ImportInput) (*domain.ImportResult, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	guest, err := o.hv.GuestConfig(ctx, in.VMID, in.Node)
	if err != nil {
		return nil, err
	}

	name := in.Name
	if name == "" {
		name = guest.Name
	}
	if !namePattern.MatchString(name) || len(name) > 63 {
		return nil, apperrors.BadRequest(apperrors.CodeNameInvalid,
			fmt.Sprintf("hypervisor name %q is not a valid vm name; pass a name", name)).
			WithParams(map[string]interface{}{"vm_name": name})
	}
	ip := guest.IPAddress
	if ip == "" {
		ip = in.IPAddress
	}
	if ip == "" {
		return nil, apperrors.ErrValidationf("vm %d has no static address; pass ip_address", in.VMID)
	}
	if err := identity.Check(in.VMID, ip); err != nil {
		return nil, err
	}
	vlan, err := identity.VLANOf(ip)
	if err != nil {
		return nil, err
	}

	release, err := o.leases.Lock(name)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.checkNameFree(ctx, name); err != nil {
		return nil, err
	}
	if err := o.checkUnclaimed(ctx, ip); err != nil {
		return nil, err
	}

	defaults := o.cfg.Current().Defaults
	storage := guest.Storage
	if storage == "" {
		storage = defaults.Storage
	}
	vm := &domain.VMConfig{
		Name:         name,
		VMID:         in.VMID,
		Node:         guest.Node,
		Cores:        guest.Cores,
		MemoryMiB:    guest.MemoryMiB,
		DiskGiB:      guest.DiskGiB,
		VLAN:         vlan,
		IPAddress:    ip,
		AnsibleGroup: in.AnsibleGroup,
		TemplateID:   defaults.TemplateID,
		Storage:      storage,
		Status:       domain.VMStatusDeployed,
		Owner:        ActorFrom(ctx),
	}
	text, err := o.ws.Generate(vm)
	if err != nil {
		return nil, err
	}
	if err := o.store.InsertVM(ctx, vm); err != nil {
		return nil, insertError(err, vm)
	}
	if err := o.ws.Write(name, text); err != nil {
		o.undoImport(ctx, name)
		return nil, fmt.Errorf("write definition: %w", err)
	}

	var out bytes.Buffer
	err = o.iac.Init(ctx, &out)
	if err == nil {
		err = o.iac.Import(ctx, name, vm.Node, vm.VMID, &out)
	}
	if err != nil {
		o.undoImport(ctx, name)
		return nil, err
	}

	res := &domain.ImportResult{
		VMName:    name,
		VMID:      vm.VMID,
		IPAddress: ip,
		Node:      vm.Node,
		Cores:     vm.Cores,
		MemoryMiB: vm.MemoryMiB,
		DiskGiB:   vm.DiskGiB,
		Output:    out.String(),
	}
	if in.AnsibleGroup != "" {
		if err := o.prov.AddHost(name, ip, in.AnsibleGroup); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("inventory: %v", err))
		}
	}
	if in.RegisterNetBox {
		if err := o.registerAddress(ctx, ip, name); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("ipam: %v", err))
		}
	}

	o.record(ctx, &domain.HistoryEntry{
		VMName:      name,
		Action:      domain.ActionImported,
		ConfigAfter: string(text),
		Metadata: map[string]interface{}{
			"vmid":       vm.VMID,
			"node":       vm.Node,
			"ip_address": ip,
		},
	})
	logger.Info("VM imported",
		logger.VMName(name),
		logger.VMID(vm.VMID),
		logger.Node(vm.Node),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

// registerAddress records ip as the active address of name.
func (o *Orchestrator) registerAddress(ctx context.Context, ip, name string) error {
	rec, err := o.ipam.Lookup(ctx, ip)
	if err != nil {
		return err
	}
	if rec != nil && !ownRecord(rec, name) {
		return apperrors.ErrIPConflictf(ip)
	}
	if _, err := o.ipam.Reserve(ctx, ip, reservationDescription(name), name); err != nil {
		return err
	}
	return o.ipam.Activate(ctx, ip)
}

func (o *Orchestrator) undoImport(ctx context.Context, name string) {
	ctx = context.WithoutCancel(ctx)
	if err := o.ws.Delete(name); err != nil {
		logger.Warn("Failed to remove definition after failed import", logger.VMName(name), zap.Error(err))
	}
	if err := o.store.DeleteVM(ctx, name); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to remove configuration after failed import", logger.VMName(name), zap.Error(err))
	}
}
