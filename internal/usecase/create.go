package usecase

import (
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

// availableScan bounds how many free addresses are inspected when picking
// one automatically.
const availableScan = 50

// Preview is the outcome of a dry-run create.
type Preview struct {
	Config     *domain.VMConfig `json:"config"`
	Definition string           `json:"definition"`
}

// Validate checks a create request, including name and address
// availability, without changing anything.
func (o *Orchestrator) Validate(ctx context.Context, in CreateVMInput) (*domain.VMConfig, error) {
	if err := o.checkCreate(&in); err != nil {
		return nil, err
	}
	if err := o.checkNameFree(ctx, in.Name); err != nil {
		return nil, err
	}
	ip, err := o.resolveIP(ctx, in.IPAddress, in.VLAN)
	if err != nil {
		return nil, err
	}
	return o.buildConfig(ctx, in, ip)
}

// Preview validates in and renders the definition Create would write.
func (o *Orchestrator) Preview(ctx context.Context, in CreateVMInput) (*Preview, error) {
	vm, err := o.Validate(ctx, in)
	if err != nil {
		return nil, err
	}
	text, err := o.ws.Generate(vm)
	if err != nil {
		return nil, err
	}
	return &Preview{Config: vm, Definition: string(text)}, nil
}

// Create plans a new VM: it allocates the address, derives the identifier,
// stores the configuration, writes the definition and reserves the
// address. Nothing is deployed.
func (o *Orchestrator) Create(ctx context.Context, in CreateVMInput) (*domain.VMConfig, error) {
	if err := o.checkCreate(&in); err != nil {
		return nil, err
	}
	release, err := o.leases.Lock(in.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := o.checkNameFree(ctx, in.Name); err != nil {
		return nil, err
	}
	ip, err := o.resolveIP(ctx, in.IPAddress, in.VLAN)
	if err != nil {
		return nil, err
	}
	vm, err := o.buildConfig(ctx, in, ip)
	if err != nil {
		return nil, err
	}
	text, err := o.ws.Generate(vm)
	if err != nil {
		return nil, err
	}

	if err := o.store.InsertVM(ctx, vm); err != nil {
		return nil, insertError(err, vm)
	}
	if err := o.ws.Write(vm.Name, text); err != nil {
		if derr := o.store.DeleteVM(context.WithoutCancel(ctx), vm.Name); derr != nil {
			logger.Warn("Failed to remove configuration after definition write failed",
				logger.VMName(vm.Name), zap.Error(derr))
		}
		return nil, fmt.Errorf("write definition: %w", err)
	}

	if in.reserve() {
		if _, err := o.ipam.Reserve(ctx, vm.IPAddress, reservationDescription(vm.Name), vm.Name); err != nil {
			logger.Warn("Failed to reserve address",
				logger.VMName(vm.Name),
				logger.IPAddress(vm.IPAddress),
				zap.Error(err),
			)
		}
	}

	o.record(ctx, &domain.HistoryEntry{
		VMName:      vm.Name,
		Action:      domain.ActionCreated,
		ConfigAfter: string(text),
		Metadata: map[string]interface{}{
			"vmid":       vm.VMID,
			"ip_address": vm.IPAddress,
			"node":       vm.Node,
		},
	})

	logger.Info("VM planned",
		logger.VMName(vm.Name),
		logger.VMID(vm.VMID),
		logger.IPAddress(vm.IPAddress),
		logger.Node(vm.Node),
	)
	return vm, nil
}

func (o *Orchestrator) checkCreate(in *CreateVMInput) error {
	cfg := o.cfg.Current()
	in.applyDefaults(cfg.Defaults)
	if err := validateInput(in); err != nil {
		return err
	}
	return checkNode(cfg, in.Node)
}

func (o *Orchestrator) checkNameFree(ctx context.Context, name string) error {
	_, err := o.store.GetVM(ctx, name)
	switch {
	case err == nil:
		return vmExists(name)
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load vm %s: %w", name, err)
	}
	if o.ws.Exists(name) {
		return vmExists(name)
	}
	return nil
}

// resolveIP returns a free address in vlan. An explicit address must lie
// in vlan and be unused in both IPAM and the configuration table.
func (o *Orchestrator) resolveIP(ctx context.Context, ip string, vlan int) (string, error) {
	if ip != "" {
		ipVLAN, err := identity.VLANOf(ip)
		if err != nil {
			return "", err
		}
		if ipVLAN != vlan {
			return "", apperrors.BadRequest(apperrors.CodeInvalidIP,
				fmt.Sprintf("address %s is not in vlan %d", ip, vlan)).
				WithParams(map[string]interface{}{"ip_address": ip, "vlan": vlan})
		}
		if err := o.checkUnclaimed(ctx, ip); err != nil {
			return "", err
		}
		free, err := o.ipam.IsAvailable(ctx, ip)
		if err != nil {
			return "", err
		}
		if !free {
			return "", apperrors.ErrIPConflictf(ip)
		}
		return ip, nil
	}

	candidates, err := o.ipam.ListAvailable(ctx, vlan, availableScan)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if _, _, err := identity.Derive(c.Address); err != nil {
			continue
		}
		if _, err := o.store.FindVMByIP(ctx, c.Address); err == nil {
			continue
		}
		return c.Address, nil
	}
	return "", apperrors.Conflict(apperrors.CodeIPExhausted,
		fmt.Sprintf("no free address in vlan %d", vlan)).
		WithParams(map[string]interface{}{"vlan": vlan})
}

// checkUnclaimed fails when another configuration already uses ip.
func (o *Orchestrator) checkUnclaimed(ctx context.Context, ip string) error {
	_, err := o.store.FindVMByIP(ctx, ip)
	switch {
	case err == nil:
		return apperrors.ErrIPConflictf(ip)
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("look up address %s: %w", ip, err)
	}
}

func (o *Orchestrator) buildConfig(ctx context.Context, in CreateVMInput, ip string) (*domain.VMConfig, error) {
	vmid, vlan, err := identity.Derive(ip)
	if err != nil {
		return nil, err
	}
	return &domain.VMConfig{
		Name:         in.Name,
		VMID:         vmid,
		Node:         in.Node,
		Cores:        in.Cores,
		MemoryMiB:    in.MemoryMiB,
		DiskGiB:      in.DiskGiB,
		VLAN:         vlan,
		IPAddress:    ip,
		AnsibleGroup: in.AnsibleGroup,
		FrontendURL:  in.FrontendURL,
		Description:  in.Description,
		TemplateID:   in.TemplateID,
		Storage:      in.Storage,
		Status:       domain.VMStatusPlanned,
		Owner:        ActorFrom(ctx),
	}, nil
}

func insertError(err error, vm *domain.VMConfig) error {
	switch {
	case errors.Is(err, store.ErrDuplicateIP):
		return apperrors.ErrIPConflictf(vm.IPAddress)
	case errors.Is(err, store.ErrDuplicate):
		return vmExists(vm.Name)
	}
	return fmt.Errorf("store vm %s: %w", vm.Name, err)
}

func vmExists(name string) error {
	return apperrors.Conflict(apperrors.CodeVMExists, fmt.Sprintf("vm %q already exists", name)).
		WithParams(map[string]interface{}{"vm_name": name})
}

func reservationDescription(name string) string {
	return "VM: " + name
}
