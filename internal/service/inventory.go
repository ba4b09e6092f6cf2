package service

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

// StateService reads and edits the IaC state directly.
type StateService struct {
	iac provider.IaC
}

// NewStateService creates a new StateService.
func NewStateService(iac provider.IaC) *StateService {
	return &StateService{iac: iac}
}

// List returns every address in state, optionally narrowed to one module.
func (s *StateService) List(ctx context.Context, module string) ([]domain.StateResource, error) {
	all, err := s.iac.StateList(ctx)
	if err != nil {
		return nil, err
	}
	if module == "" {
		return all, nil
	}
	module = strings.TrimPrefix(module, "module.")
	out := make([]domain.StateResource, 0)
	for _, r := range all {
		if r.Module == module {
			out = append(out, r)
		}
	}
	return out, nil
}

// Show returns the attributes of one address.
func (s *StateService) Show(ctx context.Context, address string) (*domain.StateDetail, error) {
	address, err := stateAddress(address)
	if err != nil {
		return nil, err
	}
	return s.iac.StateShow(ctx, address)
}

// Remove forgets one address without destroying the resource.
func (s *StateService) Remove(ctx context.Context, address string) error {
	address, err := stateAddress(address)
	if err != nil {
		return err
	}
	if err := s.iac.StateRemove(ctx, address); err != nil {
		return err
	}
	logger.Info("State address removed", zap.String("address", address))
	return nil
}

// stateAddress accepts addresses with or without a leading slash, as they
// arrive from wildcard routes.
func stateAddress(address string) (string, error) {
	address = strings.TrimPrefix(address, "/")
	if address == "" || strings.ContainsAny(address, " \t\n") {
		return "", apperrors.ErrValidationf("invalid state address %q", address)
	}
	return address, nil
}

// AnsibleService reads the provisioning inventory and playbook whitelist.
type AnsibleService struct {
	prov provider.Provisioner
}

// NewAnsibleService creates a new AnsibleService.
func NewAnsibleService(prov provider.Provisioner) *AnsibleService {
	return &AnsibleService{prov: prov}
}

// Groups lists inventory groups.
func (s *AnsibleService) Groups() ([]string, error) {
	return s.prov.Groups()
}

// Playbooks lists the playbooks that may be run.
func (s *AnsibleService) Playbooks() ([]domain.Playbook, error) {
	return s.prov.Playbooks()
}

// InventoryHost is one host of the inventory.
type InventoryHost struct {
	Name    string `json:"name"`
	Address string `json:"ansible_host"`
}

// Hosts lists inventory hosts ordered by name.
func (s *AnsibleService) Hosts() ([]InventoryHost, error) {
	hosts, err := s.prov.Hosts()
	if err != nil {
		return nil, err
	}
	out := make([]InventoryHost, 0, len(hosts))
	for name, addr := range hosts {
		out = append(out, InventoryHost{Name: name, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
