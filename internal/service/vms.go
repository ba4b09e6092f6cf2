// Package service provides the read paths of the commander: configurations
// merged with live hypervisor state, cluster and IPAM inventory, IaC state and
// the provisioning inventory. Every mutation goes through usecase.Orchestrator;
// nothing here takes a VM lease.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
	"github.com/dvaper/proxmox-commander/internal/store"
)

// liveFanOut bounds concurrent hypervisor lookups per listing.
const liveFanOut = 8

// ConfigStore is the configuration persistence the read paths need.
type ConfigStore interface {
	GetVM(ctx context.Context, name string) (*domain.VMConfig, error)
	ListVMs(ctx context.Context) ([]*domain.VMConfig, error)
	FindVMByIP(ctx context.Context, ip string) (*domain.VMConfig, error)
}

// VMService serves configurations together with their live state.
type VMService struct {
	cfg   config.Source
	store ConfigStore
	ws    provider.Workspace
	iac   provider.IaC
	hv    provider.Hypervisor
}

// NewVMService creates a new VMService.
func NewVMService(cfg config.Source, store ConfigStore, ws provider.Workspace, iac provider.IaC, hv provider.Hypervisor) *VMService {
	return &VMService{cfg: cfg, store: store, ws: ws, iac: iac, hv: hv}
}

// ListVMs returns every configuration. Deployed VMs carry their live state,
// looked up concurrently.
func (s *VMService) ListVMs(ctx context.Context) ([]domain.VMView, error) {
	configs, err := s.store.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}

	views := make([]domain.VMView, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(liveFanOut)
	for i, vm := range configs {
		views[i].VMConfig = *vm
		if vm.Status != domain.VMStatusDeployed {
			continue
		}
		view := &views[i]
		g.Go(func() error {
			s.fillLive(gctx, view)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

// GetVM returns one configuration with its live state.
func (s *VMService) GetVM(ctx context.Context, name string) (*domain.VMView, error) {
	vm, err := s.store.GetVM(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrVMNotFoundf(name)
	}
	if err != nil {
		return nil, fmt.Errorf("get vm %s: %w", name, err)
	}
	view := &domain.VMView{VMConfig: *vm}
	if vm.Status == domain.VMStatusDeployed {
		s.fillLive(ctx, view)
	}
	return view, nil
}

// fillLive leaves Live empty when the hypervisor has no such guest.
func (s *VMService) fillLive(ctx context.Context, view *domain.VMView) {
	p := s.hv.CheckExists(ctx, view.VMID, "")
	switch p.State {
	case domain.PresenceExists:
		view.Live = p.Status
		view.LiveNode = p.Node
	case domain.PresenceUnknown:
		view.Live = domain.LiveUnknown
	}
}

// ProxmoxVMs lists every guest on the cluster, templates included.
func (s *VMService) ProxmoxVMs(ctx context.Context) ([]domain.ProxmoxVM, error) {
	return s.hv.ListVMs(ctx)
}

// Unmanaged lists guests that are neither templates nor managed: no
// configuration owns their vmid, and neither a definition nor a state
// module exists under their name. These are the candidates for import.
func (s *VMService) Unmanaged(ctx context.Context) ([]domain.ProxmoxVM, error) {
	guests, err := s.hv.ListVMs(ctx)
	if err != nil {
		return nil, err
	}

	configs, err := s.store.ListVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	managedIDs := make(map[int]bool, len(configs))
	for _, vm := range configs {
		managedIDs[vm.VMID] = true
	}

	defined := make(map[string]bool)
	names, err := s.ws.List()
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	for _, name := range names {
		defined[name] = true
	}

	deployed, err := s.iac.DeployedModules(ctx)
	if err != nil {
		// State may be locked or uninitialized; the other sources still apply.
		logger.Warn("Unmanaged listing without terraform state", zap.Error(err))
		deployed = map[string]bool{}
	}

	minTemplate := s.cfg.Current().Proxmox.TemplateMinID
	out := make([]domain.ProxmoxVM, 0)
	for _, g := range guests {
		switch {
		case g.Template, minTemplate > 0 && g.VMID >= minTemplate:
		case managedIDs[g.VMID], defined[g.Name]:
		case g.Name != "" && deployed[moduleName(s.ws, g.Name)]:
		default:
			out = append(out, g)
		}
	}
	return out, nil
}

func moduleName(ws provider.Workspace, name string) string {
	return strings.TrimPrefix(ws.ModuleAddress(name), "module.")
}
