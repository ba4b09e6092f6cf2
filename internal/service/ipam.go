package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
	"github.com/dvaper/proxmox-commander/internal/store"
)

const defaultIPLimit = 50

// IPAMService exposes address management outside the VM lifecycle.
type IPAMService struct {
	ipam  provider.IPAM
	store ConfigStore
}

// NewIPAMService creates a new IPAMService.
func NewIPAMService(ipam provider.IPAM, configs ConfigStore) *IPAMService {
	return &IPAMService{ipam: ipam, store: configs}
}

// Status reports whether IPAM is configured and reachable.
func (s *IPAMService) Status(ctx context.Context) domain.IPAMStatus {
	return s.ipam.Status(ctx)
}

// VLANs lists the VLANs IPAM knows.
func (s *IPAMService) VLANs(ctx context.Context) ([]domain.VLAN, error) {
	return s.ipam.VLANs(ctx)
}

// Available lists free addresses in vlan, hiding those already held by a
// configuration that has not reserved them yet.
func (s *IPAMService) Available(ctx context.Context, vlan, limit int) ([]domain.IPRecord, error) {
	if limit <= 0 {
		limit = defaultIPLimit
	}
	// Over-fetch so filtering claimed addresses still fills the page.
	candidates, err := s.ipam.ListAvailable(ctx, vlan, limit*2)
	if err != nil {
		return nil, err
	}
	out := make([]domain.IPRecord, 0, limit)
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		claimed, err := s.claimedBy(ctx, c.Address)
		if err != nil {
			return nil, err
		}
		if claimed == "" {
			out = append(out, c)
		}
	}
	return out, nil
}

// Used lists allocated addresses in vlan.
func (s *IPAMService) Used(ctx context.Context, vlan, limit int) ([]domain.IPRecord, error) {
	if limit <= 0 {
		limit = defaultIPLimit
	}
	return s.ipam.ListUsed(ctx, vlan, limit)
}

// Reserve marks ip reserved in IPAM. dnsName, when it is a VM name, makes
// the reservation count as that VM's own at apply time.
func (s *IPAMService) Reserve(ctx context.Context, ip, description, dnsName string) (*domain.IPRecord, error) {
	if _, _, err := identity.Derive(ip); err != nil {
		return nil, err
	}
	rec, err := s.ipam.Reserve(ctx, ip, description, dnsName)
	if err != nil {
		return nil, err
	}
	logger.Info("IP reserved", logger.IPAddress(ip), zap.String("dns_name", dnsName))
	return rec, nil
}

// Release frees ip in IPAM. An address still held by a configuration is
// refused; use the VM's release-ip operation instead.
func (s *IPAMService) Release(ctx context.Context, ip string) (bool, error) {
	if _, _, err := identity.Derive(ip); err != nil {
		return false, err
	}
	owner, err := s.claimedBy(ctx, ip)
	if err != nil {
		return false, err
	}
	if owner != "" {
		return false, apperrors.Conflict(apperrors.CodeIPConflict,
			fmt.Sprintf("ip %s is used by vm %s", ip, owner)).
			WithParams(map[string]interface{}{"ip": ip, "vm_name": owner})
	}
	released, err := s.ipam.Release(ctx, ip)
	if err != nil {
		return false, err
	}
	logger.Info("IP released", logger.IPAddress(ip), zap.Bool("had_record", released))
	return released, nil
}

func (s *IPAMService) claimedBy(ctx context.Context, ip string) (string, error) {
	vm, err := s.store.FindVMByIP(ctx, ip)
	switch {
	case err == nil:
		return vm.Name, nil
	case errors.Is(err, store.ErrNotFound):
		return "", nil
	default:
		return "", fmt.Errorf("find vm by ip %s: %w", ip, err)
	}
}
