package service

import (
	"context"
	"fmt"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

// ClusterService reports hypervisor capacity and clone sources.
type ClusterService struct {
	hv provider.Hypervisor
}

// NewClusterService creates a new ClusterService.
func NewClusterService(hv provider.Hypervisor) *ClusterService {
	return &ClusterService{hv: hv}
}

// Nodes returns per-node usage, fetched concurrently, in cluster order.
func (s *ClusterService) Nodes(ctx context.Context) ([]domain.NodeStats, error) {
	names, err := s.hv.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]domain.NodeStats, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(liveFanOut)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			st, err := s.hv.NodeStats(gctx, name)
			if err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			stats[i] = humanize(*st)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

// ClusterStats aggregates all nodes.
func (s *ClusterService) ClusterStats(ctx context.Context) (*domain.ClusterStats, error) {
	st, err := s.hv.ClusterStats(ctx)
	if err != nil {
		return nil, err
	}
	for i := range st.Nodes {
		st.Nodes[i] = humanize(st.Nodes[i])
	}
	return st, nil
}

// StoragePools lists storages, on one node or on all when node is empty.
func (s *ClusterService) StoragePools(ctx context.Context, node string) ([]domain.StoragePool, error) {
	return s.hv.StoragePools(ctx, node)
}

// Templates lists clone sources.
func (s *ClusterService) Templates(ctx context.Context) ([]domain.Template, error) {
	return s.hv.Templates(ctx)
}

func humanize(n domain.NodeStats) domain.NodeStats {
	if n.MemHuman == "" && n.MaxMem > 0 {
		n.MemHuman = fmt.Sprintf("%s / %s", units.BytesSize(float64(n.Mem)), units.BytesSize(float64(n.MaxMem)))
	}
	return n
}
