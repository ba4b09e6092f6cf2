package modules

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/api/handlers"
	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
	"github.com/dvaper/proxmox-commander/internal/reconcile"
)

const (
	healthInterval = 60 * time.Second
	healthTimeout  = 10 * time.Second
)

// AdminModule owns the operational side: external system health, cron
// reconciliation and configuration reloads.
type AdminModule struct {
	infra      *Infrastructure
	health     *provider.HealthChecker
	reconciler *reconcile.Reconciler
}

func NewAdminModule(infra *Infrastructure) *AdminModule {
	rec := reconcile.New(infra.Config, infra.Tracker, infra.IPAM, infra.Store)
	infra.Metrics.GaugeFunc("orphaned_ip_reservations",
		"IPAM reservations no configuration owns, as of the last reconciliation.",
		func() float64 { return float64(rec.Orphans()) })
	infra.Metrics.GaugeFunc("worker_infra_running",
		"Tasks running on the infra worker pool.",
		func() float64 { return float64(infra.Pools.Infra.Running()) })

	return &AdminModule{
		infra:      infra,
		health:     provider.NewHealthChecker(probes(infra), healthInterval, healthTimeout),
		reconciler: rec,
	}
}

func probes(infra *Infrastructure) map[string]provider.Probe {
	return map[string]provider.Probe{
		"database": infra.Store.Ping,
		provider.SystemProxmox: func(ctx context.Context) error {
			_, err := infra.Hypervisor.Nodes(ctx)
			return err
		},
		provider.SystemNetBox: func(ctx context.Context) error {
			st := infra.IPAM.Status(ctx)
			switch {
			case !st.Configured:
				return errors.New("netbox is not configured")
			case st.Error != "":
				return errors.New(st.Error)
			}
			return nil
		},
		provider.SystemTerraform: func(context.Context) error {
			bin := infra.Config.Current().Terraform.Binary
			if _, err := exec.LookPath(bin); err != nil {
				return fmt.Errorf("terraform binary %q: %w", bin, err)
			}
			return nil
		},
		provider.SystemAnsible: func(context.Context) error {
			_, err := infra.Provisioner.Groups()
			return err
		},
	}
}

func (m *AdminModule) Name() string { return "admin" }

func (m *AdminModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Health = m.health
}

func (m *AdminModule) RegisterWorkers(_ *river.Workers) {}

// Start begins health probing and reconciliation and follows config file
// changes. A reload applies the new log level immediately; everything else
// reads the new snapshot on its next call.
func (m *AdminModule) Start(ctx context.Context) error {
	m.infra.Config.OnReload(func(old, next *config.Config) {
		if old.Log.Level == next.Log.Level {
			return
		}
		if err := logger.SetLevel(next.Log.Level); err != nil {
			logger.Warn("Ignoring invalid log level", zap.String("level", next.Log.Level), zap.Error(err))
		}
	})
	m.infra.Config.Watch()

	m.health.Start(ctx)
	if err := m.reconciler.Start(ctx); err != nil {
		m.health.Stop()
		return fmt.Errorf("start reconciler: %w", err)
	}
	return nil
}

func (m *AdminModule) Shutdown(context.Context) error {
	m.health.Stop()
	m.reconciler.Stop()
	return nil
}
