package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/infrastructure"
	"github.com/dvaper/proxmox-commander/internal/jobs"
	"github.com/dvaper/proxmox-commander/internal/metrics"
	"github.com/dvaper/proxmox-commander/internal/pkg/keylock"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/pkg/worker"
	"github.com/dvaper/proxmox-commander/internal/provider/ansible"
	"github.com/dvaper/proxmox-commander/internal/provider/netbox"
	"github.com/dvaper/proxmox-commander/internal/provider/proxmox"
	"github.com/dvaper/proxmox-commander/internal/provider/terraform"
	"github.com/dvaper/proxmox-commander/internal/store"
	"github.com/dvaper/proxmox-commander/internal/tracker"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config  *config.Provider
	Metrics *metrics.Metrics
	Store   *store.Store
	// DB is nil with the sqlite driver.
	DB      *infrastructure.DatabaseClients
	Pools   *worker.Pools
	Leases  *usecase.Leases
	Tracker *tracker.Tracker
	Runner  *jobs.Runner

	Workspace   *terraform.Workspace
	IaC         *terraform.Runner
	Hypervisor  *proxmox.Client
	IPAM        *netbox.Client
	Provisioner *ansible.Runner
}

// NewInfrastructure opens the store, starts the worker pools and builds the
// adapters. Every adapter reads the provider's current snapshot per call.
func NewInfrastructure(ctx context.Context, cfgp *config.Provider, m *metrics.Metrics) (*Infrastructure, error) {
	cfg := cfgp.Current()
	infra := &Infrastructure{Config: cfgp, Metrics: m}

	if err := infra.openStore(ctx, cfg); err != nil {
		return nil, err
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		InfraPoolSize:   cfg.Worker.InfraPoolSize,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	lockDir := ""
	if cfg.Locks.FileLocks {
		lockDir = cfg.LocksDir()
	}
	locks := keylock.New(lockDir)
	locks.OnReject = func(key string) {
		m.LockRejected()
		logger.Debug("Lease rejected", logger.VMName(key))
	}
	infra.Leases = usecase.NewLeases(locks)

	infra.Tracker = tracker.New(infra.Store, cfgp, m)
	infra.Runner = jobs.NewRunner(infra.Tracker)

	infra.Workspace = terraform.NewWorkspace(cfgp)
	infra.IaC = terraform.NewRunner(cfgp, m)
	infra.Hypervisor = proxmox.New(cfgp, m)
	infra.IPAM = netbox.New(cfgp, m)
	infra.Provisioner = ansible.New(cfgp, m)
	return infra, nil
}

func (i *Infrastructure) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		i.DB = db
		i.Store = store.OpenPostgres(db.Pool)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: cfg.Database.Path})
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		i.Store = st
	}

	if !cfg.Database.AutoMigrate {
		return nil
	}
	if err := i.Store.Migrate(ctx); err != nil {
		i.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	if i.DB != nil && cfg.River.Enabled {
		if err := i.DB.MigrateRiver(ctx); err != nil {
			i.Close()
			return fmt.Errorf("migrate river: %w", err)
		}
	}
	logger.Info("Tracking store ready", zap.String("driver", cfg.Database.Driver))
	return nil
}

// RiverEnabled reports whether executions go through river.
func (i *Infrastructure) RiverEnabled() bool {
	return i.DB != nil && i.Config.Current().River.Enabled
}

// InitRiver initializes the river client on top of a prepared worker registry.
func (i *Infrastructure) InitRiver(workers *river.Workers) error {
	if i == nil || i.DB == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, i.Config.Current().River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	return nil
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Store != nil {
		if err := i.Store.Close(); err != nil {
			logger.Warn("Closing store failed", zap.Error(err))
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
