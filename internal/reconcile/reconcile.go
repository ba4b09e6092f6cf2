// Package reconcile runs periodic consistency checks on cron schedules:
// executions left running by a previous process are failed, and IPAM
// reservations that no configuration owns are reported.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
	"github.com/dvaper/proxmox-commander/internal/store"
)

// StaleFailer fails executions abandoned by a previous process.
type StaleFailer interface {
	FailStale(ctx context.Context, cutoff time.Time) (int, error)
}

// AddressOwners resolves which configuration holds an address.
type AddressOwners interface {
	FindVMByIP(ctx context.Context, ip string) (*domain.VMConfig, error)
}

// Reconciler owns the cron scheduler.
type Reconciler struct {
	cfg     config.Source
	stale   StaleFailer
	ipam    provider.IPAM
	owners  AddressOwners
	cron    *cron.Cron
	now     func() time.Time
	orphans atomic.Int64
}

// New creates a Reconciler. Nothing is scheduled until Start.
func New(cfg config.Source, stale StaleFailer, ipam provider.IPAM, owners AddressOwners) *Reconciler {
	log := cronLogger{}
	return &Reconciler{
		cfg:    cfg,
		stale:  stale,
		ipam:   ipam,
		owners: owners,
		cron:   cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log))),
		now:    time.Now,
	}
}

// Start schedules the jobs with the current configuration. ctx bounds
// every run. A disabled reconciler schedules nothing.
func (r *Reconciler) Start(ctx context.Context) error {
	rc := r.cfg.Current().Reconcile
	if !rc.Enabled {
		logger.Info("Reconciliation disabled")
		return nil
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"stale_executions", rc.StaleExecutions, func(ctx context.Context) error {
			_, err := r.StaleExecutions(ctx)
			return err
		}},
		{"orphaned_ips", rc.OrphanedIPs, func(ctx context.Context) error {
			_, err := r.OrphanedIPs(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		j := j
		if j.spec == "" {
			continue
		}
		_, err := r.cron.AddFunc(j.spec, func() {
			if err := j.run(ctx); err != nil {
				logger.Warn("Reconcile job failed", zap.String("job", j.name), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		logger.Info("Reconcile job scheduled", zap.String("job", j.name), zap.String("spec", j.spec))
	}
	r.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running jobs.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

// StaleExecutions fails executions running for longer than
// executions.stale_after. A zero setting disables the check.
func (r *Reconciler) StaleExecutions(ctx context.Context) (int, error) {
	after := r.cfg.Current().Executions.StaleAfter
	if after <= 0 {
		return 0, nil
	}
	n, err := r.stale.FailStale(ctx, r.now().Add(-after))
	if err != nil {
		return 0, fmt.Errorf("fail stale executions: %w", err)
	}
	if n > 0 {
		logger.Warn("Stale executions failed", zap.Int("count", n), zap.Duration("stale_after", after))
	}
	return n, nil
}

// OrphanedIPs lists reserved addresses in the configured VLANs that no
// configuration holds. They are reported, never released: a reservation
// may be manual.
func (r *Reconciler) OrphanedIPs(ctx context.Context) ([]domain.IPRecord, error) {
	var orphans []domain.IPRecord
	for _, vlan := range r.cfg.Current().Reconcile.OrphanedIPsVLANs {
		used, err := r.ipam.ListUsed(ctx, vlan, 0)
		if err != nil {
			return nil, fmt.Errorf("list used addresses in vlan %d: %w", vlan, err)
		}
		for _, rec := range used {
			if rec.Status != domain.IPReserved {
				continue
			}
			_, err := r.owners.FindVMByIP(ctx, rec.Address)
			switch {
			case err == nil:
				continue
			case !errors.Is(err, store.ErrNotFound):
				return nil, fmt.Errorf("find vm by ip %s: %w", rec.Address, err)
			}
			logger.Warn("Orphaned IP reservation",
				logger.IPAddress(rec.Address),
				zap.Int("vlan", vlan),
				zap.String("dns_name", rec.DNSName),
			)
			orphans = append(orphans, rec)
		}
	}
	r.orphans.Store(int64(len(orphans)))
	return orphans, nil
}

// Orphans returns the count found by the last OrphanedIPs run.
func (r *Reconciler) Orphans() int64 {
	return r.orphans.Load()
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.S().Debugw("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.S().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
