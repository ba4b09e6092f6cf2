// Package usecase implements the VM lifecycle orchestrator.
//
// Every mutating operation takes the per-name lease first, validates its
// preconditions against IPAM and the IaC workspace, and either completes
// synchronously or records an Execution and hands the long-running work to
// a background job. Jobs own the lease of the operation that dispatched
// them and release it when they finish.
package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/governance/history"
	"github.com/dvaper/proxmox-commander/internal/jobs"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
	"github.com/dvaper/proxmox-commander/internal/store"
	"github.com/dvaper/proxmox-commander/internal/tracker"
)

// Store is the configuration persistence the orchestrator needs.
type Store interface {
	InsertVM(ctx context.Context, vm *domain.VMConfig) error
	GetVM(ctx context.Context, name string) (*domain.VMConfig, error)
	FindVMByIP(ctx context.Context, ip string) (*domain.VMConfig, error)
	ListVMs(ctx context.Context) ([]*domain.VMConfig, error)
	UpdateVM(ctx context.Context, vm *domain.VMConfig) error
	UpdateVMStatus(ctx context.Context, name string, status domain.VMStatus) error
	UpdateVMNode(ctx context.Context, name, node string) error
	DeleteVM(ctx context.Context, name string) error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Config      config.Source
	Store       Store
	Workspace   provider.Workspace
	IaC         provider.IaC
	Hypervisor  provider.Hypervisor
	IPAM        provider.IPAM
	Provisioner provider.Provisioner
	Tracker     *tracker.Tracker
	Runner      *jobs.Runner
	Dispatcher  jobs.Dispatcher
	Ledger      *history.Ledger
	Leases      *Leases
}

// Orchestrator drives VM configurations through their lifecycle.
type Orchestrator struct {
	cfg        config.Source
	store      Store
	ws         provider.Workspace
	iac        provider.IaC
	hv         provider.Hypervisor
	ipam       provider.IPAM
	prov       provider.Provisioner
	tracker    *tracker.Tracker
	runner     *jobs.Runner
	dispatcher jobs.Dispatcher
	ledger     *history.Ledger
	leases     *Leases

	migrations *handleTable
}

// New creates an Orchestrator and registers its job handlers on d.Runner.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:        d.Config,
		store:      d.Store,
		ws:         d.Workspace,
		iac:        d.IaC,
		hv:         d.Hypervisor,
		ipam:       d.IPAM,
		prov:       d.Provisioner,
		tracker:    d.Tracker,
		runner:     d.Runner,
		dispatcher: d.Dispatcher,
		ledger:     d.Ledger,
		leases:     d.Leases,
		migrations: newHandleTable(),
	}
	o.registerHandlers()
	o.tracker.OnAbandoned(o.abandoned)
	return o
}

// SetDispatcher replaces the dispatcher. The river dispatcher can only be
// built after the runner it feeds exists.
func (o *Orchestrator) SetDispatcher(d jobs.Dispatcher) {
	o.dispatcher = d
}

// Get returns the configuration of name.
func (o *Orchestrator) Get(ctx context.Context, name string) (*domain.VMConfig, error) {
	vm, err := o.store.GetVM(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.ErrVMNotFoundf(name)
	}
	if err != nil {
		return nil, fmt.Errorf("load vm %s: %w", name, err)
	}
	return vm, nil
}

// submit records an execution and dispatches it. release, when not nil, is
// handed to the job; it is released here if nothing could be dispatched.
func (o *Orchestrator) submit(ctx context.Context, kind domain.ExecutionKind, target string,
	params map[string]interface{}, release func()) (*domain.Execution, error) {
	exec, err := o.tracker.Create(ctx, kind, target, params, ActorFrom(ctx))
	if err != nil {
		if release != nil {
			release()
		}
		return nil, err
	}
	o.runner.HoldLease(exec.ID, release)

	if err := o.dispatcher.Dispatch(ctx, exec.ID); err != nil {
		logger.Error("Failed to dispatch execution",
			logger.ExecutionID(exec.ID),
			logger.Operation(exec.Operation()),
			zap.Error(err),
		)
		o.tracker.FailPending(ctx, exec.ID, err)
		o.runner.ReleaseLease(exec.ID)
		return nil, apperrors.Internal(apperrors.CodeInternalError, "failed to dispatch execution").WithCause(err)
	}
	return exec, nil
}

// record writes a history entry on behalf of the current actor.
func (o *Orchestrator) record(ctx context.Context, entry *domain.HistoryEntry) {
	if entry.Actor == "" {
		entry.Actor = ActorFrom(ctx)
	}
	o.ledger.Record(ctx, entry)
}

// definition returns the current definition text of name, or "" when the
// file does not exist.
func (o *Orchestrator) definition(name string) string {
	text, err := o.ws.Read(name)
	if err != nil {
		return ""
	}
	return string(text)
}
