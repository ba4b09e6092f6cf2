package modules

import (
	"context"

	"github.com/riverqueue/river"

	"github.com/dvaper/proxmox-commander/internal/api/handlers"
	"github.com/dvaper/proxmox-commander/internal/governance/history"
)

// GovernanceModule owns the history and rollback ledger.
type GovernanceModule struct {
	ledger *history.Ledger
}

func NewGovernanceModule(infra *Infrastructure) *GovernanceModule {
	return &GovernanceModule{
		ledger: history.NewLedger(infra.Store, infra.Workspace, infra.Leases),
	}
}

// Ledger returns the history ledger shared with the orchestrator.
func (m *GovernanceModule) Ledger() *history.Ledger { return m.ledger }

func (m *GovernanceModule) Name() string { return "governance" }

func (m *GovernanceModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Ledger = m.ledger
}

func (m *GovernanceModule) RegisterWorkers(_ *river.Workers) {}

func (m *GovernanceModule) Start(context.Context) error { return nil }

func (m *GovernanceModule) Shutdown(context.Context) error { return nil }
