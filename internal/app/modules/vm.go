package modules

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/dvaper/proxmox-commander/internal/api/handlers"
	"github.com/dvaper/proxmox-commander/internal/governance/history"
	"github.com/dvaper/proxmox-commander/internal/jobs"
	"github.com/dvaper/proxmox-commander/internal/service"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// VMModule wires the lifecycle orchestrator, the read services and the
// execution worker.
type VMModule struct {
	infra        *Infrastructure
	orchestrator *usecase.Orchestrator
	vms          *service.VMService
	cluster      *service.ClusterService
	ipam         *service.IPAMService
	state        *service.StateService
	ansible      *service.AnsibleService
}

// NewVMModule creates a VM module. Executions run on the infra worker pool
// until UseRiver switches them to the job queue.
func NewVMModule(infra *Infrastructure, ledger *history.Ledger) *VMModule {
	orch := usecase.New(usecase.Deps{
		Config:      infra.Config,
		Store:       infra.Store,
		Workspace:   infra.Workspace,
		IaC:         infra.IaC,
		Hypervisor:  infra.Hypervisor,
		IPAM:        infra.IPAM,
		Provisioner: infra.Provisioner,
		Tracker:     infra.Tracker,
		Runner:      infra.Runner,
		Dispatcher:  jobs.NewPoolDispatcher(infra.Pools, infra.Runner),
		Ledger:      ledger,
		Leases:      infra.Leases,
	})

	return &VMModule{
		infra:        infra,
		orchestrator: orch,
		vms:          service.NewVMService(infra.Config, infra.Store, infra.Workspace, infra.IaC, infra.Hypervisor),
		cluster:      service.NewClusterService(infra.Hypervisor),
		ipam:         service.NewIPAMService(infra.IPAM, infra.Store),
		state:        service.NewStateService(infra.IaC),
		ansible:      service.NewAnsibleService(infra.Provisioner),
	}
}

// Orchestrator returns the lifecycle orchestrator.
func (m *VMModule) Orchestrator() *usecase.Orchestrator { return m.orchestrator }

// UseRiver dispatches every later execution as a river job.
func (m *VMModule) UseRiver(client *river.Client[pgx.Tx]) {
	m.orchestrator.SetDispatcher(jobs.NewRiverDispatcher(client))
}

func (m *VMModule) Name() string { return "vm" }

func (m *VMModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Orchestrator = m.orchestrator
	deps.VMs = m.vms
	deps.Cluster = m.cluster
	deps.IPAM = m.ipam
	deps.State = m.state
	deps.Ansible = m.ansible
}

func (m *VMModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.infra == nil {
		return
	}
	jobs.RegisterWorkers(workers, m.infra.Runner)
}

func (m *VMModule) Start(context.Context) error { return nil }

func (m *VMModule) Shutdown(context.Context) error { return nil }
