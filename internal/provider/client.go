// Package provider defines the boundaries to the external systems the
// orchestrator drives: the IaC workspace and runner, the hypervisor, IPAM
// and the provisioning runner. Implementations live in subpackages and
// return domain types only.
//
// Adapters normalize failures: a connection failure or timeout becomes an
// EXTERNAL_UNAVAILABLE error, a non-2xx response or non-zero exit an
// EXTERNAL_REJECTED error. Adapters never retry.
package provider

import (
	"context"
	"io"
	"time"

	"github.com/dvaper/proxmox-commander/internal/domain"
)

// System names used in errors, logs and metrics.
const (
	SystemProxmox   = "proxmox"
	SystemNetBox    = "netbox"
	SystemTerraform = "terraform"
	SystemAnsible   = "ansible"
)

// Workspace manages VM definition files in the IaC directory.
type Workspace interface {
	// Generate renders the definition text for cfg without writing it.
	Generate(cfg *domain.VMConfig) ([]byte, error)
	Write(name string, text []byte) error
	// Read returns the definition text, or a NOT_FOUND error.
	Read(name string) ([]byte, error)
	Exists(name string) bool
	Delete(name string) error
	// List returns the VM names that have a definition.
	List() ([]string, error)
	Parse(text []byte) (*domain.VMConfig, error)
	SetNode(name, node string) error
	SetFrontendURL(name, url string) error
	// ModuleAddress returns the module address of name, e.g. "module.vm_web_01".
	ModuleAddress(name string) string
}

// IaC invokes the IaC tool. Output is streamed to out as it is produced.
// An empty name runs against the whole workspace.
type IaC interface {
	Init(ctx context.Context, out io.Writer) error
	Plan(ctx context.Context, name string, out io.Writer) error
	Apply(ctx context.Context, name string, out io.Writer) error
	Destroy(ctx context.Context, name string, out io.Writer) error
	Refresh(ctx context.Context, out io.Writer) error
	Import(ctx context.Context, name, node string, vmid int, out io.Writer) error
	StateList(ctx context.Context) ([]domain.StateResource, error)
	StateShow(ctx context.Context, address string) (*domain.StateDetail, error)
	StateRemove(ctx context.Context, address string) error
	// DeployedModules returns the module names (e.g. "vm_web_01") with at
	// least one resource in state.
	DeployedModules(ctx context.Context) (map[string]bool, error)
}

// Hypervisor drives Proxmox VE.
type Hypervisor interface {
	// CheckExists never fails: an unreachable hypervisor yields
	// PresenceUnknown. An empty node searches the cluster.
	CheckExists(ctx context.Context, vmid int, node string) domain.Presence
	PowerAction(ctx context.Context, vmid int, node string, action domain.PowerAction) (string, error)
	// StartMigration returns as soon as the task is queued.
	StartMigration(ctx context.Context, vmid int, source, target string) (*domain.MigrationHandle, error)
	TaskStatus(ctx context.Context, node, upid string) (*domain.TaskStatus, error)

	ListSnapshots(ctx context.Context, vmid int, node string) ([]domain.Snapshot, error)
	CreateSnapshot(ctx context.Context, vmid int, node, name, description string, includeRAM bool) (string, error)
	DeleteSnapshot(ctx context.Context, vmid int, node, name string) (string, error)
	RollbackSnapshot(ctx context.Context, vmid int, node, name string) (string, error)

	Clone(ctx context.Context, vmid int, node string, newID int, name string, full bool) (string, error)
	DeleteVM(ctx context.Context, vmid int, node string) (string, error)
	GuestConfig(ctx context.Context, vmid int, node string) (*domain.GuestConfig, error)

	ListVMs(ctx context.Context) ([]domain.ProxmoxVM, error)
	Nodes(ctx context.Context) ([]string, error)
	NodeStats(ctx context.Context, node string) (*domain.NodeStats, error)
	ClusterStats(ctx context.Context) (*domain.ClusterStats, error)
	StoragePools(ctx context.Context, node string) ([]domain.StoragePool, error)
	Templates(ctx context.Context) ([]domain.Template, error)
}

// IPAM drives NetBox address management.
type IPAM interface {
	ListAvailable(ctx context.Context, vlan, limit int) ([]domain.IPRecord, error)
	ListUsed(ctx context.Context, vlan, limit int) ([]domain.IPRecord, error)
	// Lookup returns nil without error when no record exists.
	Lookup(ctx context.Context, ip string) (*domain.IPRecord, error)
	IsAvailable(ctx context.Context, ip string) (bool, error)
	Reserve(ctx context.Context, ip, description, dnsName string) (*domain.IPRecord, error)
	Activate(ctx context.Context, ip string) error
	// Release reports false when there was no record to delete.
	Release(ctx context.Context, ip string) (bool, error)
	DeleteVM(ctx context.Context, name string) (bool, error)
	Status(ctx context.Context) domain.IPAMStatus
	VLANs(ctx context.Context) ([]domain.VLAN, error)
}

// Provisioner runs whitelisted playbooks and maintains the inventory.
type Provisioner interface {
	Validate(req domain.PlaybookRequest) error
	Run(ctx context.Context, req domain.PlaybookRequest, out io.Writer) error
	Playbooks() ([]domain.Playbook, error)

	AddHost(name, ip, group string) error
	RemoveHost(name string) (bool, error)
	Groups() ([]string, error)
	Hosts() (map[string]string, error)

	WaitReachable(ctx context.Context, ip string, timeout time.Duration) error
}
