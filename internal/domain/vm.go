// Package domain provides the domain models shared by the orchestrator,
// adapters and the tracking store. Adapters return these types, never raw
// Proxmox, NetBox or Terraform payloads.
package domain

import "time"

// VMStatus is the desired-state lifecycle of a VM configuration.
type VMStatus string

const (
	VMStatusPlanned    VMStatus = "planned"
	VMStatusDeploying  VMStatus = "deploying"
	VMStatusDeployed   VMStatus = "deployed"
	VMStatusFailed     VMStatus = "failed"
	VMStatusDestroying VMStatus = "destroying"
)

// Valid reports whether s is a known lifecycle status.
func (s VMStatus) Valid() bool {
	switch s {
	case VMStatusPlanned, VMStatusDeploying, VMStatusDeployed, VMStatusFailed, VMStatusDestroying:
		return true
	}
	return false
}

// LiveStatus mirrors the hypervisor state of a deployed VM. It is read on
// demand and never persisted.
type LiveStatus string

const (
	LiveRunning LiveStatus = "running"
	LiveStopped LiveStatus = "stopped"
	LivePaused  LiveStatus = "paused"
	LiveUnknown LiveStatus = "unknown"
)

// VMConfig is the desired-state record for one VM. Exactly one definition
// file exists per Name, and VMID is always derived from IPAddress.
type VMConfig struct {
	Name         string    `json:"name"`
	VMID         int       `json:"vmid"`
	Node         string    `json:"node"`
	Cores        int       `json:"cores"`
	MemoryMiB    int       `json:"memory_mib"`
	DiskGiB      int       `json:"disk_gib"`
	VLAN         int       `json:"vlan"`
	IPAddress    string    `json:"ip_address"`
	AnsibleGroup string    `json:"ansible_group,omitempty"`
	FrontendURL  string    `json:"frontend_url,omitempty"`
	Description  string    `json:"description,omitempty"`
	TemplateID   int       `json:"template_id"`
	Storage      string    `json:"storage"`
	Status       VMStatus  `json:"status"`
	Owner        string    `json:"owner,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VMView is a configuration together with its live hypervisor state.
type VMView struct {
	VMConfig
	Live     LiveStatus `json:"live_status,omitempty"`
	LiveNode string     `json:"live_node,omitempty"`
}

// PowerAction is a hypervisor power operation.
type PowerAction string

const (
	PowerStart    PowerAction = "start"
	PowerStop     PowerAction = "stop"
	PowerShutdown PowerAction = "shutdown"
	PowerReboot   PowerAction = "reboot"
	PowerReset    PowerAction = "reset"
)

// Valid reports whether a is a supported power action.
func (a PowerAction) Valid() bool {
	switch a {
	case PowerStart, PowerStop, PowerShutdown, PowerReboot, PowerReset:
		return true
	}
	return false
}

// Snapshot is a hypervisor snapshot of one VM.
type Snapshot struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SnapTime    int64  `json:"snaptime,omitempty"`
	Parent      string `json:"parent,omitempty"`
	VMState     bool   `json:"vmstate"`
}

// ProxmoxVM is one guest as listed by the cluster.
type ProxmoxVM struct {
	VMID     int    `json:"vmid"`
	Name     string `json:"name"`
	Node     string `json:"node"`
	Status   string `json:"status"`
	MaxCPU   int    `json:"maxcpu"`
	MaxMem   int64  `json:"maxmem"`
	MaxDisk  int64  `json:"maxdisk"`
	Template bool   `json:"template"`
}

// GuestConfig is the subset of a guest's hypervisor configuration needed to
// adopt it under IaC management.
type GuestConfig struct {
	VMID      int    `json:"vmid"`
	Node      string `json:"node"`
	Name      string `json:"name"`
	Cores     int    `json:"cores"`
	MemoryMiB int    `json:"memory_mib"`
	DiskGiB   int    `json:"disk_gib"`
	Storage   string `json:"storage"`
	IPAddress string `json:"ip_address"`
	VLAN      int    `json:"vlan"`
}

// NodeStats is resource usage of one hypervisor node.
type NodeStats struct {
	Node     string  `json:"node"`
	Status   string  `json:"status"`
	CPU      float64 `json:"cpu"`
	MaxCPU   int     `json:"maxcpu"`
	Mem      int64   `json:"mem"`
	MaxMem   int64   `json:"maxmem"`
	Disk     int64   `json:"disk"`
	MaxDisk  int64   `json:"maxdisk"`
	Uptime   int64   `json:"uptime"`
	MemHuman string  `json:"mem_human,omitempty"`
}

// ClusterStats aggregates all nodes.
type ClusterStats struct {
	Nodes       []NodeStats `json:"nodes"`
	OnlineNodes int         `json:"online_nodes"`
	TotalCPU    int         `json:"total_cpu"`
	UsedMem     int64       `json:"used_mem"`
	TotalMem    int64       `json:"total_mem"`
	VMCount     int         `json:"vm_count"`
	RunningVMs  int         `json:"running_vms"`
}

// StoragePool is a hypervisor storage.
type StoragePool struct {
	Storage string `json:"storage"`
	Node    string `json:"node"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Total   int64  `json:"total"`
	Used    int64  `json:"used"`
	Avail   int64  `json:"avail"`
	Active  bool   `json:"active"`
}

// Template is a guest usable as a clone source.
type Template struct {
	VMID int    `json:"vmid"`
	Name string `json:"name"`
	Node string `json:"node"`
}
