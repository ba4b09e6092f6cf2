package domain

import (
	"sort"
	"strings"
)

// BatchFailure is one failed item of a batch.
type BatchFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// BatchResult reports per-item outcomes; it is never an error by itself.
type BatchResult struct {
	Successful []string       `json:"successful"`
	Failed     []BatchFailure `json:"failed"`
	// Executions maps each successful name to its execution id.
	Executions map[string]string `json:"executions,omitempty"`
}

// NewBatchResult returns an empty result with non-nil slices.
func NewBatchResult() *BatchResult {
	return &BatchResult{
		Successful: []string{},
		Failed:     []BatchFailure{},
		Executions: map[string]string{},
	}
}

// Subsystems touched by a complete delete.
const (
	SubsystemProxmox          = "proxmox"
	SubsystemNetBoxVM         = "netbox_vm"
	SubsystemNetBoxIP         = "netbox_ip"
	SubsystemTerraformState   = "terraform_state"
	SubsystemTerraformFile    = "terraform_file"
	SubsystemAnsibleInventory = "ansible_inventory"
)

// SubsystemResult is the outcome of one subsystem step.
type SubsystemResult struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeleteReport collects per-subsystem outcomes of a complete delete.
type DeleteReport struct {
	Success          bool            `json:"success"`
	VMName           string          `json:"vm_name"`
	Message          string          `json:"message"`
	Proxmox          SubsystemResult `json:"proxmox"`
	NetBoxVM         SubsystemResult `json:"netbox_vm"`
	NetBoxIP         SubsystemResult `json:"netbox_ip"`
	TerraformState   SubsystemResult `json:"terraform_state"`
	TerraformFile    SubsystemResult `json:"terraform_file"`
	AnsibleInventory SubsystemResult `json:"ansible_inventory"`
}

// Set records the result for one subsystem.
func (r *DeleteReport) Set(subsystem string, res SubsystemResult) {
	switch subsystem {
	case SubsystemProxmox:
		r.Proxmox = res
	case SubsystemNetBoxVM:
		r.NetBoxVM = res
	case SubsystemNetBoxIP:
		r.NetBoxIP = res
	case SubsystemTerraformState:
		r.TerraformState = res
	case SubsystemTerraformFile:
		r.TerraformFile = res
	case SubsystemAnsibleInventory:
		r.AnsibleInventory = res
	}
}

// Failed lists the subsystems that did not succeed.
func (r *DeleteReport) Failed() []string {
	var out []string
	for name, res := range r.bySubsystem() {
		if !res.Success && !res.Skipped {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (r *DeleteReport) bySubsystem() map[string]SubsystemResult {
	return map[string]SubsystemResult{
		SubsystemProxmox:          r.Proxmox,
		SubsystemNetBoxVM:         r.NetBoxVM,
		SubsystemNetBoxIP:         r.NetBoxIP,
		SubsystemTerraformState:   r.TerraformState,
		SubsystemTerraformFile:    r.TerraformFile,
		SubsystemAnsibleInventory: r.AnsibleInventory,
	}
}

// MigrationHandle correlates phase one and phase two of a migration. It
// lives only in process memory and in the hypervisor's task registry.
type MigrationHandle struct {
	TaskID     string `json:"upid"`
	VMName     string `json:"vm_name"`
	VMID       int    `json:"vmid"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	WasRunning bool   `json:"was_running"`
}

// TaskStatus is the polled state of a hypervisor task.
type TaskStatus struct {
	Reachable  bool   `json:"reachable"`
	Finished   bool   `json:"finished"`
	Success    bool   `json:"task_success"`
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

// MigrationResult is returned by migration completion.
type MigrationResult struct {
	VMName     string `json:"vm_name"`
	VMID       int    `json:"vmid"`
	SourceNode string `json:"source_node"`
	TargetNode string `json:"target_node"`
	TaskID     string `json:"upid,omitempty"`
	WasRunning bool   `json:"was_running"`
	Restarted  bool   `json:"restarted"`
	TFUpdated  bool   `json:"tf_updated"`
	Warning    string `json:"warning,omitempty"`
}

// PresenceState is the outcome of an existence check.
type PresenceState string

const (
	PresenceExists  PresenceState = "exists"
	PresenceAbsent  PresenceState = "absent"
	PresenceUnknown PresenceState = "unknown"
)

// Presence reports whether a VM exists on the hypervisor. Unknown means the
// hypervisor could not be reached.
type Presence struct {
	State  PresenceState `json:"state"`
	Node   string        `json:"node,omitempty"`
	Status LiveStatus    `json:"status,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Exists is shorthand for State == PresenceExists.
func (p Presence) Exists() bool { return p.State == PresenceExists }

// IPStatus is the NetBox allocation state.
type IPStatus string

const (
	IPReserved IPStatus = "reserved"
	IPActive   IPStatus = "active"
)

// IPRecord is one IPAM address record.
type IPRecord struct {
	ID          int      `json:"id"`
	Address     string   `json:"address"`
	Status      IPStatus `json:"status"`
	Description string   `json:"description,omitempty"`
	DNSName     string   `json:"dns_name,omitempty"`
	VMID        int      `json:"vmid,omitempty"`
	VLAN        int      `json:"vlan,omitempty"`
}

// VLAN is an IPAM VLAN with its prefix.
type VLAN struct {
	ID     int    `json:"id"`
	VID    int    `json:"vid"`
	Name   string `json:"name"`
	Prefix string `json:"prefix,omitempty"`
}

// IPAMStatus reports whether IPAM is usable.
type IPAMStatus struct {
	Configured    bool   `json:"configured"`
	PrefixesCount int    `json:"prefixes_count"`
	VLANsCount    int    `json:"vlans_count"`
	URL           string `json:"netbox_url"`
	Error         string `json:"error,omitempty"`
}

// StateResource is one address in the IaC state.
type StateResource struct {
	Address string `json:"address"`
	Module  string `json:"module,omitempty"`
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`
}

// StateDetail is the parsed output of a state show.
type StateDetail struct {
	Address    string            `json:"address"`
	Attributes map[string]string `json:"data"`
	Raw        string            `json:"raw"`
}

// CloneResult is returned when a clone is accepted.
type CloneResult struct {
	ExecutionID string `json:"execution_id"`
	SourceName  string `json:"source_name"`
	TargetName  string `json:"target_name"`
	TargetVMID  int    `json:"target_vmid"`
	TargetIP    string `json:"target_ip"`
}

// ImportResult is returned by an import.
type ImportResult struct {
	VMName    string   `json:"vm_name"`
	VMID      int      `json:"vmid"`
	IPAddress string   `json:"ip_address"`
	Node      string   `json:"node"`
	Cores     int      `json:"cores"`
	MemoryMiB int      `json:"memory_mib"`
	DiskGiB   int      `json:"disk_gib"`
	Output    string   `json:"output,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Playbook is a runnable post-deploy playbook.
type Playbook struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PlaybookRequest is a typed provisioning run. Every field is validated
// against the playbooks directory and the inventory naming rules before a
// process is started.
type PlaybookRequest struct {
	Playbook  string                 `json:"playbook"`
	Hosts     []string               `json:"hosts,omitempty"`
	Groups    []string               `json:"groups,omitempty"`
	ExtraVars map[string]interface{} `json:"extra_vars,omitempty"`
}

// Limit returns the ansible --limit expression, or "" for all hosts.
func (r PlaybookRequest) Limit() string {
	targets := make([]string, 0, len(r.Hosts)+len(r.Groups))
	targets = append(targets, r.Hosts...)
	targets = append(targets, r.Groups...)
	return strings.Join(targets, ",")
}
