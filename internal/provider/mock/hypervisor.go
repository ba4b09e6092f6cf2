package mock

import (
	"context"
	"fmt"
	"sort"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.Hypervisor = (*Hypervisor)(nil)

// Guest is one fake VM.
type Guest struct {
	VMID      int
	Name      string
	Node      string
	Status    domain.LiveStatus
	Template  bool
	Config    domain.GuestConfig
	Snapshots []domain.Snapshot
}

// PowerCall records one PowerAction invocation.
type PowerCall struct {
	VMID   int
	Node   string
	Action domain.PowerAction
}

// Hypervisor is a fake Proxmox cluster.
type Hypervisor struct {
	recorder

	guests map[int]*Guest
	tasks  map[string]*domain.TaskStatus
	nodes  []string
	seq    int

	// Unreachable makes every call behave as if the API were down.
	Unreachable bool
	// OnlineMigration mirrors proxmox.online_migration.
	OnlineMigration bool
	// HoldTasks leaves new tasks unfinished until FinishTask is called.
	HoldTasks bool

	Power []PowerCall
}

// NewHypervisor returns a cluster with the given nodes.
func NewHypervisor(nodes ...string) *Hypervisor {
	return &Hypervisor{
		guests: make(map[int]*Guest),
		tasks:  make(map[string]*domain.TaskStatus),
		nodes:  nodes,
	}
}

// AddGuest seeds a VM.
func (h *Hypervisor) AddGuest(g Guest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g.Status == "" {
		g.Status = domain.LiveRunning
	}
	h.guests[g.VMID] = &g
}

// Guest returns a copy of the seeded or created VM.
func (h *Hypervisor) Guest(vmid int) (Guest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.guests[vmid]
	if !ok {
		return Guest{}, false
	}
	return *g, true
}

// FinishTask completes a held task.
func (h *Hypervisor) FinishTask(upid string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tasks[upid]; ok {
		t.Finished = true
		t.Success = success
		t.Status = "stopped"
		if success {
			t.ExitStatus = "OK"
		} else {
			t.ExitStatus = "migration aborted"
		}
	}
}

func (h *Hypervisor) unavailable() error {
	return apperrors.Unavailable(provider.SystemProxmox, fmt.Errorf("connection refused"))
}

func (h *Hypervisor) call(method string) error {
	if err := h.hit(method); err != nil {
		return err
	}
	if h.Unreachable {
		return h.unavailable()
	}
	return nil
}

func (h *Hypervisor) newTask(node, kind string) string {
	h.seq++
	upid := fmt.Sprintf("UPID:%s:%08X:%s:", node, h.seq, kind)
	t := &domain.TaskStatus{Reachable: true, Status: "running"}
	if !h.HoldTasks {
		t.Finished, t.Success, t.Status, t.ExitStatus = true, true, "stopped", "OK"
	}
	h.tasks[upid] = t
	return upid
}

func (h *Hypervisor) guestOn(vmid int, node string) (*Guest, error) {
	g, ok := h.guests[vmid]
	if !ok || (node != "" && g.Node != node) {
		return nil, apperrors.Rejected(provider.SystemProxmox, fmt.Sprintf("VM %d not found on %s", vmid, node))
	}
	return g, nil
}

func (h *Hypervisor) CheckExists(_ context.Context, vmid int, node string) domain.Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.hit("CheckExists"); err != nil || h.Unreachable {
		return domain.Presence{State: domain.PresenceUnknown, Reason: "unreachable"}
	}
	g, ok := h.guests[vmid]
	if !ok || (node != "" && g.Node != node) {
		return domain.Presence{State: domain.PresenceAbsent}
	}
	return domain.Presence{State: domain.PresenceExists, Node: g.Node, Status: g.Status}
}

func (h *Hypervisor) PowerAction(_ context.Context, vmid int, node string, action domain.PowerAction) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("PowerAction"); err != nil {
		return "", err
	}
	g, err := h.guestOn(vmid, node)
	if err != nil {
		return "", err
	}
	h.Power = append(h.Power, PowerCall{VMID: vmid, Node: node, Action: action})
	switch action {
	case domain.PowerStart, domain.PowerReboot, domain.PowerReset:
		g.Status = domain.LiveRunning
	case domain.PowerStop, domain.PowerShutdown:
		g.Status = domain.LiveStopped
	}
	return h.newTask(node, "qm"+string(action)), nil
}

func (h *Hypervisor) StartMigration(_ context.Context, vmid int, source, target string) (*domain.MigrationHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("StartMigration"); err != nil {
		return nil, err
	}
	g, err := h.guestOn(vmid, source)
	if err != nil {
		return nil, err
	}
	handle := &domain.MigrationHandle{VMID: vmid, SourceNode: source, TargetNode: target}
	if g.Status == domain.LiveRunning && !h.OnlineMigration {
		g.Status = domain.LiveStopped
		handle.WasRunning = true
	}
	g.Node = target
	handle.TaskID = h.newTask(source, "qmigrate")
	return handle, nil
}

func (h *Hypervisor) TaskStatus(_ context.Context, _, upid string) (*domain.TaskStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.hit("TaskStatus"); err != nil {
		return nil, err
	}
	if h.Unreachable {
		return &domain.TaskStatus{Reachable: false}, nil
	}
	t, ok := h.tasks[upid]
	if !ok {
		return nil, apperrors.Rejected(provider.SystemProxmox, "no such task "+upid)
	}
	cp := *t
	return &cp, nil
}

func (h *Hypervisor) ListSnapshots(_ context.Context, vmid int, node string) ([]domain.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("ListSnapshots"); err != nil {
		return nil, err
	}
	g, err := h.guestOn(vmid, node)
	if err != nil {
		return nil, err
	}
	return append([]domain.Snapshot{}, g.Snapshots...), nil
}

func (h *Hypervisor) CreateSnapshot(_ context.Context, vmid int, node, name, description string, includeRAM bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("CreateSnapshot"); err != nil {
		return "", err
	}
	g, err := h.guestOn(vmid, node)
	if err != nil {
		return "", err
	}
	g.Snapshots = append(g.Snapshots, domain.Snapshot{Name: name, Description: description, VMState: includeRAM})
	return h.newTask(node, "qmsnapshot"), nil
}

func (h *Hypervisor) DeleteSnapshot(_ context.Context, vmid int, node, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("DeleteSnapshot"); err != nil {
		return "", err
	}
	g, err := h.guestOn(vmid, node)
	if err != nil {
		return "", err
	}
	for i, s := range g.Snapshots {
		if s.Name == name {
			g.Snapshots = append(g.Snapshots[:i], g.Snapshots[i+1:]...)
			return h.newTask(node, "qmdelsnapshot"), nil
		}
	}
	return "", apperrors.Rejected(provider.SystemProxmox, "snapshot "+name+" does not exist")
}

func (h *Hypervisor) RollbackSnapshot(_ context.Context, vmid int, node, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("RollbackSnapshot"); err != nil {
		return "", err
	}
	g, err := h.guestOn(vmid, node)
	if err != nil {
		return "", err
	}
	for _, s := range g.Snapshots {
		if s.Name == name {
			return h.newTask(node, "qmrollback"), nil
		}
	}
	return "", apperrors.Rejected(provider.SystemProxmox, "snapshot "+name+" does not exist")
}

func (h *Hypervisor) Clone(_ context.Context, vmid int, node string, newID int, name string, _ bool) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("Clone"); err != nil {
		return "", err
	}
	src, err := h.guestOn(vmid, node)
	if err != nil {
		return "", err
	}
	if _, taken := h.guests[newID]; taken {
		return "", apperrors.Rejected(provider.SystemProxmox, fmt.Sprintf("VM %d already exists", newID))
	}
	cfg := src.Config
	cfg.VMID, cfg.Name = newID, name
	h.guests[newID] = &Guest{VMID: newID, Name: name, Node: node, Status: domain.LiveStopped, Config: cfg}
	return h.newTask(node, "qmclone"), nil
}

func (h *Hypervisor) DeleteVM(_ context.Context, vmid int, node string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("DeleteVM"); err != nil {
		return "", err
	}
	if _, err := h.guestOn(vmid, node); err != nil {
		return "", err
	}
	delete(h.guests, vmid)
	return h.newTask(node, "qmdestroy"), nil
}

func (h *Hypervisor) GuestConfig(_ context.Context, vmid int, node string) (*domain.GuestConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("GuestConfig"); err != nil {
		return nil, err
	}
	g, err := h.guestOn(vmid, node)
	if err != nil {
		return nil, err
	}
	cfg := g.Config
	cfg.VMID, cfg.Node = g.VMID, g.Node
	if cfg.Name == "" {
		cfg.Name = g.Name
	}
	return &cfg, nil
}

func (h *Hypervisor) ListVMs(context.Context) ([]domain.ProxmoxVM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("ListVMs"); err != nil {
		return nil, err
	}
	out := make([]domain.ProxmoxVM, 0, len(h.guests))
	for _, g := range h.guests {
		out = append(out, domain.ProxmoxVM{
			VMID: g.VMID, Name: g.Name, Node: g.Node, Status: string(g.Status), Template: g.Template,
			MaxCPU: g.Config.Cores, MaxMem: int64(g.Config.MemoryMiB) << 20,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out, nil
}

func (h *Hypervisor) Nodes(context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("Nodes"); err != nil {
		return nil, err
	}
	return append([]string{}, h.nodes...), nil
}

func (h *Hypervisor) NodeStats(_ context.Context, node string) (*domain.NodeStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("NodeStats"); err != nil {
		return nil, err
	}
	for _, n := range h.nodes {
		if n == node {
			return &domain.NodeStats{Node: n, Status: "online", MaxCPU: 16, MaxMem: 64 << 30}, nil
		}
	}
	return nil, apperrors.Rejected(provider.SystemProxmox, "unknown node "+node)
}

func (h *Hypervisor) ClusterStats(context.Context) (*domain.ClusterStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("ClusterStats"); err != nil {
		return nil, err
	}
	st := &domain.ClusterStats{}
	for _, n := range h.nodes {
		st.Nodes = append(st.Nodes, domain.NodeStats{Node: n, Status: "online", MaxCPU: 16, MaxMem: 64 << 30})
		st.OnlineNodes++
		st.TotalCPU += 16
		st.TotalMem += 64 << 30
	}
	for _, g := range h.guests {
		if g.Template {
			continue
		}
		st.VMCount++
		if g.Status == domain.LiveRunning {
			st.RunningVMs++
		}
	}
	return st, nil
}

func (h *Hypervisor) StoragePools(_ context.Context, node string) ([]domain.StoragePool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("StoragePools"); err != nil {
		return nil, err
	}
	var out []domain.StoragePool
	for _, n := range h.nodes {
		if node != "" && n != node {
			continue
		}
		out = append(out, domain.StoragePool{Storage: "local-ssd", Node: n, Type: "lvmthin", Active: true})
	}
	return out, nil
}

func (h *Hypervisor) Templates(context.Context) ([]domain.Template, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.call("Templates"); err != nil {
		return nil, err
	}
	var out []domain.Template
	for _, g := range h.guests {
		if g.Template {
			out = append(out, domain.Template{VMID: g.VMID, Name: g.Name, Node: g.Node})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out, nil
}
