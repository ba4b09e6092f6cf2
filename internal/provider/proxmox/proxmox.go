package proxmox

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.Hypervisor = (*Client)(nil)

// stopWaitLimit bounds the wait for a guest to stop before an offline migration.
const stopWaitLimit = 2 * time.Minute

func qemuPath(node string, vmid int) string {
	return fmt.Sprintf("/nodes/%s/qemu/%d", url.PathEscape(node), vmid)
}

func (c *Client) resources(ctx context.Context) ([]resource, error) {
	var out []resource
	if err := c.do(ctx, "GET", "/cluster/resources", url.Values{"type": {"vm"}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckExists looks the guest up in the cluster resource list. node, when
// set, must match the guest's current node.
func (c *Client) CheckExists(ctx context.Context, vmid int, node string) domain.Presence {
	list, err := c.resources(ctx)
	if err != nil {
		return domain.Presence{State: domain.PresenceUnknown, Reason: err.Error()}
	}
	for _, r := range list {
		if r.VMID.Int() != vmid {
			continue
		}
		if node != "" && r.Node != node {
			return domain.Presence{State: domain.PresenceAbsent, Node: r.Node,
				Reason: fmt.Sprintf("vm %d is on node %s", vmid, r.Node)}
		}
		return domain.Presence{State: domain.PresenceExists, Node: r.Node, Status: liveStatus(r.Status)}
	}
	return domain.Presence{State: domain.PresenceAbsent}
}

func liveStatus(s string) domain.LiveStatus {
	switch s {
	case "running":
		return domain.LiveRunning
	case "stopped":
		return domain.LiveStopped
	case "paused", "suspended":
		return domain.LivePaused
	}
	return domain.LiveUnknown
}

// PowerAction queues a start, stop, shutdown, reboot or reset.
func (c *Client) PowerAction(ctx context.Context, vmid int, node string, action domain.PowerAction) (string, error) {
	if !action.Valid() {
		return "", apperrors.ErrValidationf("unsupported power action %q", action)
	}
	var upid string
	err := c.do(ctx, "POST", qemuPath(node, vmid)+"/status/"+string(action), url.Values{}, &upid)
	return upid, err
}

// StartMigration queues a migration. A running guest is migrated online
// when proxmox.online_migration is set; otherwise it is stopped first and
// the handle records WasRunning so the caller can restart it.
func (c *Client) StartMigration(ctx context.Context, vmid int, source, target string) (*domain.MigrationHandle, error) {
	var st statusEntry
	if err := c.do(ctx, "GET", qemuPath(source, vmid)+"/status/current", nil, &st); err != nil {
		return nil, err
	}

	handle := &domain.MigrationHandle{VMID: vmid, SourceNode: source, TargetNode: target}
	form := url.Values{"target": {target}}

	if st.Status == "running" {
		if c.settings().OnlineMigration {
			form.Set("online", "1")
			form.Set("with-local-disks", "1")
		} else {
			upid, err := c.PowerAction(ctx, vmid, source, domain.PowerStop)
			if err != nil {
				return nil, fmt.Errorf("stop before migration: %w", err)
			}
			if err := c.waitTask(ctx, source, upid, stopWaitLimit); err != nil {
				return nil, fmt.Errorf("stop before migration: %w", err)
			}
			handle.WasRunning = true
		}
	}

	if err := c.do(ctx, "POST", qemuPath(source, vmid)+"/migrate", form, &handle.TaskID); err != nil {
		return nil, err
	}
	return handle, nil
}

// TaskStatus polls a task. An unreachable hypervisor yields Reachable=false
// without an error.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (*domain.TaskStatus, error) {
	var t taskEntry
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))
	if err := c.do(ctx, "GET", path, nil, &t); err != nil {
		if apperrors.Is(err, apperrors.KindUnavailable) {
			return &domain.TaskStatus{Reachable: false, Status: "unknown"}, nil
		}
		return nil, err
	}
	finished := t.Status == "stopped"
	return &domain.TaskStatus{
		Reachable:  true,
		Finished:   finished,
		Success:    finished && t.ExitStatus == "OK",
		Status:     t.Status,
		ExitStatus: t.ExitStatus,
	}, nil
}

// ListSnapshots returns the guest's snapshots without the "current" marker.
func (c *Client) ListSnapshots(ctx context.Context, vmid int, node string) ([]domain.Snapshot, error) {
	var list []snapshotEntry
	if err := c.do(ctx, "GET", qemuPath(node, vmid)+"/snapshot", nil, &list); err != nil {
		return nil, err
	}
	out := make([]domain.Snapshot, 0, len(list))
	for _, s := range list {
		if s.Name == "current" {
			continue
		}
		out = append(out, domain.Snapshot{
			Name:        s.Name,
			Description: s.Description,
			SnapTime:    s.SnapTime.Int64(),
			Parent:      s.Parent,
			VMState:     s.VMState.Int() == 1,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapTime < out[j].SnapTime })
	return out, nil
}

// CreateSnapshot queues a snapshot, optionally including RAM state.
func (c *Client) CreateSnapshot(ctx context.Context, vmid int, node, name, description string, includeRAM bool) (string, error) {
	form := url.Values{"snapname": {name}}
	if description != "" {
		form.Set("description", description)
	}
	if includeRAM {
		form.Set("vmstate", "1")
	}
	var upid string
	err := c.do(ctx, "POST", qemuPath(node, vmid)+"/snapshot", form, &upid)
	return upid, err
}

// DeleteSnapshot queues removal of a snapshot.
func (c *Client) DeleteSnapshot(ctx context.Context, vmid int, node, name string) (string, error) {
	var upid string
	err := c.do(ctx, "DELETE", qemuPath(node, vmid)+"/snapshot/"+url.PathEscape(name), nil, &upid)
	return upid, err
}

// RollbackSnapshot queues a rollback to a snapshot.
func (c *Client) RollbackSnapshot(ctx context.Context, vmid int, node, name string) (string, error) {
	var upid string
	err := c.do(ctx, "POST", qemuPath(node, vmid)+"/snapshot/"+url.PathEscape(name)+"/rollback", url.Values{}, &upid)
	return upid, err
}

// Clone queues a clone of vmid into newID.
func (c *Client) Clone(ctx context.Context, vmid int, node string, newID int, name string, full bool) (string, error) {
	form := url.Values{
		"newid": {strconv.Itoa(newID)},
		"name":  {name},
	}
	if full {
		form.Set("full", "1")
	}
	var upid string
	err := c.do(ctx, "POST", qemuPath(node, vmid)+"/clone", form, &upid)
	return upid, err
}

// DeleteVM queues destruction of the guest including its disks and any
// job or HA references.
func (c *Client) DeleteVM(ctx context.Context, vmid int, node string) (string, error) {
	form := url.Values{
		"purge":                      {"1"},
		"destroy-unreferenced-disks": {"1"},
	}
	var upid string
	err := c.do(ctx, "DELETE", qemuPath(node, vmid), form, &upid)
	return upid, err
}

var (
	diskKeys   = []string{"scsi0", "virtio0", "sata0", "ide0"}
	ipConfigRe = regexp.MustCompile(`(?:^|,)ip=([0-9.]+)(?:/\d+)?`)
)

// GuestConfig reads the subset of a guest's configuration needed for import.
func (c *Client) GuestConfig(ctx context.Context, vmid int, node string) (*domain.GuestConfig, error) {
	var raw guestConfig
	if err := c.do(ctx, "GET", qemuPath(node, vmid)+"/config", nil, &raw); err != nil {
		return nil, err
	}
	return parseGuestConfig(vmid, node, raw), nil
}

func parseGuestConfig(vmid int, node string, raw guestConfig) *domain.GuestConfig {
	g := &domain.GuestConfig{
		VMID:      vmid,
		Node:      node,
		Name:      raw.str("name"),
		Cores:     raw.int("cores"),
		MemoryMiB: raw.int("memory"),
	}
	if sockets := raw.int("sockets"); sockets > 1 {
		g.Cores *= sockets
	}
	if g.Cores == 0 {
		g.Cores = 1
	}

	for _, key := range diskKeys {
		disk := raw.str(key)
		if disk == "" {
			continue
		}
		g.Storage, g.DiskGiB = parseDisk(disk)
		break
	}

	if m := ipConfigRe.FindStringSubmatch(raw.str("ipconfig0")); m != nil {
		g.IPAddress = m[1]
		if vlan, err := identity.VLANOf(g.IPAddress); err == nil {
			g.VLAN = vlan
		}
	}
	return g
}

// parseDisk splits "local-ssd:vm-60010-disk-0,size=20G" into storage and GiB.
func parseDisk(spec string) (storage string, gib int) {
	parts := strings.Split(spec, ",")
	if i := strings.Index(parts[0], ":"); i > 0 {
		storage = parts[0][:i]
	}
	for _, p := range parts[1:] {
		if !strings.HasPrefix(p, "size=") {
			continue
		}
		bytes, err := units.RAMInBytes(strings.TrimPrefix(p, "size="))
		if err == nil {
			gib = int(bytes / units.GiB)
		}
	}
	return storage, gib
}

// ListVMs returns every guest in the cluster, templates included.
func (c *Client) ListVMs(ctx context.Context) ([]domain.ProxmoxVM, error) {
	list, err := c.resources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProxmoxVM, 0, len(list))
	for _, r := range list {
		if r.Type != "" && r.Type != "qemu" {
			continue
		}
		out = append(out, domain.ProxmoxVM{
			VMID:     r.VMID.Int(),
			Name:     r.Name,
			Node:     r.Node,
			Status:   r.Status,
			MaxCPU:   r.MaxCPU.Int(),
			MaxMem:   r.MaxMem.Int64(),
			MaxDisk:  r.MaxDisk.Int64(),
			Template: r.Template.Int() == 1,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out, nil
}

func (c *Client) nodes(ctx context.Context) ([]nodeEntry, error) {
	var list []nodeEntry
	if err := c.do(ctx, "GET", "/nodes", nil, &list); err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Node < list[j].Node })
	return list, nil
}

// Nodes returns the node names of the cluster.
func (c *Client) Nodes(ctx context.Context) ([]string, error) {
	list, err := c.nodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.Node)
	}
	return out, nil
}

func toNodeStats(n nodeEntry) domain.NodeStats {
	return domain.NodeStats{
		Node:     n.Node,
		Status:   n.Status,
		CPU:      float64(n.CPU),
		MaxCPU:   n.MaxCPU.Int(),
		Mem:      n.Mem.Int64(),
		MaxMem:   n.MaxMem.Int64(),
		Disk:     n.Disk.Int64(),
		MaxDisk:  n.MaxDisk.Int64(),
		Uptime:   n.Uptime.Int64(),
		MemHuman: fmt.Sprintf("%s / %s", units.BytesSize(float64(n.Mem)), units.BytesSize(float64(n.MaxMem))),
	}
}

// NodeStats returns resource usage of one node.
func (c *Client) NodeStats(ctx context.Context, node string) (*domain.NodeStats, error) {
	list, err := c.nodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range list {
		if n.Node == node {
			stats := toNodeStats(n)
			return &stats, nil
		}
	}
	return nil, apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("node %q not found", node))
}

// ClusterStats aggregates node usage and guest counts.
func (c *Client) ClusterStats(ctx context.Context) (*domain.ClusterStats, error) {
	list, err := c.nodes(ctx)
	if err != nil {
		return nil, err
	}
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &domain.ClusterStats{Nodes: make([]domain.NodeStats, 0, len(list))}
	for _, n := range list {
		ns := toNodeStats(n)
		stats.Nodes = append(stats.Nodes, ns)
		if n.Status == "online" {
			stats.OnlineNodes++
		}
		stats.TotalCPU += ns.MaxCPU
		stats.UsedMem += ns.Mem
		stats.TotalMem += ns.MaxMem
	}
	for _, vm := range vms {
		if vm.Template {
			continue
		}
		stats.VMCount++
		if vm.Status == "running" {
			stats.RunningVMs++
		}
	}
	return stats, nil
}

// StoragePools lists storages of node, or of every node when node is empty.
func (c *Client) StoragePools(ctx context.Context, node string) ([]domain.StoragePool, error) {
	nodes := []string{node}
	if node == "" {
		var err error
		if nodes, err = c.Nodes(ctx); err != nil {
			return nil, err
		}
	}

	var out []domain.StoragePool
	for _, n := range nodes {
		var list []storageEntry
		if err := c.do(ctx, "GET", "/nodes/"+url.PathEscape(n)+"/storage", nil, &list); err != nil {
			return nil, err
		}
		for _, s := range list {
			out = append(out, domain.StoragePool{
				Storage: s.Storage,
				Node:    n,
				Type:    s.Type,
				Content: s.Content,
				Total:   s.Total.Int64(),
				Used:    s.Used.Int64(),
				Avail:   s.Avail.Int64(),
				Active:  s.Active.Int() == 1,
			})
		}
	}
	return out, nil
}

// Templates returns guests usable as clone sources: template=1 or a vmid
// at or above proxmox.template_min_id.
func (c *Client) Templates(ctx context.Context) ([]domain.Template, error) {
	vms, err := c.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	minID := c.settings().TemplateMinID
	var out []domain.Template
	for _, vm := range vms {
		if vm.Template || (minID > 0 && vm.VMID >= minID) {
			out = append(out, domain.Template{VMID: vm.VMID, Name: vm.Name, Node: vm.Node})
		}
	}
	return out, nil
}
