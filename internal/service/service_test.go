package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider/mock"
	"github.com/dvaper/proxmox-commander/internal/provider/terraform"
	"github.com/dvaper/proxmox-commander/internal/store"
)

type fixture struct {
	store *store.Store
	ws    *terraform.Workspace
	iac   *mock.IaC
	hv    *mock.Hypervisor
	ipam  *mock.IPAM
	prov  *mock.Provisioner
	vms   *VMService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	cfg := config.Static(&config.Config{
		Paths:   config.PathsConfig{TerraformDir: t.TempDir()},
		Proxmox: config.ProxmoxConfig{TemplateMinID: 900000},
	})
	f := &fixture{
		store: st,
		ws:    terraform.NewWorkspace(cfg),
		iac:   mock.NewIaC(),
		hv:    mock.NewHypervisor("pve1", "pve2"),
		ipam:  mock.NewIPAM(60),
		prov:  mock.NewProvisioner("site.yml"),
	}
	f.vms = NewVMService(cfg, st, f.ws, f.iac, f.hv)
	return f
}

func (f *fixture) insert(t *testing.T, name string, vmid int, ip string, status domain.VMStatus) {
	t.Helper()
	require.NoError(t, f.store.InsertVM(context.Background(), &domain.VMConfig{
		Name: name, VMID: vmid, Node: "pve1", Cores: 2, MemoryMiB: 2048, DiskGiB: 20,
		VLAN: 60, IPAddress: ip, TemplateID: 9000, Storage: "local-lvm", Status: status,
	}))
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok, "not an AppError: %v", err)
	return appErr.Code
}

func TestVMService_ListVMs_LiveState(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "web-01", 60198, "192.168.60.198", domain.VMStatusDeployed)
	f.insert(t, "db-01", 60010, "192.168.60.10", domain.VMStatusPlanned)
	f.insert(t, "gone-01", 60011, "192.168.60.11", domain.VMStatusDeployed)
	// Moved outside the commander: the live node wins over the recorded one.
	f.hv.AddGuest(mock.Guest{VMID: 60198, Name: "web-01", Node: "pve2", Status: domain.LiveStopped})
	f.hv.AddGuest(mock.Guest{VMID: 60010, Name: "db-01", Node: "pve1"})

	views, err := f.vms.ListVMs(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 3)

	assert.Equal(t, "db-01", views[0].Name)
	assert.Empty(t, views[0].Live, "planned VMs are not looked up")
	assert.Equal(t, "gone-01", views[1].Name)
	assert.Empty(t, views[1].Live)
	assert.Equal(t, "web-01", views[2].Name)
	assert.Equal(t, domain.LiveStopped, views[2].Live)
	assert.Equal(t, "pve2", views[2].LiveNode)
	assert.Equal(t, "pve1", views[2].Node)
	assert.Equal(t, 2, f.hv.Calls("CheckExists"))
}

func TestVMService_ListVMs_HypervisorUnreachable(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "web-01", 60198, "192.168.60.198", domain.VMStatusDeployed)
	f.hv.Unreachable = true

	views, err := f.vms.ListVMs(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, domain.LiveUnknown, views[0].Live)
}

func TestVMService_GetVM(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "web-01", 60198, "192.168.60.198", domain.VMStatusDeployed)
	f.hv.AddGuest(mock.Guest{VMID: 60198, Name: "web-01", Node: "pve1"})

	view, err := f.vms.GetVM(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.LiveRunning, view.Live)

	_, err = f.vms.GetVM(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeVMNotFound, codeOf(t, err))
}

func TestVMService_Unmanaged(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "web-01", 60198, "192.168.60.198", domain.VMStatusDeployed)
	require.NoError(t, f.ws.Write("leftover", []byte("# leftover\n")))
	f.iac.SeedState("in-state")

	f.hv.AddGuest(mock.Guest{VMID: 60198, Name: "web-01", Node: "pve1"})
	f.hv.AddGuest(mock.Guest{VMID: 60050, Name: "legacy", Node: "pve2"})
	f.hv.AddGuest(mock.Guest{VMID: 60051, Name: "golden", Node: "pve1", Template: true})
	f.hv.AddGuest(mock.Guest{VMID: 940001, Name: "debian-12", Node: "pve1"})
	f.hv.AddGuest(mock.Guest{VMID: 60052, Name: "leftover", Node: "pve1"})
	f.hv.AddGuest(mock.Guest{VMID: 60053, Name: "in-state", Node: "pve1"})

	got, err := f.vms.Unmanaged(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "legacy", got[0].Name)
	assert.Equal(t, 60050, got[0].VMID)
}

func TestVMService_Unmanaged_WithoutState(t *testing.T) {
	f := newFixture(t)
	f.iac.Fail("DeployedModules", errors.New("state locked"))
	f.hv.AddGuest(mock.Guest{VMID: 60050, Name: "legacy", Node: "pve2"})

	got, err := f.vms.Unmanaged(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)

	f.hv.Unreachable = true
	_, err = f.vms.Unmanaged(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))
}

func TestClusterService(t *testing.T) {
	f := newFixture(t)
	svc := NewClusterService(f.hv)
	ctx := context.Background()

	nodes, err := svc.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "pve1", nodes[0].Node)
	assert.Equal(t, "pve2", nodes[1].Node)
	assert.Equal(t, "0B / 64GiB", nodes[0].MemHuman)

	stats, err := svc.ClusterStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.OnlineNodes)
	assert.Equal(t, "0B / 64GiB", stats.Nodes[1].MemHuman)

	pools, err := svc.StoragePools(ctx, "pve2")
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "pve2", pools[0].Node)

	f.hv.Fail("NodeStats", apperrors.Rejected("proxmox", "boom"))
	_, err = svc.Nodes(ctx)
	assert.True(t, apperrors.Is(err, apperrors.KindRejected))
}

func TestIPAMService_AvailableHidesClaimedAddresses(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "web-01", 60002, "192.168.60.2", domain.VMStatusPlanned)
	svc := NewIPAMService(f.ipam, f.store)

	got, err := svc.Available(context.Background(), 60, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "192.168.60.3", got[0].Address)
	assert.Equal(t, "192.168.60.5", got[2].Address)

	_, err = svc.Available(context.Background(), 99, 3)
	assert.Error(t, err)
}

func TestIPAMService_ReserveAndRelease(t *testing.T) {
	f := newFixture(t)
	f.insert(t, "web-01", 60198, "192.168.60.198", domain.VMStatusDeployed)
	f.ipam.Seed("192.168.60.198", domain.IPActive, "web-01")
	svc := NewIPAMService(f.ipam, f.store)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, "10.0.0.1", "", "")
	assert.Equal(t, apperrors.CodeInvalidIP, codeOf(t, err))

	rec, err := svc.Reserve(ctx, "192.168.60.40", "manual", "printer")
	require.NoError(t, err)
	assert.Equal(t, domain.IPReserved, rec.Status)

	released, err := svc.Release(ctx, "192.168.60.40")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = svc.Release(ctx, "192.168.60.40")
	require.NoError(t, err)
	assert.False(t, released)

	_, err = svc.Release(ctx, "192.168.60.198")
	assert.Equal(t, apperrors.CodeIPConflict, codeOf(t, err))
	_, still := f.ipam.Record("192.168.60.198")
	assert.True(t, still)
}

func TestStateService(t *testing.T) {
	f := newFixture(t)
	f.iac.SeedState("web-01")
	f.iac.SeedState("db-01")
	svc := NewStateService(f.iac)
	ctx := context.Background()

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	web, err := svc.List(ctx, "module.vm_web_01")
	require.NoError(t, err)
	require.Len(t, web, 1)
	addr := web[0].Address

	detail, err := svc.Show(ctx, "/"+addr)
	require.NoError(t, err)
	assert.Equal(t, addr, detail.Address)

	assert.Equal(t, apperrors.CodeValidationFailed, codeOf(t, svc.Remove(ctx, "/")))
	require.NoError(t, svc.Remove(ctx, addr))
	assert.False(t, f.iac.InState("web-01"))
	assert.True(t, f.iac.InState("db-01"))
}

func TestAnsibleService(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.prov.AddHost("web-02", "192.168.60.12", "web"))
	require.NoError(t, f.prov.AddHost("db-01", "192.168.60.10", "db"))
	svc := NewAnsibleService(f.prov)

	hosts, err := svc.Hosts()
	require.NoError(t, err)
	assert.Equal(t, []InventoryHost{
		{Name: "db-01", Address: "192.168.60.10"},
		{Name: "web-02", Address: "192.168.60.12"},
	}, hosts)

	groups, err := svc.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "web"}, groups)

	books, err := svc.Playbooks()
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, "site.yml", books[0].Name)
}
