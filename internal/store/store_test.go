package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

// stepClock returns a clock advancing one second per call.
func stepClock() func() time.Time {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func sampleVM(name, ip string, vmid int) *domain.VMConfig {
	return &domain.VMConfig{
		Name:       name,
		VMID:       vmid,
		Node:       "pve1",
		Cores:      2,
		MemoryMiB:  2048,
		DiskGiB:    20,
		VLAN:       vmid / 1000,
		IPAddress:  ip,
		TemplateID: 940001,
		Storage:    "local-ssd",
		Status:     domain.VMStatusPlanned,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, DialectSQLite, s.Dialect())
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", s.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	s.dialect = DialectSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestVMConfigs_CRUD(t *testing.T) {
	runVMConfigSuite(t, newTestStore(t))
}

func TestVMConfigs_Postgres(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "store_vm")
	s := OpenPostgres(pool)
	require.NoError(t, s.Migrate(context.Background()))
	runVMConfigSuite(t, s)
}

func runVMConfigSuite(t *testing.T, s *Store) {
	ctx := context.Background()

	vm := sampleVM("web-01", "192.168.60.10", 60010)
	require.NoError(t, s.InsertVM(ctx, vm))
	assert.False(t, vm.CreatedAt.IsZero())

	got, err := s.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, 60010, got.VMID)
	assert.Equal(t, domain.VMStatusPlanned, got.Status)
	assert.Equal(t, "local-ssd", got.Storage)

	err = s.InsertVM(ctx, sampleVM("web-01", "192.168.60.11", 60011))
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	err = s.InsertVM(ctx, sampleVM("web-02", "192.168.60.10", 60010))
	assert.True(t, errors.Is(err, ErrDuplicateIP) || errors.Is(err, ErrDuplicate), "got %v", err)

	byIP, err := s.FindVMByIP(ctx, "192.168.60.10")
	require.NoError(t, err)
	assert.Equal(t, "web-01", byIP.Name)

	require.NoError(t, s.UpdateVMStatus(ctx, "web-01", domain.VMStatusDeployed))
	require.NoError(t, s.UpdateVMNode(ctx, "web-01", "pve2"))
	got, err = s.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStatusDeployed, got.Status)
	assert.Equal(t, "pve2", got.Node)

	got.Cores = 4
	require.NoError(t, s.UpdateVM(ctx, got))
	got, err = s.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Cores)

	deployed, err := s.ListVMsByStatus(ctx, domain.VMStatusDeployed)
	require.NoError(t, err)
	assert.Len(t, deployed, 1)

	require.NoError(t, s.InsertVM(ctx, sampleVM("app-01", "192.168.60.20", 60020)))
	all, err := s.ListVMs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "app-01", all[0].Name)

	require.NoError(t, s.DeleteVM(ctx, "web-01"))
	_, err = s.GetVM(ctx, "web-01")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteVM(ctx, "web-01"), ErrNotFound)
	assert.ErrorIs(t, s.UpdateVMStatus(ctx, "missing", domain.VMStatusFailed), ErrNotFound)
}

func TestExecutions_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.now = stepClock()

	e := &domain.Execution{
		ID:     "exec-1",
		Kind:   domain.KindInfrastructureApply,
		Target: "web-01",
		Owner:  "alice",
		Parameters: map[string]interface{}{
			domain.ParamOperation:  domain.OpTerraformApply,
			domain.ParamWaitForSSH: true,
		},
	}
	require.NoError(t, s.CreateExecution(ctx, e))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPending, got.Status)
	assert.Equal(t, domain.OpTerraformApply, got.Operation())
	assert.True(t, got.BoolParam(domain.ParamWaitForSSH, false))
	assert.Nil(t, got.StartedAt)

	require.NoError(t, s.TransitionExecution(ctx, "exec-1", domain.ExecutionPending, domain.ExecutionRunning, ""))
	require.NoError(t, s.TransitionExecution(ctx, "exec-1", domain.ExecutionRunning, domain.ExecutionFailed, "boom"))

	got, err = s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.After(*got.StartedAt))

	// Terminal rows never move again.
	err = s.TransitionExecution(ctx, "exec-1", domain.ExecutionRunning, domain.ExecutionSuccess, "")
	assert.ErrorIs(t, err, ErrStaleVersion)
	err = s.TransitionExecution(ctx, "exec-1", domain.ExecutionFailed, domain.ExecutionSuccess, "")
	assert.ErrorIs(t, err, ErrStaleVersion)

	err = s.TransitionExecution(ctx, "missing", domain.ExecutionPending, domain.ExecutionRunning, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutions_ListAndPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.now = stepClock()

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		kind := domain.KindInfrastructureApply
		if i%2 == 0 {
			kind = domain.KindProvisioningRun
		}
		require.NoError(t, s.CreateExecution(ctx, &domain.Execution{ID: id, Kind: kind, Target: "vm"}))
	}

	page, err := s.ListExecutions(ctx, domain.ExecutionFilter{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "e", page.Items[0].ID)
	assert.Equal(t, "d", page.Items[1].ID)

	page, err = s.ListExecutions(ctx, domain.ExecutionFilter{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].ID)

	page, err = s.ListExecutions(ctx, domain.ExecutionFilter{Kind: domain.KindProvisioningRun})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	pending, err := s.ListExecutionsByStatus(ctx, domain.ExecutionPending, time.Time{})
	require.NoError(t, err)
	assert.Len(t, pending, 5)
}

func TestExecutionLogs_OrderAndCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateExecution(ctx, &domain.Execution{ID: "x", Kind: domain.KindProvisioningRun, Target: "vm"}))

	var seqs []int64
	for _, line := range []string{"one\n", "two\n", "three\n"} {
		seq, err := s.AppendLog(ctx, "x", line)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Less(t, seqs[0], seqs[1])
	assert.Less(t, seqs[1], seqs[2])

	chunks, err := s.Logs(ctx, "x", 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "one\n", chunks[0].Content)
	assert.Equal(t, "three\n", chunks[2].Content)

	tail, err := s.Logs(ctx, "x", seqs[0])
	require.NoError(t, err)
	assert.Len(t, tail, 2)

	require.NoError(t, s.DeleteExecution(ctx, "x"))
	chunks, err = s.Logs(ctx, "x", 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.ErrorIs(t, s.DeleteExecution(ctx, "x"), ErrNotFound)
}

func TestHistory_InsertListGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.now = stepClock()

	entries := []*domain.HistoryEntry{
		{ID: "h1", VMName: "web-01", Action: domain.ActionCreated, Actor: "alice", ConfigAfter: "v1"},
		{ID: "h2", VMName: "web-01", Action: domain.ActionConfigChanged, Actor: "bob", ConfigBefore: "v1", ConfigAfter: "v2"},
		{ID: "h3", VMName: "db-01", Action: domain.ActionCreated, Actor: "alice",
			Metadata: map[string]interface{}{"vmid": 60030}},
	}
	for _, h := range entries {
		require.NoError(t, s.InsertHistory(ctx, h))
	}

	list, err := s.ListHistory(ctx, domain.HistoryFilter{VMName: "web-01"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h2", list[0].ID)
	assert.True(t, list[0].HasConfigDiff())

	list, err = s.ListHistory(ctx, domain.HistoryFilter{Action: domain.ActionCreated, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "h3", list[0].ID)
	assert.EqualValues(t, 60030, list[0].Metadata["vmid"])

	got, err := s.GetHistory(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ConfigBefore)
	assert.Equal(t, "v2", got.ConfigAfter)

	_, err = s.GetHistory(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
