package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

func TestMigrate_SameNodeIsRejectedWithoutHypervisorCalls(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")
	before := f.hv.TotalCalls()

	_, err := f.o.StartMigration(context.Background(), "web-01", "pve1")
	assert.Equal(t, apperrors.CodeAlreadyOnNode, errCode(t, err))
	_, err = f.o.Migrate(context.Background(), "web-01", "pve1")
	assert.Equal(t, apperrors.CodeAlreadyOnNode, errCode(t, err))
	assert.Equal(t, before, f.hv.TotalCalls())
}

func TestMigrate_Blocking(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")

	res, err := f.o.Migrate(WithActor(context.Background(), "bob"), "web-01", "pve2")
	require.NoError(t, err)
	assert.Equal(t, "pve1", res.SourceNode)
	assert.Equal(t, "pve2", res.TargetNode)
	assert.True(t, res.WasRunning)
	assert.True(t, res.Restarted)
	assert.True(t, res.TFUpdated)
	assert.Empty(t, res.Warning)

	require.Len(t, f.hv.Power, 1)
	assert.Equal(t, domain.PowerStart, f.hv.Power[0].Action)
	assert.Equal(t, "pve2", f.hv.Power[0].Node)

	vm, err := f.store.GetVM(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, "pve2", vm.Node)
	assert.Equal(t, 60198, vm.VMID)
	require.NoError(t, identity.Check(vm.VMID, vm.IPAddress))

	text, err := f.ws.Read("web-01")
	require.NoError(t, err)
	parsed, err := f.ws.Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "pve2", parsed.Node)
	assert.Equal(t, 60198, parsed.VMID)

	entries := f.historyFor(t, "web-01", domain.ActionMigrated)
	require.Len(t, entries, 1)
	meta := entries[0].Metadata
	assert.Equal(t, "bob", entries[0].Actor)
	assert.Equal(t, "pve1", meta["source_node"])
	assert.Equal(t, "pve2", meta["target_node"])
	assert.Equal(t, true, meta["was_running"])
	assert.Equal(t, true, meta["restarted"])
	assert.EqualValues(t, 60198, meta["vmid"])
	assert.False(t, f.leases.Held("web-01"))
}

func TestMigrate_OnlineDoesNotRestart(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")
	f.hv.OnlineMigration = true

	res, err := f.o.Migrate(context.Background(), "web-01", "pve2")
	require.NoError(t, err)
	assert.False(t, res.WasRunning)
	assert.False(t, res.Restarted)
	assert.Empty(t, f.hv.Power)
}

func TestMigrate_TwoPhase(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")
	f.hv.HoldTasks = true
	ctx := context.Background()

	h, err := f.o.StartMigration(ctx, "web-01", "pve2")
	require.NoError(t, err)
	assert.Equal(t, "web-01", h.VMName)
	assert.Equal(t, 60198, h.VMID)
	assert.True(t, h.WasRunning)
	assert.NotEmpty(t, h.TaskID)
	assert.False(t, f.leases.Held("web-01"))

	_, err = f.o.StartMigration(ctx, "web-01", "pve2")
	assert.Equal(t, apperrors.CodeMigrationRunning, errCode(t, err))

	st, err := f.o.TaskStatus(ctx, "", h.TaskID)
	require.NoError(t, err)
	assert.False(t, st.Finished)

	_, err = f.o.CompleteMigration(ctx, "web-01", CompleteMigrationInput{TargetNode: "pve2"})
	assert.Equal(t, apperrors.CodeMigrationRunning, errCode(t, err))
	assert.Empty(t, f.hv.Power)

	f.hv.FinishTask(h.TaskID, true)
	res, err := f.o.CompleteMigration(ctx, "web-01", CompleteMigrationInput{TargetNode: "pve2"})
	require.NoError(t, err)
	assert.Equal(t, h.TaskID, res.TaskID)
	assert.True(t, res.Restarted)
	require.Len(t, f.hv.Power, 1)

	vm, err := f.store.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, "pve2", vm.Node)
}

func TestMigrate_TaskFailure(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")
	f.hv.HoldTasks = true
	ctx := context.Background()

	h, err := f.o.StartMigration(ctx, "web-01", "pve2")
	require.NoError(t, err)
	f.hv.FinishTask(h.TaskID, false)

	_, err = f.o.CompleteMigration(ctx, "web-01", CompleteMigrationInput{TargetNode: "pve2"})
	assert.True(t, apperrors.Is(err, apperrors.KindRejected))
	assert.Empty(t, f.hv.Power)

	vm, err := f.store.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, "pve1", vm.Node)
	assert.Empty(t, f.historyFor(t, "web-01", domain.ActionMigrated))
}

func TestMigrate_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		target string
		code   string
	}{
		{
			name:   "not deployed",
			setup:  func(t *testing.T, f *fixture) { f.create(t, "web-01", "192.168.60.198") },
			target: "pve2",
			code:   apperrors.CodeVMNotDeployed,
		},
		{
			name:   "unknown vm",
			setup:  func(*testing.T, *fixture) {},
			target: "pve2",
			code:   apperrors.CodeVMNotFound,
		},
		{
			name:   "unknown node",
			setup:  func(t *testing.T, f *fixture) { f.deploy(t, "web-01", "192.168.60.198") },
			target: "pve9",
			code:   apperrors.CodeInvalidRequestField,
		},
		{
			name: "absent on hypervisor",
			setup: func(t *testing.T, f *fixture) {
				f.create(t, "web-01", "192.168.60.198")
				exec, err := f.o.Apply(context.Background(), "web-01", ApplyInput{})
				require.NoError(t, err)
				f.requireStatus(t, exec.ID, domain.ExecutionSuccess)
			},
			target: "pve2",
			code:   apperrors.CodeVMAbsent,
		},
		{
			name: "hypervisor unreachable",
			setup: func(t *testing.T, f *fixture) {
				f.deploy(t, "web-01", "192.168.60.198")
				f.hv.Unreachable = true
			},
			target: "pve2",
			code:   apperrors.CodeExternalUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)
			_, err := f.o.StartMigration(context.Background(), "web-01", tt.target)
			assert.Equal(t, tt.code, errCode(t, err))
			assert.Zero(t, f.hv.Calls("StartMigration"))
		})
	}
}

func TestTaskNode(t *testing.T) {
	assert.Equal(t, "pve1", taskNode("UPID:pve1:0000ABCD:qmigrate:"))
	assert.Equal(t, "", taskNode("pve1"))
	assert.Equal(t, "", taskNode(""))
}

func TestMigrate_CompleteAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")
	ctx := context.Background()

	h, err := f.o.StartMigration(ctx, "web-01", "pve2")
	require.NoError(t, err)
	// A new process starts with an empty handle table.
	f.o.migrations = newHandleTable()

	wasRunning := true
	res, err := f.o.CompleteMigration(ctx, "web-01", CompleteMigrationInput{
		TargetNode: "pve2",
		TaskID:     h.TaskID,
		WasRunning: &wasRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, "pve1", res.SourceNode)
	assert.Equal(t, "pve2", res.TargetNode)
	assert.True(t, res.Restarted)
	require.Len(t, f.hv.Power, 1)
	assert.Equal(t, domain.PowerStart, f.hv.Power[0].Action)
	assert.Equal(t, "pve2", f.hv.Power[0].Node)

	vm, err := f.store.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, "pve2", vm.Node)

	entries := f.historyFor(t, "web-01", domain.ActionMigrated)
	require.Len(t, entries, 1)
	assert.Equal(t, "pve1", entries[0].Metadata["source_node"])
	assert.Equal(t, "pve2", entries[0].Metadata["target_node"])
	assert.Equal(t, h.TaskID, entries[0].Metadata["task_id"])
}

func TestMigrate_CompleteTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")
	ctx := context.Background()

	h, err := f.o.StartMigration(ctx, "web-01", "pve2")
	require.NoError(t, err)
	in := CompleteMigrationInput{TargetNode: "pve2", TaskID: h.TaskID}
	_, err = f.o.CompleteMigration(ctx, "web-01", in)
	require.NoError(t, err)

	_, err = f.o.CompleteMigration(ctx, "web-01", in)
	assert.Equal(t, apperrors.CodeAlreadyOnNode, errCode(t, err))
	assert.Len(t, f.hv.Power, 1)
	assert.Len(t, f.historyFor(t, "web-01", domain.ActionMigrated), 1)
}
