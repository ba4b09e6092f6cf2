package history

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider/terraform"
	"github.com/dvaper/proxmox-commander/internal/store"
)

type fakeLocker struct {
	busy map[string]bool
	held map[string]bool
}

func (f *fakeLocker) Lock(name string) (func(), error) {
	if f.busy[name] || f.held[name] {
		return nil, apperrors.ErrVMBusyf(name)
	}
	f.held[name] = true
	return func() { delete(f.held, name) }, nil
}

type fixture struct {
	ledger *Ledger
	store  *store.Store
	ws     *terraform.Workspace
	locks  *fakeLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	cfg := &config.Config{
		Paths:     config.PathsConfig{TerraformDir: t.TempDir()},
		Terraform: config.TerraformConfig{ModuleSource: "./modules/proxmox-vm"},
	}
	ws := terraform.NewWorkspace(config.Static(cfg))
	locks := &fakeLocker{busy: map[string]bool{}, held: map[string]bool{}}
	return &fixture{ledger: NewLedger(st, ws, locks), store: st, ws: ws, locks: locks}
}

func webConfig(cores int) *domain.VMConfig {
	return &domain.VMConfig{
		Name:       "web-01",
		VMID:       60198,
		Node:       "pve1",
		Cores:      cores,
		MemoryMiB:  2048,
		DiskGiB:    20,
		VLAN:       60,
		IPAddress:  "192.168.60.198",
		TemplateID: 940001,
		Storage:    "local-ssd",
	}
}

// seed writes a created entry for cores=2 and a config_changed entry that
// bumps cores to 4, and returns both.
func (f *fixture) seed(t *testing.T) (created, changed *domain.HistoryEntry, textA, textB string) {
	t.Helper()
	ctx := context.Background()

	a := webConfig(2)
	rawA, err := f.ws.Generate(a)
	require.NoError(t, err)
	require.NoError(t, f.ws.Write(a.Name, rawA))
	a.Status = domain.VMStatusDeployed
	a.Owner = "alice"
	require.NoError(t, f.store.InsertVM(ctx, a))
	created = &domain.HistoryEntry{VMName: a.Name, Action: domain.ActionCreated, Actor: "alice", ConfigAfter: string(rawA)}
	f.ledger.Record(ctx, created)

	b := webConfig(4)
	rawB, err := f.ws.Generate(b)
	require.NoError(t, err)
	require.NoError(t, f.ws.Write(b.Name, rawB))
	b.Status = domain.VMStatusDeployed
	b.Owner = "alice"
	require.NoError(t, f.store.UpdateVM(ctx, b))
	changed = &domain.HistoryEntry{
		VMName: b.Name, Action: domain.ActionConfigChanged, Actor: "bob",
		ConfigBefore: string(rawA), ConfigAfter: string(rawB),
	}
	f.ledger.Record(ctx, changed)
	return created, changed, string(rawA), string(rawB)
}

func TestRollback_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, changed, textA, textB := f.seed(t)

	rb, err := f.ledger.Rollback(ctx, changed.ID, domain.RestoreBefore, "carol")
	require.NoError(t, err)

	def, err := f.ws.Read("web-01")
	require.NoError(t, err)
	assert.Equal(t, textA, string(def))

	row, err := f.store.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, 2, row.Cores)
	assert.Equal(t, domain.VMStatusDeployed, row.Status, "existing rows keep their status")
	assert.Equal(t, "alice", row.Owner)

	stored, err := f.ledger.Get(ctx, rb.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRollback, stored.Action)
	assert.Equal(t, "carol", stored.Actor)
	assert.Equal(t, textB, stored.ConfigBefore)
	assert.Equal(t, textA, stored.ConfigAfter)
	assert.Equal(t, changed.ID, stored.Metadata["rolled_back_to"])
	assert.Equal(t, "before", stored.Metadata["target"])

	// Rolling back the rollback restores the original state.
	_, err = f.ledger.Rollback(ctx, rb.ID, domain.RestoreBefore, "carol")
	require.NoError(t, err)
	def, err = f.ws.Read("web-01")
	require.NoError(t, err)
	assert.Equal(t, textB, string(def))
	row, err = f.store.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, 4, row.Cores)
	assert.Empty(t, f.locks.held, "lease released")
}

func TestRollback_RecreatesMissingRowAsPlanned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _, textA, _ := f.seed(t)

	require.NoError(t, f.store.DeleteVM(ctx, "web-01"))
	require.NoError(t, f.ws.Delete("web-01"))

	rb, err := f.ledger.Rollback(ctx, created.ID, domain.RestoreAfter, "carol")
	require.NoError(t, err)
	assert.Empty(t, rb.ConfigBefore)

	row, err := f.store.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStatusPlanned, row.Status)
	assert.Equal(t, 60198, row.VMID)

	def, err := f.ws.Read("web-01")
	require.NoError(t, err)
	assert.Equal(t, textA, string(def))
}

func TestRollback_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _, _, _ := f.seed(t)

	_, err := f.ledger.Rollback(ctx, created.ID, domain.RestoreBefore, "carol")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err), "created entries have no before snapshot")

	_, err = f.ledger.Rollback(ctx, created.ID, "sideways", "carol")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = f.ledger.Rollback(ctx, "missing", domain.RestoreAfter, "carol")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	f.locks.busy["web-01"] = true
	_, err = f.ledger.Rollback(ctx, created.ID, domain.RestoreAfter, "carol")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeVMBusy, appErr.Code)
}

func TestRollback_RejectsMismatchedIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := webConfig(2)
	text, err := f.ws.Generate(bad)
	require.NoError(t, err)
	tampered := strings.Replace(string(text), "60198", "60199", 1)
	entry := &domain.HistoryEntry{VMName: "web-01", Action: domain.ActionCreated, ConfigAfter: tampered}
	f.ledger.Record(ctx, entry)

	_, err = f.ledger.Rollback(ctx, entry.ID, domain.RestoreAfter, "carol")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.False(t, f.ws.Exists("web-01"))
}

func TestListViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t)
	f.ledger.Record(ctx, &domain.HistoryEntry{VMName: "db-01", Action: domain.ActionDeployed})

	all, err := f.ledger.ListGlobal(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "db-01", all[0].VMName, "newest first")
	assert.Equal(t, "system", all[0].Actor)
	assert.False(t, all[0].HasConfigDiff)
	assert.True(t, all[1].HasConfigDiff)

	changed, err := f.ledger.ListGlobal(ctx, 10, domain.ActionConfigChanged)
	require.NoError(t, err)
	assert.Len(t, changed, 1)

	_, err = f.ledger.ListGlobal(ctx, 10, "exploded")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	web, err := f.ledger.ListForVM(ctx, "web-01", 0)
	require.NoError(t, err)
	assert.Len(t, web, 2)
}

func TestRecord_SwallowsStoreErrors(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())
	assert.NotPanics(t, func() {
		f.ledger.Record(context.Background(), &domain.HistoryEntry{VMName: "web-01", Action: domain.ActionDeployed})
	})
}
