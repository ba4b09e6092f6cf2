package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

func TestCreate_ApplyDestroy_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := WithActor(context.Background(), "alice")

	vm, err := f.o.Create(ctx, CreateVMInput{Name: "web-01", IPAddress: "192.168.60.198", AnsibleGroup: "web"})
	require.NoError(t, err)
	assert.Equal(t, 60198, vm.VMID)
	assert.Equal(t, 60, vm.VLAN)
	assert.Equal(t, domain.VMStatusPlanned, vm.Status)
	assert.Equal(t, "alice", vm.Owner)
	assert.True(t, f.ws.Exists("web-01"))

	rec, ok := f.ipam.Record("192.168.60.198")
	require.True(t, ok)
	assert.Equal(t, domain.IPReserved, rec.Status)
	assert.Equal(t, "web-01", rec.DNSName)
	assert.Equal(t, "VM: web-01", rec.Description)

	exec, err := f.o.Apply(ctx, "web-01", ApplyInput{})
	require.NoError(t, err)
	done := f.requireStatus(t, exec.ID, domain.ExecutionSuccess)
	assert.Equal(t, "alice", done.Owner)
	assert.Contains(t, f.logText(t, exec.ID), "Apply complete!")
	assert.False(t, f.leases.Held("web-01"))

	got, err := f.store.GetVM(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStatusDeployed, got.Status)
	assert.True(t, f.iac.InState("web-01"))
	rec, _ = f.ipam.Record("192.168.60.198")
	assert.Equal(t, domain.IPActive, rec.Status)
	group, ok := f.prov.HostGroup("web-01")
	assert.True(t, ok)
	assert.Equal(t, "web", group)

	deployed := f.historyFor(t, "web-01", domain.ActionDeployed)
	require.Len(t, deployed, 1)
	assert.Equal(t, exec.ID, deployed[0].ExecutionID)

	exec, err = f.o.Destroy(ctx, "web-01")
	require.NoError(t, err)
	f.requireStatus(t, exec.ID, domain.ExecutionSuccess)

	_, err = f.o.Get(ctx, "web-01")
	assert.Equal(t, apperrors.CodeVMNotFound, errCode(t, err))
	assert.False(t, f.ws.Exists("web-01"))
	assert.False(t, f.iac.InState("web-01"))
	_, ok = f.ipam.Record("192.168.60.198")
	assert.False(t, ok)
	_, ok = f.prov.HostGroup("web-01")
	assert.False(t, ok)
	assert.Len(t, f.historyFor(t, "web-01", domain.ActionDestroyed), 1)
}

func TestCreate_AutoAllocatesFirstFreeAddress(t *testing.T) {
	f := newFixture(t)
	f.ipam.Seed("192.168.60.2", domain.IPActive, "taken")

	vm := f.create(t, "web-01", "")
	assert.Equal(t, "192.168.60.3", vm.IPAddress)
	assert.Equal(t, 60003, vm.VMID)

	vm2, err := f.o.Create(context.Background(), CreateVMInput{Name: "web-02", VLAN: 70})
	require.NoError(t, err)
	assert.Equal(t, "192.168.70.2", vm2.IPAddress)
	assert.Equal(t, 70002, vm2.VMID)
}

func TestCreate_SkipsAddressesHeldByConfigurations(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Create(context.Background(), CreateVMInput{
		Name: "web-01", IPAddress: "192.168.60.2", AutoReserveIP: boolPtr(false),
	})
	require.NoError(t, err)
	_, ok := f.ipam.Record("192.168.60.2")
	require.False(t, ok)

	vm := f.create(t, "web-02", "")
	assert.Equal(t, "192.168.60.3", vm.IPAddress)
}

func TestCreate_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		in    CreateVMInput
		code  string
	}{
		{
			name:  "address reserved in ipam",
			setup: func(t *testing.T, f *fixture) { f.ipam.Seed("192.168.60.50", domain.IPReserved, "other") },
			in:    CreateVMInput{Name: "web-01", IPAddress: "192.168.60.50"},
			code:  apperrors.CodeIPConflict,
		},
		{
			name:  "address used by another configuration",
			setup: func(t *testing.T, f *fixture) { f.create(t, "web-00", "192.168.60.50") },
			in:    CreateVMInput{Name: "web-01", IPAddress: "192.168.60.50"},
			code:  apperrors.CodeIPConflict,
		},
		{
			name:  "name taken",
			setup: func(t *testing.T, f *fixture) { f.create(t, "web-01", "192.168.60.10") },
			in:    CreateVMInput{Name: "web-01", IPAddress: "192.168.60.11"},
			code:  apperrors.CodeVMExists,
		},
		{
			name: "address outside vlan",
			in:   CreateVMInput{Name: "web-01", IPAddress: "192.168.70.5"},
			code: apperrors.CodeInvalidIP,
		},
		{
			name: "invalid name",
			in:   CreateVMInput{Name: "Web_01"},
			code: apperrors.CodeNameInvalid,
		},
		{
			name: "too few cores",
			in:   CreateVMInput{Name: "web-01", Cores: -1},
			code: apperrors.CodeValidationFailed,
		},
		{
			name: "unknown node",
			in:   CreateVMInput{Name: "web-01", Node: "pve9"},
			code: apperrors.CodeInvalidRequestField,
		},
		{
			name: "vlan without prefix",
			in:   CreateVMInput{Name: "web-01", VLAN: 80},
			code: apperrors.CodeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(t, f)
			}
			_, err := f.o.Create(context.Background(), tt.in)
			assert.Equal(t, tt.code, errCode(t, err))
			assert.False(t, f.leases.Held(tt.in.Name))
		})
	}
}

func TestCreate_ValidationCarriesFieldErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Create(context.Background(), CreateVMInput{Name: "Web_01", MemoryMiB: 512})
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNameInvalid, appErr.Code)

	fields := map[string]string{}
	for _, fe := range appErr.FieldErrors {
		fields[fe.Field] = fe.Code
	}
	assert.Equal(t, "vmname", fields["name"])
	assert.Equal(t, "min", fields["memory_mib"])
}

func TestPreview_WritesNothing(t *testing.T) {
	f := newFixture(t)
	p, err := f.o.Preview(context.Background(), CreateVMInput{Name: "web-01", IPAddress: "192.168.60.198"})
	require.NoError(t, err)
	assert.Equal(t, 60198, p.Config.VMID)
	assert.Contains(t, p.Definition, `module "vm_web_01"`)
	assert.False(t, f.ws.Exists("web-01"))
	assert.Zero(t, f.ipam.Calls("Reserve"))
}

func TestApply_AddressClaimedElsewhere_NoIaCCalls(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")
	f.ipam.Seed("192.168.60.198", domain.IPActive, "intruder")

	_, err := f.o.Apply(context.Background(), "web-01", ApplyInput{})
	assert.Equal(t, apperrors.CodeIPConflict, errCode(t, err))
	assert.Zero(t, f.iac.TotalCalls())

	vm, err := f.store.GetVM(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStatusPlanned, vm.Status)
	assert.False(t, f.leases.Held("web-01"))
}

func TestApply_IPAMUnreachable_NoIaCCalls(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")
	f.ipam.Unreachable = true

	_, err := f.o.Apply(context.Background(), "web-01", ApplyInput{})
	assert.True(t, apperrors.Is(err, apperrors.KindUnavailable))
	assert.Zero(t, f.iac.TotalCalls())
}

func TestApply_WithoutReservationPasses(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Create(context.Background(), CreateVMInput{
		Name: "web-01", IPAddress: "192.168.60.198", AutoReserveIP: boolPtr(false),
	})
	require.NoError(t, err)

	exec, err := f.o.Apply(context.Background(), "web-01", ApplyInput{})
	require.NoError(t, err)
	f.requireStatus(t, exec.ID, domain.ExecutionSuccess)
	assert.Contains(t, f.logText(t, exec.ID), "WARNING: could not activate")
}

func TestApply_FailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")
	f.iac.Fail("Apply", apperrors.Rejected(provider.SystemTerraform, "Error: 500 from proxmox"))

	exec, err := f.o.Apply(context.Background(), "web-01", ApplyInput{})
	require.NoError(t, err)
	failed := f.requireStatus(t, exec.ID, domain.ExecutionFailed)
	assert.Contains(t, failed.Error, "500 from proxmox")

	vm, err := f.store.GetVM(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStatusFailed, vm.Status)
	rec, _ := f.ipam.Record("192.168.60.198")
	assert.Equal(t, domain.IPReserved, rec.Status)
	assert.False(t, f.leases.Held("web-01"))
}

func TestApply_PostDeployPlaybook(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")

	exec, err := f.o.Apply(context.Background(), "web-01", ApplyInput{
		PostDeployPlaybook:  "docker.yml",
		PostDeployExtraVars: map[string]interface{}{"docker_version": "27"},
	})
	require.NoError(t, err)
	f.requireStatus(t, exec.ID, domain.ExecutionSuccess)

	require.Len(t, f.prov.Runs, 1)
	run := f.prov.Runs[0]
	assert.Equal(t, "docker.yml", run.Playbook)
	assert.Equal(t, []string{"web-01"}, run.Hosts)
	assert.Equal(t, "27", run.ExtraVars["docker_version"])

	page, err := f.tracker.List(context.Background(), domain.ExecutionFilter{Kind: domain.KindProvisioningRun})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	child := page.Items[0]
	assert.Equal(t, exec.ID, child.StringParam(domain.ParamParentExecution))
	assert.Equal(t, domain.ExecutionSuccess, child.Status)
	assert.Equal(t, "web-01", child.Target)
}

func TestApply_PostDeployPlaybookSkippedWhenUnreachable(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")
	f.prov.Unreachable["192.168.60.198"] = true

	exec, err := f.o.Apply(context.Background(), "web-01", ApplyInput{PostDeployPlaybook: "site.yml"})
	require.NoError(t, err)
	f.requireStatus(t, exec.ID, domain.ExecutionSuccess)
	assert.Empty(t, f.prov.Runs)
	assert.Contains(t, f.logText(t, exec.ID), "post-deploy playbook site.yml skipped")
}

func TestApply_UnknownPlaybookRejectedUpFront(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")

	_, err := f.o.Apply(context.Background(), "web-01", ApplyInput{PostDeployPlaybook: "../../etc/passwd"})
	assert.Equal(t, apperrors.CodeValidationFailed, errCode(t, err))
	assert.Zero(t, f.iac.TotalCalls())
}

func TestMutations_RejectedWhileLeased(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")

	release, err := f.leases.Lock("web-01")
	require.NoError(t, err)
	defer release()

	ctx := context.Background()
	calls := map[string]func() error{
		"apply":   func() error { _, err := f.o.Apply(ctx, "web-01", ApplyInput{}); return err },
		"destroy": func() error { _, err := f.o.Destroy(ctx, "web-01"); return err },
		"power":   func() error { _, err := f.o.Power(ctx, "web-01", domain.PowerStop); return err },
		"migrate": func() error { _, err := f.o.StartMigration(ctx, "web-01", "pve2"); return err },
		"delete":  func() error { _, err := f.o.CompleteDelete(ctx, "web-01"); return err },
		"frontend": func() error {
			_, err := f.o.SetFrontendURL(ctx, "web-01", "https://web.example.com")
			return err
		},
	}
	before := f.iac.TotalCalls()
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, apperrors.CodeVMBusy, errCode(t, call()))
		})
	}
	assert.Equal(t, before, f.iac.TotalCalls())
	assert.Empty(t, f.hv.Power)
}

func TestPlan_TakesNoLease(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")
	release, err := f.leases.Lock("web-01")
	require.NoError(t, err)
	defer release()

	exec, err := f.o.Plan(context.Background(), "web-01")
	require.NoError(t, err)
	f.requireStatus(t, exec.ID, domain.ExecutionSuccess)
	assert.Contains(t, f.logText(t, exec.ID), "Plan: 1 to add")
	assert.Equal(t, 1, f.iac.Calls("Plan"))
}

func TestDispatchFailure_ReleasesLeaseAndRevertsStatus(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")
	f.o.SetDispatcher(failingDispatcher{})

	_, err := f.o.Apply(context.Background(), "web-01", ApplyInput{})
	assert.Equal(t, apperrors.CodeInternalError, errCode(t, err))
	assert.False(t, f.leases.Held("web-01"))

	vm, err := f.store.GetVM(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStatusPlanned, vm.Status)

	page, err := f.tracker.List(context.Background(), domain.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.ExecutionFailed, page.Items[0].Status)
}

func TestDeleteConfig(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, "web-01", "192.168.60.198")
	f.create(t, "web-02", "192.168.60.199")
	ctx := context.Background()

	err := f.o.DeleteConfig(ctx, "web-01")
	assert.Equal(t, apperrors.CodeVMDeployed, errCode(t, err))
	assert.True(t, f.ws.Exists("web-01"))

	require.NoError(t, f.o.DeleteConfig(ctx, "web-02"))
	assert.False(t, f.ws.Exists("web-02"))
	_, err = f.o.Get(ctx, "web-02")
	assert.Equal(t, apperrors.CodeVMNotFound, errCode(t, err))

	entries := f.historyFor(t, "web-02", domain.ActionDestroyed)
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Metadata["config_only"])
}

func TestSetFrontendURL(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")
	ctx := context.Background()

	vm, err := f.o.SetFrontendURL(ctx, "web-01", "https://web.example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://web.example.com", vm.FrontendURL)

	text, err := f.ws.Read("web-01")
	require.NoError(t, err)
	parsed, err := f.ws.Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "https://web.example.com", parsed.FrontendURL)
	assert.Len(t, f.historyFor(t, "web-01", domain.ActionConfigChanged), 1)

	_, err = f.o.SetFrontendURL(ctx, "web-01", "not a url")
	assert.Equal(t, apperrors.CodeValidationFailed, errCode(t, err))
}

func TestReleaseIP(t *testing.T) {
	f := newFixture(t)
	f.create(t, "web-01", "192.168.60.198")

	released, err := f.o.ReleaseIP(context.Background(), "web-01")
	require.NoError(t, err)
	assert.True(t, released)
	released, err = f.o.ReleaseIP(context.Background(), "web-01")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, f.ws.Exists("web-01"))
}

func TestRunTerraform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exec, err := f.o.RunTerraform(ctx, TerraformRefresh, "")
	require.NoError(t, err)
	f.requireStatus(t, exec.ID, domain.ExecutionSuccess)
	assert.Equal(t, 1, f.iac.Calls("Refresh"))

	_, err = f.o.RunTerraform(ctx, TerraformDestroy, "")
	assert.Equal(t, apperrors.CodeValidationFailed, errCode(t, err))
	_, err = f.o.RunTerraform(ctx, TerraformAction("taint"), "")
	assert.Equal(t, apperrors.CodeValidationFailed, errCode(t, err))
}

func TestRunPlaybook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exec, err := f.o.RunPlaybook(ctx, domain.PlaybookRequest{Playbook: "site.yml", Groups: []string{"web"}})
	require.NoError(t, err)
	assert.Equal(t, "web", exec.Target)
	f.requireStatus(t, exec.ID, domain.ExecutionSuccess)
	assert.Contains(t, f.logText(t, exec.ID), "Running playbook site.yml on web")

	_, err = f.o.RunPlaybook(ctx, domain.PlaybookRequest{Playbook: "missing.yml"})
	assert.Error(t, err)
	assert.Len(t, f.prov.Runs, 1)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, string) error {
	return errors.New("queue closed")
}

func boolPtr(b bool) *bool { return &b }
