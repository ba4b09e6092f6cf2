package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/api/middleware"
	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/governance/history"
	"github.com/dvaper/proxmox-commander/internal/jobs"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/keylock"
	"github.com/dvaper/proxmox-commander/internal/provider/mock"
	"github.com/dvaper/proxmox-commander/internal/provider/terraform"
	"github.com/dvaper/proxmox-commander/internal/service"
	"github.com/dvaper/proxmox-commander/internal/store"
	"github.com/dvaper/proxmox-commander/internal/tracker"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

type testAPI struct {
	router *gin.Engine
	iac    *mock.IaC
	hv     *mock.Hypervisor
	ipam   *mock.IPAM
	store  *store.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, store.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	cfg := config.Static(&config.Config{
		Paths:     config.PathsConfig{TerraformDir: t.TempDir()},
		Proxmox:   config.ProxmoxConfig{Nodes: []string{"pve1", "pve2"}, TemplateMinID: 900000},
		Terraform: config.TerraformConfig{ModuleSource: "./modules/proxmox-vm"},
		SSH:       config.SSHConfig{WaitTimeout: time.Second},
		Defaults: config.DefaultsConfig{
			TemplateID: 9000,
			Storage:    "local-lvm",
			VLAN:       60,
			Node:       "pve1",
			Cores:      2,
			MemoryMiB:  2048,
			DiskGiB:    20,
		},
		Migration: config.MigrationConfig{PollInterval: time.Millisecond, Timeout: time.Second},
	})

	api := &testAPI{
		iac:   mock.NewIaC(),
		hv:    mock.NewHypervisor("pve1", "pve2"),
		ipam:  mock.NewIPAM(60),
		store: st,
	}
	prov := mock.NewProvisioner("site.yml")
	ws := terraform.NewWorkspace(cfg)
	tr := tracker.New(st, cfg, nil)
	runner := jobs.NewRunner(tr)
	leases := usecase.NewLeases(keylock.New(""))
	ledger := history.NewLedger(st, ws, leases)

	orch := usecase.New(usecase.Deps{
		Config:      cfg,
		Store:       st,
		Workspace:   ws,
		IaC:         api.iac,
		Hypervisor:  api.hv,
		IPAM:        api.ipam,
		Provisioner: prov,
		Tracker:     tr,
		Runner:      runner,
		Dispatcher:  jobs.NewSyncDispatcher(runner),
		Ledger:      ledger,
		Leases:      leases,
	})

	srv := NewServer(ServerDeps{
		Orchestrator: orch,
		VMs:          service.NewVMService(cfg, st, ws, api.iac, api.hv),
		Cluster:      service.NewClusterService(api.hv),
		IPAM:         service.NewIPAMService(api.ipam, st),
		State:        service.NewStateService(api.iac),
		Ansible:      service.NewAnsibleService(prov),
		Tracker:      tr,
		Ledger:       ledger,
		Store:        st,
		Reloader:     cfg,
	})

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Actor(), middleware.ErrorHandler())
	srv.Register(r)
	api.router = r
	return api
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.ActorHeader, "alice")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp middleware.ErrorResponse
	decode(t, w, &resp)
	return resp.Code
}

func TestCreateAndGetVM(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/v1/vms", `{"name":"web-01","ip_address":"192.168.60.198","vlan":60}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created domain.VMConfig
	decode(t, w, &created)
	assert.Equal(t, 60198, created.VMID)
	assert.Equal(t, domain.VMStatusPlanned, created.Status)

	w = api.do(t, http.MethodGet, "/api/v1/vms/web-01", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view domain.VMView
	decode(t, w, &view)
	assert.Equal(t, "192.168.60.198", view.IPAddress)

	w = api.do(t, http.MethodGet, "/api/v1/vms?status=deployed", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []domain.VMView `json:"items"`
		Total int             `json:"total"`
	}
	decode(t, w, &list)
	assert.Equal(t, 0, list.Total)
}

func TestErrorsAreRendered(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown vm", http.MethodGet, "/api/v1/vms/nope", "", http.StatusNotFound, apperrors.CodeVMNotFound},
		{"malformed body", http.MethodPost, "/api/v1/vms", `{"name":`, http.StatusBadRequest, apperrors.CodeInvalidRequestField},
		{"empty batch", http.MethodPost, "/api/v1/vms/batch/plan", `{"vm_names":[]}`, http.StatusBadRequest, apperrors.CodeInvalidRequestField},
		{"bad page", http.MethodGet, "/api/v1/executions?page=x", "", http.StatusBadRequest, apperrors.CodeInvalidRequestField},
		{"bad kind", http.MethodGet, "/api/v1/executions?kind=reboot", "", http.StatusBadRequest, apperrors.CodeInvalidRequestField},
		{"missing vlan", http.MethodGet, "/api/v1/ipam/available", "", http.StatusBadRequest, apperrors.CodeInvalidRequestField},
		{"missing terraform action", http.MethodPost, "/api/v1/executions/terraform", `{}`, http.StatusBadRequest, apperrors.CodeInvalidRequestField},
		{"static config reload", http.MethodPost, "/api/v1/admin/config/reload", "", http.StatusConflict, apperrors.CodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCode, errorCode(t, w))
		})
	}
}

func TestApplyTracksExecution(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/v1/vms", `{"name":"web-01","ip_address":"192.168.60.198","vlan":60}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(t, http.MethodPost, "/api/v1/vms/web-01/apply", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var exec domain.Execution
	decode(t, w, &exec)
	require.NotEmpty(t, exec.ID)

	w = api.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &exec)
	assert.Equal(t, domain.ExecutionSuccess, exec.Status, exec.Error)

	w = api.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var logs struct {
		Items []domain.LogChunk `json:"items"`
	}
	decode(t, w, &logs)
	assert.NotEmpty(t, logs.Items)

	w = api.do(t, http.MethodGet, "/api/v1/executions?kind=infrastructure-apply", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page domain.ExecutionPage
	decode(t, w, &page)
	assert.Equal(t, 1, page.Total)

	vm, err := api.store.GetVM(context.Background(), "web-01")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStatusDeployed, vm.Status)
	assert.True(t, api.iac.InState("web-01"))
}

func TestStateAddressWildcard(t *testing.T) {
	api := newTestAPI(t)
	api.iac.SeedState("web-01")
	addr := "module.vm_web_01.proxmox_virtual_environment_vm.vm"

	w := api.do(t, http.MethodGet, "/api/v1/state/"+addr, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var detail domain.StateDetail
	decode(t, w, &detail)
	assert.Equal(t, addr, detail.Address)

	w = api.do(t, http.MethodDelete, "/api/v1/state/"+addr, "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.False(t, api.iac.InState("web-01"))
}

func TestHealthProbes(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/health/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w, &body)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])

	require.NoError(t, api.store.Close())
	w = api.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHistoryRecordsActor(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/v1/vms", `{"name":"web-01","ip_address":"192.168.60.198","vlan":60}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = api.do(t, http.MethodGet, "/api/v1/vms/web-01/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Items []domain.HistoryEntry `json:"items"`
	}
	decode(t, w, &resp)
	require.NotEmpty(t, resp.Items)
	assert.Equal(t, "alice", resp.Items[0].Actor)
}
