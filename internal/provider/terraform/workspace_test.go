package terraform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

func newTestWorkspace(t *testing.T) (*Workspace, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Paths:     config.PathsConfig{TerraformDir: dir},
		Terraform: config.TerraformConfig{ModuleSource: "./modules/proxmox-vm"},
	}
	return NewWorkspace(config.Static(cfg)), dir
}

func sampleConfig() *domain.VMConfig {
	return &domain.VMConfig{
		Name:         "web-01",
		VMID:         60198,
		Node:         "pve1",
		Cores:        2,
		MemoryMiB:    2048,
		DiskGiB:      20,
		VLAN:         60,
		IPAddress:    "192.168.60.198",
		AnsibleGroup: "webservers",
		FrontendURL:  "https://web-01.example.org",
		Description:  "frontend",
		TemplateID:   940001,
		Storage:      "local-ssd",
	}
}

func TestModuleName(t *testing.T) {
	assert.Equal(t, "vm_web_01", ModuleName("web-01"))
	assert.Equal(t, "vm_db", ModuleName("db"))
}

func TestGenerateParseRoundTrip(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	cfg := sampleConfig()

	text, err := ws.Generate(cfg)
	require.NoError(t, err)
	s := string(text)
	assert.True(t, strings.HasPrefix(s, "# frontend_url: https://web-01.example.org\n"))
	assert.Contains(t, s, `module "vm_web_01"`)
	assert.Contains(t, s, `bridge`)
	assert.Contains(t, s, `"vmbr60"`)

	parsed, err := ws.Parse(text)
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestGenerate_RejectsMismatchedVMID(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	cfg := sampleConfig()
	cfg.VMID = 60199

	_, err := ws.Generate(cfg)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestParse_Invalid(t *testing.T) {
	ws, _ := newTestWorkspace(t)

	tests := map[string]string{
		"syntax":    `module "vm_x" {`,
		"no module": `resource "a" "b" {}`,
		"label":     "module \"vm_other\" {\n  vm_name = \"web-01\"\n  ip_address = \"192.168.60.1\"\n}\n",
		"no ip":     "module \"vm_web_01\" {\n  vm_name = \"web-01\"\n}\n",
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ws.Parse([]byte(text))
			require.Error(t, err)
			assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
		})
	}
}

func TestWorkspace_FileLifecycle(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	cfg := sampleConfig()

	assert.False(t, ws.Exists("web-01"))
	_, err := ws.Read("web-01")
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	text, err := ws.Generate(cfg)
	require.NoError(t, err)
	require.NoError(t, ws.Write("web-01", text))
	assert.True(t, ws.Exists("web-01"))
	assert.FileExists(t, filepath.Join(dir, "vm_web-01.tf"))

	other := sampleConfig()
	other.Name, other.IPAddress, other.VMID = "app", "192.168.60.20", 60020
	otherText, err := ws.Generate(other)
	require.NoError(t, err)
	require.NoError(t, ws.Write("app", otherText))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.tf"), []byte("# root\n"), 0o644))

	names, err := ws.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "web-01"}, names)

	require.NoError(t, ws.Delete("web-01"))
	require.NoError(t, ws.Delete("web-01"))
	assert.False(t, ws.Exists("web-01"))
}

func TestSetNode_KeepsRest(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	cfg := sampleConfig()
	text, err := ws.Generate(cfg)
	require.NoError(t, err)
	require.NoError(t, ws.Write("web-01", text))

	require.NoError(t, ws.SetNode("web-01", "pve2"))

	after, err := ws.Read("web-01")
	require.NoError(t, err)
	parsed, err := ws.Parse(after)
	require.NoError(t, err)
	assert.Equal(t, "pve2", parsed.Node)
	assert.Equal(t, cfg.FrontendURL, parsed.FrontendURL)
	assert.Equal(t, cfg.VMID, parsed.VMID)
}

func TestSetFrontendURL(t *testing.T) {
	ws, _ := newTestWorkspace(t)
	text, err := ws.Generate(sampleConfig())
	require.NoError(t, err)
	require.NoError(t, ws.Write("web-01", text))

	require.NoError(t, ws.SetFrontendURL("web-01", "https://new.example.org"))
	after, _ := ws.Read("web-01")
	parsed, err := ws.Parse(after)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example.org", parsed.FrontendURL)
	assert.Equal(t, 1, strings.Count(string(after), frontendURLPrefix))

	require.NoError(t, ws.SetFrontendURL("web-01", ""))
	after, _ = ws.Read("web-01")
	assert.NotContains(t, string(after), frontendURLPrefix)
	_, err = ws.Parse(after)
	require.NoError(t, err)
}
