package ansible

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newInventory(t *testing.T) (*Inventory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory", "hosts.yml")
	return NewInventory(func() string { return path }), path
}

func TestInventory_AddMoveRemove(t *testing.T) {
	inv, path := newInventory(t)

	require.NoError(t, inv.AddHost("web-01", "192.168.60.198", "webservers"))
	require.NoError(t, inv.AddHost("db-01", "192.168.60.10", ""))

	hosts, err := inv.Hosts()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"web-01": "192.168.60.198", "db-01": "192.168.60.10"}, hosts)

	groups, err := inv.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"webservers"}, groups)

	// Moving a host leaves exactly one entry.
	require.NoError(t, inv.AddHost("web-01", "192.168.60.198", "docker"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var f inventoryFile
	require.NoError(t, yaml.Unmarshal(raw, &f))
	assert.NotContains(t, f.All.Children["webservers"].Hosts, "web-01")
	assert.Equal(t, "192.168.60.198", f.All.Children["docker"].Hosts["web-01"]["ansible_host"])
	assert.Contains(t, f.All.Hosts, "db-01")

	removed, err := inv.RemoveHost("web-01")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = inv.RemoveHost("web-01")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInventory_PreservesForeignContent(t *testing.T) {
	inv, path := newInventory(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`all:
  vars:
    ansible_python_interpreter: /usr/bin/python3
  children:
    prod:
      children:
        webservers:
          hosts:
            legacy:
              ansible_host: 10.0.0.5
`), 0o644))

	require.NoError(t, inv.AddHost("web-02", "192.168.60.20", "webservers"))

	hosts, err := inv.Hosts()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", hosts["legacy"])
	assert.Equal(t, "192.168.60.20", hosts["web-02"])

	groups, err := inv.Groups()
	require.NoError(t, err)
	assert.Equal(t, []string{"prod", "webservers"}, groups)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ansible_python_interpreter")
}

func TestInventory_RejectsBadInput(t *testing.T) {
	inv, _ := newInventory(t)
	assert.Error(t, inv.AddHost("bad name", "192.168.60.1", ""))
	assert.Error(t, inv.AddHost("ok", "not-an-ip", ""))
	assert.Error(t, inv.AddHost("ok", "192.168.60.1", "g;rm"))
}

func TestInventory_MissingFileIsEmpty(t *testing.T) {
	inv, _ := newInventory(t)
	hosts, err := inv.Hosts()
	require.NoError(t, err)
	assert.Empty(t, hosts)
	groups, err := inv.Groups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}
