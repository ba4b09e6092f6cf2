package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVER_PORT", "DATABASE_DRIVER", "DATABASE_URL", "NETBOX_TOKEN", "NETBOX_URL",
		"PROXMOX_TIMEOUT", "DEFAULTS_VLAN", "PATHS_DATA_DIR", "RIVER_ENABLED",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.Path != filepath.Join("/data", "commander.db") {
		t.Errorf("Database.Path = %q, want /data/commander.db", cfg.Database.Path)
	}
	if cfg.Paths.TerraformDir != filepath.Join("/data", "terraform") {
		t.Errorf("Paths.TerraformDir = %q", cfg.Paths.TerraformDir)
	}
	if cfg.Paths.Inventory != filepath.Join("/data", "inventory", "hosts.yml") {
		t.Errorf("Paths.Inventory = %q", cfg.Paths.Inventory)
	}
	if cfg.Proxmox.Timeout != 10*time.Second {
		t.Errorf("Proxmox.Timeout = %v, want 10s", cfg.Proxmox.Timeout)
	}
	if cfg.NetBox.Timeout != 10*time.Second {
		t.Errorf("NetBox.Timeout = %v, want 10s", cfg.NetBox.Timeout)
	}
	if cfg.Defaults.TemplateID != 940001 {
		t.Errorf("Defaults.TemplateID = %d, want 940001", cfg.Defaults.TemplateID)
	}
	if cfg.Defaults.Storage != "local-ssd" {
		t.Errorf("Defaults.Storage = %q, want local-ssd", cfg.Defaults.Storage)
	}
	if cfg.Defaults.VLAN != 60 {
		t.Errorf("Defaults.VLAN = %d, want 60", cfg.Defaults.VLAN)
	}
	if cfg.Executions.HardCancel {
		t.Error("Executions.HardCancel should default to false")
	}
	if cfg.Worker.InfraPoolSize != 8 {
		t.Errorf("Worker.InfraPoolSize = %d, want 8", cfg.Worker.InfraPoolSize)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("NETBOX_TOKEN", "abc123")
	t.Setenv("DEFAULTS_VLAN", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "abc123", cfg.NetBox.Token)
	assert.Equal(t, 30, cfg.Defaults.VLAN)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
paths:
  data_dir: `+dir+`
proxmox:
  url: https://pve.local:8006
  timeout: 5s
  nodes: [pve1, pve2]
`), 0o600))

	cfg, err := LoadFile(file)
	require.NoError(t, err)

	assert.Equal(t, "https://pve.local:8006", cfg.Proxmox.URL)
	assert.Equal(t, 5*time.Second, cfg.Proxmox.Timeout)
	assert.Equal(t, []string{"pve1", "pve2"}, cfg.Proxmox.Nodes)
	assert.Equal(t, filepath.Join(dir, "terraform"), cfg.Paths.TerraformDir)
	assert.Equal(t, filepath.Join(dir, "terraform", ".locks"), cfg.LocksDir())
}

func validConfig() Config {
	return Config{
		Database:  DatabaseConfig{Driver: "sqlite"},
		Proxmox:   ProxmoxConfig{Timeout: 10 * time.Second},
		NetBox:    NetBoxConfig{Timeout: 10 * time.Second},
		Defaults:  DefaultsConfig{VLAN: 60},
		Migration: MigrationConfig{PollInterval: time.Second, Timeout: time.Minute},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"postgres with url", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.URL = "postgres://localhost/commander"
		}, false},
		{"river on sqlite", func(c *Config) { c.River.Enabled = true }, true},
		{"hypervisor timeout too long", func(c *Config) { c.Proxmox.Timeout = 30 * time.Second }, true},
		{"hypervisor timeout zero", func(c *Config) { c.Proxmox.Timeout = 0 }, true},
		{"vlan out of range", func(c *Config) { c.Defaults.VLAN = 1000 }, true},
		{"poll longer than timeout", func(c *Config) { c.Migration.PollInterval = time.Hour }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Proxmox.TokenSecret = "s3cret"
	cfg.NetBox.Token = "tok"

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Proxmox.TokenSecret)
	assert.Equal(t, "********", red.NetBox.Token)
	assert.Equal(t, "s3cret", cfg.Proxmox.TokenSecret, "original must not change")
}
