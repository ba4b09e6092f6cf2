// Package config provides configuration management for proxmox-commander.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like PROXMOX_URL, NETBOX_TOKEN)
// 3. Default values
//
// A loaded Config is treated as an immutable snapshot. Runtime changes go
// through Provider.Reload, which swaps the whole snapshot atomically.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxHypervisorTimeout bounds every hypervisor API call.
const MaxHypervisorTimeout = 15 * time.Second

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	River      RiverConfig      `mapstructure:"river"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Proxmox    ProxmoxConfig    `mapstructure:"proxmox"`
	NetBox     NetBoxConfig     `mapstructure:"netbox"`
	Terraform  TerraformConfig  `mapstructure:"terraform"`
	Ansible    AnsibleConfig    `mapstructure:"ansible"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Migration  MigrationConfig  `mapstructure:"migration"`
	Executions ExecutionsConfig `mapstructure:"executions"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Locks      LocksConfig      `mapstructure:"locks"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig selects and configures the tracking store.
// "sqlite" keeps everything in one file under data_dir; "postgres" shares a
// pgx pool between the store and the river job queue.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	Path   string `mapstructure:"path"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings. Only used with the postgres driver.
type RiverConfig struct {
	Enabled                     bool          `mapstructure:"enabled"`
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int `mapstructure:"general_pool_size"`
	InfraPoolSize   int `mapstructure:"infra_pool_size"`
}

// PathsConfig locates the on-disk workspaces.
type PathsConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	TerraformDir string `mapstructure:"terraform_dir"`
	PlaybooksDir string `mapstructure:"playbooks_dir"`
	Inventory    string `mapstructure:"inventory"`
}

// ProxmoxConfig contains hypervisor API settings.
type ProxmoxConfig struct {
	URL             string        `mapstructure:"url"`
	TokenID         string        `mapstructure:"token_id"`
	TokenSecret     string        `mapstructure:"token_secret"`
	VerifySSL       bool          `mapstructure:"verify_ssl"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Nodes           []string      `mapstructure:"nodes"`
	OnlineMigration bool          `mapstructure:"online_migration"`
	TemplateMinID   int           `mapstructure:"template_min_id"`
}

// NetBoxConfig contains IPAM API settings.
type NetBoxConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TerraformConfig contains IaC engine settings.
type TerraformConfig struct {
	Binary       string        `mapstructure:"binary"`
	Timeout      time.Duration `mapstructure:"timeout"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	ModuleSource string        `mapstructure:"module_source"`
	ResourceType string        `mapstructure:"resource_type"`
}

// AnsibleConfig contains provisioning runner settings.
type AnsibleConfig struct {
	Binary  string        `mapstructure:"binary"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SSHConfig is used by the reachability probe and handed to ansible.
type SSHConfig struct {
	User         string        `mapstructure:"user"`
	KeyPath      string        `mapstructure:"key_path"`
	Port         int           `mapstructure:"port"`
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	WaitInterval time.Duration `mapstructure:"wait_interval"`
}

// DefaultsConfig fills in create requests.
type DefaultsConfig struct {
	TemplateID int    `mapstructure:"template_id"`
	Storage    string `mapstructure:"storage"`
	VLAN       int    `mapstructure:"vlan"`
	Node       string `mapstructure:"node"`
	Cores      int    `mapstructure:"cores"`
	MemoryMiB  int    `mapstructure:"memory_mib"`
	DiskGiB    int    `mapstructure:"disk_gib"`
}

// MigrationConfig tunes the blocking migration path.
type MigrationConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ExecutionsConfig tunes the execution tracker.
type ExecutionsConfig struct {
	// HardCancel makes Cancel also terminate the running child process.
	HardCancel bool `mapstructure:"hard_cancel"`
	// StaleAfter marks running executions from a previous process as failed.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// ReconcileConfig schedules background reconciliation (cron spec strings).
type ReconcileConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	StaleExecutions  string `mapstructure:"stale_executions"`
	OrphanedIPs      string `mapstructure:"orphaned_ips"`
	OrphanedIPsVLANs []int  `mapstructure:"orphaned_ips_vlans"`
}

// LocksConfig controls per-VM serialization.
type LocksConfig struct {
	// FileLocks adds a cross-process flock under terraform_dir/.locks.
	FileLocks bool `mapstructure:"file_locks"`
}

// LocksDir is where per-VM file locks live.
func (c *Config) LocksDir() string {
	return filepath.Join(c.Paths.TerraformDir, ".locks")
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	cfg, _, err := load("")
	return cfg, err
}

// LoadFile reads configuration from an explicit file, falling back to the
// search path when file is empty.
func LoadFile(file string) (*Config, error) {
	cfg, _, err := load(file)
	return cfg, err
}

func newViper(file string) *viper.Viper {
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/proxmox-commander")
	}

	// Maps nested config: netbox.token → NETBOX_TOKEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func load(file string) (*Config, *viper.Viper, error) {
	v := newViper(file)
	cfg, err := read(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// derivePaths fills workspace paths relative to data_dir when unset.
func (c *Config) derivePaths() {
	if c.Paths.TerraformDir == "" {
		c.Paths.TerraformDir = filepath.Join(c.Paths.DataDir, "terraform")
	}
	if c.Paths.PlaybooksDir == "" {
		c.Paths.PlaybooksDir = filepath.Join(c.Paths.DataDir, "playbooks")
	}
	if c.Paths.Inventory == "" {
		c.Paths.Inventory = filepath.Join(c.Paths.DataDir, "inventory", "hosts.yml")
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Paths.DataDir, "commander.db")
	}
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.River.Enabled && c.Database.Driver != "postgres" {
		return fmt.Errorf("river.enabled requires database.driver=postgres")
	}
	if c.Proxmox.Timeout <= 0 || c.Proxmox.Timeout > MaxHypervisorTimeout {
		return fmt.Errorf("proxmox.timeout must be in (0, %s]", MaxHypervisorTimeout)
	}
	if c.NetBox.Timeout <= 0 {
		return fmt.Errorf("netbox.timeout must be positive")
	}
	if c.Defaults.VLAN < 1 || c.Defaults.VLAN > 999 {
		return fmt.Errorf("defaults.vlan must be between 1 and 999")
	}
	if c.Migration.PollInterval <= 0 || c.Migration.Timeout < c.Migration.PollInterval {
		return fmt.Errorf("migration.poll_interval must be positive and not exceed migration.timeout")
	}
	return nil
}

// Redacted returns a copy safe for logging and API responses.
func (c Config) Redacted() Config {
	const mask = "********"
	if c.Proxmox.TokenSecret != "" {
		c.Proxmox.TokenSecret = mask
	}
	if c.NetBox.Token != "" {
		c.NetBox.Token = mask
	}
	if c.Database.URL != "" {
		c.Database.URL = mask
	}
	return c
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors_origins", []string{})

	// Database
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", true)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.enabled", false)
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker Pool
	v.SetDefault("worker.general_pool_size", 64)
	v.SetDefault("worker.infra_pool_size", 8)

	// Paths
	v.SetDefault("paths.data_dir", "/data")
	v.SetDefault("paths.terraform_dir", "")
	v.SetDefault("paths.playbooks_dir", "")
	v.SetDefault("paths.inventory", "")

	// Proxmox
	v.SetDefault("proxmox.url", "")
	v.SetDefault("proxmox.token_id", "")
	v.SetDefault("proxmox.token_secret", "")
	v.SetDefault("proxmox.verify_ssl", false)
	v.SetDefault("proxmox.timeout", "10s")
	v.SetDefault("proxmox.nodes", []string{})
	v.SetDefault("proxmox.online_migration", false)
	v.SetDefault("proxmox.template_min_id", 900000)

	// NetBox
	v.SetDefault("netbox.url", "")
	v.SetDefault("netbox.token", "")
	v.SetDefault("netbox.timeout", "10s")

	// Terraform
	v.SetDefault("terraform.binary", "terraform")
	v.SetDefault("terraform.timeout", "30m")
	v.SetDefault("terraform.lock_timeout", "5m")
	v.SetDefault("terraform.module_source", "./modules/proxmox-vm")
	v.SetDefault("terraform.resource_type", "proxmox_virtual_environment_vm")

	// Ansible
	v.SetDefault("ansible.binary", "ansible-playbook")
	v.SetDefault("ansible.timeout", "1h")

	// SSH
	v.SetDefault("ssh.user", "ansible")
	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.wait_timeout", "5m")
	v.SetDefault("ssh.wait_interval", "10s")

	// Defaults for new VMs
	v.SetDefault("defaults.template_id", 940001)
	v.SetDefault("defaults.storage", "local-ssd")
	v.SetDefault("defaults.vlan", 60)
	v.SetDefault("defaults.node", "")
	v.SetDefault("defaults.cores", 2)
	v.SetDefault("defaults.memory_mib", 2048)
	v.SetDefault("defaults.disk_gib", 20)

	// Migration
	v.SetDefault("migration.poll_interval", "5s")
	v.SetDefault("migration.timeout", "30m")

	// Executions
	v.SetDefault("executions.hard_cancel", false)
	v.SetDefault("executions.stale_after", "2h")

	// Reconcile
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.stale_executions", "*/10 * * * *")
	v.SetDefault("reconcile.orphaned_ips", "0 * * * *")
	v.SetDefault("reconcile.orphaned_ips_vlans", []int{})

	// Locks
	v.SetDefault("locks.file_locks", true)
}
