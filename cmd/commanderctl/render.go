package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	"github.com/dvaper/proxmox-commander/internal/provider/terraform"
)

// vmFile is the YAML shape accepted by render. Unset sizing fields take
// the configured defaults.
type vmFile struct {
	Name         string `yaml:"name"`
	IPAddress    string `yaml:"ip_address"`
	Node         string `yaml:"node"`
	Cores        int    `yaml:"cores"`
	MemoryMiB    int    `yaml:"memory_mib"`
	DiskGiB      int    `yaml:"disk_gib"`
	TemplateID   int    `yaml:"template_id"`
	Storage      string `yaml:"storage"`
	AnsibleGroup string `yaml:"ansible_group"`
	FrontendURL  string `yaml:"frontend_url"`
	Description  string `yaml:"description"`
}

func (s vmFile) toConfig(d config.DefaultsConfig) (*domain.VMConfig, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	vmid, vlan, err := identity.Derive(s.IPAddress)
	if err != nil {
		return nil, err
	}
	vm := &domain.VMConfig{
		Name:         s.Name,
		VMID:         vmid,
		VLAN:         vlan,
		IPAddress:    s.IPAddress,
		Node:         orString(s.Node, d.Node),
		Cores:        orInt(s.Cores, d.Cores),
		MemoryMiB:    orInt(s.MemoryMiB, d.MemoryMiB),
		DiskGiB:      orInt(s.DiskGiB, d.DiskGiB),
		TemplateID:   orInt(s.TemplateID, d.TemplateID),
		Storage:      orString(s.Storage, d.Storage),
		AnsibleGroup: s.AnsibleGroup,
		FrontendURL:  s.FrontendURL,
		Description:  s.Description,
		Status:       domain.VMStatusPlanned,
	}
	return vm, nil
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

var renderCmd = &cobra.Command{
	Use:   "render FILE",
	Short: "Print the IaC definition for a VM described in YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadConfig()
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		var in vmFile
		if err := yaml.Unmarshal(raw, &in); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		vm, err := in.toConfig(p.Current().Defaults)
		if err != nil {
			return err
		}
		text, err := terraform.NewWorkspace(p).Generate(vm)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(text)
		return err
	},
}
