package usecase

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dvaper/proxmox-commander/internal/config"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

var (
	namePattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$|^[a-z0-9]$`)
	snapshotPattern  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
	inventoryPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// CreateVMInput is a request to plan a new VM. Zero values take the
// configured defaults.
type CreateVMInput struct {
	Name         string `json:"name" validate:"required,max=63,vmname"`
	Node         string `json:"node" validate:"required"`
	Cores        int    `json:"cores" validate:"min=1,max=32"`
	MemoryMiB    int    `json:"memory_mib" validate:"min=1024,max=131072"`
	DiskGiB      int    `json:"disk_gib" validate:"min=10,max=1000"`
	VLAN         int    `json:"vlan" validate:"min=1,max=999"`
	IPAddress    string `json:"ip_address" validate:"omitempty,ipv4"`
	AnsibleGroup string `json:"ansible_group" validate:"omitempty,max=64,inventoryname"`
	FrontendURL  string `json:"frontend_url" validate:"omitempty,url"`
	Description  string `json:"description" validate:"max=500"`
	TemplateID   int    `json:"template_id" validate:"min=100"`
	Storage      string `json:"storage" validate:"required"`
	// AutoReserveIP defaults to true.
	AutoReserveIP *bool `json:"auto_reserve_ip,omitempty"`
}

func (in *CreateVMInput) applyDefaults(d config.DefaultsConfig) {
	in.Name = strings.TrimSpace(in.Name)
	in.IPAddress = strings.TrimSpace(in.IPAddress)
	if in.Node == "" {
		in.Node = d.Node
	}
	if in.Cores == 0 {
		in.Cores = d.Cores
	}
	if in.MemoryMiB == 0 {
		in.MemoryMiB = d.MemoryMiB
	}
	if in.DiskGiB == 0 {
		in.DiskGiB = d.DiskGiB
	}
	if in.VLAN == 0 {
		in.VLAN = d.VLAN
	}
	if in.TemplateID == 0 {
		in.TemplateID = d.TemplateID
	}
	if in.Storage == "" {
		in.Storage = d.Storage
	}
}

func (in *CreateVMInput) reserve() bool {
	return in.AutoReserveIP == nil || *in.AutoReserveIP
}

// ApplyInput carries the options of an apply.
type ApplyInput struct {
	PostDeployPlaybook  string                 `json:"post_deploy_playbook" validate:"omitempty,max=128"`
	PostDeployExtraVars map[string]interface{} `json:"post_deploy_extra_vars,omitempty"`
	// WaitForSSH defaults to true.
	WaitForSSH *bool `json:"wait_for_ssh,omitempty"`
}

func (in ApplyInput) waitForSSH() bool {
	return in.WaitForSSH == nil || *in.WaitForSSH
}

// CloneInput is a request to clone a deployed VM.
type CloneInput struct {
	SourceName string `json:"source_name" validate:"required,max=63,vmname"`
	TargetName string `json:"target_name" validate:"required,max=63,vmname,nefield=SourceName"`
	IPAddress  string `json:"ip_address" validate:"omitempty,ipv4"`
	Full       *bool  `json:"full,omitempty"`
}

func (in CloneInput) full() bool {
	return in.Full == nil || *in.Full
}

// ImportInput adopts an existing hypervisor VM.
type ImportInput struct {
	VMID int    `json:"vmid" validate:"required,min=1"`
	Node string `json:"node" validate:"required"`
	// Name defaults to the hypervisor name.
	Name string `json:"name" validate:"omitempty,max=63,vmname"`
	// IPAddress is used when the guest has no static ipconfig0.
	IPAddress      string `json:"ip_address" validate:"omitempty,ipv4"`
	AnsibleGroup   string `json:"ansible_group" validate:"omitempty,max=64,inventoryname"`
	RegisterNetBox bool   `json:"register_netbox"`
}

// SnapshotInput creates a hypervisor snapshot.
type SnapshotInput struct {
	Name        string `json:"name" validate:"required,max=40,snapname"`
	Description string `json:"description" validate:"max=255"`
	IncludeRAM  bool   `json:"include_ram"`
}

// CompleteMigrationInput is phase two of a migration. TaskID, SourceNode
// and WasRunning default to the values remembered by phase one.
type CompleteMigrationInput struct {
	TargetNode string `json:"target_node" validate:"required"`
	WasRunning *bool  `json:"was_running,omitempty"`
	TaskID     string `json:"upid,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	patterns := map[string]*regexp.Regexp{
		"vmname":        namePattern,
		"snapname":      snapshotPattern,
		"inventoryname": inventoryPattern,
	}
	for tag, re := range patterns {
		re := re
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		}); err != nil {
			panic(err)
		}
	}
	return v
}

// validateInput checks in against its validate tags and turns failures
// into a VALIDATION_FAILED (or INVALID_NAME) error with field details.
func validateInput(in interface{}) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.ErrValidationf("invalid request: %v", err)
	}

	code := apperrors.CodeValidationFailed
	fields := make([]apperrors.FieldError, 0, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fieldMessage(fe)
		fields = append(fields, apperrors.FieldError{Field: fe.Field(), Code: fe.Tag(), Message: msg})
		msgs = append(msgs, msg)
		if fe.Tag() == "vmname" {
			code = apperrors.CodeNameInvalid
		}
	}
	return apperrors.BadRequest(code, strings.Join(msgs, "; ")).WithFieldErrors(fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "ipv4":
		return fmt.Sprintf("%s must be an IPv4 address", fe.Field())
	case "vmname":
		return fmt.Sprintf("%s must be lowercase letters, digits and inner hyphens", fe.Field())
	case "snapname":
		return fmt.Sprintf("%s must start with a letter and contain only letters, digits and underscores", fe.Field())
	case "inventoryname":
		return fmt.Sprintf("%s contains characters not allowed in an inventory name", fe.Field())
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", fe.Field())
	}
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}

// checkNode rejects nodes outside the configured cluster. An empty node
// list accepts any node.
func checkNode(cfg *config.Config, node string) error {
	if len(cfg.Proxmox.Nodes) == 0 {
		return nil
	}
	for _, n := range cfg.Proxmox.Nodes {
		if n == node {
			return nil
		}
	}
	return apperrors.BadRequest(apperrors.CodeInvalidRequestField,
		fmt.Sprintf("node %q is not one of %s", node, strings.Join(cfg.Proxmox.Nodes, ", "))).
		WithParams(map[string]interface{}{"node": node})
}
