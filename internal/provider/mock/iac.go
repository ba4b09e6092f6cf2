package mock

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.IaC = (*IaC)(nil)

const resourceSuffix = ".proxmox_virtual_environment_vm.vm"

// IaC is a fake terraform runner. Apply and Import add a resource for the
// VM's module to state, Destroy removes it.
type IaC struct {
	recorder

	state map[string]bool

	// Block, when set, is waited on by Apply and Destroy before they
	// return, or until ctx is done.
	Block chan struct{}
}

// NewIaC returns an empty state.
func NewIaC() *IaC {
	return &IaC{state: make(map[string]bool)}
}

func moduleOf(name string) string {
	return "module.vm_" + strings.ReplaceAll(name, "-", "_")
}

// SeedState adds name's VM resource to state.
func (f *IaC) SeedState(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[moduleOf(name)+resourceSuffix] = true
}

// InState reports whether name's module has any resource.
func (f *IaC) InState(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := moduleOf(name) + "."
	for addr := range f.state {
		if strings.HasPrefix(addr, prefix) {
			return true
		}
	}
	return false
}

func (f *IaC) wait(ctx context.Context) error {
	if f.Block == nil {
		return nil
	}
	select {
	case <-f.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *IaC) begin(method string, out io.Writer, line string) error {
	f.mu.Lock()
	err := f.hit(method)
	f.mu.Unlock()
	if out != nil {
		fmt.Fprintln(out, line)
	}
	return err
}

func (f *IaC) Init(_ context.Context, out io.Writer) error {
	return f.begin("Init", out, "Terraform has been successfully initialized!")
}

func (f *IaC) Plan(_ context.Context, name string, out io.Writer) error {
	return f.begin("Plan", out, "Plan: 1 to add, 0 to change, 0 to destroy. "+name)
}

func (f *IaC) Apply(ctx context.Context, name string, out io.Writer) error {
	if err := f.begin("Apply", out, "Applying "+name); err != nil {
		return err
	}
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if name != "" {
		f.state[moduleOf(name)+resourceSuffix] = true
	}
	if out != nil {
		fmt.Fprintln(out, "Apply complete! Resources: 1 added, 0 changed, 0 destroyed.")
	}
	return nil
}

func (f *IaC) Destroy(ctx context.Context, name string, out io.Writer) error {
	if name == "" {
		return apperrors.ErrValidationf("destroy requires a vm name")
	}
	if err := f.begin("Destroy", out, "Destroying "+name); err != nil {
		return err
	}
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropModule(name)
	if out != nil {
		fmt.Fprintln(out, "Destroy complete! Resources: 1 destroyed.")
	}
	return nil
}

func (f *IaC) dropModule(name string) {
	prefix := moduleOf(name) + "."
	for addr := range f.state {
		if strings.HasPrefix(addr, prefix) {
			delete(f.state, addr)
		}
	}
}

func (f *IaC) Refresh(_ context.Context, out io.Writer) error {
	return f.begin("Refresh", out, "No changes.")
}

func (f *IaC) Import(_ context.Context, name, node string, vmid int, out io.Writer) error {
	if err := f.begin("Import", out, fmt.Sprintf("Importing %s %s/%d", name, node, vmid)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[moduleOf(name)+resourceSuffix] = true
	return nil
}

func (f *IaC) StateList(context.Context) ([]domain.StateResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("StateList"); err != nil {
		return nil, err
	}
	out := make([]domain.StateResource, 0, len(f.state))
	for addr := range f.state {
		parts := strings.Split(addr, ".")
		r := domain.StateResource{Address: addr}
		if len(parts) == 4 {
			r.Module, r.Type, r.Name = parts[1], parts[2], parts[3]
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (f *IaC) StateShow(_ context.Context, address string) (*domain.StateDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("StateShow"); err != nil {
		return nil, err
	}
	if !f.state[address] {
		return nil, apperrors.NotFound(apperrors.CodeNotFound, "resource "+address+" not in state")
	}
	return &domain.StateDetail{Address: address, Attributes: map[string]string{}, Raw: "# " + address}, nil
}

func (f *IaC) StateRemove(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("StateRemove"); err != nil {
		return err
	}
	if !f.state[address] {
		return apperrors.Rejected(provider.SystemTerraform, "Invalid target address "+address)
	}
	delete(f.state, address)
	return nil
}

func (f *IaC) DeployedModules(context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.hit("DeployedModules"); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for addr := range f.state {
		parts := strings.Split(addr, ".")
		if len(parts) > 1 && parts[0] == "module" {
			out[parts[1]] = true
		}
	}
	return out, nil
}
