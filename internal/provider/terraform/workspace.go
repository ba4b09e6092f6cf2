// Package terraform implements the IaC workspace (one definition file per
// VM, generated and parsed as HCL) and the runner that invokes the
// terraform binary.
package terraform

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.Workspace = (*Workspace)(nil)

const (
	filePrefix        = "vm_"
	fileSuffix        = ".tf"
	frontendURLPrefix = "# frontend_url:"
)

// Module attribute names.
const (
	attrSource       = "source"
	attrName         = "vm_name"
	attrVMID         = "vm_id"
	attrNode         = "target_node"
	attrCores        = "cores"
	attrMemory       = "memory"
	attrDisk         = "disk_size"
	attrVLAN         = "vlan_id"
	attrIP           = "ip_address"
	attrGateway      = "gateway"
	attrBridge       = "bridge"
	attrTemplate     = "template_id"
	attrStorage      = "storage"
	attrAnsibleGroup = "ansible_group"
	attrDescription  = "description"
)

// Workspace manages definition files under paths.terraform_dir.
type Workspace struct {
	cfg config.Source
}

// NewWorkspace creates a Workspace.
func NewWorkspace(cfg config.Source) *Workspace {
	return &Workspace{cfg: cfg}
}

// ModuleName returns the module label for a VM name.
func ModuleName(name string) string {
	return filePrefix + strings.ReplaceAll(name, "-", "_")
}

// ModuleAddress returns "module.<label>".
func (w *Workspace) ModuleAddress(name string) string {
	return "module." + ModuleName(name)
}

func (w *Workspace) dir() string {
	return w.cfg.Current().Paths.TerraformDir
}

// Path returns the definition file path of name.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir(), filePrefix+name+fileSuffix)
}

// Generate renders the definition of cfg.
func (w *Workspace) Generate(cfg *domain.VMConfig) ([]byte, error) {
	if err := identity.Check(cfg.VMID, cfg.IPAddress); err != nil {
		return nil, err
	}

	f := hclwrite.NewEmptyFile()
	body := f.Body()
	if cfg.FrontendURL != "" {
		body.AppendUnstructuredTokens(commentTokens(frontendURLPrefix + " " + cfg.FrontendURL))
	}

	block := body.AppendNewBlock("module", []string{ModuleName(cfg.Name)})
	mb := block.Body()
	mb.SetAttributeValue(attrSource, cty.StringVal(w.cfg.Current().Terraform.ModuleSource))
	mb.AppendNewline()
	mb.SetAttributeValue(attrName, cty.StringVal(cfg.Name))
	mb.SetAttributeValue(attrVMID, cty.NumberIntVal(int64(cfg.VMID)))
	mb.SetAttributeValue(attrNode, cty.StringVal(cfg.Node))
	mb.SetAttributeValue(attrTemplate, cty.NumberIntVal(int64(cfg.TemplateID)))
	mb.SetAttributeValue(attrStorage, cty.StringVal(cfg.Storage))
	mb.AppendNewline()
	mb.SetAttributeValue(attrCores, cty.NumberIntVal(int64(cfg.Cores)))
	mb.SetAttributeValue(attrMemory, cty.NumberIntVal(int64(cfg.MemoryMiB)))
	mb.SetAttributeValue(attrDisk, cty.NumberIntVal(int64(cfg.DiskGiB)))
	mb.AppendNewline()
	mb.SetAttributeValue(attrVLAN, cty.NumberIntVal(int64(cfg.VLAN)))
	mb.SetAttributeValue(attrIP, cty.StringVal(cfg.IPAddress))
	mb.SetAttributeValue(attrGateway, cty.StringVal(identity.Gateway(cfg.VLAN)))
	mb.SetAttributeValue(attrBridge, cty.StringVal(identity.Bridge(cfg.VLAN)))
	if cfg.AnsibleGroup != "" {
		mb.SetAttributeValue(attrAnsibleGroup, cty.StringVal(cfg.AnsibleGroup))
	}
	if cfg.Description != "" {
		mb.SetAttributeValue(attrDescription, cty.StringVal(cfg.Description))
	}

	return hclwrite.Format(f.Bytes()), nil
}

func commentTokens(line string) hclwrite.Tokens {
	return hclwrite.Tokens{{Type: hclsyntax.TokenComment, Bytes: []byte(line + "\n")}}
}

// Write stores text as the definition of name, replacing any previous file.
func (w *Workspace) Write(name string, text []byte) error {
	dir := w.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create terraform dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vm_"+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write definition %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(text); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write definition %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write definition %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), w.Path(name)); err != nil {
		return fmt.Errorf("write definition %s: %w", name, err)
	}
	return nil
}

// Read returns the definition text of name.
func (w *Workspace) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(w.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("definition for %q not found", name)).
			WithParams(map[string]interface{}{"vm_name": name})
	}
	if err != nil {
		return nil, fmt.Errorf("read definition %s: %w", name, err)
	}
	return data, nil
}

// Exists reports whether name has a definition file.
func (w *Workspace) Exists(name string) bool {
	_, err := os.Stat(w.Path(name))
	return err == nil
}

// Delete removes the definition of name. A missing file is not an error.
func (w *Workspace) Delete(name string) error {
	err := os.Remove(w.Path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete definition %s: %w", name, err)
	}
	return nil
}

// List returns the names that have a definition file, sorted.
func (w *Workspace) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir(), filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// Parse reads a definition back into a configuration. Status is not part
// of the file and is left empty.
func (w *Workspace) Parse(text []byte) (*domain.VMConfig, error) {
	file, diags := hclsyntax.ParseConfig(text, "definition.tf", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, apperrors.ErrValidationf("invalid definition: %s", diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, apperrors.ErrValidationf("invalid definition body")
	}

	var block *hclsyntax.Block
	for _, b := range body.Blocks {
		if b.Type == "module" && len(b.Labels) == 1 && strings.HasPrefix(b.Labels[0], filePrefix) {
			block = b
			break
		}
	}
	if block == nil {
		return nil, apperrors.ErrValidationf("definition has no vm module block")
	}

	a := attrReader{attrs: block.Body.Attributes}
	cfg := &domain.VMConfig{
		Name:         a.str(attrName),
		VMID:         a.int(attrVMID),
		Node:         a.str(attrNode),
		Cores:        a.int(attrCores),
		MemoryMiB:    a.int(attrMemory),
		DiskGiB:      a.int(attrDisk),
		VLAN:         a.int(attrVLAN),
		IPAddress:    a.str(attrIP),
		AnsibleGroup: a.str(attrAnsibleGroup),
		Description:  a.str(attrDescription),
		TemplateID:   a.int(attrTemplate),
		Storage:      a.str(attrStorage),
		FrontendURL:  frontendURL(text),
	}
	if a.err != nil {
		return nil, apperrors.ErrValidationf("invalid definition: %v", a.err)
	}
	if cfg.Name == "" || cfg.IPAddress == "" {
		return nil, apperrors.ErrValidationf("definition is missing %s or %s", attrName, attrIP)
	}
	if ModuleName(cfg.Name) != block.Labels[0] {
		return nil, apperrors.ErrValidationf("module %s does not match vm name %q", block.Labels[0], cfg.Name)
	}
	return cfg, nil
}

type attrReader struct {
	attrs hclsyntax.Attributes
	err   error
}

func (r *attrReader) value(name string) (cty.Value, bool) {
	attr, ok := r.attrs[name]
	if !ok {
		return cty.NilVal, false
	}
	v, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %s", name, diags.Error())
		}
		return cty.NilVal, false
	}
	return v, true
}

func (r *attrReader) str(name string) string {
	v, ok := r.value(name)
	if !ok || v.IsNull() {
		return ""
	}
	var s string
	if err := gocty.FromCtyValue(v, &s); err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return s
}

func (r *attrReader) int(name string) int {
	v, ok := r.value(name)
	if !ok || v.IsNull() {
		return 0
	}
	var n int
	if err := gocty.FromCtyValue(v, &n); err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", name, err)
	}
	return n
}

func frontendURL(text []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, frontendURLPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, frontendURLPrefix))
		}
	}
	return ""
}

// SetNode rewrites the target node of name's definition in place, keeping
// everything else untouched.
func (w *Workspace) SetNode(name, node string) error {
	text, err := w.Read(name)
	if err != nil {
		return err
	}
	f, diags := hclwrite.ParseConfig(text, w.Path(name), hcl.InitialPos)
	if diags.HasErrors() {
		return apperrors.ErrValidationf("invalid definition %s: %s", name, diags.Error())
	}
	label := ModuleName(name)
	for _, b := range f.Body().Blocks() {
		if b.Type() == "module" && len(b.Labels()) == 1 && b.Labels()[0] == label {
			b.Body().SetAttributeValue(attrNode, cty.StringVal(node))
			return w.Write(name, hclwrite.Format(f.Bytes()))
		}
	}
	return apperrors.ErrValidationf("definition %s has no module %s", name, label)
}

// SetFrontendURL sets or, for an empty url, clears the frontend URL comment.
func (w *Workspace) SetFrontendURL(name, url string) error {
	text, err := w.Read(name)
	if err != nil {
		return err
	}
	return w.Write(name, withFrontendURL(text, url))
}

func withFrontendURL(text []byte, url string) []byte {
	var out bytes.Buffer
	if url != "" {
		out.WriteString(frontendURLPrefix + " " + url + "\n")
	}
	sc := bufio.NewScanner(bytes.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), frontendURLPrefix) {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}
