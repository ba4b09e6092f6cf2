package ansible

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

// group is one node of the YAML inventory tree.
type group struct {
	Hosts    map[string]map[string]interface{} `yaml:"hosts,omitempty"`
	Vars     map[string]interface{}            `yaml:"vars,omitempty"`
	Children map[string]*group                 `yaml:"children,omitempty"`
}

type inventoryFile struct {
	All *group `yaml:"all"`
}

// Inventory edits a hosts.yml file. Writes replace the file atomically.
type Inventory struct {
	mu   sync.Mutex
	path func() string
}

// NewInventory returns an Inventory for the file path reports.
func NewInventory(path func() string) *Inventory {
	return &Inventory{path: path}
}

func (inv *Inventory) load() (*inventoryFile, error) {
	raw, err := os.ReadFile(inv.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &inventoryFile{All: &group{}}, nil
		}
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	var f inventoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", inv.path(), err)
	}
	if f.All == nil {
		f.All = &group{}
	}
	return &f, nil
}

func (inv *Inventory) save(f *inventoryFile) error {
	raw, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode inventory: %w", err)
	}
	path := inv.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create inventory dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hosts-*.yml")
	if err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace inventory: %w", err)
	}
	return nil
}

// AddHost places name with ansible_host=ip in group, moving it out of any
// other group first. An empty group puts the host under all.hosts.
func (inv *Inventory) AddHost(name, ip, groupName string) error {
	if !inventoryNamePattern.MatchString(name) {
		return apperrors.ErrValidationf("invalid inventory host %q", name)
	}
	if groupName != "" && !inventoryNamePattern.MatchString(groupName) {
		return apperrors.ErrValidationf("invalid inventory group %q", groupName)
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return apperrors.ErrValidationf("invalid host address %q", ip)
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	f, err := inv.load()
	if err != nil {
		return err
	}
	removeHost(f.All, name)

	target := f.All
	if groupName != "" {
		target = findGroup(f.All, groupName)
		if target == nil {
			if f.All.Children == nil {
				f.All.Children = make(map[string]*group)
			}
			target = &group{}
			f.All.Children[groupName] = target
		}
	}
	if target.Hosts == nil {
		target.Hosts = make(map[string]map[string]interface{})
	}
	target.Hosts[name] = map[string]interface{}{"ansible_host": ip}
	return inv.save(f)
}

// RemoveHost drops name everywhere. It reports whether the host existed.
func (inv *Inventory) RemoveHost(name string) (bool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	f, err := inv.load()
	if err != nil {
		return false, err
	}
	if !removeHost(f.All, name) {
		return false, nil
	}
	return true, inv.save(f)
}

// Groups returns every group name below all, sorted.
func (inv *Inventory) Groups() ([]string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	f, err := inv.load()
	if err != nil {
		return nil, err
	}
	names := []string{}
	walk(f.All, func(name string, _ *group) { names = append(names, name) })
	sort.Strings(names)
	return names, nil
}

// Hosts maps every host to its ansible_host, or to "" when unset.
func (inv *Inventory) Hosts() (map[string]string, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	f, err := inv.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	collect := func(g *group) {
		for h, vars := range g.Hosts {
			addr, _ := vars["ansible_host"].(string)
			if prev, ok := out[h]; !ok || prev == "" {
				out[h] = addr
			}
		}
	}
	collect(f.All)
	walk(f.All, func(_ string, g *group) { collect(g) })
	return out, nil
}

func walk(g *group, fn func(name string, g *group)) {
	for name, child := range g.Children {
		if child == nil {
			child = &group{}
			g.Children[name] = child
		}
		fn(name, child)
		walk(child, fn)
	}
}

func findGroup(root *group, name string) *group {
	var found *group
	walk(root, func(n string, g *group) {
		if n == name && found == nil {
			found = g
		}
	})
	return found
}

func removeHost(root *group, name string) bool {
	removed := false
	drop := func(g *group) {
		if _, ok := g.Hosts[name]; ok {
			delete(g.Hosts, name)
			removed = true
		}
	}
	drop(root)
	walk(root, func(_ string, g *group) { drop(g) })
	return removed
}
