package mock

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.Provisioner = (*Provisioner)(nil)

type host struct {
	ip    string
	group string
}

// Provisioner is a fake ansible runner with an in-memory inventory.
type Provisioner struct {
	recorder

	playbooks map[string]string
	hosts     map[string]host

	// Runs records every executed request.
	Runs []domain.PlaybookRequest
	// Unreachable lists IPs WaitReachable reports as down.
	Unreachable map[string]bool
}

// NewProvisioner returns a runner knowing the given playbook names.
func NewProvisioner(playbooks ...string) *Provisioner {
	p := &Provisioner{
		playbooks:   make(map[string]string),
		hosts:       make(map[string]host),
		Unreachable: make(map[string]bool),
	}
	for _, pb := range playbooks {
		p.playbooks[pb] = ""
	}
	return p
}

// HostGroup returns the group name is in and whether it is present.
func (p *Provisioner) HostGroup(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hosts[name]
	return h.group, ok
}

func (p *Provisioner) validate(req domain.PlaybookRequest) error {
	if _, ok := p.playbooks[req.Playbook]; !ok {
		return apperrors.ErrValidationf("playbook %q not found", req.Playbook)
	}
	return nil
}

func (p *Provisioner) Validate(req domain.PlaybookRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("Validate"); err != nil {
		return err
	}
	return p.validate(req)
}

func (p *Provisioner) Run(_ context.Context, req domain.PlaybookRequest, out io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("Run"); err != nil {
		return err
	}
	if err := p.validate(req); err != nil {
		return err
	}
	p.Runs = append(p.Runs, req)
	if out != nil {
		fmt.Fprintf(out, "PLAY [%s] limit=%q\n", req.Playbook, req.Limit())
	}
	return nil
}

func (p *Provisioner) Playbooks() ([]domain.Playbook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("Playbooks"); err != nil {
		return nil, err
	}
	out := make([]domain.Playbook, 0, len(p.playbooks))
	for name, desc := range p.playbooks {
		out = append(out, domain.Playbook{Name: name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provisioner) AddHost(name, ip, group string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("AddHost"); err != nil {
		return err
	}
	p.hosts[name] = host{ip: ip, group: group}
	return nil
}

func (p *Provisioner) RemoveHost(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("RemoveHost"); err != nil {
		return false, err
	}
	if _, ok := p.hosts[name]; !ok {
		return false, nil
	}
	delete(p.hosts, name)
	return true, nil
}

func (p *Provisioner) Groups() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("Groups"); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := []string{}
	for _, h := range p.hosts {
		if h.group != "" && !seen[h.group] {
			seen[h.group] = true
			out = append(out, h.group)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provisioner) Hosts() (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("Hosts"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(p.hosts))
	for n, h := range p.hosts {
		out[n] = h.ip
	}
	return out, nil
}

func (p *Provisioner) WaitReachable(_ context.Context, ip string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit("WaitReachable"); err != nil {
		return err
	}
	if p.Unreachable[ip] {
		return apperrors.Unavailable(provider.SystemAnsible, fmt.Errorf("%s:22 not reachable", ip))
	}
	return nil
}
