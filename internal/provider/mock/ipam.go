package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.IPAM = (*IPAM)(nil)

// IPAM is a fake NetBox. Every configured VLAN owns 192.168.<vlan>.0/24
// and hosts .1 (gateway) and .255 are never offered.
type IPAM struct {
	recorder

	vlans   map[int]bool
	records map[string]*domain.IPRecord
	vms     map[string]bool
	nextID  int

	// Unreachable makes every call fail with EXTERNAL_UNAVAILABLE.
	Unreachable bool
}

// NewIPAM returns an IPAM serving the given VLANs.
func NewIPAM(vlans ...int) *IPAM {
	m := &IPAM{
		vlans:   make(map[int]bool),
		records: make(map[string]*domain.IPRecord),
		vms:     make(map[string]bool),
		nextID:  1,
	}
	for _, v := range vlans {
		m.vlans[v] = true
	}
	return m
}

// Seed adds a record directly.
func (m *IPAM) Seed(ip string, status domain.IPStatus, dnsName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(ip, status, "", dnsName)
}

// SeedVM registers a virtual machine object.
func (m *IPAM) SeedVM(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms[name] = true
}

// Record returns a copy of the record for ip.
func (m *IPAM) Record(ip string) (domain.IPRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[ip]
	if !ok {
		return domain.IPRecord{}, false
	}
	return *r, true
}

func (m *IPAM) put(ip string, status domain.IPStatus, description, dnsName string) *domain.IPRecord {
	rec, ok := m.records[ip]
	if !ok {
		rec = &domain.IPRecord{ID: m.nextID, Address: ip}
		m.nextID++
		m.records[ip] = rec
	}
	rec.Status = status
	rec.Description = description
	rec.DNSName = dnsName
	if vmid, vlan, err := identity.Derive(ip); err == nil {
		rec.VMID, rec.VLAN = vmid, vlan
	}
	return rec
}

func (m *IPAM) call(method string) error {
	if err := m.hit(method); err != nil {
		return err
	}
	if m.Unreachable {
		return apperrors.Unavailable(provider.SystemNetBox, fmt.Errorf("dial tcp: connection refused"))
	}
	return nil
}

func (m *IPAM) prefix(vlan int) error {
	if !m.vlans[vlan] {
		return apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("no prefix for vlan %d in netbox", vlan))
	}
	return nil
}

func (m *IPAM) ListAvailable(_ context.Context, vlan, limit int) ([]domain.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListAvailable"); err != nil {
		return nil, err
	}
	if err := m.prefix(vlan); err != nil {
		return nil, err
	}
	var out []domain.IPRecord
	for host := 2; host < 255; host++ {
		ip := "192.168." + strconv.Itoa(vlan) + "." + strconv.Itoa(host)
		if _, used := m.records[ip]; used {
			continue
		}
		out = append(out, domain.IPRecord{Address: ip, VLAN: vlan, VMID: vlan*1000 + host})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *IPAM) ListUsed(_ context.Context, vlan, limit int) ([]domain.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListUsed"); err != nil {
		return nil, err
	}
	if err := m.prefix(vlan); err != nil {
		return nil, err
	}
	prefix := "192.168." + strconv.Itoa(vlan) + "."
	var out []domain.IPRecord
	for ip, r := range m.records {
		if strings.HasPrefix(ip, prefix) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *IPAM) Lookup(_ context.Context, ip string) (*domain.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Lookup"); err != nil {
		return nil, err
	}
	r, ok := m.records[ip]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *IPAM) IsAvailable(_ context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("IsAvailable"); err != nil {
		return false, err
	}
	_, used := m.records[ip]
	return !used, nil
}

func (m *IPAM) Reserve(_ context.Context, ip, description, dnsName string) (*domain.IPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Reserve"); err != nil {
		return nil, err
	}
	cp := *m.put(ip, domain.IPReserved, description, dnsName)
	return &cp, nil
}

func (m *IPAM) Activate(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Activate"); err != nil {
		return err
	}
	r, ok := m.records[ip]
	if !ok {
		return apperrors.NotFound(apperrors.CodeNotFound, "ip "+ip+" not found in netbox")
	}
	r.Status = domain.IPActive
	return nil
}

func (m *IPAM) Release(_ context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Release"); err != nil {
		return false, err
	}
	if _, ok := m.records[ip]; !ok {
		return false, nil
	}
	delete(m.records, ip)
	return true, nil
}

func (m *IPAM) DeleteVM(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("DeleteVM"); err != nil {
		return false, err
	}
	if !m.vms[name] {
		return false, nil
	}
	delete(m.vms, name)
	return true, nil
}

func (m *IPAM) Status(context.Context) domain.IPAMStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("Status"); err != nil {
		return domain.IPAMStatus{Configured: true, URL: "http://netbox.test", Error: err.Error()}
	}
	return domain.IPAMStatus{Configured: true, URL: "http://netbox.test", PrefixesCount: len(m.vlans), VLANsCount: len(m.vlans)}
}

func (m *IPAM) VLANs(context.Context) ([]domain.VLAN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("VLANs"); err != nil {
		return nil, err
	}
	out := make([]domain.VLAN, 0, len(m.vlans))
	for v := range m.vlans {
		out = append(out, domain.VLAN{ID: v, VID: v, Name: fmt.Sprintf("vlan%d", v), Prefix: fmt.Sprintf("192.168.%d.0/24", v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VID < out[j].VID })
	return out, nil
}
