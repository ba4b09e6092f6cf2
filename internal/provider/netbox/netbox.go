// Package netbox implements provider.IPAM against the NetBox REST API.
package netbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	"github.com/dvaper/proxmox-commander/internal/metrics"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
)

var _ provider.IPAM = (*Client)(nil)

const defaultTimeout = 10 * time.Second

var errNotConfigured = errors.New("netbox url or token not configured")

// Client talks to NetBox. Settings are read from the config source on
// every call.
type Client struct {
	cfg     config.Source
	metrics *metrics.Metrics
	http    *http.Client
}

// New creates a Client. m may be nil.
func New(cfg config.Source, m *metrics.Metrics) *Client {
	return &Client{cfg: cfg, metrics: m, http: &http.Client{}}
}

type page[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

type choice struct {
	Value string `json:"value"`
}

type ipAddress struct {
	ID          int    `json:"id"`
	Address     string `json:"address"`
	Status      choice `json:"status"`
	Description string `json:"description"`
	DNSName     string `json:"dns_name"`
}

type prefix struct {
	ID     int    `json:"id"`
	Prefix string `json:"prefix"`
	VLAN   *struct {
		ID   int    `json:"id"`
		VID  int    `json:"vid"`
		Name string `json:"name"`
	} `json:"vlan"`
}

type availableIP struct {
	Address string `json:"address"`
}

type virtualMachine struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) (status int, err error) {
	started := time.Now()
	defer func() { c.metrics.AdapterCall(provider.SystemNetBox, started, err) }()

	s := c.cfg.Current().NetBox
	if s.URL == "" || s.Token == "" {
		return 0, apperrors.Unavailable(provider.SystemNetBox, errNotConfigured)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(s.URL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return 0, fmt.Errorf("encode netbox request: %w", merr)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build netbox request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.Token)
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, apperrors.Unavailable(provider.SystemNetBox, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resp.StatusCode, apperrors.Unavailable(provider.SystemNetBox, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return resp.StatusCode, apperrors.Rejected(provider.SystemNetBox,
			fmt.Sprintf("%s %s: %s %s", method, path, resp.Status, msg)).
			WithParams(map[string]interface{}{"status": resp.StatusCode})
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, apperrors.Rejected(provider.SystemNetBox, fmt.Sprintf("decode %s %s: %v", method, path, err))
		}
	}
	return resp.StatusCode, nil
}

func hostOf(address string) string {
	if i := strings.IndexByte(address, '/'); i >= 0 {
		return address[:i]
	}
	return address
}

func toRecord(a ipAddress) domain.IPRecord {
	host := hostOf(a.Address)
	rec := domain.IPRecord{
		ID:          a.ID,
		Address:     host,
		Status:      domain.IPStatus(a.Status.Value),
		Description: a.Description,
		DNSName:     a.DNSName,
	}
	if vmid, vlan, err := identity.Derive(host); err == nil {
		rec.VMID, rec.VLAN = vmid, vlan
	}
	return rec
}

func (c *Client) prefixForVLAN(ctx context.Context, vlan int) (*prefix, error) {
	var res page[prefix]
	if _, err := c.do(ctx, http.MethodGet, "/api/ipam/prefixes/", url.Values{"vlan_vid": {strconv.Itoa(vlan)}}, nil, &res); err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("no prefix for vlan %d in netbox", vlan)).
			WithParams(map[string]interface{}{"vlan": vlan})
	}
	return &res.Results[0], nil
}

// ListAvailable returns up to limit free addresses of the VLAN's prefix.
func (c *Client) ListAvailable(ctx context.Context, vlan, limit int) ([]domain.IPRecord, error) {
	p, err := c.prefixForVLAN(ctx, vlan)
	if err != nil {
		return nil, err
	}
	var free []availableIP
	path := fmt.Sprintf("/api/ipam/prefixes/%d/available-ips/", p.ID)
	if _, err := c.do(ctx, http.MethodGet, path, url.Values{"limit": {strconv.Itoa(limit)}}, nil, &free); err != nil {
		return nil, err
	}
	out := make([]domain.IPRecord, 0, len(free))
	for _, a := range free {
		host := hostOf(a.Address)
		rec := domain.IPRecord{Address: host, VLAN: vlan}
		if vmid, _, err := identity.Derive(host); err == nil {
			rec.VMID = vmid
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListUsed returns the recorded addresses inside the VLAN's prefix, ordered
// by host octet.
func (c *Client) ListUsed(ctx context.Context, vlan, limit int) ([]domain.IPRecord, error) {
	p, err := c.prefixForVLAN(ctx, vlan)
	if err != nil {
		return nil, err
	}
	var res page[ipAddress]
	query := url.Values{"parent": {p.Prefix}, "limit": {strconv.Itoa(limit)}}
	if _, err := c.do(ctx, http.MethodGet, "/api/ipam/ip-addresses/", query, nil, &res); err != nil {
		return nil, err
	}
	out := make([]domain.IPRecord, 0, len(res.Results))
	for _, a := range res.Results {
		out = append(out, toRecord(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMID < out[j].VMID })
	return out, nil
}

// Lookup returns the record for ip, or nil when NetBox has none.
func (c *Client) Lookup(ctx context.Context, ip string) (*domain.IPRecord, error) {
	var res page[ipAddress]
	if _, err := c.do(ctx, http.MethodGet, "/api/ipam/ip-addresses/", url.Values{"address": {ip}}, nil, &res); err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, nil
	}
	rec := toRecord(res.Results[0])
	return &rec, nil
}

// IsAvailable reports whether no record exists for ip.
func (c *Client) IsAvailable(ctx context.Context, ip string) (bool, error) {
	rec, err := c.Lookup(ctx, ip)
	if err != nil {
		return false, err
	}
	return rec == nil, nil
}

// Reserve creates a reserved record for ip, or re-reserves an existing one.
func (c *Client) Reserve(ctx context.Context, ip, description, dnsName string) (*domain.IPRecord, error) {
	existing, err := c.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	var out ipAddress
	body := map[string]interface{}{
		"description": description,
		"dns_name":    dnsName,
		"status":      string(domain.IPReserved),
	}
	if existing != nil {
		path := fmt.Sprintf("/api/ipam/ip-addresses/%d/", existing.ID)
		_, err = c.do(ctx, http.MethodPatch, path, nil, body, &out)
	} else {
		body["address"] = ip + "/24"
		_, err = c.do(ctx, http.MethodPost, "/api/ipam/ip-addresses/", nil, body, &out)
	}
	if err != nil {
		return nil, err
	}
	rec := toRecord(out)
	return &rec, nil
}

// Activate marks an existing record active.
func (c *Client) Activate(ctx context.Context, ip string) error {
	existing, err := c.Lookup(ctx, ip)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("ip %s not found in netbox", ip)).
			WithParams(map[string]interface{}{"ip_address": ip})
	}
	path := fmt.Sprintf("/api/ipam/ip-addresses/%d/", existing.ID)
	_, err = c.do(ctx, http.MethodPatch, path, nil, map[string]interface{}{"status": string(domain.IPActive)}, nil)
	return err
}

// Release deletes the record for ip. It reports false when none existed.
func (c *Client) Release(ctx context.Context, ip string) (bool, error) {
	existing, err := c.Lookup(ctx, ip)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	path := fmt.Sprintf("/api/ipam/ip-addresses/%d/", existing.ID)
	status, err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent, nil
}

// DeleteVM removes the virtualization record with the given name.
func (c *Client) DeleteVM(ctx context.Context, name string) (bool, error) {
	var res page[virtualMachine]
	if _, err := c.do(ctx, http.MethodGet, "/api/virtualization/virtual-machines/", url.Values{"name": {name}}, nil, &res); err != nil {
		return false, err
	}
	if len(res.Results) == 0 {
		return false, nil
	}
	path := fmt.Sprintf("/api/virtualization/virtual-machines/%d/", res.Results[0].ID)
	status, err := c.do(ctx, http.MethodDelete, path, nil, nil, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent, nil
}

// Status reports whether IPAM is usable. Errors are returned in the result.
func (c *Client) Status(ctx context.Context) domain.IPAMStatus {
	st := domain.IPAMStatus{URL: c.cfg.Current().NetBox.URL}

	var prefixes, vlans page[json.RawMessage]
	if _, err := c.do(ctx, http.MethodGet, "/api/ipam/prefixes/", url.Values{"limit": {"1"}}, nil, &prefixes); err != nil {
		st.Error = err.Error()
		return st
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/ipam/vlans/", url.Values{"limit": {"1"}}, nil, &vlans); err != nil {
		st.Error = err.Error()
		return st
	}
	st.PrefixesCount = prefixes.Count
	st.VLANsCount = vlans.Count
	st.Configured = prefixes.Count > 0
	return st
}

// VLANs returns the VLANs that have a prefix, ordered by VID.
func (c *Client) VLANs(ctx context.Context) ([]domain.VLAN, error) {
	var res page[prefix]
	if _, err := c.do(ctx, http.MethodGet, "/api/ipam/prefixes/", url.Values{"limit": {"100"}}, nil, &res); err != nil {
		return nil, err
	}
	out := make([]domain.VLAN, 0, len(res.Results))
	for _, p := range res.Results {
		if p.VLAN == nil {
			continue
		}
		name := p.VLAN.Name
		if name == "" {
			name = fmt.Sprintf("VLAN%d", p.VLAN.VID)
		}
		out = append(out, domain.VLAN{ID: p.VLAN.ID, VID: p.VLAN.VID, Name: name, Prefix: p.Prefix})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VID < out[j].VID })
	return out, nil
}
