// Package identity derives the numeric VM identifier from its address.
//
// The VLAN lives in the third octet of a 192.168.<vlan>.<host> address and
// the identifier is vlan*1000 + host, so 192.168.60.198 becomes 60198. The
// identifier is never chosen independently of the address.
package identity

import (
	"fmt"
	"net/netip"
	"regexp"

	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

const (
	// MaxVLAN is the largest VLAN that still yields a unique identifier.
	MaxVLAN = 999
	// HostsPerVLAN is the identifier stride between VLANs.
	HostsPerVLAN = 1000
)

// addressPattern restricts addresses to the managed private range.
var addressPattern = regexp.MustCompile(`^192\.168\.\d{1,3}\.\d{1,3}$`)

// Derive returns the identifier and VLAN for ip.
func Derive(ip string) (vmid int, vlan int, err error) {
	if !addressPattern.MatchString(ip) {
		return 0, 0, invalid(ip, "must match 192.168.x.y")
	}
	addr, perr := netip.ParseAddr(ip)
	if perr != nil || !addr.Is4() {
		return 0, 0, invalid(ip, "not a valid IPv4 address")
	}
	octets := addr.As4()
	vlan, host := int(octets[2]), int(octets[3])
	if vlan < 1 || vlan > MaxVLAN {
		return 0, 0, invalid(ip, "vlan must be between 1 and 999")
	}
	if host == 0 || host == 255 {
		return 0, 0, invalid(ip, "network and broadcast addresses cannot be assigned")
	}
	return vlan*HostsPerVLAN + host, vlan, nil
}

// MustDerive is Derive for addresses already validated elsewhere.
func MustDerive(ip string) int {
	vmid, _, err := Derive(ip)
	if err != nil {
		panic(err)
	}
	return vmid
}

// VLANOf returns the VLAN encoded in ip.
func VLANOf(ip string) (int, error) {
	_, vlan, err := Derive(ip)
	return vlan, err
}

// Split reverses an identifier into its VLAN and host octet.
func Split(vmid int) (vlan int, host int) {
	return vmid / HostsPerVLAN, vmid % HostsPerVLAN
}

// Address rebuilds the address an identifier was derived from.
func Address(vmid int) (string, error) {
	vlan, host := Split(vmid)
	if vlan < 1 || vlan > MaxVLAN || host < 1 || host > 254 {
		return "", apperrors.BadRequest(apperrors.CodeInvalidRequestField,
			fmt.Sprintf("vmid %d does not encode a managed address", vmid))
	}
	return fmt.Sprintf("192.168.%d.%d", vlan, host), nil
}

// Format renders an identifier for operators, e.g. "60198 (vlan 60, host 198)".
func Format(vmid int) string {
	vlan, host := Split(vmid)
	return fmt.Sprintf("%d (vlan %d, host %d)", vmid, vlan, host)
}

// Check reports a mismatch between vmid and the identifier derived from ip.
func Check(vmid int, ip string) error {
	want, _, err := Derive(ip)
	if err != nil {
		return err
	}
	if want != vmid {
		return apperrors.BadRequest(apperrors.CodeVMIDMismatch,
			fmt.Sprintf("vmid %d does not match address %s (expected %d)", vmid, ip, want)).
			WithParams(map[string]interface{}{"vmid": vmid, "ip_address": ip, "expected": want})
	}
	return nil
}

// Gateway returns the conventional .1 gateway of the VLAN.
func Gateway(vlan int) string {
	return fmt.Sprintf("192.168.%d.1", vlan)
}

// Bridge returns the Proxmox bridge carrying the VLAN.
func Bridge(vlan int) string {
	return fmt.Sprintf("vmbr%d", vlan)
}

func invalid(ip, reason string) error {
	return apperrors.BadRequest(apperrors.CodeInvalidIP, fmt.Sprintf("invalid address %q: %s", ip, reason)).
		WithParams(map[string]interface{}{"ip_address": ip})
}
