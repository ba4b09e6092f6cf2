package proxmox

import (
	"encoding/json"
	"strconv"
	"strings"
)

// num decodes Proxmox numbers, which some endpoints send as strings.
type num float64

func (n *num) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = num(f)
	return nil
}

func (n num) Int() int     { return int(n) }
func (n num) Int64() int64 { return int64(n) }

type resource struct {
	VMID     num    `json:"vmid"`
	Name     string `json:"name"`
	Node     string `json:"node"`
	Status   string `json:"status"`
	Type     string `json:"type"`
	MaxCPU   num    `json:"maxcpu"`
	MaxMem   num    `json:"maxmem"`
	MaxDisk  num    `json:"maxdisk"`
	Template num    `json:"template"`
}

type nodeEntry struct {
	Node    string `json:"node"`
	Status  string `json:"status"`
	CPU     num    `json:"cpu"`
	MaxCPU  num    `json:"maxcpu"`
	Mem     num    `json:"mem"`
	MaxMem  num    `json:"maxmem"`
	Disk    num    `json:"disk"`
	MaxDisk num    `json:"maxdisk"`
	Uptime  num    `json:"uptime"`
}

type taskEntry struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

type snapshotEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SnapTime    num    `json:"snaptime"`
	Parent      string `json:"parent"`
	VMState     num    `json:"vmstate"`
}

type storageEntry struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Total   num    `json:"total"`
	Used    num    `json:"used"`
	Avail   num    `json:"avail"`
	Active  num    `json:"active"`
}

type statusEntry struct {
	Status string `json:"status"`
}

// guestConfig keeps the raw key/value config of a guest.
type guestConfig map[string]json.RawMessage

func (g guestConfig) str(key string) string {
	raw, ok := g[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

func (g guestConfig) int(key string) int {
	v, err := strconv.Atoi(g.str(key))
	if err != nil {
		return 0
	}
	return v
}
