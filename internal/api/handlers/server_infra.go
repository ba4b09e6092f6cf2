package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// ListState handles GET /state. ?module narrows the listing to one VM module.
func (s *Server) ListState(c *gin.Context) {
	items, err := s.state.List(c.Request.Context(), c.Query("module"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

// ShowState handles GET /state/*address.
func (s *Server) ShowState(c *gin.Context) {
	detail, err := s.state.Show(c.Request.Context(), c.Param("address"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// RemoveState handles DELETE /state/*address.
func (s *Server) RemoveState(c *gin.Context) {
	if err := s.state.Remove(c.Request.Context(), c.Param("address")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RefreshState handles POST /state/refresh.
func (s *Server) RefreshState(c *gin.Context) {
	exec, err := s.orchestrator.RunTerraform(c.Request.Context(), usecase.TerraformRefresh, "")
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// ListProxmoxVMs handles GET /proxmox/vms.
func (s *Server) ListProxmoxVMs(c *gin.Context) {
	vms, err := s.vms.ProxmoxVMs(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": vms})
}

// ListUnmanagedVMs handles GET /proxmox/vms/unmanaged.
func (s *Server) ListUnmanagedVMs(c *gin.Context) {
	vms, err := s.vms.Unmanaged(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": vms})
}

// ListNodes handles GET /proxmox/nodes.
func (s *Server) ListNodes(c *gin.Context) {
	nodes, err := s.cluster.Nodes(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nodes})
}

// GetClusterStats handles GET /proxmox/cluster.
func (s *Server) GetClusterStats(c *gin.Context) {
	stats, err := s.cluster.ClusterStats(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListStorage handles GET /proxmox/storage.
func (s *Server) ListStorage(c *gin.Context) {
	pools, err := s.cluster.StoragePools(c.Request.Context(), c.Query("node"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": pools})
}

// ListTemplates handles GET /proxmox/templates.
func (s *Server) ListTemplates(c *gin.Context) {
	templates, err := s.cluster.Templates(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": templates})
}

// GetIPAMStatus handles GET /ipam/status. It never fails; an unreachable
// NetBox is reported in the body.
func (s *Server) GetIPAMStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ipam.Status(c.Request.Context()))
}

// ListVLANs handles GET /ipam/vlans.
func (s *Server) ListVLANs(c *gin.Context) {
	vlans, err := s.ipam.VLANs(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": vlans})
}

func vlanQuery(c *gin.Context) (vlan, limit int, ok bool) {
	if c.Query("vlan") == "" {
		fail(c, invalidField("vlan", "vlan is required"))
		return 0, 0, false
	}
	if vlan, ok = queryInt(c, "vlan", 0); !ok {
		return 0, 0, false
	}
	if limit, ok = queryInt(c, "limit", 0); !ok {
		return 0, 0, false
	}
	return vlan, limit, true
}

// ListAvailableIPs handles GET /ipam/available?vlan=N.
func (s *Server) ListAvailableIPs(c *gin.Context) {
	vlan, limit, ok := vlanQuery(c)
	if !ok {
		return
	}
	items, err := s.ipam.Available(c.Request.Context(), vlan, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListUsedIPs handles GET /ipam/used?vlan=N.
func (s *Server) ListUsedIPs(c *gin.Context) {
	vlan, limit, ok := vlanQuery(c)
	if !ok {
		return
	}
	items, err := s.ipam.Used(c.Request.Context(), vlan, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type reserveRequest struct {
	IPAddress   string `json:"ip_address"`
	Description string `json:"description"`
	DNSName     string `json:"dns_name"`
}

// ReserveIP handles POST /ipam/reserve.
func (s *Server) ReserveIP(c *gin.Context) {
	var req reserveRequest
	if !bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.IPAddress) == "" {
		fail(c, invalidField("ip_address", "ip_address is required"))
		return
	}
	rec, err := s.ipam.Reserve(c.Request.Context(), req.IPAddress, req.Description, req.DNSName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

type releaseRequest struct {
	IPAddress string `json:"ip_address"`
}

// ReleaseIP handles POST /ipam/release.
func (s *Server) ReleaseIP(c *gin.Context) {
	var req releaseRequest
	if !bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.IPAddress) == "" {
		fail(c, invalidField("ip_address", "ip_address is required"))
		return
	}
	released, err := s.ipam.Release(c.Request.Context(), req.IPAddress)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// ListAnsibleGroups handles GET /ansible/groups.
func (s *Server) ListAnsibleGroups(c *gin.Context) {
	groups, err := s.ansible.Groups()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": groups})
}

// ListPlaybooks handles GET /ansible/playbooks.
func (s *Server) ListPlaybooks(c *gin.Context) {
	books, err := s.ansible.Playbooks()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": books})
}

// ListAnsibleHosts handles GET /ansible/hosts.
func (s *Server) ListAnsibleHosts(c *gin.Context) {
	hosts, err := s.ansible.Hosts()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": hosts})
}
