package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// ListVMs handles GET /vms.
func (s *Server) ListVMs(c *gin.Context) {
	views, err := s.vms.ListVMs(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := make([]domain.VMView, 0, len(views))
		for _, v := range views {
			if string(v.Status) == status {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}
	c.JSON(http.StatusOK, gin.H{"items": views, "total": len(views)})
}

// GetVM handles GET /vms/:name.
func (s *Server) GetVM(c *gin.Context) {
	view, err := s.vms.GetVM(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CreateVM handles POST /vms.
func (s *Server) CreateVM(c *gin.Context) {
	var in usecase.CreateVMInput
	if !bind(c, &in) {
		return
	}
	vm, err := s.orchestrator.Create(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, vm)
}

// ValidateVM handles POST /vms/validate.
func (s *Server) ValidateVM(c *gin.Context) {
	var in usecase.CreateVMInput
	if !bind(c, &in) {
		return
	}
	vm, err := s.orchestrator.Validate(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "config": vm})
}

// PreviewVM handles POST /vms/preview.
func (s *Server) PreviewVM(c *gin.Context) {
	var in usecase.CreateVMInput
	if !bind(c, &in) {
		return
	}
	preview, err := s.orchestrator.Preview(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// DeleteVMConfig handles DELETE /vms/:name. Only the definition and the row
// are removed; deployed VMs are refused.
func (s *Server) DeleteVMConfig(c *gin.Context) {
	if err := s.orchestrator.DeleteConfig(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type frontendURLRequest struct {
	FrontendURL string `json:"frontend_url"`
}

// SetFrontendURL handles PATCH /vms/:name/frontend-url. An empty URL clears it.
func (s *Server) SetFrontendURL(c *gin.Context) {
	var req frontendURLRequest
	if !bind(c, &req) {
		return
	}
	vm, err := s.orchestrator.SetFrontendURL(c.Request.Context(), c.Param("name"), req.FrontendURL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, vm)
}
