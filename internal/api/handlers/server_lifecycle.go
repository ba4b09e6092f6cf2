package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// PlanVM handles POST /vms/:name/plan.
func (s *Server) PlanVM(c *gin.Context) {
	exec, err := s.orchestrator.Plan(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// ApplyVM handles POST /vms/:name/apply.
func (s *Server) ApplyVM(c *gin.Context) {
	var in usecase.ApplyInput
	if !bind(c, &in) {
		return
	}
	exec, err := s.orchestrator.Apply(c.Request.Context(), c.Param("name"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// DestroyVM handles POST /vms/:name/destroy.
func (s *Server) DestroyVM(c *gin.Context) {
	exec, err := s.orchestrator.Destroy(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// ReleaseVMIP handles POST /vms/:name/release-ip.
func (s *Server) ReleaseVMIP(c *gin.Context) {
	released, err := s.orchestrator.ReleaseIP(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

type cloneRequest struct {
	TargetName string `json:"target_name"`
	IPAddress  string `json:"ip_address"`
	Full       *bool  `json:"full,omitempty"`
}

// CloneVM handles POST /vms/:name/clone.
func (s *Server) CloneVM(c *gin.Context) {
	var req cloneRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.orchestrator.Clone(c.Request.Context(), usecase.CloneInput{
		SourceName: c.Param("name"),
		TargetName: req.TargetName,
		IPAddress:  req.IPAddress,
		Full:       req.Full,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// CompleteDeleteVM handles DELETE /vms/:name/complete. A partial failure
// answers 207 with the per-subsystem report.
func (s *Server) CompleteDeleteVM(c *gin.Context) {
	report, err := s.orchestrator.CompleteDelete(c.Request.Context(), c.Param("name"))
	if err != nil {
		if report != nil && apperrors.Is(err, apperrors.KindPartial) {
			c.JSON(http.StatusMultiStatus, report)
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ImportVM handles POST /import.
func (s *Server) ImportVM(c *gin.Context) {
	var in usecase.ImportInput
	if !bind(c, &in) {
		return
	}
	res, err := s.orchestrator.Import(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type batchRequest struct {
	Names []string `json:"vm_names"`
	usecase.ApplyInput
}

func (s *Server) batch(c *gin.Context, run func(req batchRequest) *domain.BatchResult) {
	var req batchRequest
	if !bind(c, &req) {
		return
	}
	if len(req.Names) == 0 {
		fail(c, invalidField("vm_names", "vm_names must not be empty"))
		return
	}
	c.JSON(http.StatusOK, run(req))
}

// BatchPlan handles POST /vms/batch/plan.
func (s *Server) BatchPlan(c *gin.Context) {
	s.batch(c, func(req batchRequest) *domain.BatchResult {
		return s.orchestrator.BatchPlan(c.Request.Context(), req.Names)
	})
}

// BatchApply handles POST /vms/batch/apply.
func (s *Server) BatchApply(c *gin.Context) {
	s.batch(c, func(req batchRequest) *domain.BatchResult {
		return s.orchestrator.BatchApply(c.Request.Context(), req.Names, req.ApplyInput)
	})
}

// BatchDestroy handles POST /vms/batch/destroy.
func (s *Server) BatchDestroy(c *gin.Context) {
	s.batch(c, func(req batchRequest) *domain.BatchResult {
		return s.orchestrator.BatchDestroy(c.Request.Context(), req.Names)
	})
}
