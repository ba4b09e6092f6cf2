package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// ListExecutions handles GET /executions.
func (s *Server) ListExecutions(c *gin.Context) {
	page, ok := queryInt(c, "page", 1)
	if !ok {
		return
	}
	size, ok := queryInt(c, "page_size", 20)
	if !ok {
		return
	}
	f := domain.ExecutionFilter{
		Kind:     domain.ExecutionKind(c.Query("kind")),
		Status:   domain.ExecutionStatus(c.Query("status")),
		Target:   c.Query("target"),
		Page:     page,
		PageSize: size,
	}
	if f.Kind != "" && !f.Kind.Valid() {
		fail(c, invalidField("kind", "unknown execution kind "+string(f.Kind)))
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		fail(c, invalidField("status", "unknown execution status "+string(f.Status)))
		return
	}
	res, err := s.tracker.List(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetExecution handles GET /executions/:id.
func (s *Server) GetExecution(c *gin.Context) {
	exec, err := s.tracker.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// GetExecutionLogs handles GET /executions/:id/logs. Clients poll with
// ?after=<last seq> to receive only new chunks.
func (s *Server) GetExecutionLogs(c *gin.Context) {
	after, ok := queryInt(c, "after", 0)
	if !ok {
		return
	}
	chunks, err := s.tracker.Logs(c.Request.Context(), c.Param("id"), int64(after))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": chunks})
}

// RunAnsible handles POST /executions/ansible.
func (s *Server) RunAnsible(c *gin.Context) {
	var req domain.PlaybookRequest
	if !bind(c, &req) {
		return
	}
	exec, err := s.orchestrator.RunPlaybook(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

type terraformRequest struct {
	Action usecase.TerraformAction `json:"action"`
	VMName string                  `json:"vm_name"`
}

// RunTerraform handles POST /executions/terraform.
func (s *Server) RunTerraform(c *gin.Context) {
	var req terraformRequest
	if !bind(c, &req) {
		return
	}
	if req.Action == "" {
		fail(c, invalidField("action", "action is required"))
		return
	}
	exec, err := s.orchestrator.RunTerraform(c.Request.Context(), req.Action, req.VMName)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// CancelExecution handles POST /executions/:id/cancel.
func (s *Server) CancelExecution(c *gin.Context) {
	exec, err := s.tracker.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// DeleteExecution handles DELETE /executions/:id.
func (s *Server) DeleteExecution(c *gin.Context) {
	if err := s.tracker.Delete(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func invalidField(field, msg string) *apperrors.AppError {
	return apperrors.BadRequest(apperrors.CodeInvalidRequestField, msg).
		WithParams(map[string]interface{}{"field": field})
}
