package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// ListHistory handles GET /history.
func (s *Server) ListHistory(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	items, err := s.ledger.ListGlobal(c.Request.Context(), limit, domain.HistoryAction(c.Query("action")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListVMHistory handles GET /vms/:name/history.
func (s *Server) ListVMHistory(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	items, err := s.ledger.ListForVM(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetHistory handles GET /history/:id.
func (s *Server) GetHistory(c *gin.Context) {
	entry, err := s.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type rollbackRequest struct {
	Target domain.RestoreTarget `json:"target"`
}

// RollbackHistory handles POST /history/:id/rollback. The target defaults
// to the configuration before the change.
func (s *Server) RollbackHistory(c *gin.Context) {
	var req rollbackRequest
	if !bind(c, &req) {
		return
	}
	if req.Target == "" {
		req.Target = domain.RestoreBefore
	}
	ctx := c.Request.Context()
	entry, err := s.ledger.Rollback(ctx, c.Param("id"), req.Target, usecase.ActorFrom(ctx))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
