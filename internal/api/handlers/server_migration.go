package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

type migrateRequest struct {
	TargetNode string `json:"target_node"`
}

// MigrateVM handles POST /vms/:name/migrate. It blocks until the task ends.
func (s *Server) MigrateVM(c *gin.Context) {
	var req migrateRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.orchestrator.Migrate(c.Request.Context(), c.Param("name"), req.TargetNode)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// StartMigration handles POST /vms/:name/migrate/start.
func (s *Server) StartMigration(c *gin.Context) {
	var req migrateRequest
	if !bind(c, &req) {
		return
	}
	h, err := s.orchestrator.StartMigration(c.Request.Context(), c.Param("name"), req.TargetNode)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h)
}

// CompleteMigration handles POST /vms/:name/migrate/complete.
func (s *Server) CompleteMigration(c *gin.Context) {
	var in usecase.CompleteMigrationInput
	if !bind(c, &in) {
		return
	}
	res, err := s.orchestrator.CompleteMigration(c.Request.Context(), c.Param("name"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetTaskStatus handles GET /tasks/:node/*upid. UPIDs contain colons, so
// the id is taken from a wildcard segment.
func (s *Server) GetTaskStatus(c *gin.Context) {
	upid := strings.TrimPrefix(c.Param("upid"), "/")
	st, err := s.orchestrator.TaskStatus(c.Request.Context(), c.Param("node"), upid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// PowerVM handles POST /vms/:name/power/:action.
func (s *Server) PowerVM(c *gin.Context) {
	res, err := s.orchestrator.Power(c.Request.Context(), c.Param("name"), domain.PowerAction(c.Param("action")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// ListSnapshots handles GET /vms/:name/snapshots.
func (s *Server) ListSnapshots(c *gin.Context) {
	snaps, err := s.orchestrator.ListSnapshots(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": snaps})
}

// CreateSnapshot handles POST /vms/:name/snapshots.
func (s *Server) CreateSnapshot(c *gin.Context) {
	var in usecase.SnapshotInput
	if !bind(c, &in) {
		return
	}
	res, err := s.orchestrator.CreateSnapshot(c.Request.Context(), c.Param("name"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// DeleteSnapshot handles DELETE /vms/:name/snapshots/:snap.
func (s *Server) DeleteSnapshot(c *gin.Context) {
	res, err := s.orchestrator.DeleteSnapshot(c.Request.Context(), c.Param("name"), c.Param("snap"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// RollbackSnapshot handles POST /vms/:name/snapshots/:snap/rollback.
func (s *Server) RollbackSnapshot(c *gin.Context) {
	res, err := s.orchestrator.RollbackSnapshot(c.Request.Context(), c.Param("name"), c.Param("snap"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}
