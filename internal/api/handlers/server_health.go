package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/config"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": healthOK})
}

// GetReadiness handles GET /health/ready. Only the tracking store decides
// readiness; external systems are reported from the last probe round.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	status, httpStatus := healthOK, http.StatusOK

	if err := s.store.Ping(c.Request.Context()); err != nil {
		checks["database"] = "error"
		status, httpStatus = healthDegraded, http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	body := gin.H{"status": status, "checks": checks}
	if s.health != nil {
		body["systems"] = s.health.All()
	}
	c.JSON(httpStatus, body)
}

// ReloadConfig handles POST /admin/config/reload. The new snapshot is
// returned with secrets masked. An invalid file keeps the previous snapshot.
func (s *Server) ReloadConfig(c *gin.Context) {
	cfg, err := s.reloader.Reload()
	switch {
	case errors.Is(err, config.ErrStatic):
		fail(c, apperrors.Conflict(apperrors.CodeConflict, "configuration was not loaded from a file"))
		return
	case err != nil:
		fail(c, apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()).WithCause(err))
		return
	}
	c.JSON(http.StatusOK, cfg.Redacted())
}
