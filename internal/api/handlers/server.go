// Package handlers implements the HTTP API of the commander. Handlers bind
// and check request shapes, call the orchestrator or a read service, and
// hand errors to middleware.ErrorHandler through c.Error.
package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/governance/history"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/provider"
	"github.com/dvaper/proxmox-commander/internal/service"
	"github.com/dvaper/proxmox-commander/internal/tracker"
	"github.com/dvaper/proxmox-commander/internal/usecase"
)

// Pinger reports whether the tracking store is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reloader re-reads the configuration file.
type Reloader interface {
	Reload() (*config.Config, error)
}

// Server holds the dependencies of every handler.
type Server struct {
	orchestrator *usecase.Orchestrator
	vms          *service.VMService
	cluster      *service.ClusterService
	ipam         *service.IPAMService
	state        *service.StateService
	ansible      *service.AnsibleService
	tracker      *tracker.Tracker
	ledger       *history.Ledger
	health       *provider.HealthChecker
	store        Pinger
	reloader     Reloader
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Orchestrator *usecase.Orchestrator
	VMs          *service.VMService
	Cluster      *service.ClusterService
	IPAM         *service.IPAMService
	State        *service.StateService
	Ansible      *service.AnsibleService
	Tracker      *tracker.Tracker
	Ledger       *history.Ledger
	// Health is optional; without it readiness only checks the store.
	Health   *provider.HealthChecker
	Store    Pinger
	Reloader Reloader
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		orchestrator: deps.Orchestrator,
		vms:          deps.VMs,
		cluster:      deps.Cluster,
		ipam:         deps.IPAM,
		state:        deps.State,
		ansible:      deps.Ansible,
		tracker:      deps.Tracker,
		ledger:       deps.Ledger,
		health:       deps.Health,
		store:        deps.Store,
		reloader:     deps.Reloader,
	}
}

// fail hands err to the error middleware.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
}

// bind decodes a JSON body. An empty body leaves out untouched.
func bind(c *gin.Context, out interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		fail(c, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fail(c, invalidField(name, name+" must be an integer"))
		return 0, false
	}
	return v, true
}
