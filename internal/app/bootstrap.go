// Package app is the composition root. Bootstrap only wires modules; the
// behavior lives in the packages it composes.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"github.com/dvaper/proxmox-commander/internal/api/handlers"
	"github.com/dvaper/proxmox-commander/internal/app/modules"
	"github.com/dvaper/proxmox-commander/internal/config"
	"github.com/dvaper/proxmox-commander/internal/metrics"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Provider
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Provider) (*Application, error) {
	m := metrics.New()
	infra, err := modules.NewInfrastructure(ctx, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	governance := modules.NewGovernanceModule(infra)
	vm := modules.NewVMModule(infra, governance.Ledger())
	allModules := []modules.Module{
		governance,
		vm,
		modules.NewAdminModule(infra),
	}

	if infra.RiverEnabled() {
		workers := river.NewWorkers()
		for _, mod := range allModules {
			mod.RegisterWorkers(workers)
		}
		if err := infra.InitRiver(workers); err != nil {
			infra.Close()
			return nil, fmt.Errorf("init river workers: %w", err)
		}
		vm.UseRiver(infra.DB.RiverClient)
		logger.Info("Executions dispatched through river")
	}

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg.Current(), server, m),
		Infra:   infra,
		Modules: allModules,
	}, nil
}
