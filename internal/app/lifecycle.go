package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
)

// Start starts all background services (river workers, health checks,
// reconciliation).
func (a *Application) Start(ctx context.Context) error {
	if a.Infra != nil && a.Infra.DB != nil && a.Infra.DB.RiverClient != nil {
		if err := a.Infra.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}
	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start module %s: %w", mod.Name(), err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	timeout := 30 * time.Second
	if a.Config != nil {
		if t := a.Config.Current().Server.ShutdownTimeout; t > 0 {
			timeout = t
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.Infra != nil && a.Infra.DB != nil && a.Infra.DB.RiverClient != nil {
		if err := a.Infra.DB.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(shutdownCtx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if a.Infra != nil {
		a.Infra.Close()
	}
}
