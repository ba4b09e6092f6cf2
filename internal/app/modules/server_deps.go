package modules

import (
	"github.com/dvaper/proxmox-commander/internal/api/handlers"
)

// NewServerDeps builds base server deps then lets each module contribute its own.
func NewServerDeps(infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Tracker:  infra.Tracker,
		Store:    infra.Store,
		Reloader: infra.Config,
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
