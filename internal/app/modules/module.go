// Package modules contains the dependency modules wired by the composition
// root. Infrastructure is shared; each Module owns one area of the API.
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"github.com/dvaper/proxmox-commander/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared river worker registry.
	RegisterWorkers(*river.Workers)

	// Start launches module background work bound to ctx.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}
