package usecase

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/keylock"
)

// Leases hands out the per-name mutation lease. A name leased by an
// operation in flight is rejected with VM_BUSY instead of waiting.
type Leases struct {
	set *keylock.Set
}

// NewLeases wraps set.
func NewLeases(set *keylock.Set) *Leases {
	return &Leases{set: set}
}

// Lock leases name.
func (l *Leases) Lock(name string) (func(), error) {
	lease, err := l.set.TryAcquire(name)
	if err != nil {
		return nil, busyError(name, err)
	}
	return lease.Release, nil
}

// LockAll leases every name or none.
func (l *Leases) LockAll(names ...string) (func(), error) {
	leases, err := l.set.TryAcquireAll(names...)
	if err != nil {
		return nil, busyError(names[0], err)
	}
	return func() { keylock.ReleaseAll(leases) }, nil
}

// Held reports whether name is leased in this process.
func (l *Leases) Held(name string) bool {
	return l.set.Held(name)
}

func busyError(name string, err error) error {
	if errors.Is(err, keylock.ErrBusy) {
		return apperrors.ErrVMBusyf(name).WithCause(err)
	}
	return fmt.Errorf("lease %s: %w", name, err)
}

type actorKey struct{}

// WithActor returns ctx carrying the initiating principal.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the initiating principal, or "system".
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}
