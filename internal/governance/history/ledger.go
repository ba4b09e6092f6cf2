// Package history implements the VM history ledger.
//
// Entries are append-only audit records of every mutating action. Writing an
// entry never fails the operation that produced it. Entries that carry a
// definition snapshot can be rolled back, which restores the definition file
// and the configuration row but never touches live infrastructure.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dvaper/proxmox-commander/internal/domain"
	"github.com/dvaper/proxmox-commander/internal/identity"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
	"github.com/dvaper/proxmox-commander/internal/pkg/logger"
	"github.com/dvaper/proxmox-commander/internal/provider"
	"github.com/dvaper/proxmox-commander/internal/store"
)

// Default list sizes.
const (
	DefaultGlobalLimit = 100
	DefaultVMLimit     = 50
)

// Store is the persistence the ledger needs.
type Store interface {
	InsertHistory(ctx context.Context, h *domain.HistoryEntry) error
	GetHistory(ctx context.Context, id string) (*domain.HistoryEntry, error)
	ListHistory(ctx context.Context, f domain.HistoryFilter) ([]*domain.HistoryEntry, error)

	GetVM(ctx context.Context, name string) (*domain.VMConfig, error)
	InsertVM(ctx context.Context, vm *domain.VMConfig) error
	UpdateVM(ctx context.Context, vm *domain.VMConfig) error
}

// Locker serializes mutations per VM name.
type Locker interface {
	Lock(name string) (release func(), err error)
}

// Ledger records and rolls back history entries.
type Ledger struct {
	store Store
	ws    provider.Workspace
	locks Locker
}

// NewLedger creates a Ledger.
func NewLedger(st Store, ws provider.Workspace, locks Locker) *Ledger {
	return &Ledger{store: st, ws: ws, locks: locks}
}

// Record appends entry. Failures are logged and swallowed.
func (l *Ledger) Record(ctx context.Context, entry *domain.HistoryEntry) {
	if entry.ID == "" {
		entry.ID = generateID()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}
	if err := l.store.InsertHistory(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("Failed to write history entry",
			logger.VMName(entry.VMName),
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
	}
}

// ListGlobal returns the newest entries across all VMs.
func (l *Ledger) ListGlobal(ctx context.Context, limit int, action domain.HistoryAction) ([]domain.HistorySummary, error) {
	if limit <= 0 {
		limit = DefaultGlobalLimit
	}
	if action != "" && !action.Valid() {
		return nil, apperrors.ErrValidationf("unknown history action %q", action)
	}
	return l.list(ctx, domain.HistoryFilter{Action: action, Limit: limit})
}

// ListForVM returns the newest entries of one VM.
func (l *Ledger) ListForVM(ctx context.Context, name string, limit int) ([]domain.HistorySummary, error) {
	if limit <= 0 {
		limit = DefaultVMLimit
	}
	return l.list(ctx, domain.HistoryFilter{VMName: name, Limit: limit})
}

func (l *Ledger) list(ctx context.Context, f domain.HistoryFilter) ([]domain.HistorySummary, error) {
	entries, err := l.store.ListHistory(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]domain.HistorySummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Summary())
	}
	return out, nil
}

// Get returns one entry with its snapshots.
func (l *Ledger) Get(ctx context.Context, id string) (*domain.HistoryEntry, error) {
	e, err := l.store.GetHistory(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound(apperrors.CodeHistoryNotFound, fmt.Sprintf("history entry %s not found", id)).
			WithParams(map[string]interface{}{"id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	return e, nil
}

// Rollback restores the before or after snapshot of entry id as the VM's
// definition and configuration row, and records a rollback entry.
func (l *Ledger) Rollback(ctx context.Context, id string, target domain.RestoreTarget, actor string) (*domain.HistoryEntry, error) {
	if target != domain.RestoreBefore && target != domain.RestoreAfter {
		return nil, apperrors.ErrValidationf("rollback target must be before or after, got %q", target)
	}
	entry, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	release, err := l.locks.Lock(entry.VMName)
	if err != nil {
		return nil, err
	}
	defer release()

	snapshot := entry.ConfigAfter
	if target == domain.RestoreBefore {
		snapshot = entry.ConfigBefore
	}
	if snapshot == "" {
		return nil, apperrors.BadRequest(apperrors.CodeNoSnapshot,
			fmt.Sprintf("history entry %s has no %s snapshot", id, target)).
			WithParams(map[string]interface{}{"id": id, "target": target})
	}

	restored, err := l.ws.Parse([]byte(snapshot))
	if err != nil {
		return nil, apperrors.ErrValidationf("snapshot of %s cannot be parsed: %v", id, err)
	}
	if restored.Name != entry.VMName {
		return nil, apperrors.ErrValidationf("snapshot names vm %q, entry belongs to %q", restored.Name, entry.VMName)
	}
	if err := identity.Check(restored.VMID, restored.IPAddress); err != nil {
		return nil, err
	}

	var current string
	if text, err := l.ws.Read(entry.VMName); err == nil {
		current = string(text)
	} else if !apperrors.Is(err, apperrors.KindNotFound) {
		return nil, err
	}

	if err := l.ws.Write(entry.VMName, []byte(snapshot)); err != nil {
		return nil, fmt.Errorf("write definition: %w", err)
	}
	if err := l.upsertRow(ctx, restored); err != nil {
		return nil, err
	}

	rb := &domain.HistoryEntry{
		VMName:       entry.VMName,
		Action:       domain.ActionRollback,
		Actor:        actor,
		ConfigBefore: current,
		ConfigAfter:  snapshot,
		Metadata: map[string]interface{}{
			"rolled_back_to": id,
			"target":         string(target),
		},
	}
	l.Record(ctx, rb)

	logger.Info("Configuration rolled back",
		logger.VMName(entry.VMName),
		logger.HistoryID(id),
		logger.Actor(actor),
		zap.String("target", string(target)),
	)
	return rb, nil
}

// upsertRow writes restored into the configuration table. A missing row is
// recreated as planned; an existing row keeps its status and ownership.
func (l *Ledger) upsertRow(ctx context.Context, restored *domain.VMConfig) error {
	existing, err := l.store.GetVM(ctx, restored.Name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		restored.Status = domain.VMStatusPlanned
		err = l.store.InsertVM(ctx, restored)
	case err != nil:
		return fmt.Errorf("load vm config: %w", err)
	default:
		restored.Status = existing.Status
		restored.Owner = existing.Owner
		restored.CreatedAt = existing.CreatedAt
		err = l.store.UpdateVM(ctx, restored)
	}
	if errors.Is(err, store.ErrDuplicateIP) {
		return apperrors.ErrIPConflictf(restored.IPAddress)
	}
	if err != nil {
		return fmt.Errorf("restore vm config: %w", err)
	}
	return nil
}

func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
