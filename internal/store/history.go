package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dvaper/proxmox-commander/internal/domain"
)

const historyColumns = `id, vm_name, action, actor, execution_id, metadata, config_before, config_after, created_at`

// InsertHistory appends one ledger entry. Entries are never updated.
func (s *Store) InsertHistory(ctx context.Context, h *domain.HistoryEntry) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = s.now()
	}
	meta, err := json.Marshal(nonNilMap(h.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = s.exec(ctx, s.db, `INSERT INTO vm_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.VMName, string(h.Action), h.Actor, h.ExecutionID, string(meta),
		h.ConfigBefore, h.ConfigAfter, toMicros(h.CreatedAt))
	if err != nil {
		return mapInsertError(err, "history entry")
	}
	return nil
}

// GetHistory loads one entry including its snapshots.
func (s *Store) GetHistory(ctx context.Context, id string) (*domain.HistoryEntry, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+historyColumns+` FROM vm_history WHERE id = ?`, id)
	h, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return h, nil
}

// ListHistory returns entries newest first.
func (s *Store) ListHistory(ctx context.Context, f domain.HistoryFilter) ([]*domain.HistoryEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.VMName != "" {
		where = append(where, "vm_name = ?")
		args = append(args, f.VMName)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	query := `SELECT ` + historyColumns + ` FROM vm_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	out := []*domain.HistoryEntry{}
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHistory(row rowScanner) (*domain.HistoryEntry, error) {
	var (
		h         domain.HistoryEntry
		action    string
		meta      string
		createdAt int64
	)
	if err := row.Scan(&h.ID, &h.VMName, &action, &h.Actor, &h.ExecutionID, &meta,
		&h.ConfigBefore, &h.ConfigAfter, &createdAt); err != nil {
		return nil, err
	}
	h.Action = domain.HistoryAction(action)
	h.CreatedAt = fromMicros(createdAt)
	h.Metadata = map[string]interface{}{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &h, nil
}
