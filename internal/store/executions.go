package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvaper/proxmox-commander/internal/domain"
)

const execColumns = `id, kind, status, target, parameters, owner, error, created_at, started_at, finished_at`

// CreateExecution inserts a pending execution.
func (s *Store) CreateExecution(ctx context.Context, e *domain.Execution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionPending
	}
	params, err := json.Marshal(nonNilMap(e.Parameters))
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	_, err = s.exec(ctx, s.db, `INSERT INTO executions (`+execColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), string(e.Status), e.Target, string(params), e.Owner, e.Error,
		toMicros(e.CreatedAt), nullMicros(e.StartedAt), nullMicros(e.FinishedAt))
	if err != nil {
		return mapInsertError(err, "execution")
	}
	return nil
}

// GetExecution loads one execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+execColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// TransitionExecution moves an execution from one status to another. The
// update only applies while the row is still in from; otherwise
// ErrStaleVersion is returned and nothing changes. Terminal statuses are
// never left.
func (s *Store) TransitionExecution(ctx context.Context, id string, from, to domain.ExecutionStatus, errMsg string) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s: %w", from, to, ErrStaleVersion)
	}

	now := toMicros(s.now())
	var (
		res sql.Result
		err error
	)
	switch {
	case to == domain.ExecutionRunning:
		res, err = s.exec(ctx, s.db,
			`UPDATE executions SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
	case to.Terminal():
		res, err = s.exec(ctx, s.db,
			`UPDATE executions SET status = ?, error = ?, finished_at = ? WHERE id = ? AND status = ?`,
			string(to), errMsg, now, id, string(from))
	default:
		res, err = s.exec(ctx, s.db,
			`UPDATE executions SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return fmt.Errorf("failed to transition execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if _, gerr := s.GetExecution(ctx, id); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleVersion
	}
	return nil
}

// ListExecutions returns one page of executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, f domain.ExecutionFilter) (*domain.ExecutionPage, error) {
	f.Normalize()

	var (
		where []string
		args  []interface{}
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM executions`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	pageArgs := append(append([]interface{}{}, args...), f.PageSize, (f.Page-1)*f.PageSize)
	rows, err := s.query(ctx, s.db,
		`SELECT `+execColumns+` FROM executions`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	page := &domain.ExecutionPage{Items: []*domain.Execution{}, Total: total, Page: f.Page, PageSize: f.PageSize}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		page.Items = append(page.Items, e)
	}
	return page, rows.Err()
}

// ListExecutionsByStatus returns executions in status started before the
// given time; a zero time matches all.
func (s *Store) ListExecutionsByStatus(ctx context.Context, status domain.ExecutionStatus, before time.Time) ([]*domain.Execution, error) {
	query := `SELECT ` + execColumns + ` FROM executions WHERE status = ?`
	args := []interface{}{string(status)}
	if !before.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, toMicros(before))
	}
	query += ` ORDER BY created_at`

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExecution removes an execution and its logs.
func (s *Store) DeleteExecution(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM execution_logs WHERE execution_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete execution logs: %w", err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM executions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete execution: %w", err)
		}
		return requireAffected(res)
	})
}

// AppendLog appends one chunk of output and returns its sequence number.
func (s *Store) AppendLog(ctx context.Context, executionID, content string) (int64, error) {
	now := toMicros(s.now())
	if s.dialect == DialectPostgres {
		var seq int64
		err := s.queryRow(ctx, s.db,
			`INSERT INTO execution_logs (execution_id, content, created_at) VALUES (?, ?, ?) RETURNING seq`,
			executionID, content, now).Scan(&seq)
		if err != nil {
			return 0, fmt.Errorf("failed to append log: %w", err)
		}
		return seq, nil
	}
	res, err := s.exec(ctx, s.db,
		`INSERT INTO execution_logs (execution_id, content, created_at) VALUES (?, ?, ?)`,
		executionID, content, now)
	if err != nil {
		return 0, fmt.Errorf("failed to append log: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read log sequence: %w", err)
	}
	return seq, nil
}

// Logs returns chunks of an execution with seq greater than after, in order.
func (s *Store) Logs(ctx context.Context, executionID string, after int64) ([]domain.LogChunk, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT seq, content, created_at FROM execution_logs WHERE execution_id = ? AND seq > ? ORDER BY seq`,
		executionID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	defer rows.Close()

	out := []domain.LogChunk{}
	for rows.Next() {
		var (
			c  domain.LogChunk
			at int64
		)
		if err := rows.Scan(&c.Seq, &c.Content, &at); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		c.ExecutionID = executionID
		c.CreatedAt = fromMicros(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var (
		e                   domain.Execution
		kind, status        string
		params              string
		createdAt           int64
		startedAt, finished sql.NullInt64
	)
	if err := row.Scan(&e.ID, &kind, &status, &e.Target, &params, &e.Owner, &e.Error,
		&createdAt, &startedAt, &finished); err != nil {
		return nil, err
	}
	e.Kind = domain.ExecutionKind(kind)
	e.Status = domain.ExecutionStatus(status)
	e.CreatedAt = fromMicros(createdAt)
	e.StartedAt = fromNullMicros(startedAt)
	e.FinishedAt = fromNullMicros(finished)
	if params != "" {
		if err := json.Unmarshal([]byte(params), &e.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	return &e, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
