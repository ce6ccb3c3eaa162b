package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

const entryColumns = `id, uuid, action, data, attempts, last_error, blocked`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Enqueue(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Object)
	if err != nil {
		return fmt.Errorf("failed to encode outbox entry %s: %w", e.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO outbox (id, uuid, action, data, attempts, last_error, blocked)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UUID, string(e.Action), data, e.Attempts, e.LastError, e.Blocked)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", e.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select outbox: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var (
			e      Entry
			action string
			data   []byte
		)
		if err := rows.Scan(&e.ID, &e.UUID, &action, &data, &e.Attempts, &e.LastError, &e.Blocked); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Action = protocol.EnvelopeAction(action)
		e.Object = &models.Object{}
		if err := json.Unmarshal(data, e.Object); err != nil {
			return nil, fmt.Errorf("%w: outbox entry %s: %v", common.ErrStoreCorrupt, e.ID, err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", err)
	}
	return result, nil
}

func (r *SQLiteRepository) Heads(ctx context.Context, limit int) ([]Entry, error) {
	return r.query(ctx, `
		SELECT `+entryColumns+` FROM outbox o
		WHERE o.blocked = 0
		  AND o.id = (SELECT MIN(id) FROM outbox WHERE uuid = o.uuid)
		ORDER BY o.id
		LIMIT ?
	`, limit)
}

func (r *SQLiteRepository) ByUUID(ctx context.Context, uuid string) ([]Entry, error) {
	return r.query(ctx, `SELECT `+entryColumns+` FROM outbox WHERE uuid = ? ORDER BY id`, uuid)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete outbox entry %s: %w", id, err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteByUUID(ctx context.Context, uuid string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("failed to delete outbox entries of %s: %w", uuid, err)
	}
	return nil
}

func (r *SQLiteRepository) RecordFailure(ctx context.Context, id string, msg string, blocked bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = ?, blocked = ? WHERE id = ?
	`, msg, blocked, id)
	if err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *SQLiteRepository) Unblock(ctx context.Context, uuid string, asUpdate bool) error {
	query := `UPDATE outbox SET blocked = 0, last_error = '' WHERE uuid = ?`
	if asUpdate {
		query = `UPDATE outbox SET blocked = 0, last_error = '', action = 'UPDATE' WHERE uuid = ?`
	}
	if _, err := r.db.ExecContext(ctx, query, uuid); err != nil {
		return fmt.Errorf("failed to unblock %s: %w", uuid, err)
	}
	return nil
}

func (r *SQLiteRepository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) CountByUUID(ctx context.Context, uuid string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM outbox WHERE uuid = ?`, uuid)
}

func (r *SQLiteRepository) HasCreate(ctx context.Context, uuid string) (bool, error) {
	n, err := r.count(ctx, `SELECT COUNT(*) FROM outbox WHERE uuid = ? AND action = 'CREATE'`, uuid)
	return n > 0, err
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM outbox`)
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}
