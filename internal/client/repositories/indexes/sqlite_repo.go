package indexes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/models"
)

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, projetUUID string) (models.ProjectIndex, error) {
	var last sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT last_updated FROM project_index WHERE projet_uuid = ?`, projetUUID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProjectIndex{}, common.ErrorNotFound
	}
	if err != nil {
		return models.ProjectIndex{}, fmt.Errorf("failed to get index of %s: %w", projetUUID, err)
	}

	entries, err := r.entries(ctx, projetUUID)
	if err != nil {
		return models.ProjectIndex{}, err
	}

	var mark *int64
	if last.Valid {
		v := last.Int64
		mark = &v
	}
	return models.NewProjectIndex(projetUUID, entries, nil, mark), nil
}

func (r *SQLiteRepository) entries(ctx context.Context, projetUUID string) ([]models.IndexEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uuid, tbl FROM index_entries WHERE projet_uuid = ? ORDER BY pos`, projetUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to select index entries of %s: %w", projetUUID, err)
	}
	defer rows.Close()

	result := []models.IndexEntry{}
	for rows.Next() {
		var e models.IndexEntry
		var table string
		if err := rows.Scan(&e.UUID, &table); err != nil {
			return nil, fmt.Errorf("failed to scan index entry: %w", err)
		}
		e.Table = models.Table(table)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate index entries: %w", err)
	}
	return result, nil
}

// Save must run inside a transaction for the manifest to be replaced
// atomically; the store does that.
func (r *SQLiteRepository) Save(ctx context.Context, idx models.ProjectIndex) error {
	var last any
	if idx.LastUpdated != nil {
		last = *idx.LastUpdated
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO project_index (projet_uuid, last_updated) VALUES (?, ?)
		ON CONFLICT(projet_uuid) DO UPDATE SET last_updated = excluded.last_updated
	`, idx.ProjetUUID, last)
	if err != nil {
		return fmt.Errorf("failed to save index of %s: %w", idx.ProjetUUID, err)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM index_entries WHERE projet_uuid = ?`, idx.ProjetUUID); err != nil {
		return fmt.Errorf("failed to replace index entries of %s: %w", idx.ProjetUUID, err)
	}
	for pos, e := range idx.Index {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO index_entries (projet_uuid, pos, uuid, tbl) VALUES (?, ?, ?, ?)
			ON CONFLICT(projet_uuid, uuid) DO NOTHING
		`, idx.ProjetUUID, pos, e.UUID, string(e.Table))
		if err != nil {
			return fmt.Errorf("failed to insert index entry %s: %w", e.UUID, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Reset(ctx context.Context, projetUUID string) error {
	return r.Save(ctx, models.ProjectIndex{ProjetUUID: projetUUID})
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.ProjectIndex, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT projet_uuid FROM project_index ORDER BY projet_uuid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate indexes: %w", err)
	}

	result := make([]models.ProjectIndex, 0, len(ids))
	for _, id := range ids {
		idx, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, idx)
	}
	return result, nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	for _, q := range []string{`DELETE FROM index_entries`, `DELETE FROM project_index`} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to clear indexes: %w", err)
		}
	}
	return nil
}
