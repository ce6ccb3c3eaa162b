package objects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/models"
)

const objectColumns = `uuid, tbl, projet_uuid, live, created, author_uuid, tag, tag_hash, custom_tag, modified, payload, pending, sync_error`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObject(s scanner) (*models.Object, error) {
	var (
		o         models.Object
		table     string
		live      bool
		customTag bool
		payload   []byte
	)
	err := s.Scan(&o.UUID, &table, &o.ProjetUUID, &live, &o.Created, &o.AuthorUUID,
		&o.Tag, &o.TagHash, &customTag, &o.Modified, &payload, &o.Pending, &o.SyncError)
	if err != nil {
		return nil, err
	}
	o.Table = models.Table(table)
	o.Status = models.StatusFromLive(live)
	o.CustomTag = customTag
	if payload != nil {
		o.Payload = json.RawMessage(payload)
	}
	return &o, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, uuid string) (*models.Object, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects WHERE uuid = ?`, uuid)
	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", uuid, err)
	}

	o.Versions, err = r.Versions(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (r *SQLiteRepository) query(ctx context.Context, what string, query string, args ...any) ([]*models.Object, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", what, err)
	}
	defer rows.Close()

	var result []*models.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", what, err)
	}
	return result, nil
}

func (r *SQLiteRepository) FindAllByTable(ctx context.Context, table models.Table, projetUUID string) ([]*models.Object, error) {
	return r.query(ctx, "objects by table",
		`SELECT `+objectColumns+` FROM objects WHERE tbl = ? AND projet_uuid = ? ORDER BY created, uuid`,
		string(table), projetUUID)
}

func (r *SQLiteRepository) FindPending(ctx context.Context) ([]*models.Object, error) {
	return r.query(ctx, "pending objects",
		`SELECT `+objectColumns+` FROM objects WHERE pending = 1 ORDER BY created, uuid`)
}

func (r *SQLiteRepository) KnownUUIDs(ctx context.Context, projetUUID string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT uuid FROM objects WHERE projet_uuid = ?`, projetUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list uuids of %s: %w", projetUUID, err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan uuid: %w", err)
		}
		known[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate uuids: %w", err)
	}
	return known, nil
}

func (r *SQLiteRepository) CountByTable(ctx context.Context, table models.Table, projetUUID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE tbl = ? AND projet_uuid = ?`, string(table), projetUUID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// Upsert writes the current value of o. History is left alone; use
// AppendVersion for that.
func (r *SQLiteRepository) Upsert(ctx context.Context, o *models.Object) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO objects (`+objectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			live = excluded.live,
			created = excluded.created,
			author_uuid = excluded.author_uuid,
			tag = excluded.tag,
			tag_hash = excluded.tag_hash,
			custom_tag = excluded.custom_tag,
			modified = excluded.modified,
			payload = excluded.payload,
			pending = excluded.pending,
			sync_error = excluded.sync_error
	`, o.UUID, string(o.Table), o.ProjetUUID, o.Status.Live(), o.Created, o.AuthorUUID,
		o.Tag, o.TagHash, o.CustomTag, o.Modified, []byte(o.Payload), o.Pending, o.SyncError)
	if err != nil {
		return fmt.Errorf("failed to upsert object %s: %w", o.UUID, err)
	}
	return nil
}

func (r *SQLiteRepository) SetFlags(ctx context.Context, uuid string, pending bool, syncError string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE objects SET pending = ?, sync_error = ? WHERE uuid = ?`, pending, syncError, uuid)
	if err != nil {
		return fmt.Errorf("failed to flag object %s: %w", uuid, err)
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

func (r *SQLiteRepository) AppendVersion(ctx context.Context, uuid string, v models.Version) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO versions (uuid, seq, live, author_uuid, modified, tag, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid, v.Seq, v.Status.Live(), v.AuthorUUID, v.Modified, v.Tag, []byte(v.Payload))
	if err != nil {
		return fmt.Errorf("failed to append version %d of %s: %w", v.Seq, uuid, err)
	}
	return nil
}

func (r *SQLiteRepository) Versions(ctx context.Context, uuid string) ([]models.Version, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, live, author_uuid, modified, tag, payload
		FROM versions WHERE uuid = ? ORDER BY seq
	`, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to select versions of %s: %w", uuid, err)
	}
	defer rows.Close()

	var result []models.Version
	for rows.Next() {
		var (
			v       models.Version
			live    bool
			payload []byte
		)
		if err := rows.Scan(&v.Seq, &live, &v.AuthorUUID, &v.Modified, &v.Tag, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.Status = models.StatusFromLive(live)
		if payload != nil {
			v.Payload = json.RawMessage(payload)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	return result, nil
}

// Delete drops a local copy that the server never acknowledged. It is
// only used when the user discards a conflicting creation.
func (r *SQLiteRepository) Delete(ctx context.Context, uuid string) error {
	for _, q := range []string{
		`DELETE FROM versions WHERE uuid = ?`,
		`DELETE FROM deferred WHERE uuid = ?`,
		`DELETE FROM objects WHERE uuid = ?`,
	} {
		if _, err := r.db.ExecContext(ctx, q, uuid); err != nil {
			return fmt.Errorf("failed to delete object %s: %w", uuid, err)
		}
	}
	return nil
}

// PutDeferred parks a remote value of a dirty object. Only the newest one
// (by modified) is kept.
func (r *SQLiteRepository) PutDeferred(ctx context.Context, o *models.Object) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode deferred %s: %w", o.UUID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO deferred (uuid, modified, data) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET modified = excluded.modified, data = excluded.data
		WHERE excluded.modified >= deferred.modified
	`, o.UUID, o.Modified, data)
	if err != nil {
		return fmt.Errorf("failed to defer %s: %w", o.UUID, err)
	}
	return nil
}

// TakeDeferred removes and returns the parked remote value, or (nil, nil).
func (r *SQLiteRepository) TakeDeferred(ctx context.Context, uuid string) (*models.Object, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM deferred WHERE uuid = ?`, uuid).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deferred %s: %w", uuid, err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM deferred WHERE uuid = ?`, uuid); err != nil {
		return nil, fmt.Errorf("failed to drop deferred %s: %w", uuid, err)
	}

	var o models.Object
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: deferred %s: %v", common.ErrStoreCorrupt, uuid, err)
	}
	return &o, nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	for _, q := range []string{`DELETE FROM versions`, `DELETE FROM deferred`, `DELETE FROM objects`} {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to clear objects: %w", err)
		}
	}
	return nil
}
