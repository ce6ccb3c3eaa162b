package objects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/models"
)

const objectColumns = `uuid, tbl, projet_uuid, live, created, author_uuid, tag, tag_hash, custom_tag, modified, seq, payload`

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

// scanObject reads one current row. The row is also the latest version, so
// it is returned as the only entry of Versions.
func scanObject(s scanner) (*models.Object, error) {
	var (
		o       models.Object
		table   string
		live    bool
		seq     int
		payload []byte
	)
	err := s.Scan(&o.UUID, &table, &o.ProjetUUID, &live, &o.Created, &o.AuthorUUID,
		&o.Tag, &o.TagHash, &o.CustomTag, &o.Modified, &seq, &payload)
	if err != nil {
		return nil, err
	}
	o.Table = models.Table(table)
	o.Status = models.StatusFromLive(live)
	if payload != nil {
		o.Payload = json.RawMessage(payload)
	}
	o.Versions = []models.Version{{
		Seq:        seq,
		Status:     o.Status,
		AuthorUUID: o.AuthorUUID,
		Modified:   o.Modified,
		Tag:        o.Tag,
		Payload:    o.Payload,
	}}
	return &o, nil
}

func jsonArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return []byte(p)
}

func (r *PostgresRepository) get(ctx context.Context, query, uuid string) (*models.Object, error) {
	o, err := scanObject(r.db.QueryRowContext(ctx, query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", uuid, err)
	}
	return o, nil
}

func (r *PostgresRepository) Get(ctx context.Context, uuid string) (*models.Object, error) {
	return r.get(ctx, `SELECT `+objectColumns+` FROM objects WHERE uuid = $1`, uuid)
}

func (r *PostgresRepository) GetForUpdate(ctx context.Context, uuid string) (*models.Object, error) {
	return r.get(ctx, `SELECT `+objectColumns+` FROM objects WHERE uuid = $1 FOR UPDATE`, uuid)
}

func (r *PostgresRepository) query(ctx context.Context, what, query string, args ...any) ([]*models.Object, error) {
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
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) GetMany(ctx context.Context, uuids []string) ([]*models.Object, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(uuids))
	args := make([]any, len(uuids))
	for i, id := range uuids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return r.query(ctx, "objects",
		`SELECT `+objectColumns+` FROM objects WHERE uuid IN (`+strings.Join(placeholders, ", ")+`)`, args...)
}

func (r *PostgresRepository) ListByTable(ctx context.Context, table models.Table) ([]*models.Object, error) {
	return r.query(ctx, string(table),
		`SELECT `+objectColumns+` FROM objects WHERE tbl = $1 ORDER BY created, uuid`, string(table))
}

func (r *PostgresRepository) ListByProjet(ctx context.Context, projetUUID string, liveOnly bool) ([]*models.Object, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE projet_uuid = $1`
	if liveOnly {
		query += ` AND live`
	}
	return r.query(ctx, "projet objects", query+` ORDER BY created, uuid`, projetUUID)
}

func (r *PostgresRepository) Insert(ctx context.Context, o *models.Object, seq int) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO objects (`+objectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (uuid) DO NOTHING`,
		o.UUID, string(o.Table), o.ProjetUUID, o.Status.Live(), o.Created, o.AuthorUUID,
		o.Tag, o.TagHash, o.CustomTag, o.Modified, seq, jsonArg(o.Payload))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// Update rewrites the current row. Table and project are immutable and
// are not touched.
func (r *PostgresRepository) Update(ctx context.Context, o *models.Object, seq int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE objects SET live = $2, author_uuid = $3, tag = $4, tag_hash = $5, custom_tag = $6,
			modified = $7, seq = $8, payload = $9
		WHERE uuid = $1`,
		o.UUID, o.Status.Live(), o.AuthorUUID, o.Tag, o.TagHash, o.CustomTag, o.Modified, seq, jsonArg(o.Payload))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) AppendVersion(ctx context.Context, uuid string, v models.Version) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO object_versions (uuid, seq, live, author_uuid, modified, tag, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid, v.Seq, v.Status.Live(), v.AuthorUUID, v.Modified, v.Tag, jsonArg(v.Payload))
	if err != nil {
		return fmt.Errorf("failed to append version %d of %s: %w", v.Seq, uuid, err)
	}
	return nil
}

func (r *PostgresRepository) Versions(ctx context.Context, uuid string) ([]models.Version, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, live, author_uuid, modified, tag, payload FROM object_versions
		WHERE uuid = $1 ORDER BY seq`, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to select versions: %w", err)
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
			return nil, err
		}
		v.Status = models.StatusFromLive(live)
		if payload != nil {
			v.Payload = json.RawMessage(payload)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) IndexSince(ctx context.Context, projetUUID string, since *int64) ([]models.IndexEntry, *int64, error) {
	query := `SELECT uuid, tbl, modified FROM objects WHERE projet_uuid = $1`
	args := []any{projetUUID}
	if since != nil {
		query += ` AND modified > $2`
		args = append(args, *since)
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY modified, uuid`, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select index: %w", err)
	}
	defer rows.Close()

	var (
		entries []models.IndexEntry
		mark    *int64
	)
	if since != nil {
		v := *since
		mark = &v
	}
	for rows.Next() {
		var (
			e        models.IndexEntry
			table    string
			modified int64
		)
		if err := rows.Scan(&e.UUID, &table, &modified); err != nil {
			return nil, nil, err
		}
		e.Table = models.Table(table)
		entries = append(entries, e)
		if mark == nil || modified > *mark {
			m := modified
			mark = &m
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return entries, mark, nil
}

func (r *PostgresRepository) Stamp(ctx context.Context, projetUUID string, now int64) (int64, error) {
	var stamp int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO projet_clocks (projet_uuid, last_modified) VALUES ($1, $2)
		ON CONFLICT (projet_uuid)
		DO UPDATE SET last_modified = GREATEST(projet_clocks.last_modified + 1, EXCLUDED.last_modified)
		RETURNING last_modified`, projetUUID, now).Scan(&stamp)
	if err != nil {
		return 0, fmt.Errorf("failed to stamp projet %s: %w", projetUUID, err)
	}
	return stamp, nil
}

func (r *PostgresRepository) NextTagSeq(ctx context.Context, projetUUID string, table models.Table) (int, error) {
	var seq int
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO tag_counters (projet_uuid, tbl, value) VALUES ($1, $2, 1)
		ON CONFLICT (projet_uuid, tbl)
		DO UPDATE SET value = tag_counters.value + 1
		RETURNING value`, projetUUID, string(table)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to count tag: %w", err)
	}
	return seq, nil
}

func (r *PostgresRepository) CopyTagCounters(ctx context.Context, fromProjet, toProjet string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tag_counters (projet_uuid, tbl, value)
		SELECT $2, tbl, value FROM tag_counters WHERE projet_uuid = $1
		ON CONFLICT (projet_uuid, tbl) DO UPDATE SET value = EXCLUDED.value`, fromProjet, toProjet)
	if err != nil {
		return fmt.Errorf("failed to copy tag counters: %w", err)
	}
	return nil
}
