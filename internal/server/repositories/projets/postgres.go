package projets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetConfig(ctx context.Context, projetUUID string) (json.RawMessage, error) {
	var config []byte
	err := r.db.QueryRowContext(ctx, `SELECT config FROM projet_configs WHERE projet_uuid = $1`, projetUUID).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config of %s: %w", projetUUID, err)
	}
	return json.RawMessage(config), nil
}

func (r *PostgresRepository) UpsertConfig(ctx context.Context, projetUUID string, config json.RawMessage, authorUUID string, modified int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projet_configs (projet_uuid, config, author_uuid, modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (projet_uuid)
		DO UPDATE SET config = EXCLUDED.config, author_uuid = EXCLUDED.author_uuid, modified = EXCLUDED.modified`,
		projetUUID, []byte(config), authorUUID, modified)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CopyConfig(ctx context.Context, fromProjet, toProjet string, modified int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projet_configs (projet_uuid, config, author_uuid, modified)
		SELECT $2, config, author_uuid, $3 FROM projet_configs WHERE projet_uuid = $1`,
		fromProjet, toProjet, modified)
	if err != nil {
		return fmt.Errorf("failed to copy config: %w", err)
	}
	return nil
}
