package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/client/migrations"
	"github.com/dmitrijs2005/digsync/internal/logging"
	_ "modernc.org/sqlite"
)

// InitDatabase opens the SQLite file at dsn and brings its schema up to
// date. SQLite allows one writer; the pool is capped at one connection so
// transactions queue instead of failing with SQLITE_BUSY.
func InitDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", dsn, err)
	}
	return db, nil
}

// Open is InitDatabase followed by New.
func Open(ctx context.Context, dsn string, log logging.Logger) (*Store, error) {
	db, err := InitDatabase(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return New(db, log), nil
}
