// Package objects provides the PostgreSQL repository holding the server's
// authoritative copy of every syncable object: one current row per uuid,
// its dense version history, the per-project write clock and the tag
// counters.
package objects

import (
	"context"

	"github.com/dmitrijs2005/digsync/internal/models"
)

type Repository interface {
	// Get returns the current value with its latest version, or
	// common.ErrorNotFound.
	Get(ctx context.Context, uuid string) (*models.Object, error)
	// GetForUpdate is Get holding the row lock until the transaction ends.
	GetForUpdate(ctx context.Context, uuid string) (*models.Object, error)
	GetMany(ctx context.Context, uuids []string) ([]*models.Object, error)
	ListByTable(ctx context.Context, table models.Table) ([]*models.Object, error)
	ListByProjet(ctx context.Context, projetUUID string, liveOnly bool) ([]*models.Object, error)

	// Insert stores the first version of o. It returns common.ErrConflict
	// when the uuid is already taken.
	Insert(ctx context.Context, o *models.Object, seq int) error
	Update(ctx context.Context, o *models.Object, seq int) error
	AppendVersion(ctx context.Context, uuid string, v models.Version) error
	Versions(ctx context.Context, uuid string) ([]models.Version, error)

	// IndexSince lists the identities modified after since (all of them when
	// since is nil) and the newest modification time seen, never below since.
	IndexSince(ctx context.Context, projetUUID string, since *int64) ([]models.IndexEntry, *int64, error)

	// Stamp advances the project clock to at least now and returns it.
	Stamp(ctx context.Context, projetUUID string, now int64) (int64, error)
	NextTagSeq(ctx context.Context, projetUUID string, table models.Table) (int, error)
	CopyTagCounters(ctx context.Context, fromProjet, toProjet string) error
}
