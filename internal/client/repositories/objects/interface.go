package objects

import (
	"context"

	"github.com/dmitrijs2005/digsync/internal/models"
)

type Repository interface {
	// Get returns the current value with its history, or common.ErrorNotFound.
	Get(ctx context.Context, uuid string) (*models.Object, error)
	// FindAllByTable returns current values without history.
	FindAllByTable(ctx context.Context, table models.Table, projetUUID string) ([]*models.Object, error)
	// FindPending returns current values of every object awaiting acknowledgement.
	FindPending(ctx context.Context) ([]*models.Object, error)
	// KnownUUIDs lists the uuids stored for a project.
	KnownUUIDs(ctx context.Context, projetUUID string) (map[string]struct{}, error)
	CountByTable(ctx context.Context, table models.Table, projetUUID string) (int, error)

	Upsert(ctx context.Context, o *models.Object) error
	SetFlags(ctx context.Context, uuid string, pending bool, syncError string) error
	AppendVersion(ctx context.Context, uuid string, v models.Version) error
	Versions(ctx context.Context, uuid string) ([]models.Version, error)
	Delete(ctx context.Context, uuid string) error

	PutDeferred(ctx context.Context, o *models.Object) error
	TakeDeferred(ctx context.Context, uuid string) (*models.Object, error)

	Clear(ctx context.Context) error
}
