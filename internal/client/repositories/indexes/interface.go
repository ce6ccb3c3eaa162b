// Package indexes persists per-project manifests: the ordered list of
// object identities a device knows about and the high-water mark up to
// which that list is consistent with the server.
package indexes

import (
	"context"

	"github.com/dmitrijs2005/digsync/internal/models"
)

type Repository interface {
	// Get returns the stored manifest or common.ErrorNotFound.
	Get(ctx context.Context, projetUUID string) (models.ProjectIndex, error)
	// Save replaces the manifest of idx.ProjetUUID.
	Save(ctx context.Context, idx models.ProjectIndex) error
	// Reset empties the manifest and nulls its mark, keeping the project known.
	Reset(ctx context.Context, projetUUID string) error
	List(ctx context.Context) ([]models.ProjectIndex, error)
	Clear(ctx context.Context) error
}
