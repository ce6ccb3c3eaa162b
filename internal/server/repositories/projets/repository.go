// Package projets stores per-project configuration. Configuration lives
// beside the versioned objects and is replaced wholesale on update.
package projets

import (
	"context"
	"encoding/json"
)

type Repository interface {
	// GetConfig returns the stored configuration, or common.ErrorNotFound.
	GetConfig(ctx context.Context, projetUUID string) (json.RawMessage, error)
	UpsertConfig(ctx context.Context, projetUUID string, config json.RawMessage, authorUUID string, modified int64) error
	CopyConfig(ctx context.Context, fromProjet, toProjet string, modified int64) error
}
