// Package outbox persists the push queue of the device: one entry per
// committed local version, sent to the server in id (ulid) order and
// head-of-line blocked per object uuid.
package outbox

import (
	"context"

	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// Entry is one queued envelope. Blocked entries wait for the user to
// resolve a conflict and stop every later entry of the same uuid.
type Entry struct {
	ID        string
	UUID      string
	Action    protocol.EnvelopeAction
	Object    *models.Object
	Attempts  int
	LastError string
	Blocked   bool
}

// Envelope renders the entry as a push request item.
func (e Entry) Envelope() protocol.Envelope {
	return protocol.NewRequestEnvelope(e.Action, e.Object)
}

type Repository interface {
	Enqueue(ctx context.Context, e Entry) error
	// Heads returns, oldest first, the first queued entry of each uuid,
	// skipping uuids whose first entry is blocked.
	Heads(ctx context.Context, limit int) ([]Entry, error)
	ByUUID(ctx context.Context, uuid string) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	DeleteByUUID(ctx context.Context, uuid string) error
	RecordFailure(ctx context.Context, id string, msg string, blocked bool) error
	// Unblock clears the blocked flag of every entry of uuid, optionally
	// turning queued CREATEs into UPDATEs.
	Unblock(ctx context.Context, uuid string, asUpdate bool) error
	CountByUUID(ctx context.Context, uuid string) (int, error)
	HasCreate(ctx context.Context, uuid string) (bool, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}
