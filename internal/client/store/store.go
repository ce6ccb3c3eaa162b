// Package store is the device's local object store. It keeps the current
// value of every object with its acknowledged history, queues local
// commits for push, parks remote values of dirty objects and persists the
// per-project manifests. Every write to an object runs under that object's
// key lock and inside one SQL transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/dmitrijs2005/digsync/internal/client/notify"
	"github.com/dmitrijs2005/digsync/internal/client/repositories/indexes"
	"github.com/dmitrijs2005/digsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/digsync/internal/client/repositories/objects"
	"github.com/dmitrijs2005/digsync/internal/client/repositories/outbox"
	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// VersionPolicy tells Put where the value comes from.
type VersionPolicy int

const (
	// VersionPending records a local edit. The value becomes current and is
	// queued for push; history grows when the server acknowledges it.
	VersionPending VersionPolicy = iota
	// VersionAuthoritative records a server value. Its versions join the
	// history at once and nothing is queued.
	VersionAuthoritative
)

// TableTopic and ObjectTopic name the change-notification topics.
func TableTopic(t models.Table) string { return "table:" + string(t) }
func ObjectTopic(uuid string) string   { return "object:" + uuid }

// ApplyReport summarizes an ApplyRemote call.
type ApplyReport struct {
	Applied  int
	Deferred int
	Stale    int
	Rejected int
}

type Store struct {
	db      *sql.DB
	locks   *keyLock
	log     logging.Logger
	changes *notify.Bus[*models.Object]
	queued  chan struct{}
	now     func() int64
	newID   func() string
}

func New(db *sql.DB, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{
		db:      db,
		locks:   newKeyLock(),
		log:     log.With("module", "store"),
		changes: notify.New[*models.Object](),
		queued:  make(chan struct{}, 1),
		now:     common.NowMillis,
		newID:   func() string { return ulid.Make().String() },
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Changes is the bus on which every committed object change is published,
// under both its table topic and its object topic.
func (s *Store) Changes() *notify.Bus[*models.Object] {
	return s.changes
}

// Queued fires (coalesced) whenever a new envelope enters the outbox.
func (s *Store) Queued() <-chan struct{} {
	return s.queued
}

func (s *Store) Metadata() metadata.Repository {
	return metadata.NewSQLiteRepository(s.db)
}

func (s *Store) publish(o *models.Object) {
	if o == nil {
		return
	}
	s.changes.Publish(TableTopic(o.Table), o.Clone())
	s.changes.Publish(ObjectTopic(o.UUID), o.Clone())
}

func (s *Store) kick() {
	select {
	case s.queued <- struct{}{}:
	default:
	}
}

// Get returns the object with its history. A table of "" matches any table.
func (s *Store) Get(ctx context.Context, table models.Table, uuid string) (*models.Object, error) {
	o, err := objects.NewSQLiteRepository(s.db).Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if table != "" && o.Table != table {
		return nil, common.ErrorNotFound
	}
	return o, nil
}

// FindAllByTable returns every stored object of table in the project,
// archived ones included, without history.
func (s *Store) FindAllByTable(ctx context.Context, table models.Table, projetUUID string) ([]*models.Object, error) {
	return objects.NewSQLiteRepository(s.db).FindAllByTable(ctx, table, projetUUID)
}

func (s *Store) Versions(ctx context.Context, uuid string) ([]models.Version, error) {
	return objects.NewSQLiteRepository(s.db).Versions(ctx, uuid)
}

func (s *Store) KnownUUIDs(ctx context.Context, projetUUID string) (map[string]struct{}, error) {
	return objects.NewSQLiteRepository(s.db).KnownUUIDs(ctx, projetUUID)
}

// PendingObjects lists objects waiting for acknowledgement, flagged ones
// included.
func (s *Store) PendingObjects(ctx context.Context) ([]*models.Object, error) {
	return objects.NewSQLiteRepository(s.db).FindPending(ctx)
}

// Pending returns up to limit sendable outbox entries, one per uuid.
func (s *Store) Pending(ctx context.Context, limit int) ([]outbox.Entry, error) {
	return outbox.NewSQLiteRepository(s.db).Heads(ctx, limit)
}

// Queue lists the outbox entries of one object, oldest first.
func (s *Store) Queue(ctx context.Context, uuid string) ([]outbox.Entry, error) {
	return outbox.NewSQLiteRepository(s.db).ByUUID(ctx, uuid)
}

func (s *Store) QueueLength(ctx context.Context) (int, error) {
	return outbox.NewSQLiteRepository(s.db).Count(ctx)
}

// Put stores o. With VersionPending it returns the stored value and
// whether anything changed; a value equal to the current one is a no-op.
// With VersionAuthoritative the value goes through ApplyRemote rules and
// the returned object is nil when it was parked or ignored.
func (s *Store) Put(ctx context.Context, o *models.Object, policy VersionPolicy) (*models.Object, bool, error) {
	if err := o.Validate(); err != nil {
		return nil, false, err
	}
	if policy == VersionAuthoritative {
		report, stored, err := s.applyOne(ctx, o)
		return stored, report.Applied > 0, err
	}

	type result struct {
		obj     *models.Object
		changed bool
	}
	unlock := s.locks.Lock(o.UUID)
	res, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (result, error) {
		objs := objects.NewSQLiteRepository(tx)
		queue := outbox.NewSQLiteRepository(tx)

		cur, err := objs.Get(ctx, o.UUID)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return result{}, err
		}
		if errors.Is(err, common.ErrorNotFound) {
			cur = nil
		}

		next := o.Clone()
		if cur != nil {
			if err := cur.CheckSuccessor(next); err != nil {
				return result{}, err
			}
			next.Versions = cur.Versions
			if cur.SameContent(next) {
				return result{obj: cur}, nil
			}
			if cur.Created != 0 {
				next.Created = cur.Created
			}
			next.Modified = cur.Modified
			next.SyncError = cur.SyncError
			if next.Tag != cur.Tag {
				next.TagHash = ""
			} else {
				next.TagHash = cur.TagHash
			}
		} else {
			next.Versions = nil
			if next.Created == 0 {
				next.Created = s.now()
			}
		}
		if next.Tag != "" && next.TagHash == "" {
			next.TagHash = models.HashTag(next.ProjetUUID, next.Table, next.Tag)
		}
		next.Pending = true

		action := protocol.EnvelopeUpdate
		if len(next.Versions) == 0 {
			queuedCreate, err := queue.HasCreate(ctx, next.UUID)
			if err != nil {
				return result{}, err
			}
			if !queuedCreate {
				action = protocol.EnvelopeCreate
			}
		}

		snapshot := next.Clone()
		snapshot.Versions = nil
		entry := outbox.Entry{ID: s.newID(), UUID: next.UUID, Action: action, Object: snapshot}
		if err := queue.Enqueue(ctx, entry); err != nil {
			return result{}, err
		}
		if err := objs.Upsert(ctx, next); err != nil {
			return result{}, err
		}
		return result{obj: next, changed: true}, nil
	})
	unlock()
	if err != nil {
		return nil, false, fmt.Errorf("put %s/%s: %w", o.Table, o.UUID, err)
	}

	if res.changed {
		s.log.Debug(ctx, "object queued", "uuid", o.UUID, "table", o.Table)
		s.publish(res.obj)
		s.kick()
	}
	return res.obj, res.changed, nil
}

// MarkAcknowledged applies the server's reply to outbox entry entryID. The
// reply's versions join the history; tag, tag hash, created and modified
// are taken from the server. When no other entry of the object is queued
// the object stops being pending, and a parked remote value newer than the
// acknowledgement is applied.
func (s *Store) MarkAcknowledged(ctx context.Context, entryID string, ack *models.Object) (*models.Object, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(ack.UUID)
	stored, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (*models.Object, error) {
		objs := objects.NewSQLiteRepository(tx)
		queue := outbox.NewSQLiteRepository(tx)

		if err := queue.Delete(ctx, entryID); err != nil {
			return nil, err
		}

		cur, err := objs.Get(ctx, ack.UUID)
		if errors.Is(err, common.ErrorNotFound) {
			return s.applyLocked(ctx, objs, nil, ack)
		}
		if err != nil {
			return nil, err
		}
		if cur.Table != ack.Table {
			return nil, models.ErrTableMismatch
		}
		if cur.ProjetUUID != ack.ProjetUUID {
			return nil, models.ErrProjectMismatch
		}

		if err := absorb(ctx, objs, cur, ack.Versions); err != nil {
			return nil, err
		}
		if ack.Tag != "" {
			cur.Tag = ack.Tag
			cur.CustomTag = ack.CustomTag
		}
		if ack.TagHash != "" {
			cur.TagHash = ack.TagHash
		}
		if ack.Created != 0 {
			cur.Created = ack.Created
		}
		cur.Modified = common.MaxInt64(cur.Modified, ack.Modified)

		remaining, err := queue.CountByUUID(ctx, ack.UUID)
		if err != nil {
			return nil, err
		}
		if remaining > 0 {
			if err := objs.Upsert(ctx, cur); err != nil {
				return nil, err
			}
			return cur, nil
		}

		cur.Status = ack.Status
		cur.Payload = ack.Payload
		cur.AuthorUUID = ack.AuthorUUID
		cur.Pending = false
		cur.SyncError = ""
		if err := objs.Upsert(ctx, cur); err != nil {
			return nil, err
		}

		parked, err := objs.TakeDeferred(ctx, ack.UUID)
		if err != nil {
			return nil, err
		}
		if parked != nil && parked.Modified > cur.Modified {
			return s.applyLocked(ctx, objs, cur, parked)
		}
		return cur, nil
	})
	unlock()
	if err != nil {
		return nil, fmt.Errorf("acknowledge %s: %w", ack.UUID, err)
	}
	s.publish(stored)
	return stored, nil
}

// MarkError records a rejected push. The object stays pending and carries
// msg until a later acknowledgement clears it. A blocked entry stops every
// later entry of the same object until Resolve.
func (s *Store) MarkError(ctx context.Context, entryID, uuid, msg string, blocked bool) error {
	unlock := s.locks.Lock(uuid)
	stored, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (*models.Object, error) {
		objs := objects.NewSQLiteRepository(tx)
		if err := outbox.NewSQLiteRepository(tx).RecordFailure(ctx, entryID, msg, blocked); err != nil {
			return nil, err
		}
		if err := objs.SetFlags(ctx, uuid, true, msg); err != nil {
			return nil, err
		}
		return objs.Get(ctx, uuid)
	})
	unlock()
	if err != nil {
		return fmt.Errorf("flag %s: %w", uuid, err)
	}
	s.log.Warn(ctx, "push rejected", "uuid", uuid, "error", msg, "blocked", blocked)
	s.publish(stored)
	return nil
}

// Resolve settles a blocked object. keepLocal resends the local value as an
// update of the remote one; otherwise the local edits are dropped and the
// object falls back to its last acknowledged version, or disappears from
// the device when it never had one so that the next pull fetches the
// remote copy.
func (s *Store) Resolve(ctx context.Context, uuid string, keepLocal bool) error {
	unlock := s.locks.Lock(uuid)
	stored, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (*models.Object, error) {
		objs := objects.NewSQLiteRepository(tx)
		queue := outbox.NewSQLiteRepository(tx)

		cur, err := objs.Get(ctx, uuid)
		if err != nil {
			return nil, err
		}

		if keepLocal {
			if err := queue.Unblock(ctx, uuid, true); err != nil {
				return nil, err
			}
			cur.SyncError = ""
			if err := objs.SetFlags(ctx, uuid, cur.Pending, ""); err != nil {
				return nil, err
			}
			return cur, nil
		}

		if err := queue.DeleteByUUID(ctx, uuid); err != nil {
			return nil, err
		}
		last, ok := cur.Latest()
		if !ok {
			return nil, objs.Delete(ctx, uuid)
		}
		cur.Status = last.Status
		cur.Payload = last.Payload
		cur.AuthorUUID = last.AuthorUUID
		cur.Tag = last.Tag
		cur.Modified = common.MaxInt64(cur.Modified, last.Modified)
		cur.Pending = false
		cur.SyncError = ""
		if err := objs.Upsert(ctx, cur); err != nil {
			return nil, err
		}
		parked, err := objs.TakeDeferred(ctx, uuid)
		if err != nil {
			return nil, err
		}
		if parked != nil {
			return s.applyLocked(ctx, objs, cur, parked)
		}
		return cur, nil
	})
	unlock()
	if err != nil {
		return fmt.Errorf("resolve %s: %w", uuid, err)
	}
	if keepLocal {
		s.kick()
	}
	s.publish(stored)
	return nil
}

// ApplyRemote incorporates pulled objects. Objects with a pending local
// edit are not touched; their remote value is parked until the edit is
// acknowledged. Older remote values than the stored one are ignored.
func (s *Store) ApplyRemote(ctx context.Context, remote []*models.Object) (ApplyReport, error) {
	var total ApplyReport
	for _, o := range remote {
		if err := o.Validate(); err != nil {
			s.log.Warn(ctx, "remote object rejected", "error", err)
			total.Rejected++
			continue
		}
		r, _, err := s.applyOne(ctx, o)
		if err != nil {
			return total, err
		}
		total.Applied += r.Applied
		total.Deferred += r.Deferred
		total.Stale += r.Stale
		total.Rejected += r.Rejected
	}
	return total, nil
}

func (s *Store) applyOne(ctx context.Context, remote *models.Object) (ApplyReport, *models.Object, error) {
	var report ApplyReport
	unlock := s.locks.Lock(remote.UUID)
	stored, err := dbx.WithTxValue(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) (*models.Object, error) {
		objs := objects.NewSQLiteRepository(tx)

		cur, err := objs.Get(ctx, remote.UUID)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
		if errors.Is(err, common.ErrorNotFound) {
			cur = nil
		}

		switch {
		case cur != nil && cur.Pending:
			report.Deferred++
			return nil, objs.PutDeferred(ctx, remote)
		case cur != nil && (cur.Table != remote.Table || cur.ProjetUUID != remote.ProjetUUID):
			report.Rejected++
			return nil, nil
		case cur != nil && remote.Modified < cur.Modified:
			report.Stale++
			return nil, nil
		}

		report.Applied++
		return s.applyLocked(ctx, objs, cur, remote)
	})
	unlock()
	if err != nil {
		return report, nil, fmt.Errorf("apply %s: %w", remote.UUID, err)
	}
	if report.Rejected > 0 {
		s.log.Warn(ctx, "remote object does not match stored identity", "uuid", remote.UUID)
	}
	s.publish(stored)
	return report, stored, nil
}

// applyLocked makes remote the current value. cur may be nil.
func (s *Store) applyLocked(ctx context.Context, objs objects.Repository, cur, remote *models.Object) (*models.Object, error) {
	next := remote.Clone()
	next.Pending = false
	next.SyncError = ""
	next.Versions = nil
	if cur != nil {
		next.Versions = cur.Versions
		if next.Created == 0 {
			next.Created = cur.Created
		}
		next.Modified = common.MaxInt64(cur.Modified, remote.Modified)
	}
	if next.Created == 0 {
		next.Created = remote.Modified
	}

	if err := objs.Upsert(ctx, next); err != nil {
		return nil, err
	}
	if err := absorb(ctx, objs, next, remote.Versions); err != nil {
		return nil, err
	}
	return next, nil
}

// absorb appends to o, in memory and on disk, the versions newer than its
// history.
func absorb(ctx context.Context, objs objects.Repository, o *models.Object, vs []models.Version) error {
	before := len(o.Versions)
	o.Absorb(vs)
	for _, v := range o.Versions[before:] {
		if err := objs.AppendVersion(ctx, o.UUID, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadIndex returns the stored manifest of a project or common.ErrorNotFound.
func (s *Store) LoadIndex(ctx context.Context, projetUUID string) (models.ProjectIndex, error) {
	return indexes.NewSQLiteRepository(s.db).Get(ctx, projetUUID)
}

func (s *Store) ListIndexes(ctx context.Context) ([]models.ProjectIndex, error) {
	return indexes.NewSQLiteRepository(s.db).List(ctx)
}

// SaveIndex replaces a manifest atomically.
func (s *Store) SaveIndex(ctx context.Context, idx models.ProjectIndex) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return indexes.NewSQLiteRepository(tx).Save(ctx, idx)
	})
}

// ResetIndex empties a manifest and nulls its mark. Objects stay.
func (s *Store) ResetIndex(ctx context.Context, projetUUID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return indexes.NewSQLiteRepository(tx).Reset(ctx, projetUUID)
	})
}

// Check runs SQLite's integrity check and reports common.ErrStoreCorrupt
// when it fails.
func (s *Store) Check(ctx context.Context) error {
	var verdict string
	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&verdict); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStoreCorrupt, err)
	}
	if verdict != "ok" {
		return fmt.Errorf("%w: %s", common.ErrStoreCorrupt, verdict)
	}
	return nil
}

// Reset drops every object, queued push and manifest. Device metadata
// (author, device id, token) is kept. It is the recovery path for a
// corrupt store: the next sync is a first-time sync.
func (s *Store) Reset(ctx context.Context) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := objects.NewSQLiteRepository(tx).Clear(ctx); err != nil {
			return err
		}
		if err := outbox.NewSQLiteRepository(tx).Clear(ctx); err != nil {
			return err
		}
		return indexes.NewSQLiteRepository(tx).Clear(ctx)
	})
	if err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	s.log.Info(ctx, "local store reset")
	return nil
}
