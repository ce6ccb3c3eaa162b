// Package services contains the server-side business logic behind every
// exchange action. This file implements ObjectService, the only write path
// for syncable objects and the source of project manifests.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/objects"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/repomanager"
)

// Publisher announces project changes to joined devices.
type Publisher interface {
	Publish(ctx context.Context, push protocol.ProjetPush) error
}

type txFunc = func(ctx context.Context, tx dbx.DBTX) error

// txRunner runs fn inside one transaction.
type txRunner func(ctx context.Context, fn txFunc) error

// errRaced reports that a concurrent CREATE inserted the uuid first.
var errRaced = errors.New("insert raced")

// ObjectService applies SYNC_OBJECT envelopes and answers the read actions.
//
// Conflict rules:
//   - CREATE of a known uuid with errorIfAlreadySave is a conflict, unless it
//     replays the stored value of the same author (a lost acknowledgment).
//   - CREATE of a known uuid without the flag is applied as an UPDATE.
//   - UPDATE of an unknown uuid is applied as a CREATE.
//   - An UPDATE equal to the latest version does not add a version.
//
// Every accepted write appends one version with the next dense seq and a
// modified stamp from the project clock.
type ObjectService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	publisher   Publisher
	tags        models.TagPolicy
	log         logging.Logger
	now         func() int64
	withTx      txRunner
}

func NewObjectService(db *sql.DB, m repomanager.RepositoryManager, publisher Publisher, log logging.Logger) *ObjectService {
	if log == nil {
		log = logging.Nop()
	}
	s := &ObjectService{
		db:          db,
		repomanager: m,
		publisher:   publisher,
		tags:        models.SequenceTagPolicy{},
		log:         log.With("module", "object_service"),
		now:         common.NowMillis,
	}
	s.withTx = func(ctx context.Context, fn txFunc) error {
		return dbx.WithTx(ctx, s.db, nil, fn)
	}
	return s
}

// Sync applies each envelope in its own transaction, so one rejected
// envelope never blocks its siblings. Results are aligned with req.List.
// origin is the device that sent the batch; it is carried by the pushes.
func (s *ObjectService) Sync(ctx context.Context, origin string, req protocol.SyncObjectRequest) protocol.SyncObjectReply {
	reply := protocol.SyncObjectReply{List: make([]protocol.SyncResult, len(req.List))}
	pushes := newPushSet(origin)

	for i, env := range req.List {
		ack, wrote, err := s.syncOne(ctx, env, req.ErrorIfAlreadySave)
		if err != nil {
			reply.List[i] = protocol.SyncResult{Status: protocol.StatusError, Error: s.wireError(ctx, err)}
			continue
		}
		reply.List[i] = protocol.SyncResult{Status: protocol.StatusSuccess, Data: ack}
		if wrote {
			pushes.add(ack)
		}
	}

	for _, push := range pushes.list() {
		if s.publisher == nil {
			break
		}
		if err := s.publisher.Publish(ctx, push); err != nil {
			s.log.Warn(ctx, "publish push", "projet", push.ProjetUUID, "error", err)
		}
	}
	return reply
}

// wireError hides internal failures behind common.ErrorInternal.
func (s *ObjectService) wireError(ctx context.Context, err error) *protocol.Error {
	e := protocol.NewError(err)
	if e.Kind == protocol.KindInternal {
		s.log.Error(ctx, "sync envelope", "error", err)
		return protocol.NewError(common.ErrorInternal)
	}
	return e
}

func (s *ObjectService) syncOne(ctx context.Context, env protocol.Envelope, errorIfAlreadySave bool) (*models.Object, bool, error) {
	if err := env.Validate(); err != nil {
		return nil, false, err
	}
	if env.Data.Table == models.TableProjet && env.Data.ProjetUUID != env.Data.UUID {
		return nil, false, fmt.Errorf("%w: a projet owns itself", common.ErrInvalidEnvelope)
	}

	for attempt := 0; ; attempt++ {
		var (
			ack   *models.Object
			wrote bool
		)
		err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			var err error
			ack, wrote, err = s.apply(ctx, s.repomanager.Objects(tx), env, errorIfAlreadySave)
			return err
		})
		if errors.Is(err, errRaced) {
			if attempt == 0 {
				continue
			}
			return nil, false, fmt.Errorf("%w: %s", common.ErrConflict, env.Data.UUID)
		}
		if err != nil {
			return nil, false, err
		}
		return ack, wrote, nil
	}
}

func (s *ObjectService) apply(ctx context.Context, repo objects.Repository, env protocol.Envelope, errorIfAlreadySave bool) (*models.Object, bool, error) {
	in := env.Data

	cur, err := repo.GetForUpdate(ctx, in.UUID)
	if errors.Is(err, common.ErrorNotFound) {
		return s.create(ctx, repo, in)
	}
	if err != nil {
		return nil, false, err
	}

	if env.Action == protocol.EnvelopeCreate && errorIfAlreadySave {
		if cur.AuthorUUID == in.AuthorUUID && cur.SameData(in) {
			return cur, false, nil
		}
		return nil, false, fmt.Errorf("%w: %s %s", common.ErrConflict, in.Table, in.UUID)
	}
	return s.update(ctx, repo, cur, in)
}

func (s *ObjectService) create(ctx context.Context, repo objects.Repository, in *models.Object) (*models.Object, bool, error) {
	o := in.Clone()
	o.Versions = nil
	if o.Created == 0 {
		o.Created = s.now()
	}

	seq, err := repo.NextTagSeq(ctx, o.ProjetUUID, o.Table)
	if err != nil {
		return nil, false, err
	}
	s.tags.Assign(o, seq)

	if o.Modified, err = repo.Stamp(ctx, o.ProjetUUID, s.now()); err != nil {
		return nil, false, err
	}

	v := o.Snapshot()
	if err := repo.Insert(ctx, o, v.Seq); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, false, errRaced
		}
		return nil, false, err
	}
	if err := repo.AppendVersion(ctx, o.UUID, v); err != nil {
		return nil, false, err
	}
	o.Versions = []models.Version{v}
	return o, true, nil
}

func (s *ObjectService) update(ctx context.Context, repo objects.Repository, cur, in *models.Object) (*models.Object, bool, error) {
	if cur.Table != in.Table {
		return nil, false, models.ErrTableMismatch
	}
	if cur.ProjetUUID != in.ProjetUUID {
		return nil, false, models.ErrProjectMismatch
	}

	retag := in.CustomTag && in.Tag != "" && (in.Tag != cur.Tag || !cur.CustomTag)
	if !retag && cur.SameData(in) {
		return cur, false, nil
	}

	next := cur.Clone()
	next.Status = in.Status
	next.AuthorUUID = in.AuthorUUID
	next.Payload = in.Payload
	if retag {
		next.Tag = in.Tag
		next.CustomTag = true
		next.TagHash = models.HashTag(next.ProjetUUID, next.Table, next.Tag)
	}

	var err error
	if next.Modified, err = repo.Stamp(ctx, next.ProjetUUID, s.now()); err != nil {
		return nil, false, err
	}

	v := next.Snapshot()
	if err := repo.Update(ctx, next, v.Seq); err != nil {
		return nil, false, err
	}
	if err := repo.AppendVersion(ctx, next.UUID, v); err != nil {
		return nil, false, err
	}
	next.Versions = []models.Version{v}
	return next, true, nil
}

// Retrieve returns the current value of every known requested object,
// keyed by uuid. Refs flagged VersionsOnly get their full history.
func (s *ObjectService) Retrieve(ctx context.Context, req protocol.RetrieveObjectsRequest) (protocol.RetrieveObjectsReply, error) {
	reply := protocol.RetrieveObjectsReply{Objects: map[string]*models.Object{}}
	repo := s.repomanager.Objects(s.db)

	seen := make(map[string]bool, len(req.List))
	history := make(map[string]bool)
	ids := make([]string, 0, len(req.List))
	for _, ref := range req.List {
		if ref.VersionsOnly {
			history[ref.UUID] = true
		}
		if seen[ref.UUID] {
			continue
		}
		seen[ref.UUID] = true
		ids = append(ids, ref.UUID)
	}

	found, err := repo.GetMany(ctx, ids)
	if err != nil {
		return reply, err
	}
	for _, o := range found {
		if history[o.UUID] {
			if o.Versions, err = repo.Versions(ctx, o.UUID); err != nil {
				return reply, err
			}
		}
		reply.Objects[o.UUID] = o
	}
	return reply, nil
}

func (s *ObjectService) Versions(ctx context.Context, req protocol.RetrieveObjectVersionsRequest) (protocol.RetrieveObjectVersionsReply, error) {
	repo := s.repomanager.Objects(s.db)

	o, err := repo.Get(ctx, req.Obj.UUID)
	if err != nil {
		return protocol.RetrieveObjectVersionsReply{}, err
	}
	versions, err := repo.Versions(ctx, o.UUID)
	if err != nil {
		return protocol.RetrieveObjectVersionsReply{}, err
	}
	return protocol.RetrieveObjectVersionsReply{UUID: o.UUID, Table: o.Table, Versions: versions}, nil
}

// Index builds one manifest per requested project: the full list when
// LastSynchroMs is nil, otherwise the objects modified after it. A full
// manifest of an empty project carries mark 0 so the next call can be
// incremental.
func (s *ObjectService) Index(ctx context.Context, req protocol.RetrieveProjetIndexRequest) (protocol.RetrieveProjetIndexReply, error) {
	var reply protocol.RetrieveProjetIndexReply
	repo := s.repomanager.Objects(s.db)

	for _, p := range req.Projets {
		if p.ProjetUUID == "" {
			return reply, fmt.Errorf("%w: projet_uuid required", common.ErrInvalidEnvelope)
		}
		entries, mark, err := repo.IndexSince(ctx, p.ProjetUUID, p.LastSynchroMs)
		if err != nil {
			return reply, err
		}
		if mark == nil {
			zero := int64(0)
			mark = &zero
		}
		idx := models.NewProjectIndex(p.ProjetUUID, entries, nil, mark)
		idx.Full = p.LastSynchroMs == nil
		reply.Indexes = append(reply.Indexes, idx)
	}
	return reply, nil
}

// Projets lists every project, archived ones included so devices learn
// about the archival.
func (s *ObjectService) Projets(ctx context.Context) (protocol.RetrieveProjetsReply, error) {
	list, err := s.repomanager.Objects(s.db).ListByTable(ctx, models.TableProjet)
	if err != nil {
		return protocol.RetrieveProjetsReply{}, err
	}
	if list == nil {
		list = []*models.Object{}
	}
	return protocol.RetrieveProjetsReply{Projets: list}, nil
}

// pushSet groups accepted writes by project, in first-seen order.
type pushSet struct {
	origin string
	order  []string
	byID   map[string]*protocol.ProjetPush
}

func newPushSet(origin string) *pushSet {
	return &pushSet{origin: origin, byID: make(map[string]*protocol.ProjetPush)}
}

func (p *pushSet) add(o *models.Object) {
	push, ok := p.byID[o.ProjetUUID]
	if !ok {
		push = &protocol.ProjetPush{ProjetUUID: o.ProjetUUID, Origin: p.origin}
		p.byID[o.ProjetUUID] = push
		p.order = append(p.order, o.ProjetUUID)
	}
	push.Index = append(push.Index, o.Identity())
	push.LastUpdated = common.MaxInt64(push.LastUpdated, o.Modified)
}

func (p *pushSet) list() []protocol.ProjetPush {
	out := make([]protocol.ProjetPush, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.byID[id])
	}
	return out
}
