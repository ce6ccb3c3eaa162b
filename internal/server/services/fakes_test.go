package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/objects"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/projets"
)

// memStore is an in-memory stand-in for the Postgres schema.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]*models.Object
	versions map[string][]models.Version
	clocks   map[string]int64
	counters map[string]int
	configs  map[string]json.RawMessage

	failInsert error
}

func newMemStore() *memStore {
	return &memStore{
		rows:     map[string]*models.Object{},
		versions: map[string][]models.Version{},
		clocks:   map[string]int64{},
		counters: map[string]int{},
		configs:  map[string]json.RawMessage{},
	}
}

type memManager struct{ store *memStore }

func (m *memManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *memManager) Objects(dbx.DBTX) objects.Repository        { return &memObjects{m.store} }
func (m *memManager) Projets(dbx.DBTX) projets.Repository        { return &memProjets{m.store} }

type memObjects struct{ s *memStore }

func (r *memObjects) current(id string) (*models.Object, bool) {
	o, ok := r.s.rows[id]
	if !ok {
		return nil, false
	}
	c := o.Clone()
	vs := r.s.versions[id]
	if len(vs) > 0 {
		c.Versions = []models.Version{vs[len(vs)-1]}
	}
	return c, true
}

func (r *memObjects) Get(_ context.Context, id string) (*models.Object, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.current(id)
	if !ok {
		return nil, common.ErrorNotFound
	}
	return o, nil
}

func (r *memObjects) GetForUpdate(ctx context.Context, id string) (*models.Object, error) {
	return r.Get(ctx, id)
}

func (r *memObjects) GetMany(_ context.Context, ids []string) ([]*models.Object, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Object
	for _, id := range ids {
		if o, ok := r.current(id); ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memObjects) list(keep func(*models.Object) bool) []*models.Object {
	var out []*models.Object
	for id, o := range r.s.rows {
		if keep(o) {
			c, _ := r.current(id)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (r *memObjects) ListByTable(_ context.Context, table models.Table) ([]*models.Object, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(o *models.Object) bool { return o.Table == table }), nil
}

func (r *memObjects) ListByProjet(_ context.Context, projet string, liveOnly bool) ([]*models.Object, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.list(func(o *models.Object) bool {
		return o.ProjetUUID == projet && (!liveOnly || o.Status.Live())
	}), nil
}

func (r *memObjects) Insert(_ context.Context, o *models.Object, _ int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failInsert != nil {
		return r.s.failInsert
	}
	if _, ok := r.s.rows[o.UUID]; ok {
		return common.ErrConflict
	}
	c := o.Clone()
	c.Versions = nil
	r.s.rows[o.UUID] = c
	return nil
}

func (r *memObjects) Update(_ context.Context, o *models.Object, _ int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.rows[o.UUID]; !ok {
		return common.ErrorNotFound
	}
	c := o.Clone()
	c.Versions = nil
	r.s.rows[o.UUID] = c
	return nil
}

func (r *memObjects) AppendVersion(_ context.Context, id string, v models.Version) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	vs := r.s.versions[id]
	if len(vs) > 0 && vs[len(vs)-1].Seq >= v.Seq {
		return common.ErrConflict
	}
	r.s.versions[id] = append(vs, v)
	return nil
}

func (r *memObjects) Versions(_ context.Context, id string) ([]models.Version, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]models.Version(nil), r.s.versions[id]...), nil
}

func (r *memObjects) IndexSince(_ context.Context, projet string, since *int64) ([]models.IndexEntry, *int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var (
		out  []models.IndexEntry
		mark *int64
	)
	if since != nil {
		m := *since
		mark = &m
	}
	for _, o := range r.list(func(o *models.Object) bool { return o.ProjetUUID == projet }) {
		if since != nil && o.Modified <= *since {
			continue
		}
		out = append(out, o.Identity())
		if mark == nil || o.Modified > *mark {
			m := o.Modified
			mark = &m
		}
	}
	return out, mark, nil
}

func (r *memObjects) Stamp(_ context.Context, projet string, now int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	next := common.MaxInt64(r.s.clocks[projet]+1, now)
	r.s.clocks[projet] = next
	return next, nil
}

func (r *memObjects) NextTagSeq(_ context.Context, projet string, table models.Table) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := projet + "/" + string(table)
	r.s.counters[key]++
	return r.s.counters[key], nil
}

func (r *memObjects) CopyTagCounters(_ context.Context, from, to string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range models.Tables() {
		if n, ok := r.s.counters[from+"/"+string(t)]; ok {
			r.s.counters[to+"/"+string(t)] = n
		}
	}
	return nil
}

type memProjets struct{ s *memStore }

func (r *memProjets) GetConfig(_ context.Context, projet string) (json.RawMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.configs[projet]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return c, nil
}

func (r *memProjets) UpsertConfig(_ context.Context, projet string, config json.RawMessage, _ string, _ int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.configs[projet] = config
	return nil
}

func (r *memProjets) CopyConfig(_ context.Context, from, to string, _ int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.configs[from]; ok {
		r.s.configs[to] = c
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	pushes []protocol.ProjetPush
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, push protocol.ProjetPush) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, push)
	return p.err
}

func directTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return fn(ctx, nil)
}
