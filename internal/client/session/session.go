// Package session binds the local store to the code editing objects. For
// every table it holds the selected working object and the live set of
// the current project, runs commit hooks and forwards store changes.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/digsync/internal/client/notify"
	"github.com/dmitrijs2005/digsync/internal/client/store"
	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
)

type Store interface {
	Get(ctx context.Context, table models.Table, uuid string) (*models.Object, error)
	FindAllByTable(ctx context.Context, table models.Table, projetUUID string) ([]*models.Object, error)
	Put(ctx context.Context, o *models.Object, policy store.VersionPolicy) (*models.Object, bool, error)
	Changes() *notify.Bus[*models.Object]
}

// Manager owns one BoundTable per table and the current project.
type Manager struct {
	store Store
	log   logging.Logger

	mu     sync.Mutex
	projet string
	tables map[models.Table]*BoundTable
}

func NewManager(s Store, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		store:  s,
		log:    log.With("module", "session"),
		tables: make(map[models.Table]*BoundTable),
	}
}

func (m *Manager) Projet() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projet
}

// Table returns the bound table for t, creating and loading it on first use.
func (m *Manager) Table(t models.Table) *BoundTable {
	m.mu.Lock()
	if bt, ok := m.tables[t]; ok {
		m.mu.Unlock()
		return bt
	}
	bt := &BoundTable{table: t, m: m, all: make(map[string]*models.Object)}
	bt.sub = m.store.Changes().Subscribe(store.TableTopic(t), bt.onChange)
	m.tables[t] = bt
	m.mu.Unlock()

	if err := bt.reload(context.Background()); err != nil {
		m.log.Error(context.Background(), "load bound table", "table", t, "error", err)
	}
	return bt
}

// SetProject switches the current project: every selection is cleared and
// every bound table reloads its live set. An empty uuid leaves the project.
func (m *Manager) SetProject(ctx context.Context, projetUUID string) error {
	m.mu.Lock()
	m.projet = projetUUID
	tables := make([]*BoundTable, 0, len(m.tables))
	for _, bt := range m.tables {
		tables = append(tables, bt)
	}
	m.mu.Unlock()

	for _, bt := range tables {
		bt.clearSelection()
		if err := bt.reload(ctx); err != nil {
			return err
		}
	}
	m.log.Info(ctx, "project selected", "projet", projetUUID)
	return nil
}

// Close stops every bound table from following store changes.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bt := range m.tables {
		bt.sub.Close()
	}
}

// BoundTable is the editing surface of one table.
type BoundTable struct {
	table models.Table
	m     *Manager
	hooks hookList
	sub   *notify.Subscription

	mu       sync.Mutex
	selected *models.Object
	all      map[string]*models.Object
}

func (bt *BoundTable) Table() models.Table { return bt.table }

func (bt *BoundTable) reload(ctx context.Context) error {
	projet := bt.m.Projet()
	all := make(map[string]*models.Object)
	if projet != "" {
		list, err := bt.m.store.FindAllByTable(ctx, bt.table, projet)
		if err != nil {
			return fmt.Errorf("load %s: %w", bt.table, err)
		}
		for _, o := range list {
			if o.Status.Live() {
				all[o.UUID] = o
			}
		}
	}
	bt.mu.Lock()
	bt.all = all
	bt.mu.Unlock()
	return nil
}

func (bt *BoundTable) clearSelection() {
	bt.mu.Lock()
	bt.selected = nil
	bt.mu.Unlock()
}

func (bt *BoundTable) onChange(o *models.Object) {
	projet := bt.m.Projet()

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.selected != nil && bt.selected.UUID == o.UUID {
		bt.selected = o.Clone()
	}
	if o.ProjetUUID != projet {
		return
	}
	if o.Status.Live() {
		bt.all[o.UUID] = o.Clone()
	} else {
		delete(bt.all, o.UUID)
	}
}

// Select loads uuid as the working object. An empty uuid clears the
// selection.
func (bt *BoundTable) Select(ctx context.Context, uuid string) (*models.Object, error) {
	if uuid == "" {
		bt.clearSelection()
		return nil, nil
	}
	o, err := bt.m.store.Get(ctx, bt.table, uuid)
	if err != nil {
		return nil, fmt.Errorf("select %s %s: %w", bt.table, uuid, err)
	}
	bt.mu.Lock()
	bt.selected = o
	bt.mu.Unlock()
	return o.Clone(), nil
}

func (bt *BoundTable) Selected() *models.Object {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.selected.Clone()
}

// FindByUUID looks uuid up in the live set without touching the selection.
func (bt *BoundTable) FindByUUID(uuid string) (*models.Object, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	o, ok := bt.all[uuid]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// All returns the live set, oldest first.
func (bt *BoundTable) All() []*models.Object {
	bt.mu.Lock()
	out := make([]*models.Object, 0, len(bt.all))
	for _, o := range bt.all {
		out = append(out, o.Clone())
	}
	bt.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

func (bt *BoundTable) AddHook(h Hook) {
	bt.hooks.add(h)
}

func (bt *BoundTable) RemoveHook(id string) bool {
	return bt.hooks.remove(id)
}

// Subscribe calls fn with every stored change of this table until the
// subscription is closed.
func (bt *BoundTable) Subscribe(fn func(*models.Object)) *notify.Subscription {
	return bt.m.store.Changes().Subscribe(store.TableTopic(bt.table), fn)
}

// Commit runs the registered hooks in order over values, then stores each
// resulting value as a local edit queued for push. It returns the stored
// objects. Nil values and values equal to the stored ones are no-ops.
// A started commit is not cancelled with ctx.
func (bt *BoundTable) Commit(ctx context.Context, values ...*models.Object) ([]*models.Object, error) {
	ctx, frame := frameFrom(context.WithoutCancel(ctx))

	work := make([]*models.Object, 0, len(values))
	for _, v := range values {
		if v != nil {
			work = append(work, v.Clone())
		}
	}

	for _, h := range bt.hooks.snapshot() {
		if !frame.enter(string(bt.table) + "/" + h.ID) {
			continue
		}
		out, err := h.Fn(ctx, work)
		if err != nil {
			return nil, fmt.Errorf("hook %s on %s: %w", h.ID, bt.table, err)
		}
		work = out
	}

	projet := bt.m.Projet()
	results := make([]*models.Object, 0, len(work))
	for _, v := range work {
		if v == nil {
			continue
		}
		if v.Table != bt.table {
			return results, fmt.Errorf("commit %s into %s: %w", v.Table, bt.table, models.ErrTableMismatch)
		}
		if v.ProjetUUID == "" {
			v.ProjetUUID = projet
		}
		stored, changed, err := bt.m.store.Put(ctx, v, store.VersionPending)
		if err != nil {
			return results, err
		}
		if changed {
			bt.m.log.Debug(ctx, "committed", "table", bt.table, "uuid", stored.UUID)
		}
		results = append(results, stored)
	}
	return results, nil
}

// New mints an object of this table in the current project.
func (bt *BoundTable) New(authorUUID string, payload []byte) (*models.Object, error) {
	projet := bt.m.Projet()
	if projet == "" && bt.table != models.TableProjet {
		return nil, fmt.Errorf("%w: no project selected", common.ErrorNotFound)
	}
	return models.NewObject(bt.table, projet, authorUUID, payload)
}
