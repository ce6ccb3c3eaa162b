// Package index keeps the per-project manifests of a device: it asks the
// server for what changed, folds the answer into the stored manifest and
// tells which listed objects are still missing from the local store.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/digsync/internal/client/transport"
	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// Store is the slice of the local store the manager works on.
type Store interface {
	LoadIndex(ctx context.Context, projetUUID string) (models.ProjectIndex, error)
	ListIndexes(ctx context.Context) ([]models.ProjectIndex, error)
	SaveIndex(ctx context.Context, idx models.ProjectIndex) error
	ResetIndex(ctx context.Context, projetUUID string) error
	KnownUUIDs(ctx context.Context, projetUUID string) (map[string]struct{}, error)
}

// Sender performs one protocol action.
type Sender interface {
	Send(ctx context.Context, action protocol.Action, req any, reply any, opts ...transport.SendOption) error
}

// Progress is the set difference between a manifest and the store.
type Progress struct {
	Total   int
	InStore int
	ToFetch int
}

type Manager interface {
	// Retrieve asks the server for the manifests of projets, incremental
	// from the stored mark unless full is set or nothing is stored. It
	// saves the entries under the previous mark and returns the answers as
	// received, ignore-list applied. The new mark is stored by CommitMark.
	Retrieve(ctx context.Context, projets []string, full bool, spamMe bool) ([]models.ProjectIndex, error)
	// CommitMark moves the stored mark of a project once every entry listed
	// up to mark has been fetched.
	CommitMark(ctx context.Context, projetUUID string, mark *int64) error
	SaveIndex(ctx context.Context, indexes ...models.ProjectIndex) error
	ClearIndex(ctx context.Context, projetUUID string) error
	// ApplyPush merges the entries of a server push into the manifest and
	// returns them. The mark is left alone so that a failed fetch does not
	// hide the change from the next incremental retrieve.
	ApplyPush(ctx context.Context, push protocol.ProjetPush) ([]models.IndexEntry, error)
	ToFetch(ctx context.Context, projetUUID string) ([]models.IndexEntry, error)
	Progress(ctx context.Context, projetUUID string) (Progress, error)
	// Refresh recomputes the state of a project from its manifest and the store.
	Refresh(ctx context.Context, projetUUID string) (models.IndexState, error)
	State(projetUUID string) models.IndexState
	Indexes(ctx context.Context) ([]models.ProjectIndex, error)
}

type manager struct {
	store  Store
	net    Sender
	ignore []models.Table
	log    logging.Logger

	mu     sync.Mutex
	states map[string]models.IndexState
}

func NewManager(store Store, net Sender, ignore []models.Table, log logging.Logger) Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &manager{
		store:  store,
		net:    net,
		ignore: ignore,
		log:    log.With("module", "index"),
		states: make(map[string]models.IndexState),
	}
}

func (m *manager) setState(projetUUID string, s models.IndexState) models.IndexState {
	m.mu.Lock()
	prev := m.states[projetUUID]
	m.states[projetUUID] = s
	m.mu.Unlock()
	return prev
}

func (m *manager) State(projetUUID string) models.IndexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[projetUUID]
}

func (m *manager) load(ctx context.Context, projetUUID string) (models.ProjectIndex, bool, error) {
	idx, err := m.store.LoadIndex(ctx, projetUUID)
	if errors.Is(err, common.ErrorNotFound) {
		return models.ProjectIndex{ProjetUUID: projetUUID}, false, nil
	}
	if err != nil {
		return models.ProjectIndex{}, false, err
	}
	return idx, true, nil
}

func (m *manager) Retrieve(ctx context.Context, projets []string, full bool, spamMe bool) ([]models.ProjectIndex, error) {
	if len(projets) == 0 {
		return nil, nil
	}

	req := protocol.RetrieveProjetIndexRequest{SpamMe: spamMe}
	asked := make(map[string]bool, len(projets))
	prev := make(map[string]models.IndexState, len(projets))
	for _, p := range projets {
		idx, _, err := m.load(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("load index %s: %w", p, err)
		}
		since := protocol.ProjetSince{ProjetUUID: p}
		if !full && idx.LastUpdated != nil {
			v := *idx.LastUpdated
			since.LastSynchroMs = &v
		}
		asked[p] = since.LastSynchroMs == nil
		req.Projets = append(req.Projets, since)
		prev[p] = m.setState(p, models.IndexIndexing)
	}

	var reply protocol.RetrieveProjetIndexReply
	if err := m.net.Send(ctx, protocol.ActionRetrieveProjetIndex, req, &reply); err != nil {
		for p, s := range prev {
			m.setState(p, s)
		}
		return nil, fmt.Errorf("retrieve index: %w", err)
	}

	out := make([]models.ProjectIndex, 0, len(reply.Indexes))
	for _, idx := range reply.Indexes {
		fullAsked, ok := asked[idx.ProjetUUID]
		if !ok {
			m.log.Warn(ctx, "index for a project not asked for", "projet", idx.ProjetUUID)
			continue
		}
		idx.Full = idx.Full || fullAsked
		out = append(out, m.filter(idx))
	}
	for _, idx := range out {
		held := idx
		held.LastUpdated = nil
		if err := m.SaveIndex(ctx, held); err != nil {
			return nil, err
		}
	}
	for p := range asked {
		if _, err := m.Refresh(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *manager) CommitMark(ctx context.Context, projetUUID string, mark *int64) error {
	if mark == nil {
		return nil
	}
	return m.SaveIndex(ctx, models.ProjectIndex{ProjetUUID: projetUUID, LastUpdated: mark})
}

func (m *manager) filter(idx models.ProjectIndex) models.ProjectIndex {
	f := models.NewProjectIndex(idx.ProjetUUID, idx.Index, m.ignore, idx.LastUpdated)
	f.Full = idx.Full
	return f
}

// SaveIndex folds each manifest into the stored one: full manifests
// replace it, incremental ones are merged. The mark never moves back.
func (m *manager) SaveIndex(ctx context.Context, indexes ...models.ProjectIndex) error {
	for _, delta := range indexes {
		base, _, err := m.load(ctx, delta.ProjetUUID)
		if err != nil {
			return fmt.Errorf("load index %s: %w", delta.ProjetUUID, err)
		}
		merged := models.Merge(base, m.filter(delta))
		merged.Full = false
		if err := m.store.SaveIndex(ctx, merged); err != nil {
			return fmt.Errorf("save index %s: %w", delta.ProjetUUID, err)
		}
		m.log.Debug(ctx, "index saved", "projet", delta.ProjetUUID, "entries", merged.AmountObjects, "full", delta.Full)
	}
	return nil
}

// ClearIndex forgets the manifest of a project. Stored objects stay.
func (m *manager) ClearIndex(ctx context.Context, projetUUID string) error {
	if err := m.store.ResetIndex(ctx, projetUUID); err != nil {
		return fmt.Errorf("clear index %s: %w", projetUUID, err)
	}
	m.setState(projetUUID, models.IndexUnindexed)
	m.log.Info(ctx, "index cleared", "projet", projetUUID)
	return nil
}

func (m *manager) ApplyPush(ctx context.Context, push protocol.ProjetPush) ([]models.IndexEntry, error) {
	delta := m.filter(models.ProjectIndex{ProjetUUID: push.ProjetUUID, Index: push.Index})
	if len(delta.Index) == 0 {
		return nil, nil
	}
	if err := m.SaveIndex(ctx, delta); err != nil {
		return nil, err
	}
	if m.State(push.ProjetUUID) == models.IndexSynced {
		m.setState(push.ProjetUUID, models.IndexPartial)
	}
	return delta.Index, nil
}

func (m *manager) ToFetch(ctx context.Context, projetUUID string) ([]models.IndexEntry, error) {
	idx, _, err := m.load(ctx, projetUUID)
	if err != nil {
		return nil, err
	}
	known, err := m.store.KnownUUIDs(ctx, projetUUID)
	if err != nil {
		return nil, err
	}
	var out []models.IndexEntry
	for _, e := range idx.Index {
		if _, ok := known[e.UUID]; !ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *manager) Progress(ctx context.Context, projetUUID string) (Progress, error) {
	idx, _, err := m.load(ctx, projetUUID)
	if err != nil {
		return Progress{}, err
	}
	missing, err := m.ToFetch(ctx, projetUUID)
	if err != nil {
		return Progress{}, err
	}
	total := len(idx.Index)
	return Progress{Total: total, InStore: total - len(missing), ToFetch: len(missing)}, nil
}

func (m *manager) Refresh(ctx context.Context, projetUUID string) (models.IndexState, error) {
	idx, found, err := m.load(ctx, projetUUID)
	if err != nil {
		return models.IndexUnindexed, err
	}
	state := models.IndexUnindexed
	if found && (idx.LastUpdated != nil || len(idx.Index) > 0) {
		p, err := m.Progress(ctx, projetUUID)
		if err != nil {
			return models.IndexUnindexed, err
		}
		state = models.IndexSynced
		if p.ToFetch > 0 {
			state = models.IndexPartial
		}
	}
	m.setState(projetUUID, state)
	return state, nil
}

func (m *manager) Indexes(ctx context.Context) ([]models.ProjectIndex, error) {
	return m.store.ListIndexes(ctx)
}
