package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/repomanager"
)

// ProjetService covers the project-level actions: configuration updates
// and duplication.
type ProjetService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	log         logging.Logger
	now         func() int64
	newUUID     func() string
	withTx      txRunner
}

func NewProjetService(db *sql.DB, m repomanager.RepositoryManager, log logging.Logger) *ProjetService {
	if log == nil {
		log = logging.Nop()
	}
	s := &ProjetService{
		db:          db,
		repomanager: m,
		log:         log.With("module", "projet_service"),
		now:         common.NowMillis,
		newUUID:     func() string { return uuid.NewString() },
	}
	s.withTx = func(ctx context.Context, fn txFunc) error {
		return dbx.WithTx(ctx, s.db, nil, fn)
	}
	return s
}

func (s *ProjetService) loadProjet(ctx context.Context, tx dbx.DBTX, id string) (*models.Object, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: projet_uuid required", common.ErrInvalidEnvelope)
	}
	p, err := s.repomanager.Objects(tx).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Table != models.TableProjet {
		return nil, fmt.Errorf("%w: %s is a %s", common.ErrInvalidEnvelope, id, p.Table)
	}
	return p, nil
}

// UpdateConfig replaces the configuration of a project. The configuration
// must be a JSON object.
func (s *ProjetService) UpdateConfig(ctx context.Context, author string, req protocol.ProjetUpdateConfigRequest) (protocol.ProjetUpdateConfigReply, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(req.Config, &probe); err != nil || probe == nil {
		return protocol.ProjetUpdateConfigReply{}, fmt.Errorf("%w: config must be a JSON object", common.ErrInvalidEnvelope)
	}

	var reply protocol.ProjetUpdateConfigReply
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		p, err := s.loadProjet(ctx, tx, req.ProjetUUID)
		if err != nil {
			return err
		}
		modified, err := s.repomanager.Objects(tx).Stamp(ctx, p.UUID, s.now())
		if err != nil {
			return err
		}
		if err := s.repomanager.Projets(tx).UpsertConfig(ctx, p.UUID, req.Config, author, modified); err != nil {
			return err
		}
		reply = protocol.ProjetUpdateConfigReply{Projet: p, Config: req.Config}
		return nil
	})
	return reply, err
}

// Duplicate copies a project and its live objects under fresh uuids,
// authored by author when set.
// References between copied objects are rewritten to the new uuids; tags
// are kept, so the copy reads like the source.
func (s *ProjetService) Duplicate(ctx context.Context, author string, req protocol.ProjetDuplicateRequest) (protocol.ProjetDuplicateReply, error) {
	var reply protocol.ProjetDuplicateReply
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		src, err := s.loadProjet(ctx, tx, req.ProjetUUID)
		if err != nil {
			return err
		}
		repo := s.repomanager.Objects(tx)

		children, err := repo.ListByProjet(ctx, src.UUID, true)
		if err != nil {
			return err
		}

		remap := map[string]string{src.UUID: s.newUUID()}
		for _, o := range children {
			if o.UUID != src.UUID {
				remap[o.UUID] = s.newUUID()
			}
		}
		newProjet := remap[src.UUID]

		modified, err := repo.Stamp(ctx, newProjet, s.now())
		if err != nil {
			return err
		}

		copyOne := func(o *models.Object) (*models.Object, error) {
			c := o.Clone()
			c.UUID = remap[o.UUID]
			c.ProjetUUID = newProjet
			if author != "" {
				c.AuthorUUID = author
			}
			c.Created = modified
			c.Modified = modified
			c.Versions = nil
			if c.Payload, err = remapPayload(o.Payload, remap); err != nil {
				return nil, fmt.Errorf("remap %s: %w", o.UUID, err)
			}
			if c.Tag != "" {
				c.TagHash = models.HashTag(newProjet, c.Table, c.Tag)
			}
			v := c.Snapshot()
			if err := repo.Insert(ctx, c, v.Seq); err != nil {
				return nil, err
			}
			if err := repo.AppendVersion(ctx, c.UUID, v); err != nil {
				return nil, err
			}
			c.Versions = []models.Version{v}
			return c, nil
		}

		p, err := copyOne(src)
		if err != nil {
			return err
		}
		for _, o := range children {
			if o.UUID == src.UUID {
				continue
			}
			if _, err := copyOne(o); err != nil {
				return err
			}
		}

		if err := repo.CopyTagCounters(ctx, src.UUID, newProjet); err != nil {
			return err
		}
		if err := s.repomanager.Projets(tx).CopyConfig(ctx, src.UUID, newProjet, modified); err != nil {
			return err
		}

		s.log.Info(ctx, "projet duplicated", "from", src.UUID, "to", newProjet, "objects", len(remap))
		reply = protocol.ProjetDuplicateReply{Projet: p}
		return nil
	})
	return reply, err
}

// remapPayload rewrites every string value equal to a key of remap.
func remapPayload(raw json.RawMessage, remap map[string]string) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(remapValue(v, remap))
}

func remapValue(v any, remap map[string]string) any {
	switch t := v.(type) {
	case string:
		if n, ok := remap[t]; ok {
			return n
		}
		return t
	case []any:
		for i := range t {
			t[i] = remapValue(t[i], remap)
		}
		return t
	case map[string]any:
		for k, x := range t {
			t[k] = remapValue(x, remap)
		}
		return t
	default:
		return v
	}
}
