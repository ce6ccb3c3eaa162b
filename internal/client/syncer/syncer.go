// Package syncer moves data between the local store and the server: it
// drains the outbox with SYNC_OBJECT, pulls manifests and objects, reacts
// to server pushes and retries when the network comes back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/digsync/internal/client/index"
	"github.com/dmitrijs2005/digsync/internal/client/repositories/outbox"
	"github.com/dmitrijs2005/digsync/internal/client/store"
	"github.com/dmitrijs2005/digsync/internal/client/transport"
	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

type Store interface {
	Pending(ctx context.Context, limit int) ([]outbox.Entry, error)
	MarkAcknowledged(ctx context.Context, entryID string, ack *models.Object) (*models.Object, error)
	MarkError(ctx context.Context, entryID, uuid, msg string, blocked bool) error
	ApplyRemote(ctx context.Context, remote []*models.Object) (store.ApplyReport, error)
	Queued() <-chan struct{}
}

type Network interface {
	Send(ctx context.Context, action protocol.Action, req any, reply any, opts ...transport.SendOption) error
	Online() bool
	OnStatus(fn func(online bool))
	OnPush(fn func(protocol.ProjetPush))
	Watch(ctx context.Context, interval time.Duration)
}

type Options struct {
	DeviceID            string
	PushBatchSize       int
	FetchBatchSize      int
	// FetchConcurrency bounds the RETRIEVE_OBJECTS calls in flight.
	FetchConcurrency    int
	RetryInterval       time.Duration
	OnlineCheckInterval time.Duration
}

// PushReport counts what one Push did to the outbox.
type PushReport struct {
	Acknowledged int
	Rejected     int
	Blocked      int
}

// PullReport counts what one Pull brought in.
type PullReport struct {
	Requested int
	store.ApplyReport
}

type Syncer struct {
	store Store
	net   Network
	index index.Manager
	opts  Options
	log   logging.Logger

	// one push at a time keeps per-uuid order across triggers
	pushMu sync.Mutex
	pullMu sync.Mutex
}

func New(s Store, net Network, idx index.Manager, opts Options, log logging.Logger) *Syncer {
	if log == nil {
		log = logging.Nop()
	}
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = 50
	}
	if opts.FetchBatchSize <= 0 {
		opts.FetchBatchSize = 200
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 15 * time.Second
	}
	if opts.OnlineCheckInterval <= 0 {
		opts.OnlineCheckInterval = 3 * time.Second
	}
	return &Syncer{store: s, net: net, index: idx, opts: opts, log: log.With("module", "syncer")}
}

// retriable reports whether a rejected envelope may succeed unchanged on
// a later attempt.
func retriable(err error) bool {
	return !errors.Is(err, common.ErrConflict) && !errors.Is(err, common.ErrInvalidEnvelope) &&
		!errors.Is(err, common.ErrorNotFound)
}

// Push sends the outbox in batches, oldest first and one entry per object
// at a time. Acknowledged entries leave the outbox; rejected ones flag
// their object, and conflicts or invalid envelopes block it until
// resolved. A transport failure leaves the rest queued and is returned.
func (s *Syncer) Push(ctx context.Context) (PushReport, error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	var report PushReport
	attempted := make(map[string]bool)
	for {
		heads, err := s.store.Pending(ctx, s.opts.PushBatchSize)
		if err != nil {
			return report, err
		}
		batch := heads[:0]
		for _, e := range heads {
			if !attempted[e.ID] {
				batch = append(batch, e)
			}
		}
		if len(batch) == 0 {
			return report, nil
		}

		req := protocol.SyncObjectRequest{ErrorIfAlreadySave: true}
		for _, e := range batch {
			attempted[e.ID] = true
			req.List = append(req.List, e.Envelope())
		}

		var reply protocol.SyncObjectReply
		if err := s.net.Send(ctx, protocol.ActionSyncObject, req, &reply); err != nil {
			return report, fmt.Errorf("push %d envelopes: %w", len(req.List), err)
		}
		if err := protocol.ValidateSyncReply(req, reply); err != nil {
			return report, err
		}

		for i, res := range reply.List {
			e := batch[i]
			if res.Status == protocol.StatusSuccess {
				if _, err := s.store.MarkAcknowledged(ctx, e.ID, res.Data); err != nil {
					return report, err
				}
				report.Acknowledged++
				continue
			}
			cause := res.Error.Err()
			blocked := !retriable(cause)
			if err := s.store.MarkError(ctx, e.ID, e.UUID, res.Error.Message, blocked); err != nil {
				return report, err
			}
			report.Rejected++
			if blocked {
				report.Blocked++
			}
		}
		s.log.Debug(ctx, "push batch done", "sent", len(req.List), "acknowledged", report.Acknowledged, "rejected", report.Rejected)
	}
}

// Pull refreshes the manifests of projets (every stored one when empty)
// and fetches what changed or is still missing.
func (s *Syncer) Pull(ctx context.Context, projets ...string) (PullReport, error) {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	if len(projets) == 0 {
		stored, err := s.index.Indexes(ctx)
		if err != nil {
			return PullReport{}, err
		}
		for _, idx := range stored {
			projets = append(projets, idx.ProjetUUID)
		}
	}
	if len(projets) == 0 {
		return PullReport{}, nil
	}

	deltas, err := s.index.Retrieve(ctx, projets, false, true)
	if err != nil {
		return PullReport{}, err
	}

	var report PullReport
	for _, d := range deltas {
		missing, err := s.index.ToFetch(ctx, d.ProjetUUID)
		if err != nil {
			return report, err
		}
		r, err := s.fetch(ctx, append(d.Index, missing...))
		report.Requested += r.Requested
		report.add(r.ApplyReport)
		if err != nil {
			return report, err
		}
		if err := s.index.CommitMark(ctx, d.ProjetUUID, d.LastUpdated); err != nil {
			return report, err
		}
		if _, err := s.index.Refresh(ctx, d.ProjetUUID); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *PullReport) add(a store.ApplyReport) {
	r.Applied += a.Applied
	r.Deferred += a.Deferred
	r.Stale += a.Stale
	r.Rejected += a.Rejected
}

// fetch pulls entries in batches and hands them to the store.
func (s *Syncer) fetch(ctx context.Context, entries []models.IndexEntry) (PullReport, error) {
	seen := make(map[string]bool, len(entries))
	refs := make([]protocol.ObjectRef, 0, len(entries))
	for _, e := range entries {
		if seen[e.UUID] {
			continue
		}
		seen[e.UUID] = true
		refs = append(refs, protocol.ObjectRef{UUID: e.UUID, Table: e.Table})
	}

	var (
		mu     sync.Mutex
		report PullReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.FetchConcurrency)

	for start := 0; start < len(refs); start += s.opts.FetchBatchSize {
		chunk := refs[start:min(start+s.opts.FetchBatchSize, len(refs))]

		g.Go(func() error {
			var reply protocol.RetrieveObjectsReply
			if err := s.net.Send(gctx, protocol.ActionRetrieveObjects, protocol.RetrieveObjectsRequest{List: chunk}, &reply); err != nil {
				return fmt.Errorf("fetch %d objects: %w", len(chunk), err)
			}

			objs := make([]*models.Object, 0, len(chunk))
			for _, ref := range chunk {
				if o, ok := reply.Objects[ref.UUID]; ok && o != nil {
					objs = append(objs, o)
				} else {
					s.log.Debug(gctx, "object unknown to server", "uuid", ref.UUID)
				}
			}
			applied, err := s.store.ApplyRemote(gctx, objs)

			mu.Lock()
			report.Requested += len(chunk)
			report.add(applied)
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	return report, err
}

// HandlePush folds a server push into the manifest and fetches the
// objects it names. Echoes of this device's own writes are ignored.
func (s *Syncer) HandlePush(ctx context.Context, push protocol.ProjetPush) error {
	if push.Origin != "" && push.Origin == s.opts.DeviceID {
		return nil
	}
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	entries, err := s.index.ApplyPush(ctx, push)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if _, err := s.fetch(ctx, entries); err != nil {
		return err
	}
	_, err = s.index.Refresh(ctx, push.ProjetUUID)
	return err
}

// Sync pushes, then pulls every loaded project.
func (s *Syncer) Sync(ctx context.Context) (PushReport, PullReport, error) {
	push, err := s.Push(ctx)
	if err != nil {
		return push, PullReport{}, err
	}
	pull, err := s.Pull(ctx)
	return push, pull, err
}

// Projets fetches the project list and stores it.
func (s *Syncer) Projets(ctx context.Context) ([]*models.Object, error) {
	var reply protocol.RetrieveProjetsReply
	if err := s.net.Send(ctx, protocol.ActionRetrieveProjets, nil, &reply); err != nil {
		return nil, err
	}
	if _, err := s.store.ApplyRemote(ctx, reply.Projets); err != nil {
		return nil, err
	}
	return reply.Projets, nil
}

// Join subscribes this device to pushes of a project. Only a channel able
// to carry pushes can serve it.
func (s *Syncer) Join(ctx context.Context, projetUUID string) error {
	var reply protocol.JoinProjetReply
	if err := s.net.Send(ctx, protocol.ActionJoinProjet, protocol.JoinProjetRequest{ProjetUUID: projetUUID}, &reply); err != nil {
		return err
	}
	if !reply.Status {
		return fmt.Errorf("join %s: %w", projetUUID, common.ErrorUnauthorized)
	}
	return nil
}

// RemoteVersions asks the server for the full history of an object.
func (s *Syncer) RemoteVersions(ctx context.Context, table models.Table, uuid string) ([]models.Version, error) {
	var reply protocol.RetrieveObjectVersionsReply
	req := protocol.RetrieveObjectVersionsRequest{Obj: protocol.ObjectRef{UUID: uuid, Table: table, VersionsOnly: true}}
	if err := s.net.Send(ctx, protocol.ActionRetrieveObjectVersions, req, &reply); err != nil {
		return nil, err
	}
	return reply.Versions, nil
}

// Run keeps the device in sync until ctx is done: it pushes whenever the
// outbox grows, pushes and pulls when the network comes back, retries on a
// timer and fetches what server pushes announce.
func (s *Syncer) Run(ctx context.Context) {
	reconnected := make(chan struct{}, 1)
	pushes := make(chan protocol.ProjetPush, 16)

	s.net.OnStatus(func(online bool) {
		if !online {
			return
		}
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	s.net.OnPush(func(p protocol.ProjetPush) {
		select {
		case pushes <- p:
		default:
			s.log.Warn(ctx, "push dropped, queue full", "projet", p.ProjetUUID)
		}
	})
	go s.net.Watch(ctx, s.opts.OnlineCheckInterval)

	retry := time.NewTicker(s.opts.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.store.Queued():
			s.tryPush(ctx)
		case <-retry.C:
			if s.net.Online() {
				s.tryPush(ctx)
			}
		case <-reconnected:
			s.log.Info(ctx, "back online, resuming sync")
			s.tryPush(ctx)
			if _, err := s.Pull(ctx); err != nil {
				s.report(ctx, "pull", err)
			}
		case p := <-pushes:
			if err := s.HandlePush(ctx, p); err != nil {
				s.report(ctx, "handle push", err)
			}
		}
	}
}

func (s *Syncer) tryPush(ctx context.Context) {
	if _, err := s.Push(ctx); err != nil {
		s.report(ctx, "push", err)
	}
}

func (s *Syncer) report(ctx context.Context, what string, err error) {
	if errors.Is(err, common.ErrNetworkUnavailable) {
		s.log.Debug(ctx, what+" postponed, offline", "error", err)
		return
	}
	s.log.Error(ctx, what+" failed", "error", err)
}
