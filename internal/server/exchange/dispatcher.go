package exchange

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

type ObjectService interface {
	Sync(ctx context.Context, origin string, req protocol.SyncObjectRequest) protocol.SyncObjectReply
	Retrieve(ctx context.Context, req protocol.RetrieveObjectsRequest) (protocol.RetrieveObjectsReply, error)
	Versions(ctx context.Context, req protocol.RetrieveObjectVersionsRequest) (protocol.RetrieveObjectVersionsReply, error)
	Index(ctx context.Context, req protocol.RetrieveProjetIndexRequest) (protocol.RetrieveProjetIndexReply, error)
	Projets(ctx context.Context) (protocol.RetrieveProjetsReply, error)
}

type ProjetService interface {
	UpdateConfig(ctx context.Context, author string, req protocol.ProjetUpdateConfigRequest) (protocol.ProjetUpdateConfigReply, error)
	Duplicate(ctx context.Context, author string, req protocol.ProjetDuplicateRequest) (protocol.ProjetDuplicateReply, error)
}

type DocumentService interface {
	UploadURL(ctx context.Context, req protocol.DocumentURLRequest) (protocol.DocumentURLReply, error)
	DownloadURL(ctx context.Context, req protocol.DocumentURLRequest) (protocol.DocumentURLReply, error)
}

// Dispatcher answers one request frame with one reply frame. Failures are
// returned as error frames, never as Go errors, so every transport replies
// the same way.
type Dispatcher struct {
	objects   ObjectService
	projets   ProjetService
	documents DocumentService
	log       logging.Logger
}

func NewDispatcher(objects ObjectService, projets ProjetService, documents DocumentService, log logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{
		objects:   objects,
		projets:   projets,
		documents: documents,
		log:       log.With("module", "dispatcher"),
	}
}

func (d *Dispatcher) Handle(ctx context.Context, caller Caller, req *protocol.Frame) *protocol.Frame {
	payload, err := d.route(ctx, caller, req)
	if err != nil {
		e := protocol.NewError(err)
		if e.Kind == protocol.KindInternal {
			d.log.Error(ctx, "request failed", "action", req.Action, "device", caller.DeviceID, "error", err)
			return protocol.NewErrorFrame(req, common.ErrorInternal)
		}
		d.log.Debug(ctx, "request refused", "action", req.Action, "device", caller.DeviceID, "error", err)
		return protocol.NewErrorFrame(req, err)
	}

	reply, err := protocol.NewReplyFrame(req, payload)
	if err != nil {
		d.log.Error(ctx, "encode reply", "action", req.Action, "error", err)
		return protocol.NewErrorFrame(req, common.ErrorInternal)
	}
	return reply
}

func decode[T any](req *protocol.Frame) (T, error) {
	var v T
	if err := req.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", common.ErrInvalidEnvelope, err)
	}
	return v, nil
}

func (d *Dispatcher) route(ctx context.Context, caller Caller, req *protocol.Frame) (any, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownAction, req.Action)
	}
	if req.Action.NeedsSession() && caller.Session == nil {
		return nil, fmt.Errorf("%w: %s needs a push-capable channel", common.ErrInvalidEnvelope, req.Action)
	}

	switch req.Action {
	case protocol.ActionPing:
		return protocol.PingReply{Status: "ok"}, nil

	case protocol.ActionRetrieveProjets:
		return d.objects.Projets(ctx)

	case protocol.ActionRetrieveProjetIndex:
		in, err := decode[protocol.RetrieveProjetIndexRequest](req)
		if err != nil {
			return nil, err
		}
		reply, err := d.objects.Index(ctx, in)
		if err != nil {
			return nil, err
		}
		if in.SpamMe && caller.Session != nil {
			for _, p := range in.Projets {
				caller.Session.Join(p.ProjetUUID)
			}
		}
		return reply, nil

	case protocol.ActionRetrieveObjects:
		in, err := decode[protocol.RetrieveObjectsRequest](req)
		if err != nil {
			return nil, err
		}
		return d.objects.Retrieve(ctx, in)

	case protocol.ActionRetrieveObjectVersions:
		in, err := decode[protocol.RetrieveObjectVersionsRequest](req)
		if err != nil {
			return nil, err
		}
		return d.objects.Versions(ctx, in)

	case protocol.ActionSyncObject:
		in, err := decode[protocol.SyncObjectRequest](req)
		if err != nil {
			return nil, err
		}
		return d.objects.Sync(ctx, caller.DeviceID, in), nil

	case protocol.ActionJoinProjet:
		in, err := decode[protocol.JoinProjetRequest](req)
		if err != nil {
			return nil, err
		}
		return d.join(ctx, caller, in)

	case protocol.ActionProjetUpdateConfig:
		in, err := decode[protocol.ProjetUpdateConfigRequest](req)
		if err != nil {
			return nil, err
		}
		return d.projets.UpdateConfig(ctx, caller.AuthorUUID, in)

	case protocol.ActionProjetDuplicate:
		in, err := decode[protocol.ProjetDuplicateRequest](req)
		if err != nil {
			return nil, err
		}
		return d.projets.Duplicate(ctx, caller.AuthorUUID, in)

	case protocol.ActionDocumentUploadURL:
		in, err := decode[protocol.DocumentURLRequest](req)
		if err != nil {
			return nil, err
		}
		return d.documents.UploadURL(ctx, in)

	case protocol.ActionDocumentDownloadURL:
		in, err := decode[protocol.DocumentURLRequest](req)
		if err != nil {
			return nil, err
		}
		return d.documents.DownloadURL(ctx, in)
	}
	return nil, fmt.Errorf("%w: %q", common.ErrUnknownAction, req.Action)
}

// join subscribes the session to a live project. Joining an archived
// project is answered with status false.
func (d *Dispatcher) join(ctx context.Context, caller Caller, in protocol.JoinProjetRequest) (protocol.JoinProjetReply, error) {
	if in.ProjetUUID == "" {
		return protocol.JoinProjetReply{}, fmt.Errorf("%w: projet_uuid required", common.ErrInvalidEnvelope)
	}
	found, err := d.objects.Retrieve(ctx, protocol.RetrieveObjectsRequest{List: []protocol.ObjectRef{{UUID: in.ProjetUUID}}})
	if err != nil {
		return protocol.JoinProjetReply{}, err
	}
	p, ok := found.Objects[in.ProjetUUID]
	if !ok {
		return protocol.JoinProjetReply{}, fmt.Errorf("%w: projet %s", common.ErrorNotFound, in.ProjetUUID)
	}
	if p.Table != models.TableProjet {
		return protocol.JoinProjetReply{}, fmt.Errorf("%w: %s is a %s", common.ErrInvalidEnvelope, p.UUID, p.Table)
	}
	if !p.Status.Live() {
		return protocol.JoinProjetReply{Status: false}, nil
	}
	caller.Session.Join(in.ProjetUUID)
	d.log.Debug(ctx, "joined", "projet", in.ProjetUUID, "device", caller.DeviceID)
	return protocol.JoinProjetReply{Status: true}, nil
}
