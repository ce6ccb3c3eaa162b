package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/models"
)

type PingReply struct {
	Status string `json:"status"`
}

type RetrieveProjetsReply struct {
	Projets []*models.Object `json:"projets"`
}

// ProjetSince asks for everything changed in a project after LastSynchroMs.
// A nil LastSynchroMs asks for the full manifest.
type ProjetSince struct {
	ProjetUUID    string `json:"projet_uuid"`
	LastSynchroMs *int64 `json:"last_synchro_ms"`
}

type RetrieveProjetIndexRequest struct {
	Projets []ProjetSince `json:"projets"`
	// SpamMe also subscribes the calling session to pushes for every
	// listed project, as JOIN_PROJET would.
	SpamMe bool `json:"spam_me"`
}

type RetrieveProjetIndexReply struct {
	Indexes []models.ProjectIndex `json:"indexes"`
}

// ObjectRef names an object to pull. VersionsOnly asks for the history
// instead of the current value.
type ObjectRef struct {
	UUID         string       `json:"uuid"`
	Table        models.Table `json:"table"`
	VersionsOnly bool         `json:"versions,omitempty"`
}

type RetrieveObjectsRequest struct {
	List []ObjectRef `json:"list"`
}

// RetrieveObjectsReply is indexed by uuid. Unknown uuids are absent.
type RetrieveObjectsReply struct {
	Objects map[string]*models.Object `json:"objects"`
}

type RetrieveObjectVersionsRequest struct {
	Obj ObjectRef `json:"obj"`
}

type RetrieveObjectVersionsReply struct {
	UUID     string           `json:"uuid"`
	Table    models.Table     `json:"table"`
	Versions []models.Version `json:"versions"`
}

type SyncObjectRequest struct {
	ErrorIfAlreadySave bool       `json:"errorIfAlreadySave"`
	List               []Envelope `json:"list"`
}

// SyncResult is the reply for one envelope, at the same position as the
// envelope in the request.
type SyncResult struct {
	Status Status         `json:"status"`
	Data   *models.Object `json:"data,omitempty"`
	Error  *Error         `json:"error,omitempty"`
}

type SyncObjectReply struct {
	List []SyncResult `json:"list"`
}

// ValidateSyncReply checks that reply lines up with req: one result per
// envelope, each either a success carrying the same uuid or an error.
func ValidateSyncReply(req SyncObjectRequest, reply SyncObjectReply) error {
	if len(req.List) != len(reply.List) {
		return fmt.Errorf("%w: %d envelopes, %d results", common.ErrReplyMisaligned, len(req.List), len(reply.List))
	}
	for i, res := range reply.List {
		switch res.Status {
		case StatusSuccess:
			if res.Data == nil || res.Data.UUID != req.List[i].Data.UUID {
				return fmt.Errorf("%w: position %d", common.ErrReplyMisaligned, i)
			}
		case StatusError:
			if res.Error == nil {
				return fmt.Errorf("%w: position %d has no error", common.ErrReplyMisaligned, i)
			}
		default:
			return fmt.Errorf("%w: position %d status %q", common.ErrReplyMisaligned, i, res.Status)
		}
	}
	return nil
}

type JoinProjetRequest struct {
	ProjetUUID string `json:"projet_uuid"`
}

type JoinProjetReply struct {
	Status bool `json:"status"`
}

type ProjetUpdateConfigRequest struct {
	ProjetUUID string          `json:"projet_uuid"`
	Config     json.RawMessage `json:"config"`
}

type ProjetUpdateConfigReply struct {
	Projet *models.Object  `json:"projet"`
	Config json.RawMessage `json:"config"`
}

type ProjetDuplicateRequest struct {
	ProjetUUID string `json:"projet_uuid"`
}

type ProjetDuplicateReply struct {
	Projet *models.Object `json:"projet"`
}

type DocumentURLRequest struct {
	UUID string `json:"uuid"`
}

type DocumentURLReply struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// ProjetPush tells joined devices that a project moved forward. Origin is
// the device that caused the change, so it can ignore its own echo.
type ProjetPush struct {
	ProjetUUID  string              `json:"projet_uuid"`
	Index       []models.IndexEntry `json:"index"`
	LastUpdated int64               `json:"last_updated"`
	Origin      string              `json:"origin,omitempty"`
}
