package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

const testProjet = "7a4e3d52-7c3e-4d7f-9a55-0a3c1f7e9b10"

func newObjectSvc(t *testing.T) (*ObjectService, *memStore, *recordingPublisher) {
	t.Helper()
	store := newMemStore()
	pub := &recordingPublisher{}
	svc := NewObjectService(nil, &memManager{store}, pub, nil)
	svc.withTx = directTx
	clock := int64(1000)
	svc.now = func() int64 { return clock }
	return svc, store, pub
}

func fait(payload string) *models.Object {
	return &models.Object{
		Table:      models.TableFait,
		UUID:       uuid.NewString(),
		ProjetUUID: testProjet,
		Status:     models.StatusLive,
		AuthorUUID: "author-1",
		Payload:    json.RawMessage(payload),
	}
}

func syncOne(t *testing.T, svc *ObjectService, action protocol.EnvelopeAction, o *models.Object, strict bool) protocol.SyncResult {
	t.Helper()
	reply := svc.Sync(context.Background(), "device-1", protocol.SyncObjectRequest{
		ErrorIfAlreadySave: strict,
		List:               []protocol.Envelope{protocol.NewRequestEnvelope(action, o)},
	})
	require.Len(t, reply.List, 1)
	return reply.List[0]
}

func TestSync_CreateAssignsTagStampAndFirstVersion(t *testing.T) {
	svc, store, pub := newObjectSvc(t)

	o := fait(`{"n":1}`)
	res := syncOne(t, svc, protocol.EnvelopeCreate, o, true)

	require.Equal(t, protocol.StatusSuccess, res.Status)
	require.NotNil(t, res.Data)
	assert.Equal(t, "F-1", res.Data.Tag)
	assert.Equal(t, models.HashTag(testProjet, models.TableFait, "F-1"), res.Data.TagHash)
	assert.Equal(t, int64(1000), res.Data.Modified)
	assert.Equal(t, int64(1000), res.Data.Created)
	require.Len(t, res.Data.Versions, 1)
	assert.Equal(t, 0, res.Data.Versions[0].Seq)
	assert.Len(t, store.versions[o.UUID], 1)

	require.Len(t, pub.pushes, 1)
	assert.Equal(t, testProjet, pub.pushes[0].ProjetUUID)
	assert.Equal(t, "device-1", pub.pushes[0].Origin)
	assert.Equal(t, []models.IndexEntry{o.Identity()}, pub.pushes[0].Index)
	assert.Equal(t, int64(1000), pub.pushes[0].LastUpdated)
}

func TestSync_UpdateAppendsDenseVersionWithIncreasingStamp(t *testing.T) {
	svc, store, _ := newObjectSvc(t)

	o := fait(`{"n":1}`)
	syncOne(t, svc, protocol.EnvelopeCreate, o, true)

	o.Payload = json.RawMessage(`{"n":2}`)
	res := syncOne(t, svc, protocol.EnvelopeUpdate, o, true)

	require.Equal(t, protocol.StatusSuccess, res.Status)
	require.Len(t, res.Data.Versions, 1)
	assert.Equal(t, 1, res.Data.Versions[0].Seq)
	assert.Equal(t, int64(1001), res.Data.Modified, "same wall clock still moves the project clock")
	assert.Equal(t, "F-1", res.Data.Tag)
	assert.Len(t, store.versions[o.UUID], 2)
}

func TestSync_UnchangedUpdateAddsNoVersion(t *testing.T) {
	svc, store, pub := newObjectSvc(t)

	o := fait(`{"a":1,"b":2}`)
	syncOne(t, svc, protocol.EnvelopeCreate, o, true)

	o.Payload = json.RawMessage(`{"b":2,"a":1}`)
	res := syncOne(t, svc, protocol.EnvelopeUpdate, o, true)

	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Len(t, store.versions[o.UUID], 1)
	assert.Len(t, pub.pushes, 1, "only the create is announced")
}

func TestSync_CreateConflicts(t *testing.T) {
	svc, store, _ := newObjectSvc(t)

	o := fait(`{"n":1}`)
	syncOne(t, svc, protocol.EnvelopeCreate, o, true)

	t.Run("replay of the stored value is acknowledged", func(t *testing.T) {
		res := syncOne(t, svc, protocol.EnvelopeCreate, o, true)
		require.Equal(t, protocol.StatusSuccess, res.Status)
		assert.Len(t, store.versions[o.UUID], 1)
	})

	t.Run("different value is a conflict", func(t *testing.T) {
		other := o.Clone()
		other.Payload = json.RawMessage(`{"n":9}`)
		res := syncOne(t, svc, protocol.EnvelopeCreate, other, true)
		require.Equal(t, protocol.StatusError, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, protocol.KindConflict, res.Error.Kind)
		assert.ErrorIs(t, res.Error.Err(), common.ErrConflict)
	})

	t.Run("without the flag the create becomes an update", func(t *testing.T) {
		other := o.Clone()
		other.Payload = json.RawMessage(`{"n":9}`)
		res := syncOne(t, svc, protocol.EnvelopeCreate, other, false)
		require.Equal(t, protocol.StatusSuccess, res.Status)
		assert.Len(t, store.versions[o.UUID], 2)
	})
}

func TestSync_UpdateOfUnknownObjectCreatesIt(t *testing.T) {
	svc, store, _ := newObjectSvc(t)

	o := fait(`{}`)
	res := syncOne(t, svc, protocol.EnvelopeUpdate, o, true)

	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Contains(t, store.rows, o.UUID)
}

func TestSync_ImmutableTableAndProject(t *testing.T) {
	svc, _, _ := newObjectSvc(t)

	o := fait(`{}`)
	syncOne(t, svc, protocol.EnvelopeCreate, o, true)

	moved := o.Clone()
	moved.ProjetUUID = uuid.NewString()
	res := syncOne(t, svc, protocol.EnvelopeUpdate, moved, true)
	require.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, protocol.KindInvalid, res.Error.Kind)

	retabled := o.Clone()
	retabled.Table = models.TableUS
	res = syncOne(t, svc, protocol.EnvelopeUpdate, retabled, true)
	require.Equal(t, protocol.StatusError, res.Status)
}

func TestSync_CustomTagIsKeptAndRehashed(t *testing.T) {
	svc, _, _ := newObjectSvc(t)

	o := fait(`{}`)
	o.Tag = "Wall north"
	o.CustomTag = true
	res := syncOne(t, svc, protocol.EnvelopeCreate, o, true)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "Wall north", res.Data.Tag)

	o.Tag = "Wall south"
	res = syncOne(t, svc, protocol.EnvelopeUpdate, o, true)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "Wall south", res.Data.Tag)
	assert.Equal(t, models.HashTag(testProjet, models.TableFait, "Wall south"), res.Data.TagHash)
	assert.Equal(t, 1, res.Data.Versions[0].Seq)
}

func TestSync_InvalidEnvelopeDoesNotBlockSiblings(t *testing.T) {
	svc, _, pub := newObjectSvc(t)

	good := fait(`{}`)
	bad := fait(`{}`)
	bad.UUID = "not-a-uuid"

	req := protocol.SyncObjectRequest{
		ErrorIfAlreadySave: true,
		List: []protocol.Envelope{
			protocol.NewRequestEnvelope(protocol.EnvelopeCreate, bad),
			protocol.NewRequestEnvelope(protocol.EnvelopeCreate, good),
		},
	}
	reply := svc.Sync(context.Background(), "device-1", req)

	require.Len(t, reply.List, 2)
	assert.Equal(t, protocol.StatusError, reply.List[0].Status)
	assert.Equal(t, protocol.KindInvalid, reply.List[0].Error.Kind)
	assert.Equal(t, protocol.StatusSuccess, reply.List[1].Status)
	require.NoError(t, protocol.ValidateSyncReply(req, reply))
	require.Len(t, pub.pushes, 1)
}

func TestSync_InternalErrorsAreMasked(t *testing.T) {
	svc, store, _ := newObjectSvc(t)
	store.failInsert = errors.New("disk on fire")

	res := syncOne(t, svc, protocol.EnvelopeCreate, fait(`{}`), true)

	require.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, protocol.KindInternal, res.Error.Kind)
	assert.NotContains(t, res.Error.Message, "disk on fire")
}

func TestSync_RacedInsertIsRetried(t *testing.T) {
	svc, store, _ := newObjectSvc(t)

	o := fait(`{"n":1}`)
	calls := 0
	svc.withTx = func(ctx context.Context, fn txFunc) error {
		calls++
		if calls == 1 {
			// another writer takes the uuid between lookup and insert
			store.failInsert = common.ErrConflict
			defer func() { store.failInsert = nil }()
		}
		return fn(ctx, nil)
	}

	res := syncOne(t, svc, protocol.EnvelopeCreate, o, false)
	assert.Equal(t, 2, calls)
	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Contains(t, store.rows, o.UUID)
}

func TestSync_RacedTwiceIsAConflict(t *testing.T) {
	svc, store, _ := newObjectSvc(t)
	store.failInsert = common.ErrConflict

	res := syncOne(t, svc, protocol.EnvelopeCreate, fait(`{}`), true)
	require.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, protocol.KindConflict, res.Error.Kind)
}

func TestSync_PublishFailureDoesNotFailTheWrite(t *testing.T) {
	svc, _, pub := newObjectSvc(t)
	pub.err = errors.New("bus down")

	res := syncOne(t, svc, protocol.EnvelopeCreate, fait(`{}`), true)
	assert.Equal(t, protocol.StatusSuccess, res.Status)
}

func TestRetrieve(t *testing.T) {
	svc, _, _ := newObjectSvc(t)
	ctx := context.Background()

	o := fait(`{"n":1}`)
	syncOne(t, svc, protocol.EnvelopeCreate, o, true)
	o.Payload = json.RawMessage(`{"n":2}`)
	syncOne(t, svc, protocol.EnvelopeUpdate, o, true)

	reply, err := svc.Retrieve(ctx, protocol.RetrieveObjectsRequest{List: []protocol.ObjectRef{
		{UUID: o.UUID, Table: o.Table},
		{UUID: uuid.NewString(), Table: models.TableUS},
	}})
	require.NoError(t, err)
	require.Len(t, reply.Objects, 1)
	assert.Len(t, reply.Objects[o.UUID].Versions, 1)
	assert.JSONEq(t, `{"n":2}`, string(reply.Objects[o.UUID].Payload))

	reply, err = svc.Retrieve(ctx, protocol.RetrieveObjectsRequest{List: []protocol.ObjectRef{
		{UUID: o.UUID, Table: o.Table, VersionsOnly: true},
	}})
	require.NoError(t, err)
	assert.Len(t, reply.Objects[o.UUID].Versions, 2)
}

func TestVersions(t *testing.T) {
	svc, _, _ := newObjectSvc(t)
	ctx := context.Background()

	o := fait(`{"n":1}`)
	syncOne(t, svc, protocol.EnvelopeCreate, o, true)
	o.Archive()
	syncOne(t, svc, protocol.EnvelopeUpdate, o, true)

	reply, err := svc.Versions(ctx, protocol.RetrieveObjectVersionsRequest{Obj: protocol.ObjectRef{UUID: o.UUID}})
	require.NoError(t, err)
	assert.Equal(t, o.UUID, reply.UUID)
	assert.Equal(t, models.TableFait, reply.Table)
	require.Len(t, reply.Versions, 2)
	assert.Equal(t, models.StatusArchived, reply.Versions[1].Status)

	_, err = svc.Versions(ctx, protocol.RetrieveObjectVersionsRequest{Obj: protocol.ObjectRef{UUID: uuid.NewString()}})
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestIndex(t *testing.T) {
	svc, _, _ := newObjectSvc(t)
	ctx := context.Background()

	a, b := fait(`{}`), fait(`{}`)
	syncOne(t, svc, protocol.EnvelopeCreate, a, true)
	syncOne(t, svc, protocol.EnvelopeCreate, b, true)

	reply, err := svc.Index(ctx, protocol.RetrieveProjetIndexRequest{Projets: []protocol.ProjetSince{{ProjetUUID: testProjet}}})
	require.NoError(t, err)
	require.Len(t, reply.Indexes, 1)
	full := reply.Indexes[0]
	assert.True(t, full.Full)
	assert.Equal(t, 2, full.AmountObjects)
	require.NotNil(t, full.LastUpdated)
	assert.Equal(t, int64(1001), *full.LastUpdated)

	a.Archive()
	syncOne(t, svc, protocol.EnvelopeUpdate, a, true)

	reply, err = svc.Index(ctx, protocol.RetrieveProjetIndexRequest{Projets: []protocol.ProjetSince{{ProjetUUID: testProjet, LastSynchroMs: full.LastUpdated}}})
	require.NoError(t, err)
	delta := reply.Indexes[0]
	assert.False(t, delta.Full)
	assert.Equal(t, []models.IndexEntry{a.Identity()}, delta.Index)
	assert.Equal(t, int64(1002), *delta.LastUpdated)
}

func TestIndex_EmptyProjectHasZeroMark(t *testing.T) {
	svc, _, _ := newObjectSvc(t)

	reply, err := svc.Index(context.Background(), protocol.RetrieveProjetIndexRequest{Projets: []protocol.ProjetSince{{ProjetUUID: testProjet}}})
	require.NoError(t, err)
	require.NotNil(t, reply.Indexes[0].LastUpdated)
	assert.Equal(t, int64(0), *reply.Indexes[0].LastUpdated)
	assert.Empty(t, reply.Indexes[0].Index)

	_, err = svc.Index(context.Background(), protocol.RetrieveProjetIndexRequest{Projets: []protocol.ProjetSince{{}}})
	assert.ErrorIs(t, err, common.ErrInvalidEnvelope)
}

func TestProjets(t *testing.T) {
	svc, _, _ := newObjectSvc(t)

	reply, err := svc.Projets(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, reply.Projets)
	assert.Empty(t, reply.Projets)

	p, err := models.NewObject(models.TableProjet, "", "author-1", json.RawMessage(`{"name":"Dig"}`))
	require.NoError(t, err)
	syncOne(t, svc, protocol.EnvelopeCreate, p, true)
	syncOne(t, svc, protocol.EnvelopeCreate, fait(`{}`), true)

	reply, err = svc.Projets(context.Background())
	require.NoError(t, err)
	require.Len(t, reply.Projets, 1)
	assert.Equal(t, p.UUID, reply.Projets[0].UUID)
}
