package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/digsync/internal/client/config"
	"github.com/dmitrijs2005/digsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/digsync/internal/client/store"
	"github.com/dmitrijs2005/digsync/internal/client/transport"
	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/models"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// offlineNet never reaches the server.
type offlineNet struct {
	started, stopped bool
}

func (n *offlineNet) Send(ctx context.Context, action protocol.Action, req any, reply any, opts ...transport.SendOption) error {
	return fmt.Errorf("%w: %s", common.ErrNetworkUnavailable, action)
}
func (n *offlineNet) Online() bool                                      { return false }
func (n *offlineNet) OnStatus(fn func(bool))                            {}
func (n *offlineNet) OnPush(fn func(protocol.ProjetPush))               {}
func (n *offlineNet) Watch(ctx context.Context, interval time.Duration) {}
func (n *offlineNet) Start(ctx context.Context) error                   { n.started = true; return nil }
func (n *offlineNet) Stop() error                                       { n.stopped = true; return nil }

func newTestApp(t *testing.T, input string) (*App, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "file:"+t.Name()+"?mode=memory&cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.AuthorUUID = "author-1"

	a, err := assemble(ctx, cfg, st, &offlineNet{}, "device-1", nil)
	require.NoError(t, err)
	var out bytes.Buffer
	a.out = &out
	a.reader = rdr(input)
	return a, &out
}

func TestAssemble_StoresAuthorAndRestoresProjet(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, "file:"+t.Name()+"?mode=memory&cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Metadata().Set(ctx, metadata.KeyProjet, []byte("p1")))

	cfg := &config.Config{}
	cfg.LoadDefaults()
	a, err := assemble(ctx, cfg, st, &offlineNet{}, "device-1", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, a.author)
	stored, err := metadata.GetString(ctx, st.Metadata(), metadata.KeyAuthorUUID)
	require.NoError(t, err)
	assert.Equal(t, a.author, stored)
	assert.Equal(t, "p1", a.session.Projet())
	assert.Equal(t, "(p1 offline)", a.getStatus())

	cfg.IgnoredTables = []string{"nope"}
	_, err = assemble(ctx, cfg, st, &offlineNet{}, "device-1", nil)
	require.Error(t, err)
}

func TestOfflineEditingSession(t *testing.T) {
	a, out := newTestApp(t, "")
	ctx := context.Background()

	require.ErrorIs(t, a.List(ctx, []string{"fait"}), errNoProjet)

	require.NoError(t, a.Use(ctx, []string{"p1"}))
	assert.Contains(t, out.String(), "offline")
	_, err := a.store.LoadIndex(ctx, "p1")
	require.NoError(t, err, "the project is remembered for the next pull")

	require.NoError(t, a.Add(ctx, []string{"fait", `{"n":1}`}))
	all := a.session.Table(models.TableFait).All()
	require.Len(t, all, 1)
	id := all[0].UUID

	out.Reset()
	require.NoError(t, a.List(ctx, []string{"fait"}))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "[pending]")

	require.NoError(t, a.Edit(ctx, []string{id, `{"n":2}`}))
	out.Reset()
	require.NoError(t, a.Show(ctx, []string{id}))
	assert.Contains(t, out.String(), `"n": 2`)
	assert.Contains(t, out.String(), "pending push")
	assert.Contains(t, out.String(), "queued CREATE, 0 attempts")

	out.Reset()
	require.NoError(t, a.History(ctx, []string{id}))
	assert.Contains(t, out.String(), "0 versions (local)")

	out.Reset()
	require.NoError(t, a.Status(ctx))
	assert.Contains(t, out.String(), "queued pushes: 2")
	assert.Contains(t, out.String(), "network: offline")

	require.NoError(t, a.Archive(ctx, []string{id}))
	out.Reset()
	require.NoError(t, a.List(ctx, []string{"fait"}))
	assert.Empty(t, out.String())

	require.NoError(t, a.Unarchive(ctx, []string{id}))
	out.Reset()
	require.NoError(t, a.List(ctx, []string{"fait"}))
	assert.Contains(t, out.String(), id)

	err = a.Sync(ctx)
	require.ErrorIs(t, err, common.ErrNetworkUnavailable)
}

func TestAdd_ReadsPayloadFromPrompt(t *testing.T) {
	a, _ := newTestApp(t, "{\"from\":\"prompt\"}\n\n")
	ctx := context.Background()
	require.NoError(t, a.session.SetProject(ctx, "p1"))

	require.NoError(t, a.Add(ctx, []string{"us"}))
	all := a.session.Table(models.TableUS).All()
	require.Len(t, all, 1)
	assert.JSONEq(t, `{"from":"prompt"}`, string(all[0].Payload))
}

func TestCommandUsageErrors(t *testing.T) {
	a, _ := newTestApp(t, "")
	ctx := context.Background()

	for name, err := range map[string]error{
		"use":       a.Use(ctx, nil),
		"list":      a.List(ctx, nil),
		"add":       a.Add(ctx, nil),
		"edit":      a.Edit(ctx, nil),
		"archive":   a.Archive(ctx, nil),
		"unarchive": a.Unarchive(ctx, nil),
		"show":      a.Show(ctx, nil),
		"history":   a.History(ctx, nil),
		"resolve":   a.Resolve(ctx, []string{"u1", "maybe"}),
	} {
		require.Error(t, err, name)
		assert.True(t, strings.HasPrefix(err.Error(), "usage:"), name)
	}

	require.ErrorIs(t, a.Show(ctx, []string{"6f1c1b9e-0000-4000-8000-000000000009"}), common.ErrorNotFound)
	require.ErrorIs(t, a.Clear(ctx), errNoProjet)
}

func TestReset_AsksForConfirmation(t *testing.T) {
	a, out := newTestApp(t, "no\nyes\n")
	ctx := context.Background()
	require.NoError(t, a.session.SetProject(ctx, "p1"))
	require.NoError(t, a.Add(ctx, []string{"fait", `{}`}))

	require.NoError(t, a.Reset(ctx))
	assert.Contains(t, out.String(), "aborted")
	n, err := a.store.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, a.Reset(ctx))
	n, err = a.store.QueueLength(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, a.session.Table(models.TableFait).All())
}

func TestToken_StoresSecret(t *testing.T) {
	a, _ := newTestApp(t, "")
	old := readPassword
	t.Cleanup(func() { readPassword = old })
	readPassword = func(int) ([]byte, error) { return []byte("secret"), nil }

	require.NoError(t, a.Token(context.Background()))
	v, err := metadata.GetString(context.Background(), a.store.Metadata(), metadata.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "secret", v)
}
