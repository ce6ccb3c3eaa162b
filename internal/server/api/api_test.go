package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/exchange"
	"github.com/dmitrijs2005/digsync/internal/server/realtime"
)

// echoHandler replies with the caller and payload it received, and joins
// the session to the projet named in JOIN_PROJET.
type echoHandler struct{}

type echoReply struct {
	Author  string          `json:"author"`
	Device  string          `json:"device"`
	Session bool            `json:"session"`
	Payload json.RawMessage `json:"payload"`
}

func (echoHandler) Handle(_ context.Context, caller exchange.Caller, req *protocol.Frame) *protocol.Frame {
	if req.Action == protocol.ActionJoinProjet {
		var in protocol.JoinProjetRequest
		_ = req.Decode(&in)
		caller.Session.Join(in.ProjetUUID)
		reply, _ := protocol.NewReplyFrame(req, protocol.JoinProjetReply{Status: true})
		return reply
	}
	reply, _ := protocol.NewReplyFrame(req, echoReply{
		Author:  caller.AuthorUUID,
		Device:  caller.DeviceID,
		Session: caller.Session != nil,
		Payload: req.Payload,
	})
	return reply
}

func newTestServer(t *testing.T, required bool) (*httptest.Server, *realtime.Hub, *exchange.Authenticator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := exchange.NewAuthenticator("secret", time.Hour, required)
	hub := realtime.NewHub(nil)
	settings := DefaultSocketSettings()
	settings.KeepaliveInterval = 50 * time.Millisecond

	router := NewRouter(RouterConfig{
		Rest:   NewRestHandler(echoHandler{}, auth, nil),
		Socket: NewSocketHandler(echoHandler{}, auth, hub, settings, nil),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub, auth
}

func post(t *testing.T, url, body string, header http.Header) (int, protocol.Frame) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var f protocol.Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	return resp.StatusCode, f
}

func TestHealthCheck(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	resp, err := http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRest_Action(t *testing.T) {
	srv, _, auth := newTestServer(t, true)
	token, err := auth.Issue("author-1", "tablet-1")
	require.NoError(t, err)

	h := http.Header{}
	h.Set(common.AccessTokenHeaderName, token)
	h.Set(common.DeviceHeaderName, "tablet-9")

	code, f := post(t, srv.URL+"/api/RETRIEVE_OBJECTS", `{"list":[]}`, h)

	require.Equal(t, http.StatusOK, code)
	require.NoError(t, f.Err())
	assert.Equal(t, protocol.ActionRetrieveObjects, f.Action)
	var out echoReply
	require.NoError(t, f.Decode(&out))
	assert.Equal(t, "author-1", out.Author)
	assert.Equal(t, "tablet-9", out.Device)
	assert.False(t, out.Session)
	assert.JSONEq(t, `{"list":[]}`, string(out.Payload))
}

func TestRest_Errors(t *testing.T) {
	srv, _, auth := newTestServer(t, true)
	token, err := auth.Issue("author-1", "tablet-1")
	require.NoError(t, err)
	authed := http.Header{}
	authed.Set(common.AccessTokenHeaderName, token)

	tests := []struct {
		name   string
		path   string
		body   string
		header http.Header
		code   int
		want   error
	}{
		{"missing token", "/api/PING", "", http.Header{}, http.StatusUnauthorized, common.ErrorUnauthorized},
		{"unknown action", "/api/DROP", "", authed, http.StatusNotFound, common.ErrUnknownAction},
		{"push is not a request", "/api/PROJET_PUSH", "", authed, http.StatusNotFound, common.ErrUnknownAction},
		{"join needs the socket", "/api/JOIN_PROJET", `{}`, authed, http.StatusBadRequest, common.ErrInvalidEnvelope},
		{"body is not json", "/api/PING", `{oops`, authed, http.StatusBadRequest, common.ErrInvalidEnvelope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, f := post(t, srv.URL+tt.path, tt.body, tt.header)
			assert.Equal(t, tt.code, code)
			assert.ErrorIs(t, f.Err(), tt.want)
		})
	}
}

func TestRest_OptionalAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	h := http.Header{}
	h.Set(common.DeviceHeaderName, "tablet-1")

	code, f := post(t, srv.URL+"/api/PING", "", h)
	require.Equal(t, http.StatusOK, code)
	var out echoReply
	require.NoError(t, f.Decode(&out))
	assert.Equal(t, "", out.Author)
	assert.Equal(t, "tablet-1", out.Device)
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

// readFrame skips keepalives and returns the next frame.
func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		if len(data) == 0 {
			continue
		}
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}
}

func send(t *testing.T, ws *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestSocket_RefusesMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t, true)

	_, resp, err := dial(t, srv, http.Header{})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocket_RequestReplyAndKeepalive(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	h := http.Header{}
	h.Set(common.DeviceHeaderName, "tablet-1")
	ws, _, err := dial(t, srv, h)
	require.NoError(t, err)

	// keepalives from the server arrive as empty text messages
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Empty(t, data)

	// and ours are ignored
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, nil))

	req, err := protocol.NewRequestFrame(protocol.ActionPing, nil)
	require.NoError(t, err)
	send(t, ws, req)

	reply := readFrame(t, ws)
	assert.Equal(t, req.ID, reply.ID)
	var out echoReply
	require.NoError(t, reply.Decode(&out))
	assert.True(t, out.Session)
	assert.Equal(t, "tablet-1", out.Device)
}

func TestSocket_PushAfterJoin(t *testing.T) {
	srv, hub, _ := newTestServer(t, false)
	h := http.Header{}
	h.Set(common.DeviceHeaderName, "tablet-1")
	ws, _, err := dial(t, srv, h)
	require.NoError(t, err)

	join, err := protocol.NewRequestFrame(protocol.ActionJoinProjet, protocol.JoinProjetRequest{ProjetUUID: "p-1"})
	require.NoError(t, err)
	send(t, ws, join)
	require.Equal(t, join.ID, readFrame(t, ws).ID)

	// own echo is suppressed
	assert.Equal(t, 0, hub.Broadcast(protocol.ProjetPush{ProjetUUID: "p-1", Origin: "tablet-1"}))

	require.Equal(t, 1, hub.Broadcast(protocol.ProjetPush{ProjetUUID: "p-1", LastUpdated: 42, Origin: "tablet-2"}))
	push := readFrame(t, ws)
	require.True(t, push.IsPush())
	var p protocol.ProjetPush
	require.NoError(t, push.Decode(&p))
	assert.Equal(t, int64(42), p.LastUpdated)
}

func TestSocket_ClosingUnregistersSession(t *testing.T) {
	srv, hub, _ := newTestServer(t, false)
	ws, _, err := dial(t, srv, http.Header{})
	require.NoError(t, err)

	join, err := protocol.NewRequestFrame(protocol.ActionJoinProjet, protocol.JoinProjetRequest{ProjetUUID: "p-1"})
	require.NoError(t, err)
	send(t, ws, join)
	readFrame(t, ws)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return hub.Broadcast(protocol.ProjetPush{ProjetUUID: "p-1"}) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
