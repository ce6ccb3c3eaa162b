package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/exchange"
	"github.com/dmitrijs2005/digsync/internal/server/realtime"
)

type SocketSettings struct {
	// KeepaliveInterval is how often an empty text message is sent while
	// the socket is otherwise idle.
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	// ReadTimeout closes sockets that stay silent, keepalives included.
	ReadTimeout time.Duration
	QueueSize   int
}

func DefaultSocketSettings() SocketSettings {
	return SocketSettings{
		KeepaliveInterval: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       30 * time.Second,
		QueueSize:         64,
	}
}

// SocketHandler upgrades GET /socket to a websocket. Requests are answered
// in order; pushes for joined projects are interleaved with the replies.
type SocketHandler struct {
	handler  FrameHandler
	auth     Authenticator
	hub      *realtime.Hub
	settings SocketSettings
	upgrader websocket.Upgrader
	log      logging.Logger
}

func NewSocketHandler(handler FrameHandler, auth Authenticator, hub *realtime.Hub, settings SocketSettings, log logging.Logger) *SocketHandler {
	if log == nil {
		log = logging.Nop()
	}
	return &SocketHandler{
		handler:  handler,
		auth:     auth,
		hub:      hub,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// field devices are native apps, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With("module", "socket"),
	}
}

func (h *SocketHandler) Serve(c *gin.Context) {
	caller, err := h.auth.Authenticate(c.GetHeader(common.AccessTokenHeaderName), c.GetHeader(common.DeviceHeaderName))
	if err != nil {
		c.JSON(http.StatusUnauthorized, protocol.NewErrorFrame(&protocol.Frame{}, err))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug(c.Request.Context(), "upgrade failed", "error", err)
		return
	}

	session := h.hub.NewSession(caller.DeviceID, h.settings.QueueSize)
	caller.Session = session

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	h.log.Info(ctx, "socket opened", "session", session.ID, "device", caller.DeviceID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, ws, session)
	}()

	h.readLoop(ctx, ws, caller, session)

	h.hub.Close(session)
	<-done
	_ = ws.Close()
	h.log.Info(ctx, "socket closed", "session", session.ID, "device", caller.DeviceID)
}

func (h *SocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, caller exchange.Caller, session *realtime.Session) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.log.Debug(ctx, "read failed", "session", session.ID, "error", err)
			return
		}
		if len(data) == 0 {
			continue
		}

		var req protocol.Frame
		if err := json.Unmarshal(data, &req); err != nil {
			h.log.Warn(ctx, "undecodable frame", "session", session.ID, "error", err)
			continue
		}

		reply := h.handler.Handle(ctx, caller, &req)
		if !session.Send(reply) {
			h.log.Warn(ctx, "reply dropped", "session", session.ID, "action", req.Action, "id", req.ID)
		}
	}
}

// writeLoop drains the session queue until it is closed. On a write error
// it keeps draining so the hub never blocks on this session.
func (h *SocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, session *realtime.Session) {
	keepalive := time.NewTicker(h.settings.KeepaliveInterval)
	defer keepalive.Stop()

	broken := false
	write := func(data []byte) {
		if broken {
			return
		}
		_ = ws.SetWriteDeadline(time.Now().Add(h.settings.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug(ctx, "write failed", "session", session.ID, "error", err)
			broken = true
			// unblocks the reader
			_ = ws.Close()
		}
	}

	for {
		select {
		case frame, ok := <-session.Outbound:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				h.log.Error(ctx, "encode frame", "action", frame.Action, "error", err)
				continue
			}
			write(data)
		case <-keepalive.C:
			write(nil)
		}
	}
}
