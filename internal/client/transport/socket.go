package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

type SocketSettings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultSocketSettings() SocketSettings {
	return SocketSettings{
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
	}
}

// socketConn is one live websocket session.
type socketConn struct {
	send chan *protocol.Frame
	done chan struct{}
}

// SocketChannel keeps a websocket open to the server, reconnecting after
// every loss. Requests and replies are matched by frame id; frames without
// id are server pushes.
type SocketChannel struct {
	url      string
	creds    Credentials
	settings SocketSettings
	dialer   *websocket.Dialer
	log      logging.Logger

	mu       sync.Mutex
	conn     *socketConn
	pending  map[string]chan *protocol.Frame
	handlers []func(protocol.ProjetPush)
	cancel   context.CancelFunc
	stopped  chan struct{}
}

func NewSocketChannel(url string, creds Credentials, settings SocketSettings, log logging.Logger) *SocketChannel {
	if log == nil {
		log = logging.Nop()
	}
	return &SocketChannel{
		url:      url,
		creds:    creds,
		settings: settings,
		dialer:   &websocket.Dialer{HandshakeTimeout: settings.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		log:      log.With("network", NetworkSocket),
		pending:  make(map[string]chan *protocol.Frame),
	}
}

func (c *SocketChannel) Network() Network { return NetworkSocket }

func (c *SocketChannel) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *SocketChannel) OnPush(fn func(protocol.ProjetPush)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Start launches the connect loop. It returns at once; the channel is
// offline until the first connection succeeds.
func (c *SocketChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	go c.run(runCtx, c.stopped)
	return nil
}

func (c *SocketChannel) Stop() error {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel, c.stopped = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-stopped
	return nil
}

func (c *SocketChannel) Do(ctx context.Context, req *protocol.Frame) (*protocol.Frame, error) {
	wait := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, unavailable(NetworkSocket, errors.New("not connected"))
	}
	c.pending[req.ID] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	select {
	case conn.send <- req:
	case <-conn.done:
		return nil, unavailable(NetworkSocket, errors.New("connection lost"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-wait:
		return reply, nil
	case <-conn.done:
		return nil, unavailable(NetworkSocket, errors.New("connection lost"))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *SocketChannel) header() http.Header {
	h := http.Header{}
	if c.creds.AccessToken != "" {
		h.Set(common.AccessTokenHeaderName, c.creds.AccessToken)
	}
	if c.creds.DeviceID != "" {
		h.Set(common.DeviceHeaderName, c.creds.DeviceID)
	}
	return h
}

func (c *SocketChannel) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, c.header())
		if err != nil {
			c.log.Debug(ctx, "connect failed", "url", c.url, "error", err)
		} else {
			c.log.Info(ctx, "connected", "url", c.url)
			c.serve(ctx, ws)
			c.log.Info(ctx, "disconnected", "url", c.url)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.settings.ReconnectTimeout):
		}
	}
}

// serve runs one websocket session until it breaks or ctx ends.
func (c *SocketChannel) serve(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	conn := &socketConn{send: make(chan *protocol.Frame), done: make(chan struct{})}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		close(conn.done)
	}()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-conn.send:
				data, err := json.Marshal(frame)
				if err != nil {
					c.log.Error(handleCtx, "encode frame", "action", frame.Action, "error", err)
					continue
				}
				_ = ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
					c.log.Debug(handleCtx, "write failed", "error", err)
					return
				}
			case <-time.After(c.settings.PingTimeout):
				_ = ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()
		for {
			_ = ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
			_, data, err := ws.ReadMessage()
			if err != nil {
				c.log.Debug(handleCtx, "read failed", "error", err)
				return
			}
			if len(data) == 0 {
				continue
			}
			var frame protocol.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.log.Warn(handleCtx, "undecodable frame", "error", err)
				continue
			}
			c.dispatch(handleCtx, &frame)
		}
	}()

	<-handleCtx.Done()
}

func (c *SocketChannel) dispatch(ctx context.Context, frame *protocol.Frame) {
	if frame.IsPush() {
		var push protocol.ProjetPush
		if err := frame.Decode(&push); err != nil {
			c.log.Warn(ctx, "undecodable push", "error", err)
			return
		}
		c.mu.Lock()
		handlers := append([]func(protocol.ProjetPush){}, c.handlers...)
		c.mu.Unlock()
		// handlers may call back into the channel; the reader must keep going
		go func() {
			for _, fn := range handlers {
				fn(push)
			}
		}()
		return
	}

	c.mu.Lock()
	wait, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug(ctx, "reply without waiter", "id", frame.ID, "action", frame.Action)
		return
	}
	select {
	case wait <- frame:
	default:
	}
}

var (
	_ PushSource = (*SocketChannel)(nil)
	_ Channel    = (*SocketChannel)(nil)
	_ Channel    = (*RestChannel)(nil)
	_ Channel    = (*RPCChannel)(nil)
)
