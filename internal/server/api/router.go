// Package api exposes the exchange protocol over HTTP: one REST route per
// action and a websocket endpoint that also carries project pushes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/exchange"
)

// FrameHandler answers a request frame on behalf of caller.
type FrameHandler interface {
	Handle(ctx context.Context, caller exchange.Caller, req *protocol.Frame) *protocol.Frame
}

// Authenticator resolves transport credentials into a caller.
type Authenticator interface {
	Authenticate(token, deviceID string) (exchange.Caller, error)
}

type RouterConfig struct {
	Rest   *RestHandler
	Socket *SocketHandler
	Log    logging.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Log))

	router.GET("/healthcheck", HealthCheck)
	router.POST("/api/:action", cfg.Rest.Action)
	router.GET("/socket", cfg.Socket.Serve)

	return router
}

func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(log logging.Logger) gin.HandlerFunc {
	if log == nil {
		log = logging.Nop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Server runs the HTTP endpoint until its context ends.
type Server struct {
	address string
	handler http.Handler
	logger  logging.Logger
}

func NewServer(address string, handler http.Handler, l logging.Logger) *Server {
	return &Server{address: address, handler: handler, logger: l.With("module", "http_server")}
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, "http shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
