// Package server wires the sync server together: configuration, the
// Postgres store, the push bus and the HTTP, websocket and gRPC endpoints.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
	"github.com/dmitrijs2005/digsync/internal/server/api"
	"github.com/dmitrijs2005/digsync/internal/server/config"
	"github.com/dmitrijs2005/digsync/internal/server/exchange"
	"github.com/dmitrijs2005/digsync/internal/server/realtime"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/digsync/internal/server/services"

	gs "github.com/dmitrijs2005/digsync/internal/server/grpc"
)

type App struct {
	config *config.Config
	logger logging.Logger
	sync   func()

	db   *sql.DB
	bus  realtime.Bus
	hub  *realtime.Hub
	auth *exchange.Authenticator

	dispatcher *exchange.Dispatcher
}

// NewLogger picks the backend for mode: zap for "prod", slog text otherwise.
// The returned func flushes buffered entries.
func NewLogger(mode string) (logging.Logger, func(), error) {
	switch strings.ToLower(mode) {
	case "prod", "production":
		z, err := logging.NewZap(mode)
		if err != nil {
			return nil, nil, err
		}
		return z, z.Sync, nil
	default:
		return logging.NewTextLogger(os.Stdout, slog.LevelDebug), func() {}, nil
	}
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger, flush, err := NewLogger(c.LogMode)
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}

	rm := repomanager.NewPostgresRepositoryManager()
	db, err := repomanager.Open(ctx, c.DatabaseDSN, rm)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	var bus realtime.Bus
	if c.RedisAddr != "" {
		bus, err = realtime.NewRedisBus(ctx, c.RedisAddr, c.RedisChannel, logger)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bus init error: %w", err)
		}
	} else {
		bus = realtime.NewMemoryBus()
	}

	objects := services.NewObjectService(db, rm, bus, logger)
	projets := services.NewProjetService(db, rm, logger)
	documents := services.NewDocumentService(db, rm, c)

	return &App{
		config:     c,
		logger:     logger,
		sync:       flush,
		db:         db,
		bus:        bus,
		hub:        realtime.NewHub(logger),
		auth:       exchange.NewAuthenticator(c.SecretKey, c.TokenValidityDuration, c.RequireAuth),
		dispatcher: exchange.NewDispatcher(objects, projets, documents, logger),
	}, nil
}

// Run serves until ctx ends or one endpoint fails, then releases every
// resource.
func (app *App) Run(ctx context.Context) error {
	defer app.close()

	app.logger.Info(ctx, "Starting app...")

	g, ctx := errgroup.WithContext(ctx)

	if err := app.bus.StartForwarder(ctx, func(push protocol.ProjetPush) {
		app.hub.Broadcast(push)
	}); err != nil {
		return fmt.Errorf("bus forwarder: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Rest:   api.NewRestHandler(app.dispatcher, app.auth, app.logger),
		Socket: api.NewSocketHandler(app.dispatcher, app.auth, app.hub, api.DefaultSocketSettings(), app.logger),
		Log:    app.logger,
	})

	g.Go(func() error {
		return api.NewServer(app.config.EndpointAddrHTTP, router, app.logger).Run(ctx)
	})
	g.Go(func() error {
		return gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger, app.dispatcher, app.auth).Run(ctx)
	})

	err := g.Wait()
	if err != nil {
		app.logger.Error(ctx, "app stopped", "error", err)
	}
	return err
}

func (app *App) close() {
	if err := app.bus.Close(); err != nil {
		app.logger.Warn(context.Background(), "bus close", "error", err)
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn(context.Background(), "db close", "error", err)
	}
	app.sync()
}
