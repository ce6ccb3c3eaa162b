package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/digsync/internal/client/config"
	"github.com/dmitrijs2005/digsync/internal/client/index"
	"github.com/dmitrijs2005/digsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/digsync/internal/client/session"
	"github.com/dmitrijs2005/digsync/internal/client/store"
	"github.com/dmitrijs2005/digsync/internal/client/syncer"
	"github.com/dmitrijs2005/digsync/internal/client/transport"
	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/models"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// network is what the app needs from the transport selector.
type network interface {
	syncer.Network
	Start(ctx context.Context) error
	Stop() error
}

type App struct {
	config  *config.Config
	store   *store.Store
	net     network
	index   index.Manager
	session *session.Manager
	syncer  *syncer.Syncer
	log     logging.Logger

	author string
	device string
	reader *bufio.Reader
	out    io.Writer

	mu   sync.Mutex
	mode Mode
}

// NewApp opens the local store and builds the channels described by c.
func NewApp(ctx context.Context, c *config.Config, log logging.Logger) (*App, error) {
	st, err := store.Open(ctx, c.DatabasePath, log)
	if err != nil {
		return nil, err
	}
	if err := st.Check(ctx); err != nil {
		log.Error(ctx, "local store failed its integrity check, resetting", "error", err)
		if err := st.Reset(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("%w: reset failed: %v", common.ErrStoreCorrupt, err)
		}
	}

	meta := st.Metadata()
	device, err := metadata.GetOrInit(ctx, meta, metadata.KeyDeviceID, uuid.NewString)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	token := c.AccessToken
	if token == "" {
		if token, err = metadata.GetString(ctx, meta, metadata.KeyAccessToken); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	prefered, err := transport.ParseNetwork(c.PreferedNetwork)
	if err != nil {
		log.Warn(ctx, "falling back to the socket channel", "error", err)
		prefered = transport.NetworkSocket
	}
	creds := transport.Credentials{AccessToken: token, DeviceID: device}
	sel := transport.NewSelector(prefered, log,
		transport.NewSocketChannel(c.SocketURL, creds, transport.DefaultSocketSettings(), log),
		transport.NewRestChannel(c.RestURL, creds, c.OnlineCheckInterval*3),
		transport.NewRPCChannel(c.RPCAddr, creds),
	)

	a, err := assemble(ctx, c, st, sel, device, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// assemble builds the app over an opened store and a network.
func assemble(ctx context.Context, c *config.Config, st *store.Store, net network, device string, log logging.Logger) (*App, error) {
	if log == nil {
		log = logging.Nop()
	}
	meta := st.Metadata()

	author := c.AuthorUUID
	if author != "" {
		if err := meta.Set(ctx, metadata.KeyAuthorUUID, []byte(author)); err != nil {
			return nil, err
		}
	} else {
		var err error
		if author, err = metadata.GetOrInit(ctx, meta, metadata.KeyAuthorUUID, uuid.NewString); err != nil {
			return nil, err
		}
	}

	var ignored []models.Table
	for _, name := range c.IgnoredTables {
		t, err := models.ParseTable(name)
		if err != nil {
			return nil, fmt.Errorf("ignored tables: %w", err)
		}
		ignored = append(ignored, t)
	}

	idx := index.NewManager(st, net, ignored, log)
	sess := session.NewManager(st, log)
	sy := syncer.New(st, net, idx, syncer.Options{
		DeviceID:            device,
		PushBatchSize:       c.PushBatchSize,
		FetchBatchSize:      c.FetchBatchSize,
		RetryInterval:       c.RetryInterval,
		OnlineCheckInterval: c.OnlineCheckInterval,
	}, log)

	a := &App{
		config:  c,
		store:   st,
		net:     net,
		index:   idx,
		session: sess,
		syncer:  sy,
		log:     log.With("module", "cli"),
		author:  author,
		device:  device,
		reader:  bufio.NewReader(os.Stdin),
		out:     os.Stdout,
		mode:    ModeOffline,
	}

	projet, err := metadata.GetString(ctx, meta, metadata.KeyProjet)
	if err != nil {
		return nil, err
	}
	if projet != "" {
		if err := sess.SetProject(ctx, projet); err != nil {
			return nil, err
		}
		if _, err := idx.Refresh(ctx, projet); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	changed := a.mode != mode
	a.mode = mode
	a.mu.Unlock()
	if changed {
		a.log.Info(context.Background(), "switched mode", "mode", mode)
	}
}

func (a *App) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *App) getStatus() string {
	s := string(a.Mode())
	if p := a.session.Projet(); p != "" {
		s = shortID(p) + " " + s
	}
	return fmt.Sprintf("(%s)", s)
}

// Run starts the channels and the background synchronizer, then serves
// the REPL on stdin until the user exits.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.Close()

	a.net.OnStatus(func(online bool) {
		if online {
			a.setMode(ModeOnline)
		} else {
			a.setMode(ModeOffline)
		}
	})
	if err := a.net.Start(ctx); err != nil {
		return err
	}
	go a.syncer.Run(ctx)

	if isTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(a.out, "digsync field client (type 'help' for commands)")
	}
	runREPL(ctx, a, a.getStatus, a.reader)
	return nil
}

func (a *App) Close() {
	a.session.Close()
	if err := a.net.Stop(); err != nil {
		a.log.Warn(context.Background(), "stop channels", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn(context.Background(), "close store", "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
