package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/zdc-sync/internal/auth"
	"github.com/alexjbarnes/zdc-sync/internal/cloud"
	"github.com/alexjbarnes/zdc-sync/internal/cloud/proxy"
	"github.com/alexjbarnes/zdc-sync/internal/cloud/s3store"
	"github.com/alexjbarnes/zdc-sync/internal/config"
	"github.com/alexjbarnes/zdc-sync/internal/delegate"
	"github.com/alexjbarnes/zdc-sync/internal/logging"
	"github.com/alexjbarnes/zdc-sync/internal/mcpserver"
	"github.com/alexjbarnes/zdc-sync/internal/mirror"
	"github.com/alexjbarnes/zdc-sync/internal/notify"
	"github.com/alexjbarnes/zdc-sync/internal/pull"
	"github.com/alexjbarnes/zdc-sync/internal/push"
	"github.com/alexjbarnes/zdc-sync/internal/queue"
	"github.com/alexjbarnes/zdc-sync/internal/server"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/syncmgr"
	"github.com/alexjbarnes/zdc-sync/internal/tree"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			return run(cmd.Context(), cfg)
		},
	}
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("zdc-sync starting",
		slog.String("version", Version),
		slog.String("user", cfg.LocalUserID),
		slog.String("tree", cfg.TreeID),
		slog.Bool("mirror", cfg.MirrorDir != ""),
		slog.Bool("notify", cfg.NotifyURL != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := zcrypto.LoadKeyPair(cfg.PrivateKeyFile)
	if err != nil {
		return err
	}
	defer zcrypto.ZeroKey(keys.Private[:])

	db, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.AuthToken != "" {
		if err := db.SetToken(cfg.AuthToken); err != nil {
			return err
		}
	}

	p := state.Pipeline{UserID: cfg.LocalUserID, TreeID: cfg.TreeID}
	q := queue.New(queue.Options{RecordEveryVersion: cfg.RecordEveryVersion})
	t := tree.New(q, keys.Private[:])

	if err := db.Update(func(tx *state.Tx) error {
		return registerLocalUser(tx, t, cfg, keys)
	}); err != nil {
		return fmt.Errorf("preparing local tree: %w", err)
	}

	store, err := s3store.New(ctx, s3store.Config{
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
	}, logger)
	if err != nil {
		return err
	}

	var (
		lister    cloud.Lister
		completer cloud.Completer
		users     cloud.UserResolver
	)

	if cfg.ProxyURL != "" {
		px := proxy.New(cfg.ProxyURL, db.Token, nil)
		lister, completer, users = px, px, px
	} else {
		logger.Warn("no PROXY_URL, multipart uploads and shared listings are disabled")
	}

	suite := zcrypto.NewSuite(0)

	var mgr *syncmgr.Manager

	var m *mirror.Mirror

	delegates := []*delegate.Delegate{eventDelegate(logger)}

	if cfg.MirrorDir != "" {
		m = mirror.New(mirror.Options{
			Root:     cfg.MirrorDir,
			Pipeline: p,
			DB:       db,
			Tree:     t,
			Update: func(fn func(tx *state.Tx) error) error {
				return mgr.Update(p, fn)
			},
			Fetch:         &mirror.Downloader{DB: db, Store: store, Crypto: suite},
			StartDownload: func(userID, nodeID string) func() { return mgr.StartDownload(userID, nodeID) },
		}, logger)
		delegates = append([]*delegate.Delegate{m.Delegate()}, delegates...)
	}

	hooks := delegate.Multi(delegates...)

	pushEngine := push.New(push.Deps{
		DB:        db,
		Queue:     q,
		Store:     store,
		Completer: completer,
		Users:     users,
		Crypto:    suite,
		Keys:      keys,
		Delegate:  hooks,
	}, push.Config{
		Workers:            cfg.PushWorkers,
		MultipartThreshold: cfg.MultipartThreshold,
		PartSize:           cfg.MultipartPartSize,
		Thresholds: push.Thresholds{
			S3:   cfg.S3FailThreshold,
			Poll: cfg.PollFailThreshold,
			App:  cfg.AppFailThreshold,
		},
	}, logger)

	pullEngine := pull.New(pull.Deps{
		DB:       db,
		Tree:     t,
		Store:    store,
		Lister:   lister,
		Users:    users,
		Crypto:   suite,
		Keys:     keys,
		Delegate: hooks,
	}, pull.Config{
		Workers:     cfg.PullWorkers,
		OrphanGrace: cfg.OrphanGrace,
	}, logger)

	mgr = syncmgr.New(syncmgr.Deps{
		DB:    db,
		Queue: q,
		Push:  pushEngine,
		Pull:  pullEngine,
	}, syncmgr.Config{PollInterval: cfg.PollInterval}, logger)
	mgr.Add(p)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mgr.Run(gctx)
	})

	if m != nil {
		g.Go(func() error {
			return m.Run(gctx)
		})
	}

	if cfg.NotifyURL != "" {
		listener := notify.New(cfg.NotifyURL, cfg.AuthToken, notifyHandlers(mgr, p, logger), logger)

		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, mgr, p, logger)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("zdc-sync stopped")

	return err
}

// registerLocalUser records the signed-in account and makes sure its
// trunks exist.
func registerLocalUser(tx *state.Tx, t *tree.Tree, cfg *config.Config, keys *zcrypto.KeyPair) error {
	u, err := tx.User(cfg.LocalUserID)
	if err != nil {
		return err
	}

	if u == nil {
		u = &state.User{ID: cfg.LocalUserID}
	}

	if u.Local == nil {
		u.Local = &state.LocalCredentials{}
	}

	u.PublicKey = keys.PublicKeyHex()
	u.Region = cfg.S3Region
	u.Bucket = cfg.S3Bucket
	u.Local.PrivateKeyFile = cfg.PrivateKeyFile
	u.FetchedAt = time.Now()

	if err := tx.PutUser(u); err != nil {
		return err
	}

	_, err = t.EnsureTrunks(tx, cfg.LocalUserID, cfg.TreeID)

	return err
}

// notifyHandlers routes notification frames into the manager. Connection
// state doubles as the reachability signal.
func notifyHandlers(mgr *syncmgr.Manager, p state.Pipeline, logger *slog.Logger) notify.Handlers {
	return notify.Handlers{
		Change: func(userID, treeID string) {
			if treeID == "" {
				mgr.TriggerUser(userID)
				return
			}

			mgr.TriggerPull(state.Pipeline{UserID: userID, TreeID: treeID})
		},
		Auth: func(err error) {
			mgr.CredentialsRejected(p.UserID, err)
		},
		Connected: func() {
			mgr.SetReachable(true)
			mgr.TriggerUser(p.UserID)
		},
		Unreachable: func(err error) {
			logger.Debug("network unreachable", slog.String("error", err.Error()))
			mgr.SetReachable(false)
		},
	}
}

// eventDelegate logs what pulls discover.
func eventDelegate(logger *slog.Logger) *delegate.Delegate {
	logger = logger.With(slog.String("component", "events"))

	return &delegate.Delegate{
		DidDiscoverNewNode: func(_ *state.Tx, n *state.Node) {
			logger.Debug("new node", slog.String("node", n.ID), slog.String("name", n.Name))
		},
		DidDiscoverModifiedNode: func(_ *state.Tx, n *state.Node, c delegate.Change) {
			logger.Debug("modified node", slog.String("node", n.ID), slog.String("change", c.String()))
		},
		DidDiscoverDeletedNode: func(_ *state.Tx, n *state.Node) {
			logger.Debug("deleted node", slog.String("node", n.ID))
		},
		DidDiscoverConflictNode: func(_ *state.Tx, n *state.Node, c delegate.Conflict) {
			logger.Warn("conflict", slog.String("node", n.ID), slog.String("remote", c.RemoteCloudID))
		},
		DidSendMessage: func(_ *state.Tx, op *state.Operation) {
			logger.Info("message delivered", slog.String("node", op.NodeID))
		},
	}
}

// runMCP serves the control tools over streamable HTTP until ctx is done.
func runMCP(ctx context.Context, cfg *config.Config, mgr *syncmgr.Manager, p state.Pipeline, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("component", "mcp"))

	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	byUser := make(map[string]string, len(entries))
	for _, e := range entries {
		byUser[e.UserID] = e.Key
	}

	keys, err := auth.NewKeys(byUser)
	if err != nil {
		return err
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "zdc-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mgr, p)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Keys:       keys,
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
