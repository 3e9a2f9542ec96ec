package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/zdc-sync/internal/auth"
	"github.com/alexjbarnes/zdc-sync/internal/cloud/memstore"
	"github.com/alexjbarnes/zdc-sync/internal/mcpserver"
	"github.com/alexjbarnes/zdc-sync/internal/mirror"
	"github.com/alexjbarnes/zdc-sync/internal/pull"
	"github.com/alexjbarnes/zdc-sync/internal/push"
	"github.com/alexjbarnes/zdc-sync/internal/queue"
	"github.com/alexjbarnes/zdc-sync/internal/server"
	"github.com/alexjbarnes/zdc-sync/internal/state"
	"github.com/alexjbarnes/zdc-sync/internal/syncmgr"
	"github.com/alexjbarnes/zdc-sync/internal/tree"
	"github.com/alexjbarnes/zdc-sync/internal/zcrypto"
)

const (
	testUser = "user-alice"
	testTree = "com.zdc.e2e"
	testKey  = "zs_0123456789abcdef0123456789abcdef"

	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

var pipeline = state.Pipeline{UserID: testUser, TreeID: testTree}

// device is one signed-in installation: its own state database, mirror
// directory and sync manager, sharing the object store with its peers.
type device struct {
	Root string
	DB   *state.Store
	Mgr  *syncmgr.Manager
}

// newDevice builds a device over store. Files in seed are written to the
// mirror directory before the device starts. The device runs until the
// test ends.
func newDevice(t *testing.T, store *memstore.Store, keys *zcrypto.KeyPair, seed map[string]string) *device {
	t.Helper()

	d := &device{Root: t.TempDir()}

	for rel, content := range seed {
		abs := filepath.Join(d.Root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}

	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d.DB = db

	tr := tree.New(queue.New(queue.Options{}), keys.Private[:])

	require.NoError(t, db.Update(func(tx *state.Tx) error {
		err := tx.PutUser(&state.User{
			ID: testUser, PublicKey: keys.PublicKeyHex(),
			Region: "us-west-2", Bucket: "zdc-alice",
			Local: &state.LocalCredentials{},
		})
		if err != nil {
			return err
		}

		_, err = tr.EnsureTrunks(tx, testUser, testTree)

		return err
	}))

	logger := slog.New(slog.DiscardHandler)
	suite := zcrypto.NewSuite(0)

	m := mirror.New(mirror.Options{
		Root:     d.Root,
		Pipeline: pipeline,
		DB:       db,
		Tree:     tr,
		Update: func(fn func(tx *state.Tx) error) error {
			return d.Mgr.Update(pipeline, fn)
		},
		Fetch: &mirror.Downloader{DB: db, Store: store, Crypto: suite},
	}, logger)

	pushEngine := push.New(push.Deps{
		DB: db, Queue: tr.Queue(), Store: store, Completer: store, Users: store,
		Crypto: suite, Keys: keys, Delegate: m.Delegate(),
	}, push.Config{}, logger)

	pullEngine := pull.New(pull.Deps{
		DB: db, Tree: tr, Store: store, Users: store,
		Crypto: suite, Keys: keys, Delegate: m.Delegate(),
	}, pull.Config{}, logger)

	d.Mgr = syncmgr.New(syncmgr.Deps{
		DB: db, Queue: tr.Queue(), Push: pushEngine, Pull: pullEngine,
	}, syncmgr.Config{PollInterval: time.Hour}, logger)
	d.Mgr.Add(pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	go func() {
		_ = d.Mgr.Run(ctx)
		done <- struct{}{}
	}()

	go func() {
		_ = m.Run(ctx)
		done <- struct{}{}
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})

	return d
}

// drained reports whether the device has nothing left to upload.
func (d *device) drained() bool {
	entries, err := syncmgr.QueueEntries(d.DB, pipeline, false)
	return err == nil && len(entries) == 0
}

// harness serves a device's MCP tools over HTTP behind API-key auth, the
// way the daemon does.
type harness struct {
	URL    string
	Client *http.Client
}

func newHarness(t *testing.T, d *device) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "zdc-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, d.Mgr, pipeline)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	keys, err := auth.NewKeys(map[string]string{testUser: testKey})
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{URL: ts.URL, Client: ts.Client()}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
