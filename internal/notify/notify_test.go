package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

type recorder struct {
	mu        sync.Mutex
	changes   []string
	auth      []error
	connected int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Change: func(user, tree string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, user+"/"+tree)
		},
		Auth: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.auth = append(r.auth, err)
		},
		Connected: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected++
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// server accepts one connection, checks the bearer token and writes frames.
func server(t *testing.T, token string, frames ...string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}

		// Keep the connection open until the client leaves.
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestSessionDispatchesChanges(t *testing.T) {
	srv := server(t, "tok",
		`{"type":"pong"}`,
		`{"type":"change","userID":"user-alice","treeID":"com.example.notes"}`,
		`not json`,
		`{"type":"change","userID":"user-alice"}`,
		`{"type":"change"}`,
		`{"type":"auth","reason":"token revoked"}`,
	)

	rec := &recorder{}
	l := New(wsURL(srv), "tok", rec.handlers(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.session(ctx)
	require.Error(t, err)
	assert.True(t, zerrors.IsAuth(err))
	assert.Contains(t, err.Error(), "token revoked")

	assert.Equal(t, 1, rec.connected)
	assert.Equal(t, []string{"user-alice/com.example.notes", "user-alice/"}, rec.changes)
}

func TestDialRejectedCredentials(t *testing.T) {
	srv := server(t, "right")

	l := New(wsURL(srv), "wrong", Handlers{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.session(ctx)
	require.Error(t, err)
	assert.True(t, zerrors.IsAuth(err))
}

func TestRunReportsAuthAndStopsOnCancel(t *testing.T) {
	srv := server(t, "right")

	rec := &recorder{}
	l := New(wsURL(srv), "wrong", rec.handlers(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.auth) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDispatchIgnoresUnknownFrames(t *testing.T) {
	rec := &recorder{}
	l := New("ws://unused", "", rec.handlers(), testLogger())

	require.NoError(t, l.dispatch([]byte(`{"type":"presence","userID":"x"}`)))
	require.NoError(t, l.dispatch([]byte(`{}`)))
	assert.Empty(t, rec.changes)
}

func TestHeartbeatClock(t *testing.T) {
	l := New("ws://unused", "", Handlers{}, testLogger())

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.touch()

	now = now.Add(pingAfter + time.Second)
	assert.Greater(t, l.sinceLastMessage(), pingAfter)
	assert.Less(t, l.sinceLastMessage(), disconnectAfter)
}

func TestRunReportsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	reported := make(chan error, 1)
	l := New(url, "tok", Handlers{
		Unreachable: func(err error) {
			select {
			case reported <- err:
			default:
			}
		},
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	select {
	case err := <-reported:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("unreachable server was not reported")
	}
}
