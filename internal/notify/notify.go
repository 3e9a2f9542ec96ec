// Package notify listens for push notifications announcing remote
// changes. The server sends small JSON frames over a WebSocket; change
// frames trigger a pull of the affected pipeline. The connection is kept
// alive with pings and re-established with exponential backoff.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	zerrors "github.com/alexjbarnes/zdc-sync/internal/errors"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor bounds reconnect jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2

	heartbeatCheckAt = 10 * time.Second
	pingAfter        = 30 * time.Second
	disconnectAfter  = 90 * time.Second
)

// Handlers receive dispatched notifications. Nil fields are skipped.
type Handlers struct {
	// Change runs for a change frame. treeID is empty when the server
	// does not name one.
	Change func(userID, treeID string)

	// Auth runs when the server reports that the credentials were
	// revoked, or rejects them at connect time.
	Auth func(err error)

	// Connected runs after every successful (re)connect. Notifications
	// missed while disconnected are recovered by pulling.
	Connected func()

	// Unreachable runs when a connection attempt fails at the network
	// level, before any HTTP exchange.
	Unreachable func(err error)
}

// wsConn is the subset of *websocket.Conn the listener uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Listener maintains the notification connection.
type Listener struct {
	url      string
	token    string
	handlers Handlers
	logger   *slog.Logger

	dial func(ctx context.Context) (wsConn, error)
	now  func() time.Time

	mu          sync.Mutex
	lastMessage time.Time
}

// New returns a listener for url authenticating with token.
func New(url, token string, h Handlers, logger *slog.Logger) *Listener {
	l := &Listener{
		url:      url,
		token:    token,
		handlers: h,
		logger:   logger.With(slog.String("component", "notify")),
		now:      time.Now,
	}
	l.dial = l.dialWebsocket

	return l
}

func (l *Listener) dialWebsocket(ctx context.Context) (wsConn, error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	conn, resp, err := websocket.Dial(ctx, l.url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &zerrors.AuthError{Err: fmt.Errorf("notification server returned %d", resp.StatusCode)}
		}

		return nil, fmt.Errorf("dialing %s: %w", l.url, err)
	}

	return conn, nil
}

// Run connects and dispatches notifications until ctx is cancelled. A
// rejected credential is reported through Handlers.Auth and retried at the
// maximum backoff.
func (l *Listener) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration

		switch {
		case zerrors.IsAuth(err):
			l.logger.Warn("notification credentials rejected", slog.String("error", err.Error()))

			if l.handlers.Auth != nil {
				l.handlers.Auth(err)
			}

			wait = reconnectMax
		case errors.Is(err, errSessionEnded):
			// The session was established, so start the backoff over.
			backoff = reconnectMin
			wait = backoff
		default:
			var ne net.Error
			if errors.As(err, &ne) && l.handlers.Unreachable != nil {
				l.handlers.Unreachable(err)
			}

			wait = backoff
			backoff = min(backoff*2, reconnectMax)
		}

		jitter := time.Duration(rand.Int64N(int64(wait) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter

		l.logger.Warn("notification connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", wait+jitter),
		)

		timer := time.NewTimer(wait + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// errSessionEnded wraps the error that ended an established session.
var errSessionEnded = errors.New("session ended")

type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// session runs one connection until it fails.
func (l *Listener) session(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	l.logger.Info("notification channel connected")
	l.touch()

	if l.handlers.Connected != nil {
		l.handlers.Connected()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan inbound, 16)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inbound{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-ch:
			if msg.err != nil {
				return fmt.Errorf("%w: reading: %w", errSessionEnded, msg.err)
			}

			l.touch()

			if msg.typ != websocket.MessageText {
				l.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := l.dispatch(msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			elapsed := l.sinceLastMessage()

			if elapsed > disconnectAfter {
				conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("%w: heartbeat timeout", errSessionEnded)
			}

			if elapsed > pingAfter {
				if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
					return fmt.Errorf("%w: sending ping: %w", errSessionEnded, err)
				}
			}
		}
	}
}

// dispatch routes one text frame. Only a revoked credential ends the
// session.
func (l *Listener) dispatch(data []byte) error {
	if !gjson.ValidBytes(data) {
		l.logger.Debug("ignoring malformed frame", slog.Int("bytes", len(data)))
		return nil
	}

	switch typ := gjson.GetBytes(data, "type").Str; typ {
	case "change":
		user := gjson.GetBytes(data, "userID").Str
		tree := gjson.GetBytes(data, "treeID").Str

		if user == "" {
			l.logger.Debug("change frame without user")
			return nil
		}

		l.logger.Debug("remote change announced", slog.String("user", user), slog.String("tree", tree))

		if l.handlers.Change != nil {
			l.handlers.Change(user, tree)
		}
	case "auth":
		reason := gjson.GetBytes(data, "reason").Str
		if reason == "" {
			reason = "credentials revoked"
		}

		return &zerrors.AuthError{Err: errors.New(reason)}
	case "pong", "ping":
	default:
		l.logger.Debug("ignoring frame", slog.String("type", typ))
	}

	return nil
}

func (l *Listener) touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastMessage = l.now()
}

func (l *Listener) sinceLastMessage() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.lastMessage)
}
