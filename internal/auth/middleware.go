package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type identityKey struct{}

// identity is who made a control request and from where.
type identity struct {
	userID string
	ip     string
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// RequestUserID returns the account an authenticated control request acts
// for, or "".
func RequestUserID(ctx context.Context) string {
	return identityFrom(ctx).userID
}

// RequestRemoteIP returns the address a control request came from, or "".
func RequestRemoteIP(ctx context.Context) string {
	return identityFrom(ctx).ip
}

// WithIdentity attaches the caller to ctx. Tool handlers log it with every
// state-changing call.
func WithIdentity(ctx context.Context, userID, ip string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity{userID: userID, ip: ip})
}

// Middleware guards the daemon's control endpoint. A request must carry
// one of the configured API keys as a bearer token; anything else is
// answered 401 with an RFC 6750 challenge.
func Middleware(keys *Keys, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "auth"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			token, ok := bearerToken(r)
			if !ok {
				logger.Debug("control request without API key", slog.String("ip", ip), slog.String("path", r.URL.Path))
				challenge(w, "")

				return
			}

			key := keys.Validate(token)
			if key == nil {
				logger.Debug("control request with unknown API key", slog.String("ip", ip), slog.String("path", r.URL.Path))
				challenge(w, "invalid_token")

				return
			}

			logger.Debug("control request accepted", slog.String("user_id", key.UserID), slog.String("ip", ip))

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), key.UserID, ip)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token, ok && token != ""
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

// challenge rejects the request. An empty code means no credentials were
// offered, so the header carries no error attribute.
func challenge(w http.ResponseWriter, code string) {
	h := "Bearer"
	if code != "" {
		h += ` error="` + code + `"`
	}

	w.Header().Set("WWW-Authenticate", h)
	w.WriteHeader(http.StatusUnauthorized)
}
