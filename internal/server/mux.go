// Package server assembles the HTTP surface of the sync daemon: an
// unauthenticated liveness check and the MCP control endpoint.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/zdc-sync/internal/auth"
)

// MCPPath is where the control tools are served.
const MCPPath = "/mcp"

// MuxConfig wires the control endpoint.
type MuxConfig struct {
	// Keys are the API keys allowed to drive the daemon.
	Keys       *auth.Keys
	MCPHandler http.Handler
	Logger     *slog.Logger
}

// NewMux routes /healthz and the key-guarded control endpoint.
func NewMux(cfg MuxConfig) *http.ServeMux {
	guard := auth.Middleware(cfg.Keys, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", alive)
	mux.Handle(MCPPath, guard(cfg.MCPHandler))

	return mux
}

func alive(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
