package api

import (
	"net/http"

	"github.com/vmmaster/vmmaster/internal/cache"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/observability"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/proxy"
	"github.com/vmmaster/vmmaster/internal/session"
	"github.com/vmmaster/vmmaster/internal/store"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Pool     *pool.Pool
	Sessions *session.Manager
	Proxy    *proxy.Proxy
	Store    *store.Store
	Cache    cache.Cache

	// RequireToken protects /api with X-Token authentication.
	RequireToken bool
}

// StartHTTPServer mounts the WebDriver surface, the admin API and the
// observability endpoints, and starts serving.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	mux.Handle(proxy.WebDriverPath+"/", cfg.Proxy)

	apiHandler := &Handler{Pool: cfg.Pool, Sessions: cfg.Sessions, Store: cfg.Store}
	if cfg.RequireToken {
		apiMux := http.NewServeMux()
		apiHandler.RegisterRoutes(apiMux)
		mux.Handle("/api/", TokenAuth(cfg.Store, cfg.Cache, apiMux))
	} else {
		apiHandler.RegisterRoutes(mux)
	}

	mux.Handle("GET /metrics", metrics.Global().Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := observability.HTTPMiddleware(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
