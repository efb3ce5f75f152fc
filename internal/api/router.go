package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imageforge-io/imageforge/internal/job"
	"github.com/imageforge-io/imageforge/internal/ws"
)

// RouterConfig holds the dependencies needed to build the HTTP router,
// populated in main after all components are initialized.
type RouterConfig struct {
	Hub      *ws.Hub
	Registry *job.Registry
	Logger   *zap.Logger

	// OutputDir is where rendered artifacts are written and served from.
	OutputDir string

	// Gatherer backs the /metrics endpoint. Optional — the endpoint is
	// omitted when nil.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	wsHandler := NewWSHandler(cfg.Hub, cfg.Registry, cfg.Logger)
	imageHandler := NewImageHandler(cfg.OutputDir, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/ws", wsHandler.ServeWS)
		r.Get("/image/{filename}", imageHandler.Get)
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
