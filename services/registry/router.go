package registry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions configure the registry HTTP surface.
type RouterOptions struct {
	// Token guards ingest and mounted routes for non-loopback callers.
	Token string
	// LoopbackRequiresToken drops the loopback exemption, for deployments
	// behind a reverse proxy on the same host.
	LoopbackRequiresToken bool
	AllowedOrigins        []string
	// IngestPerMinute limits ingest requests per client IP. Zero disables it.
	IngestPerMinute int
	Gatherer        prometheus.Gatherer
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
	// Mounts attach additional authenticated routes, such as kanban sync.
	Mounts []func(chi.Router)
}

// API serves the registry over HTTP.
type API struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewAPI wraps a Registry.
func NewAPI(reg *Registry, logger zerolog.Logger) (*API, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	return &API{registry: reg, logger: logger}, nil
}

// Routes builds the chi router for the registry and any mounted services.
func (a *API) Routes(opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowed := opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(req.Context()); err != nil {
				RespondError(w, http.StatusServiceUnavailable, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/machines", a.handleListMachines)
		r.Get("/machines/{name}", a.handleGetMachine)
		r.Get("/fleet/status", a.handleFleetStatus)

		r.Group(func(r chi.Router) {
			if opts.IngestPerMinute > 0 {
				r.Use(httprate.LimitByIP(opts.IngestPerMinute, time.Minute))
			}
			r.Use(RequireToken(opts.Token, opts.LoopbackRequiresToken))
			r.Post("/status", a.handleStatus)
			r.Post("/register", a.handleRegister)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireToken(opts.Token, opts.LoopbackRequiresToken))
			for _, mount := range opts.Mounts {
				mount(r)
			}
		})
	})

	return r
}
