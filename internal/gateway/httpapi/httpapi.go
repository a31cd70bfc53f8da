// Package httpapi implements the HTTP API for running and storing scripts.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket
//   - Privileged execution only for users listed in the config
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scriptbox/internal/audit"
	"github.com/jkaninda/scriptbox/internal/gateway"
	"github.com/jkaninda/scriptbox/internal/hooks"
	"github.com/jkaninda/scriptbox/internal/observability"
	"github.com/jkaninda/scriptbox/internal/ratelimit"
	"github.com/jkaninda/scriptbox/internal/storage"
	"github.com/jkaninda/scriptbox/internal/supervisor"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	limiterPruneInterval  = 10 * time.Minute
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr      string
	EnableDocs      bool
	APIKeys         map[string]string // API key → user ID mapping.
	PrivilegedUsers []string          // Users allowed to request privileged runs.
	MaxRequestSize  int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
	Anomaly         *observability.AnomalyDetector  // Flags users with a high violation rate.
	Audit           *audit.Logger                   // Nil disables the audit log.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	sup     *supervisor.Supervisor
	runner  *hooks.Runner       // nil = runs without guild bindings, hook endpoint disabled.
	scripts storage.ScriptStore // nil = stored script endpoints disabled.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sup *supervisor.Supervisor, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	size := cfg.MaxRequestSize
	if size <= 0 {
		size = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = size
	return &Gateway{
		config:  cfg,
		sup:     sup,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(size)),
	}
}

// WithHooks attaches guild bindings and stored chain execution.
func (g *Gateway) WithHooks(r *hooks.Runner) *Gateway {
	g.runner = r
	return g
}

// WithScripts attaches stored script management.
func (g *Gateway) WithScripts(store storage.ScriptStore) *Gateway {
	g.scripts = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Scriptbox",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, g.config.MaxRequestSize)
	})
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/scripts/run", g.handleRun,
		okapi.DocSummary("Run a script or an ordered chain of scripts"),
		okapi.DocTags("Scripts"),
		okapi.DocRequestBody(RunRequest{}),
		okapi.DocResponse(RunResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/scripts/check", g.handleCheck,
		okapi.DocSummary("Compile a script without running it"),
		okapi.DocTags("Scripts"),
		okapi.DocRequestBody(CheckRequest{}),
		okapi.DocResponse(CheckResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Stored script endpoints (only if a store is configured).
	if g.scripts != nil {
		g.group.Post("/scripts", g.handleScriptCreate,
			okapi.DocSummary("Store a script for a guild"),
			okapi.DocTags("Stored Scripts"),
			okapi.DocRequestBody(ScriptRequest{}),
			okapi.DocResponse(http.StatusCreated, storage.Script{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
		g.group.Get("/scripts", g.handleScriptList,
			okapi.DocSummary("List the stored scripts of a guild"),
			okapi.DocTags("Stored Scripts"),
			okapi.DocResponse([]storage.Script{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/scripts/{id}", g.handleScriptGet,
			okapi.DocSummary("Get a stored script by ID"),
			okapi.DocTags("Stored Scripts"),
			okapi.DocPathParam("id", "string", "Script ID (UUID)"),
			okapi.DocResponse(storage.Script{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Delete("/scripts/{id}", g.handleScriptDelete,
			okapi.DocSummary("Delete a stored script"),
			okapi.DocTags("Stored Scripts"),
			okapi.DocPathParam("id", "string", "Script ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/scripts/{id}/activate", g.handleScriptActivate,
			okapi.DocSummary("Activate a stored script"),
			okapi.DocTags("Stored Scripts"),
			okapi.DocPathParam("id", "string", "Script ID (UUID)"),
			okapi.DocResponse(storage.Script{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/scripts/{id}/deactivate", g.handleScriptDeactivate,
			okapi.DocSummary("Deactivate a stored script"),
			okapi.DocTags("Stored Scripts"),
			okapi.DocPathParam("id", "string", "Script ID (UUID)"),
			okapi.DocResponse(storage.Script{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	if g.runner != nil {
		g.group.Post("/guilds/{guild}/hooks/{usage}", g.handleHooks,
			okapi.DocSummary("Run the active interceptor or finalizer chain of a guild"),
			okapi.DocTags("Guilds"),
			okapi.DocPathParam("guild", "string", "Guild ID"),
			okapi.DocPathParam("usage", "string", "interceptor or finalizer"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Post("/guilds/{guild}/scripts/{identifier}/run", g.handleRunStored,
			okapi.DocSummary("Run one stored script of a guild"),
			okapi.DocTags("Guilds"),
			okapi.DocPathParam("guild", "string", "Guild ID"),
			okapi.DocPathParam("identifier", "string", "Script identifier"),
			okapi.DocResponse(RunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	if g.limiter != nil {
		go g.pruneLimiter(ctx)
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// pruneLimiter drops idle rate limit buckets until ctx ends.
func (g *Gateway) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.limiter.Prune(limiterPruneInterval); n > 0 {
				g.logger.Debug("pruned idle rate limit buckets", slog.Int("count", n))
			}
		}
	}
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate maps the bearer API key to a user ID and applies the
// user's rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		userID := g.userForKey(strings.TrimPrefix(authHeader, "Bearer "))
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if err := g.allow(userID, 1); err != nil {
			return c.AbortTooManyRequests(err.Error())
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// userForKey returns the user mapped to apiKey, or "".
// Every key is compared so the time taken does not depend on which matched.
func (g *Gateway) userForKey(apiKey string) string {
	userID := ""
	for key, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID
}

// allow charges cost tokens to userID.
func (g *Gateway) allow(userID string, cost int) error {
	if g.limiter == nil {
		return nil
	}
	err := g.limiter.Take(userID, cost)
	if err != nil && g.config.Metrics != nil {
		g.config.Metrics.RateLimitedTotal.Inc()
	}
	return err
}

func (g *Gateway) isPrivileged(userID string) bool {
	for _, u := range g.config.PrivilegedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

var _ gateway.Gateway = (*Gateway)(nil)
