package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dtroode/custodian/internal/logger"
)

// DefaultJWKSCacheMaxAge is the Cache-Control max-age of the JWKS document
// in seconds. Verifiers pick up a rotated key within this window; retired
// keys stay published until they are purged.
const DefaultJWKSCacheMaxAge = 3600

// KeySet publishes the public half of every verification key.
type KeySet interface {
	PublicJWKS(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// HealthChecker reports readiness. A nil error means ready.
type HealthChecker func(ctx context.Context) error

type Handler struct {
	keys     KeySet
	gatherer prometheus.Gatherer
	ready    HealthChecker
	logger   *logger.Logger
}

func NewHandler(keys KeySet, gatherer prometheus.Gatherer, ready HealthChecker, logger *logger.Logger) *Handler {
	return &Handler{
		keys:     keys,
		gatherer: gatherer,
		ready:    ready,
		logger:   logger,
	}
}

// Routes returns a router with the well-known and operational endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.WellKnownRoutes(r)
	h.OperationalRoutes(r)
	return r
}

func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
}

func (h *Handler) OperationalRoutes(r chi.Router) {
	r.Get("/healthz", h.HealthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// JWKSHandler handles GET /.well-known/jwks.json.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.PublicJWKS(r.Context())
	if err != nil {
		h.logger.Error("HTTP handler: failed to load key set", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(set)
	if err != nil {
		h.logger.Error("HTTP handler: failed to encode key set", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// HealthHandler handles GET /healthz.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
