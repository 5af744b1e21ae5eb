package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-heal/internal/cache"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/providers"
	"github.com/miradorstack/mirador-heal/internal/remediation"
)

const maxErrorBody = 1 << 20

// Operations is the engine surface the ops router exposes.
type Operations interface {
	CheckErrorPatterns(ctx context.Context, sendAlerts, executeFixes bool) models.CheckReport
	SystemHealth(ctx context.Context) models.HealthSnapshot
	Frequencies(ctx context.Context) []models.FrequencySnapshot
	ReloadPatterns(ctx context.Context) (int, error)
	Defaults() (sendAlerts, executeFixes bool)
	FixStats() []remediation.FixStats
	LastReport() (models.CheckReport, bool)
}

// ErrorRecorder accepts error lines into the recent-error buffer.
type ErrorRecorder interface {
	Push(ctx context.Context, msg string) error
}

// ProviderStates exposes circuit state per provider.
type ProviderStates interface {
	Snapshot() []providers.Status
}

// NamedCaches lists and invalidates caches by name.
type NamedCaches interface {
	Names() []string
	Invalidate(ctx context.Context, name string) (int, error)
}

// HTTPOptions wires the ops router. Only Ops is required.
type HTTPOptions struct {
	Ops       Operations
	Errors    ErrorRecorder
	Providers ProviderStates
	Caches    NamedCaches
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

type httpHandler struct {
	opts   HTTPOptions
	logger *slog.Logger
}

// NewHTTPHandler builds the ops HTTP router.
func NewHTTPHandler(opts HTTPOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	h := &httpHandler{opts: opts, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", h.liveness)
	r.Get("/readyz", h.readiness)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the admin routes.
func (h *httpHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/check", h.check)
		r.Get("/report/last", h.lastReport)
		r.Get("/frequencies", h.frequencies)
		r.Post("/patterns/reload", h.reloadPatterns)
		r.Get("/stats", h.stats)

		r.Post("/errors", h.pushErrors)
		r.Get("/providers", h.providers)
		r.Get("/caches", h.caches)
		r.Post("/caches/{name}/invalidate", h.invalidateCache)
	})
}

func (h *httpHandler) liveness(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *httpHandler) readiness(w http.ResponseWriter, r *http.Request) {
	snap := h.opts.Ops.SystemHealth(r.Context())
	code := http.StatusOK
	if snap.Status == models.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, map[string]any{"status": snap.Status, "checked_at": snap.CheckedAt})
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.opts.Ops.SystemHealth(r.Context()))
}

func (h *httpHandler) check(w http.ResponseWriter, r *http.Request) {
	var opts CheckOptions
	query := r.URL.Query()
	for key, dst := range map[string]**bool{"send_alerts": &opts.SendAlerts, "execute_fixes": &opts.ExecuteFixes} {
		raw := query.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, fmt.Errorf("%s must be a boolean", key))
			return
		}
		*dst = &v
	}

	sendAlerts, executeFixes := opts.Resolve(h.opts.Ops.Defaults())
	start := time.Now()
	report := h.opts.Ops.CheckErrorPatterns(r.Context(), sendAlerts, executeFixes)
	h.logger.Info("on-demand check cycle",
		slog.String("cycle_id", report.CycleID),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("request_id", middleware.GetReqID(r.Context())))
	h.respondJSON(w, http.StatusOK, report)
}

func (h *httpHandler) lastReport(w http.ResponseWriter, r *http.Request) {
	report, ok := h.opts.Ops.LastReport()
	if !ok {
		h.respondError(w, http.StatusNotFound, errors.New("no check cycle has completed"))
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *httpHandler) frequencies(w http.ResponseWriter, r *http.Request) {
	snaps := h.opts.Ops.Frequencies(r.Context())
	if snaps == nil {
		snaps = []models.FrequencySnapshot{}
	}
	h.respondJSON(w, http.StatusOK, FrequenciesResponse{Patterns: snaps})
}

func (h *httpHandler) reloadPatterns(w http.ResponseWriter, r *http.Request) {
	n, err := h.opts.Ops.ReloadPatterns(r.Context())
	if err != nil {
		h.respondError(w, http.StatusBadGateway, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"patterns": n})
}

func (h *httpHandler) stats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{"fixes": h.opts.Ops.FixStats()})
}

type pushErrorsRequest struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

func (h *httpHandler) pushErrors(w http.ResponseWriter, r *http.Request) {
	if h.opts.Errors == nil {
		h.respondError(w, http.StatusNotImplemented, errors.New("recent-error buffer not configured"))
		return
	}
	var req pushErrorsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxErrorBody)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	lines := req.Errors
	if req.Error != "" {
		lines = append(lines, req.Error)
	}
	accepted := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := h.opts.Errors.Push(r.Context(), line); err != nil {
			h.respondError(w, http.StatusBadGateway, err)
			return
		}
		accepted++
	}
	h.respondJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (h *httpHandler) providers(w http.ResponseWriter, r *http.Request) {
	if h.opts.Providers == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{"providers": []providers.Status{}})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"providers": h.opts.Providers.Snapshot()})
}

func (h *httpHandler) caches(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.opts.Caches != nil {
		names = h.opts.Caches.Names()
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"caches": names})
}

func (h *httpHandler) invalidateCache(w http.ResponseWriter, r *http.Request) {
	if h.opts.Caches == nil {
		h.respondError(w, http.StatusNotImplemented, errors.New("no caches registered"))
		return
	}
	name := chi.URLParam(r, "name")
	n, err := h.opts.Caches.Invalidate(r.Context(), name)
	switch {
	case errors.Is(err, cache.ErrUnknownCache):
		h.respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		h.respondError(w, http.StatusBadGateway, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"cache": name, "removed": n})
}

func (h *httpHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("encode response failed", slog.Any("error", err))
	}
}

func (h *httpHandler) respondError(w http.ResponseWriter, status int, err error) {
	h.respondJSON(w, status, map[string]string{"error": err.Error()})
}
