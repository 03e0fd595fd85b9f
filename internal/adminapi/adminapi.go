// Package adminapi exposes a bearer-token protected HTTP surface for
// operating a running bus: liveness/readiness, Prometheus metrics, consumer
// roster visibility, and dead-letter/snapshot administration. Uses
// constant-time token comparison, plain net/http routing, and JSON
// responses throughout.
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalbus/core/internal/bus"
	"github.com/signalbus/core/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Bus         *bus.Bus
	Gatherer    prometheus.Gatherer
	AdminToken  string
	Now         func() time.Time
	RedriveRate *SlidingWindowLimiter
}

// HandlerSet wires admin HTTP handlers against a single bus.
type HandlerSet struct {
	logger      *logging.Logger
	bus         *bus.Bus
	gatherer    prometheus.Gatherer
	adminToken  string
	now         func() time.Time
	redriveRate *SlidingWindowLimiter
}

// NewHandlerSet constructs a HandlerSet from opts, applying defaults for
// unset fields (a no-op logger, time.Now, an unbounded redrive limiter).
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rate := opts.RedriveRate
	if rate == nil {
		rate = NewSlidingWindowLimiter(time.Minute, 0, now)
	}
	return &HandlerSet{
		logger:      logger,
		bus:         opts.Bus,
		gatherer:    opts.Gatherer,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		now:         now,
		redriveRate: rate,
	}
}

// Register mounts every admin handler onto mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /livez", h.handleLivez)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /admin/roster", h.withAuth(h.handleRoster))
	mux.HandleFunc("GET /admin/dlq/{subscription}", h.withAuth(h.handleDLQList))
	mux.HandleFunc("DELETE /admin/dlq/{subscription}", h.withAuth(h.handleDLQClear))
	mux.HandleFunc("POST /admin/dlq/{subscription}/redrive", h.withAuth(h.handleDLQRedrive))
	mux.HandleFunc("POST /admin/snapshots", h.withAuth(h.handleSnapshotCreate))
	mux.HandleFunc("GET /admin/snapshots", h.withAuth(h.handleSnapshotList))
	mux.HandleFunc("GET /admin/snapshots/{id}", h.withAuth(h.handleSnapshotRead))
	mux.HandleFunc("DELETE /admin/snapshots/{id}", h.withAuth(h.handleSnapshotDelete))
}

func (h *HandlerSet) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HandlerSet) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *HandlerSet) handleRoster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bus.Roster())
}

func (h *HandlerSet) handleDLQList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.bus.DLQEntries(r.Context(), r.PathValue("subscription"))
	if err != nil {
		h.writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *HandlerSet) handleDLQClear(w http.ResponseWriter, r *http.Request) {
	if err := h.bus.ClearDLQ(r.Context(), r.PathValue("subscription")); err != nil {
		h.writeBusError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HandlerSet) handleDLQRedrive(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.PathValue("subscription")
	if !h.redriveRate.Allow(subscriptionID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	clearOnSuccess := r.URL.Query().Get("clear") != "false"

	result, err := h.bus.RedriveDLQ(r.Context(), subscriptionID, limit, clearOnSuccess)
	if err != nil {
		h.writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HandlerSet) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	if !h.redriveRate.Allow("snapshot-create") {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limited"})
		return
	}
	path := r.URL.Query().Get("path")
	manifest, err := h.bus.CreateSnapshot(r.Context(), path)
	if err != nil {
		h.writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, manifest)
}

func (h *HandlerSet) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": h.bus.ListSnapshots()})
}

func (h *HandlerSet) handleSnapshotRead(w http.ResponseWriter, r *http.Request) {
	manifest, signals, err := h.bus.ReadSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeBusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"manifest": manifest, "signals": signals})
}

func (h *HandlerSet) handleSnapshotDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.bus.DeleteSnapshot(r.Context(), r.PathValue("id")); err != nil {
		h.writeBusError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// withAuth wraps next with bearer-token authorisation, rejecting
// unauthorised requests before next ever runs.
func (h *HandlerSet) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorise(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// authorise reports whether r carries the configured admin token, via the
// Authorization: Bearer header, the X-Admin-Token header, or a token query
// parameter, using constant-time comparison to avoid timing side channels.
// An empty configured token disables the admin surface entirely (always
// rejects), matching a fail-closed default.
func (h *HandlerSet) authorise(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	candidates := []string{
		strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		r.Header.Get("X-Admin-Token"),
		r.URL.Query().Get("token"),
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(h.adminToken)) == 1 {
			return true
		}
	}
	return false
}

func (h *HandlerSet) writeBusError(w http.ResponseWriter, err error) {
	var busErr *bus.Error
	if errors.As(err, &busErr) {
		status := http.StatusInternalServerError
		switch busErr.Class {
		case bus.ClassValidation:
			status = http.StatusBadRequest
		case bus.ClassRouting:
			status = http.StatusNotFound
		case bus.ClassExecution:
			status = http.StatusConflict
		case bus.ClassTimeout:
			status = http.StatusGatewayTimeout
		case bus.ClassInternal:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, map[string]string{"error": busErr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
