// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/resilience-core/internal/circuitbreaker"
	"github.com/dskow/resilience-core/internal/failover"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints. Readiness combines the
// failover manager's probe results with per-endpoint circuit breaker state:
// the proxy is ready when at least one endpoint is available and its breaker
// admits traffic.
type Handler struct {
	manager  *failover.Manager
	breakers map[string]circuitbreaker.Breaker
	logger   *slog.Logger

	// Cached readiness result so frequent /ready polls don't rebuild the
	// snapshot. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health Handler. breakers maps endpoint IDs to their circuit
// breakers (entries may be missing for endpoints without breakers).
func New(manager *failover.Manager, breakers map[string]circuitbreaker.Breaker, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, breakers: breakers, logger: logger}
}

// RegisterRoutes adds the probe routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

type endpointReport struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Health  string `json:"health"`
	Breaker string `json:"breaker,omitempty"`
	Serving bool   `json:"serving"`
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck
		return
	}
	h.cacheMu.RUnlock()

	body, httpStatus := h.snapshot()

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body) //nolint:errcheck
}

func (h *Handler) snapshot() ([]byte, int) {
	statuses := h.manager.Status()
	reports := make([]endpointReport, 0, len(statuses))
	anyServing := false

	for _, st := range statuses {
		rep := endpointReport{
			ID:     st.ID,
			URL:    st.URL,
			Health: st.Health,
		}

		serving := st.Health != failover.HealthUnhealthy.String()
		if b, ok := h.breakers[st.ID]; ok && b != nil {
			state := b.State()
			rep.Breaker = state.String()
			if state == circuitbreaker.StateOpen {
				serving = false
			}
		}
		rep.Serving = serving
		if serving {
			anyServing = true
		}
		reports = append(reports, rep)
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !anyServing {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
		h.logger.Warn("readiness check failed: no serving endpoints")
	}

	body, _ := json.Marshal(map[string]any{
		"status":    statusStr,
		"endpoints": reports,
	})
	return append(body, '\n'), httpStatus
}
