package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker tracks process liveness and engine readiness. Readiness
// flips on only after recovery completes (snapshot restored, integrity
// verified, NATS connected) and flips off again during shutdown drain.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Routes mounts /livez and /readyz on a fresh mux.
func (h *HealthChecker) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		h.respond(w, http.StatusOK, "alive")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !h.ready.Load() {
			h.respond(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
		h.respond(w, http.StatusOK, "ready")
	})
	return mux
}

func (h *HealthChecker) respond(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status": status,
		"uptime": time.Since(h.startTime).Truncate(time.Second).String(),
	})
}
