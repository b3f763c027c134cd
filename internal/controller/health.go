package controller

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes returns the HTTP handler exposing GET /healthz.
func (c *Controller) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", c.HealthzHandler)
	return r
}

// HealthzHandler responds with the run statistics as JSON. The status is 200
// while capture is running and 503 otherwise.
func (c *Controller) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	st := c.Stats()
	code := http.StatusOK
	if c.State() != Running {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		c.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
