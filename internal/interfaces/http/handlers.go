package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fractal-platform/macrobrain/internal/application"
)

// Handlers holds the endpoint implementations and their shared state.
type Handlers struct {
	app   *application.App
	admin *rate.Limiter
	log   zerolog.Logger
}

// NewHandlers builds the handler set. The admin limiter spans all
// destructive endpoints so a burst of recomputes cannot stack up.
func NewHandlers(app *application.App) *Handlers {
	burst := app.Cfg.Server.AdminBurst
	if burst < 1 {
		burst = 1
	}
	return &Handlers{
		app:   app,
		admin: rate.NewLimiter(rate.Limit(app.Cfg.Server.AdminRatePerMin/60.0), burst),
		log:   log.With().Str("component", "http.handlers").Logger(),
	}
}

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("encode response")
	}
}

func (h *Handlers) writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.log.Error().Err(err).Msg("write response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"the requested endpoint does not exist")
}

// Liveness handles GET /health: process-level liveness only, no downstream
// checks. The governed health pack lives under /api/brain/v2/health.
func (h *Handlers) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// parseDateParam reads a query date in either 2006-01-02 or RFC 3339 form.
// A missing param yields fallback with ok=true.
func parseDateParam(r *http.Request, name string, fallback time.Time) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	return parseDate(raw)
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}

func parseDate(raw string) (time.Time, bool) {
	if d, err := time.Parse("2006-01-02", raw); err == nil {
		return d.UTC(), true
	}
	if d, err := time.Parse(time.RFC3339, raw); err == nil {
		return d.UTC(), true
	}
	return time.Time{}, false
}
