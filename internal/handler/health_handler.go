package handler

import (
	"context"
	"net/http"
	"time"

	"family-vault/internal/util"

	"github.com/go-chi/chi/v5/middleware"
)

// DatabaseCheck is the dependency whose failure makes the service unhealthy.
const DatabaseCheck = "database"

// HealthChecker reports dependency errors by name; a nil value is healthy.
type HealthChecker func(ctx context.Context) map[string]error

type HealthHandler struct {
	check       HealthChecker
	version     string
	environment string
	started     time.Time
	timeout     time.Duration
}

func NewHealthHandler(check HealthChecker, version, environment string) *HealthHandler {
	return &HealthHandler{
		check:       check,
		version:     version,
		environment: environment,
		started:     time.Now(),
		timeout:     5 * time.Second,
	}
}

type HealthReport struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Version     string            `json:"version"`
	Environment string            `json:"environment"`
	Uptime      int64             `json:"uptime"`
	Checks      map[string]string `json:"checks"`
	RequestID   string            `json:"requestId"`
}

// SystemHealth handles GET /api/system/health
func (h *HealthHandler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"server": "healthy", DatabaseCheck: "unhealthy"}
	var results map[string]error
	if h.check != nil {
		results = h.check(ctx)
	}
	for name, err := range results {
		if err != nil {
			util.Warn("Health check failed", util.String("check", name), util.ErrorField(err))
			checks[name] = "unhealthy"
			continue
		}
		checks[name] = "healthy"
	}

	report := HealthReport{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.environment,
		Uptime:      int64(time.Since(h.started).Seconds()),
		Checks:      checks,
		RequestID:   middleware.GetReqID(r.Context()),
	}
	status := http.StatusOK
	if checks[DatabaseCheck] != "healthy" {
		report.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	respondWithJSON(w, status, report)
}

// Liveness handles GET /health
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"family-vault"}`))
}
