package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Build metadata, set by cmd/pulse from -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body. Status is "ready" only when every
// check is "ok".
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the durable record stores.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks are the inputs of /ready.
type ReadinessChecks struct {
	// Accepting turns false once shutdown begins. A nil func reads as false.
	Accepting func() bool
	// DurableStore is skipped when nil.
	DurableStore HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth serves /health. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves /ready: 200 while the coordinator accepts connections
// and the durable store answers, 503 otherwise.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]CheckResult{"coordinator": {Status: "ok"}}
		if checks.Accepting == nil || !checks.Accepting() {
			results["coordinator"] = CheckResult{Status: "error", Error: "not accepting connections"}
		}
		if checks.DurableStore != nil {
			results["durable_store"] = runCheck(r.Context(), checks.DurableStore)
		}

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
