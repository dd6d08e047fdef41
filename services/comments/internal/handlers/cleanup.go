package handlers

import (
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/example/comment-tree/internal/platform/api"
	"github.com/example/comment-tree/services/comments/internal/retention"
)

type statsResponse struct {
	retention.Stats
	MaxAgeSeconds float64 `json:"maxAgeSeconds"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type messageResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type sweepResponse struct {
	messageResponse
	retention.SweepResult
}

// CleanupStats handles GET /v1/cleanup/stats
func CleanupStats(s *retention.Scheduler, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(w, http.StatusOK, statsResponse{
			Stats:         s.Stats(),
			MaxAgeSeconds: s.MaxAge().Seconds(),
			UptimeSeconds: time.Since(started).Seconds(),
		})
	}
}

// ResetCleanupStats handles DELETE /v1/cleanup/stats
func ResetCleanupStats(s *retention.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.ResetStats()
		api.WriteJSON(w, http.StatusOK, messageResponse{Message: "stats reset", Timestamp: time.Now().UTC()})
	}
}

// ManualCleanup handles POST /v1/cleanup/manual
func ManualCleanup(s *retention.Scheduler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Trigger(r.Context())
		if err != nil {
			writeError(w, r, log, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, sweepResponse{
			messageResponse: messageResponse{Message: "cleanup finished", Timestamp: time.Now().UTC()},
			SweepResult:     res,
		})
	}
}

// CleanupHealth handles GET /v1/cleanup/health
func CleanupHealth(s *retention.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := s.Health(r.Context())
		status := http.StatusOK
		if h.Status == retention.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		api.WriteJSON(w, status, h)
	}
}

// SystemInfo handles GET /v1/cleanup/system
func SystemInfo(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"uptimeSeconds": time.Since(started).Seconds(),
			"goVersion":     runtime.Version(),
			"platform":      runtime.GOOS,
			"arch":          runtime.GOARCH,
			"goroutines":    runtime.NumGoroutine(),
			"memory": map[string]uint64{
				"heapAlloc": ms.HeapAlloc,
				"heapSys":   ms.HeapSys,
				"sys":       ms.Sys,
			},
			"timestamp": time.Now().UTC(),
		})
	}
}
