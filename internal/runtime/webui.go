package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/predictflow/internal/runtime/dispatcher"
	"github.com/drblury/predictflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
)

// StatsResponse is served by GET /api/stats.
type StatsResponse struct {
	Connected  bool              `json:"connected"`
	Dispatcher dispatcher.Stats  `json:"dispatcher"`
	Pipeline   *PipelineStats    `json:"pipeline"`
	Poison     *PoisonQueueStats `json:"poison,omitempty"`
}

// OpsHandler serves the consumer's operational endpoints: /api/stats,
// /healthz, /readyz and, when metrics are enabled, /metrics.
func (s *ConsumerService) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleGetStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.Conf.MetricsEnabled {
		mux.Handle("GET /metrics", MetricsHandler(s.gatherer))
	}
	return mux
}

func (s *ConsumerService) handleGetStats(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers based on configuration
	if s.Conf != nil && len(s.Conf.CORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatsResponse{
		Connected:  s.Connected(),
		Dispatcher: s.dispatcher.Stats(),
		Pipeline:   s.stats,
	}
	if s.metrics != nil {
		resp.Poison = s.metrics.PoisonStats(s.Conf.QueueName)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *ConsumerService) handleReady(w http.ResponseWriter, _ *http.Request) {
	stats := s.dispatcher.Stats()
	if !s.Connected() || stats.Draining {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "draining": stats.Draining})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *ConsumerService) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, loggingpkg.LogFields{"status": status})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *ConsumerService) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
