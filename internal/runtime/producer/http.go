package producer

import (
	"errors"
	"io"
	"net/http"

	errspkg "github.com/drblury/predictflow/internal/runtime/errors"
	"github.com/drblury/predictflow/internal/runtime/ids"
	"github.com/drblury/predictflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/predictflow/internal/runtime/logging"
	"github.com/drblury/predictflow/internal/runtime/model"
)

// MaxBodyBytes caps submission bodies.
const MaxBodyBytes = 1 << 20

// CorrelationHeader carries a caller-supplied correlation id.
const CorrelationHeader = "X-Correlation-ID"

// ServiceInfo is returned by GET /.
type ServiceInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Queue   string `json:"queue"`
	Codec   string `json:"codec"`
}

// HandlerOptions configures the HTTP surface.
type HandlerOptions struct {
	Info   ServiceInfo
	Logger loggingpkg.ServiceLogger
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

type handler struct {
	submitter Submitter
	info      ServiceInfo
	logger    loggingpkg.ServiceLogger
}

// NewHandler returns the producer's HTTP routes.
func NewHandler(s Submitter, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	h := &handler{submitter: s, info: opts.Info, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api", h.submit)
	mux.HandleFunc("GET /{$}", h.root)
	mux.HandleFunc("GET /healthz", h.healthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

type detailResponse struct {
	Detail any `json:"detail"`
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(CorrelationHeader)
	if correlationID == "" {
		correlationID = ids.CreateULID()
	}
	w.Header().Set(CorrelationHeader, correlationID)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "unreadable request body"
		if errors.As(err, &tooLarge) {
			msg = "request body exceeds 1 MiB"
		}
		h.writeJSON(w, http.StatusBadRequest, detailResponse{Detail: msg})
		return
	}

	payload, err := model.Parse(raw)
	if err == nil {
		err = h.submitter.Submit(WithCorrelationID(r.Context(), correlationID), payload)
	}

	var validationErr *errspkg.ValidationError
	var connErr *errspkg.ConnectionError
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	case errors.As(err, &validationErr):
		h.writeJSON(w, http.StatusUnprocessableEntity, detailResponse{Detail: validationErr.Fields})
	case errors.As(err, &connErr):
		h.writeJSON(w, http.StatusServiceUnavailable, detailResponse{Detail: "message broker unavailable"})
	default:
		h.logger.Error("Submission failed", err, loggingpkg.LogFields{"correlation_id": correlationID})
		h.writeJSON(w, http.StatusInternalServerError, detailResponse{Detail: "internal error"})
	}
}

func (h *handler) root(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.info)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
