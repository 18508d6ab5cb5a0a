// Package ingress is the HTTP front door: it validates submitted items and
// enqueues them on their kind's input queue, and offers a few helper
// endpoints for manual callback testing.
package ingress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/presto/internal/runtime/envelope"
	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/jsoncodec"
	"github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/internal/runtime/metrics"
	"github.com/drblury/presto/transport"
)

// MaxBodyBytes caps request bodies.
const MaxBodyBytes = 10 << 20

// Notifier performs one-off callbacks.
type Notifier interface {
	Deliver(ctx context.Context, raw []byte) error
}

// Dependencies wire the ingress handlers. Notifier and DLQ are optional;
// without them the matching endpoints answer 501.
type Dependencies struct {
	Backend  transport.Backend
	Registry *envelope.Registry
	Notifier Notifier
	Logger   logging.ServiceLogger
	Naming   transport.Naming
	// DLQ backs GET /dlq when set.
	DLQ *metrics.DLQMetrics
}

type handler struct {
	deps     Dependencies
	enqueuer *Enqueuer
}

// NewRouter builds the ingress routes.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Backend == nil {
		return nil, prestoerrors.ErrBackendRequired
	}
	if deps.Registry == nil {
		return nil, prestoerrors.ErrRegistryRequired
	}
	if deps.Logger == nil {
		return nil, prestoerrors.ErrLoggerRequired
	}
	h := &handler{deps: deps, enqueuer: NewEnqueuer(deps.Backend, deps.Registry, deps.Naming)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/ping", h.ping)
	r.Get("/kinds", h.kinds)
	r.Get("/queues/{kind}", h.queueStatus)
	r.Get("/dlq", h.dlqStatus)
	r.Post("/process_item/{kind}", h.processItem)
	r.Post("/trigger_callback", h.triggerCallback)
	r.Post("/echo", h.echo)
	return r, nil
}

func requestLogger(logger logging.ServiceLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Handled request", logging.LogFields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
		})
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, data)
}

func respondWithError(w http.ResponseWriter, status int, msg string) {
	respondWithJSON(w, status, errorResponse{Error: msg, Code: status})
}

func (h *handler) ping(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]int{"pong": 1})
}

func (h *handler) kinds(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string][]string{"kinds": h.deps.Registry.Kinds()})
}

type queuedResponse struct {
	Status string `json:"status"`
	Receipt
}

func (h *handler) processItem(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	receipt, err := h.enqueuer.Enqueue(r.Context(), kind, raw)
	var validation *prestoerrors.ValidationError
	switch {
	case errors.As(err, &validation):
		respondWithError(w, prestoerrors.StatusCode(err), err.Error())
	case err != nil:
		h.deps.Logger.Error("Failed to enqueue item", err, logging.LogFields{"kind": kind})
		respondWithError(w, http.StatusServiceUnavailable, "queue unavailable")
	default:
		respondWithJSON(w, http.StatusAccepted, queuedResponse{Status: "queued", Receipt: receipt})
	}
}

func (h *handler) triggerCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Notifier == nil {
		respondWithError(w, http.StatusNotImplemented, "callbacks are not configured")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	err = h.deps.Notifier.Deliver(r.Context(), raw)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
	case errors.Is(err, prestoerrors.ErrCallbackURLMissing):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, prestoerrors.ErrInvalidEnvelope):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondWithError(w, http.StatusBadGateway, err.Error())
	}
}

// echo returns the request body unchanged. Handy as a callback sink.
func (h *handler) echo(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	h.deps.Logger.Info("Echo received", logging.LogFields{"bytes": len(raw)})
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
