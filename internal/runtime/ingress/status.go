package ingress

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	prestoerrors "github.com/drblury/presto/internal/runtime/errors"
	"github.com/drblury/presto/internal/runtime/logging"
	"github.com/drblury/presto/transport"
)

type queueStatus struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Pending *int64 `json:"pending,omitempty"`
}

type statusResponse struct {
	Kind   string        `json:"model_name"`
	Queues []queueStatus `json:"queues"`
}

// queueStatus reports the kind's queues and, when the backend can count
// them, how many messages wait in each.
func (h *handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	if _, ok := h.deps.Registry.Lookup(kind); !ok {
		err := prestoerrors.NewUnknownKindError(kind)
		respondWithError(w, prestoerrors.StatusCode(err), err.Error())
		return
	}

	counter, canCount := h.deps.Backend.(transport.PendingCounter)
	resp := statusResponse{Kind: kind}
	for _, role := range []transport.Role{transport.RoleInput, transport.RoleOutput, transport.RoleDLQ} {
		name := h.deps.Naming.Name(kind, role)
		status := queueStatus{Name: name, Role: role.String()}
		if canCount {
			handle, err := h.deps.Backend.CreateOrGet(r.Context(), name, role)
			if err == nil {
				var pending int64
				pending, err = counter.Pending(r.Context(), handle)
				if err == nil {
					status.Pending = &pending
				}
			}
			if err != nil {
				h.deps.Logger.Error("Failed to read queue depth", err, logging.LogFields{"queue": name})
			}
		}
		resp.Queues = append(resp.Queues, status)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *handler) dlqStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.DLQ == nil {
		respondWithError(w, http.StatusNotImplemented, "dead letter metrics are not configured")
		return
	}
	respondWithJSON(w, http.StatusOK, h.deps.DLQ.Snapshot())
}
