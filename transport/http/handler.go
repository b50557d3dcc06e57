// Package http exposes the administrative surface of a cluster as a JSON API.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arya-analytics/hadb"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type handler struct {
	admin  hadb.Admin
	logger *zap.Logger
}

// NewHandler returns a handler serving:
//
//	GET  /nodes
//	POST /nodes/{id}/deactivate
//	POST /nodes/{id}/activate?strategy=full
//	PUT  /balancer
//	POST /recover
func NewHandler(admin hadb.Admin, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{admin: admin, logger: logger}
	router := mux.NewRouter()
	router.HandleFunc("/nodes", h.listNodes).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{id}/deactivate", h.deactivate).Methods(http.MethodPost)
	router.HandleFunc("/nodes/{id}/activate", h.activate).Methods(http.MethodPost)
	router.HandleFunc("/balancer", h.setBalancer).Methods(http.MethodPut)
	router.HandleFunc("/recover", h.recover).Methods(http.MethodPost)
	return router
}

type nodeStatus struct {
	ID       string    `json:"id"`
	Location string    `json:"location"`
	Weight   int       `json:"weight"`
	Active   bool      `json:"active"`
	Dirty    bool      `json:"dirty"`
	Since    time.Time `json:"since"`
	Reason   string    `json:"reason"`
}

type balancerRequest struct {
	Policy string `json:"policy"`
}

type inconsistency struct {
	Transaction  string   `json:"transaction"`
	Divergent    []string `json:"divergent"`
	Participants []string `json:"participants"`
	DurableOn    []string `json:"durable_on"`
}

type recovery struct {
	Consistent      bool            `json:"consistent"`
	Inconsistencies []inconsistency `json:"inconsistencies"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) listNodes(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.admin.Nodes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res := make([]nodeStatus, len(statuses))
	for i, s := range statuses {
		res[i] = nodeStatus{
			ID:       string(s.ID),
			Location: s.Location,
			Weight:   s.Weight,
			Active:   s.Active,
			Dirty:    s.Dirty,
			Since:    s.Since,
			Reason:   s.Reason,
		}
	}
	h.write(w, http.StatusOK, res)
}

func (h *handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id := hadb.NodeID(mux.Vars(r)["id"])
	if err := h.admin.Deactivate(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) activate(w http.ResponseWriter, r *http.Request) {
	id := hadb.NodeID(mux.Vars(r)["id"])
	if err := h.admin.Activate(r.Context(), id, r.URL.Query().Get("strategy")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setBalancer(w http.ResponseWriter, r *http.Request) {
	var req balancerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.write(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if err := h.admin.SetBalancer(r.Context(), req.Policy); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) recover(w http.ResponseWriter, r *http.Request) {
	found, err := h.admin.Recover(r.Context())
	if err != nil && !errors.Is(err, hadb.ErrInconsistentDurability) {
		h.fail(w, r, err)
		return
	}
	res := recovery{Consistent: len(found) == 0, Inconsistencies: make([]inconsistency, len(found))}
	for i, inc := range found {
		res.Inconsistencies[i] = inconsistency{
			Transaction:  inc.Transaction,
			Divergent:    ids(inc.Divergent),
			Participants: ids(inc.Record.Participants),
			DurableOn:    ids(inc.Record.DurableOn),
		}
	}
	h.write(w, http.StatusOK, res)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, hadb.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, hadb.ErrUnknownPolicy), errors.Is(err, hadb.ErrUnknownStrategy),
		errors.Is(err, hadb.ErrUnknownInvocation):
		return http.StatusBadRequest
	case errors.Is(err, hadb.ErrSyncInProgress), errors.Is(err, hadb.ErrNoSyncSource):
		return http.StatusConflict
	case errors.Is(err, hadb.ErrSync), errors.Is(err, hadb.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.logger.Warn("admin request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	h.write(w, code, errorResponse{Error: err.Error()})
}

func (h *handler) write(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", zap.Error(err))
	}
}

func ids(in []hadb.NodeID) []string {
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}
