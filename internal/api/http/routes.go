package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arkilian/tailroute/internal/shard"
	"github.com/arkilian/tailroute/pkg/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterSource looks up routers by entity name.
type RouterSource interface {
	Router(entity string) (*shard.Router, error)
	Entities() []string
}

// EventCounter is implemented by router sources that count router notifications.
type EventCounter interface {
	EventCounts(entity string) map[string]int64
}

// EntityStatus is one entry of /v1/entities.
type EntityStatus struct {
	shard.Stats
	Events map[string]int64 `json:"events,omitempty"`
}

// KeyRequest names an entity and a partition key.
// Numbers in Key are kept in their JSON text form.
type KeyRequest struct {
	Entity string      `json:"entity"`
	Key    interface{} `json:"key"`
}

// QueryRequest describes a query predicate on the partition key.
type QueryRequest struct {
	Entity string      `json:"entity"`
	Op     string      `json:"op"`
	Key    interface{} `json:"key,omitempty"`
}

// RouteResponse is returned by /v1/route and /v1/resolve.
type RouteResponse struct {
	Entity    string `json:"entity"`
	Tail      string `json:"tail"`
	Table     string `json:"table"`
	Known     bool   `json:"known"`
	RequestID string `json:"request_id"`
}

// QueryResponse lists the tables a query must scan.
type QueryResponse struct {
	Entity    string   `json:"entity"`
	Op        string   `json:"op"`
	Policy    string   `json:"policy"`
	Tables    []string `json:"tables"`
	RequestID string   `json:"request_id"`
}

// TailsResponse lists the known tails of an entity.
type TailsResponse struct {
	Entity    string                 `json:"entity"`
	Tails     []string               `json:"tails"`
	Tables    []types.PartitionTable `json:"tables"`
	Degraded  bool                   `json:"degraded"`
	RequestID string                 `json:"request_id"`
}

// Handler serves the routing endpoints.
type Handler struct {
	routers RouterSource
	log     *logrus.Entry
}

// NewHandler creates a handler over routers.
func NewHandler(routers RouterSource, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{routers: routers, log: log.WithField("component", "api")}
}

// NewRouter mounts the API, health and metrics endpoints.
// A nil registry leaves /metrics unmounted.
func NewRouter(h *Handler, registry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(RequestIDMiddleware, RecoveryMiddleware(h.log), LoggingMiddleware(h.log))
	api.HandleFunc("/entities", h.entities).Methods(http.MethodGet)
	api.HandleFunc("/entities/{entity}/tails", h.tails).Methods(http.MethodGet)
	api.HandleFunc("/route", h.route).Methods(http.MethodPost)
	api.HandleFunc("/resolve", h.resolve).Methods(http.MethodPost)
	api.HandleFunc("/query", h.query).Methods(http.MethodPost)
	return r
}

func (h *Handler) entities(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	counter, _ := h.routers.(EventCounter)
	out := make([]EntityStatus, 0)
	for _, name := range h.routers.Entities() {
		router, err := h.routers.Router(name)
		if err != nil {
			writeErr(w, err, requestID)
			return
		}
		status := EntityStatus{Stats: router.Stats()}
		if counter != nil {
			status.Events = counter.EventCounts(name)
		}
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities":   out,
		"request_id": requestID,
	})
}

func (h *Handler) tails(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	router, err := h.routers.Router(mux.Vars(r)["entity"])
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	tails := router.Tails()
	if tails == nil {
		tails = []string{}
	}
	writeJSON(w, http.StatusOK, TailsResponse{
		Entity:    router.Entity().Name,
		Tails:     tails,
		Tables:    router.TablesByTail(),
		Degraded:  router.Degraded(),
		RequestID: requestID,
	})
}

// route resolves a write key and provisions its table when needed.
func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	h.serveKey(w, r, true)
}

// resolve resolves a key without provisioning.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	h.serveKey(w, r, false)
}

func (h *Handler) serveKey(w http.ResponseWriter, r *http.Request, provision bool) {
	requestID := GetRequestID(r.Context())

	var req KeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}
	router, err := h.routers.Router(req.Entity)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	tail, err := router.Resolve(req.Key)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	table := router.Table(tail)
	if provision {
		if table, err = router.RouteWrite(r.Context(), req.Key); err != nil {
			writeErr(w, err, requestID)
			return
		}
	}

	writeJSON(w, http.StatusOK, RouteResponse{
		Entity:    router.Entity().Name,
		Tail:      tail,
		Table:     table,
		Known:     router.Known(tail),
		RequestID: requestID,
	})
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req QueryRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "", requestID)
		return
	}
	if req.Op == "" {
		writeError(w, http.StatusBadRequest, "op is required", "", requestID)
		return
	}
	router, err := h.routers.Router(req.Entity)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}

	op := types.ParseOperator(req.Op)
	tables, err := router.RouteQuery(op, req.Key)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if tables == nil {
		tables = []string{}
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		Entity:    router.Entity().Name,
		Op:        string(op),
		Policy:    string(router.Policy(op)),
		Tables:    tables,
		RequestID: requestID,
	})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
