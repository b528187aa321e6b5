// Package rest is the HTTP ingress for the incident-response pipeline
// (spec §6): alert webhooks, incident CRUD, health and Prometheus metrics.
// Handlers decode JSON and hand off to internal/gateway; they hold no
// pipeline logic of their own.
//
// Grounded on kubilitics-backend/internal/api/rest/handler.go's Handler
// struct + gorilla/mux SetupRoutes + respondJSON/respondError idiom.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/aiops-responder/internal/gateway"
	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/store"
)

// Dependency is a named external collaborator whose health gates
// GET /health/ready (spec §6).
type Dependency struct {
	Name  string
	Check func() error
}

// Handler serves the pipeline's HTTP surface.
type Handler struct {
	gateway      gateway.Gateway
	dependencies []Dependency
	log          *zap.Logger
}

// NewHandler creates a Handler bound to gw. dependencies are polled by
// GET /health/ready.
func NewHandler(gw gateway.Gateway, dependencies []Dependency, log *zap.Logger) *Handler {
	return &Handler{gateway: gw, dependencies: dependencies, log: log}
}

// SetupRoutes registers every route documented in spec §6 on router.
func SetupRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/api/v1/webhooks/alertmanager", h.AlertmanagerWebhook).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/webhooks/grafana", h.GrafanaWebhook).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/incidents", h.CreateIncident).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/incidents", h.ListIncidents).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/incidents/{id}", h.GetIncident).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/incidents/{id}/graph", h.GetIncidentGraph).Methods(http.MethodGet)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", h.Ready).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
}

// alertmanagerAlert is a single entry in an Alertmanager-shaped webhook
// payload (spec §6).
type alertmanagerAlert struct {
	Status      string            `json:"status"`
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`
	StartsAt    string            `json:"startsAt"`
	EndsAt      string            `json:"endsAt"`
}

type alertmanagerPayload struct {
	Status string              `json:"status"`
	Alerts []alertmanagerAlert `json:"alerts"`
}

// grafanaPayload additionally carries labels/annotations common to every
// alert in the batch, merged into each one (spec §6).
type grafanaPayload struct {
	Status            string              `json:"status"`
	Alerts            []alertmanagerAlert `json:"alerts"`
	CommonLabels      map[string]string   `json:"commonLabels"`
	CommonAnnotations map[string]string   `json:"commonAnnotations"`
}

type ingestResponse struct {
	Status           string   `json:"status"`
	IncidentsCreated int      `json:"incidents_created"`
	IncidentIDs      []string `json:"incident_ids"`
}

// AlertmanagerWebhook handles POST /api/v1/webhooks/alertmanager.
func (h *Handler) AlertmanagerWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var payload alertmanagerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		recordHTTP("alertmanager_webhook", http.StatusBadRequest, start)
		respondError(w, http.StatusBadRequest, "invalid alertmanager payload: "+err.Error())
		return
	}
	h.ingest(w, r, toRawAlerts(payload.Alerts), "alertmanager", "alertmanager_webhook", start)
}

// GrafanaWebhook handles POST /api/v1/webhooks/grafana (spec §6: common
// labels/annotations merged into each alert; otherwise identical).
func (h *Handler) GrafanaWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var payload grafanaPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		recordHTTP("grafana_webhook", http.StatusBadRequest, start)
		respondError(w, http.StatusBadRequest, "invalid grafana payload: "+err.Error())
		return
	}
	for i := range payload.Alerts {
		payload.Alerts[i].Labels = mergeMaps(payload.CommonLabels, payload.Alerts[i].Labels)
		payload.Alerts[i].Annotations = mergeMaps(payload.CommonAnnotations, payload.Alerts[i].Annotations)
	}
	h.ingest(w, r, toRawAlerts(payload.Alerts), "grafana", "grafana_webhook", start)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, alerts []gateway.RawAlert, source, route string, start time.Time) {
	rateLimitKey := r.Header.Get("X-Source-IP")
	if rateLimitKey == "" {
		rateLimitKey = r.RemoteAddr
	}
	result, err := h.gateway.IngestAlert(r.Context(), alerts, source, rateLimitKey)
	if err != nil {
		recordHTTP(route, http.StatusInternalServerError, start)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !result.Accepted {
		recordHTTP(route, http.StatusTooManyRequests, start)
		respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	recordHTTP(route, http.StatusOK, start)
	respondJSON(w, http.StatusOK, ingestResponse{
		Status:           "accepted",
		IncidentsCreated: len(result.IncidentIDs) - result.DedupedCount,
		IncidentIDs:      result.IncidentIDs,
	})
}

// manualIncidentRequest is the body for POST /api/v1/incidents.
type manualIncidentRequest struct {
	Title     string            `json:"title"`
	Severity  string            `json:"severity"`
	Source    string            `json:"source"`
	Cluster   string            `json:"cluster"`
	Namespace string            `json:"namespace"`
	Service   string            `json:"service"`
	Labels    map[string]string `json:"labels"`
}

// CreateIncident handles POST /api/v1/incidents: manual creation with
// duplicate fingerprint returning 409 (spec §6).
func (h *Handler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req manualIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		recordHTTP("create_incident", http.StatusBadRequest, start)
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Labels == nil {
		req.Labels = map[string]string{}
	}
	req.Labels["alertname"] = req.Title

	result, err := h.gateway.IngestAlert(r.Context(), []gateway.RawAlert{{
		Status:      "firing",
		Labels:      mergeMaps(req.Labels, map[string]string{"severity": req.Severity, "namespace": req.Namespace, "service": req.Service, "cluster": req.Cluster}),
		Annotations: map[string]string{},
		StartsAt:    time.Now().UTC().Format(time.RFC3339),
	}}, coalesce(req.Source, "manual"), r.RemoteAddr)
	if err != nil {
		recordHTTP("create_incident", http.StatusInternalServerError, start)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result.DedupedCount > 0 {
		recordHTTP("create_incident", http.StatusConflict, start)
		respondError(w, http.StatusConflict, "an open incident already exists for this fingerprint")
		return
	}
	recordHTTP("create_incident", http.StatusCreated, start)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"incident_id": firstOrEmpty(result.IncidentIDs)})
}

// GetIncident handles GET /api/v1/incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	incident, err := h.gateway.GetIncident(r.Context(), id)
	if err != nil {
		recordHTTP("get_incident", http.StatusNotFound, start)
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	recordHTTP("get_incident", http.StatusOK, start)
	respondJSON(w, http.StatusOK, incident)
}

// GetIncidentGraph handles GET /api/v1/incidents/{id}/graph?depth=N.
func (h *Handler) GetIncidentGraph(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	depth := 2
	if d, err := strconv.Atoi(r.URL.Query().Get("depth")); err == nil && d > 0 {
		depth = d
	}
	entities, relations, err := h.gateway.GetIncidentGraph(r.Context(), id, depth)
	if err != nil {
		recordHTTP("get_incident_graph", http.StatusInternalServerError, start)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recordHTTP("get_incident_graph", http.StatusOK, start)
	respondJSON(w, http.StatusOK, map[string]interface{}{"entities": entities, "relations": relations})
}

// ListIncidents handles GET /api/v1/incidents?status=&severity=&namespace=&limit=&offset=.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query()
	filter := store.IncidentFilter{
		Status:    q.Get("status"),
		Severity:  q.Get("severity"),
		Namespace: q.Get("namespace"),
		Limit:     atoiDefault(q.Get("limit"), 50),
		Offset:    atoiDefault(q.Get("offset"), 0),
	}
	incidents, err := h.gateway.ListIncidents(r.Context(), filter)
	if err != nil {
		recordHTTP("list_incidents", http.StatusInternalServerError, start)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recordHTTP("list_incidents", http.StatusOK, start)
	respondJSON(w, http.StatusOK, incidents)
}

// Health handles GET /health: a liveness probe that never depends on
// external systems.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /health/ready: 503 when any registered dependency is
// down (spec §6).
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	down := []string{}
	for _, dep := range h.dependencies {
		if err := dep.Check(); err != nil {
			down = append(down, dep.Name)
		}
	}
	if len(down) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready", "down": down})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func toRawAlerts(alerts []alertmanagerAlert) []gateway.RawAlert {
	out := make([]gateway.RawAlert, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, gateway.RawAlert{
			Status:      a.Status,
			Labels:      a.Labels,
			Annotations: a.Annotations,
			StartsAt:    a.StartsAt,
			EndsAt:      a.EndsAt,
		})
	}
	return out
}

func mergeMaps(base, override map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func coalesce(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func recordHTTP(route string, status int, start time.Time) {
	metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
