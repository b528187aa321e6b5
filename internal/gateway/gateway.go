// Package gateway is the Alert Gateway: it normalizes inbound alert
// payloads, deduplicates and rate-limits them, persists the resulting
// Incident and dispatches it to the workflow orchestrator (spec §4.1).
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/aiops-responder/internal/kvstore"
	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
	"github.com/kubilitics/aiops-responder/internal/store"
)

// RawAlert is the normalized shape of a single alert entry, common to the
// Alertmanager and Grafana webhook bodies (spec §6). Callers (internal/api/rest)
// decode the source-specific JSON envelope and produce these.
type RawAlert struct {
	Status      string
	Labels      map[string]string
	Annotations map[string]string
	StartsAt    string
	EndsAt      string
}

// severityMap is the fixed severity normalization table (spec §4.1).
var severityMap = map[string]models.IncidentSeverity{
	"critical": models.SeverityCritical,
	"high":     models.SeverityHigh,
	"warning":  models.SeverityMedium,
	"warn":     models.SeverityMedium,
	"error":    models.SeverityHigh,
	"alerting": models.SeverityHigh,
	"info":     models.SeverityInfo,
	"low":      models.SeverityLow,
}

const defaultFingerprintTTL = 4 * time.Hour

// IngestResult is the response shape for IngestAlert (spec §4.1/§6).
type IngestResult struct {
	Accepted     bool
	IncidentIDs  []string
	DedupedCount int
}

// WorkflowDispatcher is the boundary to the durable workflow service; the
// gateway only needs to be able to kick a run off by id, never to await it
// (spec §9: "delegate durability to the external execution service").
type WorkflowDispatcher interface {
	Start(ctx context.Context, workflowID string, incident *models.Incident) error
}

// Gateway implements ingestion, dedup, rate limiting and incident queries.
type Gateway interface {
	IngestAlert(ctx context.Context, alerts []RawAlert, source string, rateLimitKey string) (*IngestResult, error)
	GetIncident(ctx context.Context, id string) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]*models.Incident, error)
	GetIncidentGraph(ctx context.Context, id string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error)
}

type gateway struct {
	store        store.Store
	kv           kvstore.Store
	workflow     WorkflowDispatcher
	log          *zap.Logger
	fingerprintTTL time.Duration
	rateLimit    int
	rateWindowS  int
}

// Config tunes the gateway's dedup TTL and rate limit (spec §6).
type Config struct {
	FingerprintTTLHours int
	RateLimitPerMinute  int
}

// New creates a Gateway.
func New(st store.Store, kv kvstore.Store, wf WorkflowDispatcher, log *zap.Logger, cfg Config) Gateway {
	ttl := defaultFingerprintTTL
	if cfg.FingerprintTTLHours > 0 {
		ttl = time.Duration(cfg.FingerprintTTLHours) * time.Hour
	}
	limit := cfg.RateLimitPerMinute
	if limit <= 0 {
		limit = 60
	}
	return &gateway{
		store:          st,
		kv:             kv,
		workflow:       wf,
		log:            log,
		fingerprintTTL: ttl,
		rateLimit:      limit,
		rateWindowS:    60,
	}
}

// IngestAlert normalizes, deduplicates, persists and dispatches every alert
// in the batch (spec §4.1).
func (g *gateway) IngestAlert(ctx context.Context, alerts []RawAlert, source, rateLimitKey string) (*IngestResult, error) {
	result := &IngestResult{Accepted: true}

	allowed, _, err := g.kv.Allow(ctx, rateLimitKey, g.rateLimit, g.rateWindowS)
	if err != nil {
		g.log.Warn("rate limiter failed open", zap.Error(err))
	}
	if !allowed {
		metrics.AlertsRateLimitedTotal.WithLabelValues(source).Inc()
		result.Accepted = false
		return result, nil
	}

	for _, alert := range alerts {
		metrics.AlertsIngestedTotal.WithLabelValues(source).Inc()

		incident := normalize(alert, source)
		fingerprint := computeFingerprint(source, alert.Labels["alertname"], incident.Namespace, incident.Service)
		incident.Fingerprint = fingerprint

		existingID, found, err := g.kv.CheckAndRegisterFingerprint(ctx, fingerprint, incident.ID, g.fingerprintTTL)
		if err != nil {
			g.log.Warn("fingerprint dedup failed open", zap.Error(err))
		}
		if found {
			metrics.AlertsDeduplicatedTotal.WithLabelValues(source).Inc()
			result.DedupedCount++
			if existingID != "" {
				result.IncidentIDs = append(result.IncidentIDs, existingID)
			}
			continue
		}

		if err := g.store.CreateIncident(ctx, incident); err != nil {
			return nil, fmt.Errorf("gateway: create incident: %w", err)
		}
		result.IncidentIDs = append(result.IncidentIDs, incident.ID)

		if g.workflow != nil {
			if err := g.workflow.Start(ctx, "incident-"+incident.ID, incident); err != nil {
				g.log.Warn("workflow dispatch failed", zap.String("incident_id", incident.ID), zap.Error(err))
			}
		}
	}

	return result, nil
}

func (g *gateway) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	return g.store.GetIncident(ctx, id)
}

func (g *gateway) ListIncidents(ctx context.Context, filter store.IncidentFilter) ([]*models.Incident, error) {
	return g.store.ListIncidents(ctx, filter)
}

func (g *gateway) GetIncidentGraph(ctx context.Context, id string, depth int) ([]*models.GraphEntity, []*models.GraphRelation, error) {
	return g.store.Subgraph(ctx, id, depth)
}

// normalize builds an Incident from a single RawAlert (spec §4.1).
func normalize(alert RawAlert, source string) *models.Incident {
	severity := models.SeverityMedium
	if sev, ok := severityMap[strings.ToLower(alert.Labels["severity"])]; ok {
		severity = sev
	}

	alertname := alert.Labels["alertname"]
	pod := alert.Labels["pod"]
	service := alert.Labels["service"]
	namespace := alert.Labels["namespace"]

	title := alertname
	switch {
	case pod != "":
		title = fmt.Sprintf("%s: %s", alertname, pod)
	case service != "":
		title = fmt.Sprintf("%s: %s", alertname, service)
	}

	startedAt, err := time.Parse(time.RFC3339, alert.StartsAt)
	if err != nil {
		startedAt = time.Now().UTC()
	}

	now := time.Now().UTC()
	return &models.Incident{
		ID:          uuid.New().String(),
		Title:       title,
		Severity:    severity,
		Status:      models.IncidentStatusOpen,
		Source:      source,
		Cluster:     alert.Labels["cluster"],
		Namespace:   namespace,
		Service:     service,
		Labels:      alert.Labels,
		Annotations: alert.Annotations,
		StartedAt:   startedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// computeFingerprint implements the GLOSSARY's "32-hex-char prefix of
// SHA-256 over source:alertname:namespace:service".
func computeFingerprint(source, alertname, namespace, service string) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", source, alertname, namespace, service)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}
