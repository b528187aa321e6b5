// Package policy is the external policy-decision client: it POSTs a
// remediation proposal to a decision endpoint (Open Policy Agent-shaped)
// and fails closed on any error (spec §4.7).
//
// Grounded on src/services/policy/opa_client.py's exact wire envelope
// ({"input": {...}} in, {"result": {...}} out).
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kubilitics/aiops-responder/internal/metrics"
	"github.com/kubilitics/aiops-responder/internal/models"
)

const requestTimeout = 10 * time.Second

// Input is the policy-evaluation request payload (spec §4.7).
type Input struct {
	ActionType        string  `json:"action_type"`
	Environment       string  `json:"environment"`
	BlastRadiusScore  float64 `json:"blast_radius_score"`
	Namespace         string  `json:"namespace"`
	AffectedReplicas  int     `json:"affected_replicas"`
	CurrentHour       int     `json:"current_hour"`
	IsWeekend         bool    `json:"is_weekend"`
	FreezeActive      bool    `json:"freeze_active"`
}

type opaRequest struct {
	Input Input `json:"input"`
}

type opaResult struct {
	Allow            bool     `json:"allow"`
	RequiresApproval bool     `json:"requires_approval"`
	Deny             []string `json:"deny"`
}

type opaResponse struct {
	Result opaResult `json:"result"`
}

// Gate evaluates remediation proposals against the external policy
// decision endpoint.
type Gate interface {
	Evaluate(ctx context.Context, in Input) models.PolicyDecision
	CheckHealth(ctx context.Context) bool
}

type gate struct {
	baseURL string
	path    string
	client  *http.Client
}

// New creates a Gate against baseURL+path (spec §6's "POST {base}{path}").
func New(baseURL, path string) Gate {
	return &gate{
		baseURL: baseURL,
		path:    path,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Evaluate implements the spec §4.7 contract: network or parse failure
// fails closed (allow=false, requiresApproval=true).
func (g *gate) Evaluate(ctx context.Context, in Input) models.PolicyDecision {
	now := time.Now().UTC()
	in.CurrentHour = now.Hour()
	in.IsWeekend = now.Weekday() == time.Saturday || now.Weekday() == time.Sunday

	decision, err := g.query(ctx, in)
	if err != nil {
		metrics.PolicyEvaluationsTotal.WithLabelValues("deny_error").Inc()
		return models.PolicyDecision{
			Allow:            false,
			RequiresApproval: true,
			DenyReasons:      []string{fmt.Sprintf("policy evaluation error: %v", err)},
		}
	}

	label := "deny"
	if decision.Allow {
		label = "allow"
	}
	metrics.PolicyEvaluationsTotal.WithLabelValues(label).Inc()

	return models.PolicyDecision{
		Allow:            decision.Allow,
		RequiresApproval: decision.RequiresApproval,
		DenyReasons:      decision.Deny,
	}
}

func (g *gate) query(ctx context.Context, in Input) (opaResult, error) {
	body, err := json.Marshal(opaRequest{Input: in})
	if err != nil {
		return opaResult{}, fmt.Errorf("policy: marshal input: %w", err)
	}

	url := g.baseURL + g.path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return opaResult{}, fmt.Errorf("policy: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return opaResult{}, fmt.Errorf("policy: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return opaResult{}, fmt.Errorf("policy: unexpected status %d", resp.StatusCode)
	}

	var parsed opaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return opaResult{}, fmt.Errorf("policy: decode response: %w", err)
	}

	return parsed.Result, nil
}

// CheckHealth reports whether the policy endpoint's /health responds 200.
func (g *gate) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// BuildReason joins deny reasons into a single human-readable string,
// matching the original client's _build_reason helper.
func BuildReason(decision models.PolicyDecision) string {
	if decision.Allow {
		return "allowed"
	}
	if len(decision.DenyReasons) > 0 {
		return strings.Join(decision.DenyReasons, "; ")
	}
	return "policy denied"
}
