// Package blastradius computes the impact score that gates remediation
// execution (spec §4.7). It is intentionally a pure function of counts and
// environment over the spec's fixed formula — the teacher's generic,
// operation-dispatching internal/safety/blastradius was not reused because
// it models a different contract entirely (see DESIGN.md).
package blastradius

import (
	"context"

	"github.com/kubilitics/aiops-responder/internal/k8s"
	"github.com/kubilitics/aiops-responder/internal/models"
)

// criticalNamespaces get the 1.5x multiplier (spec §4.7).
var criticalNamespaces = map[string]bool{
	"default":       true,
	"platform":      true,
	"core-services": true,
}

// envMultiplier is the fixed per-environment factor (spec §4.7).
var envMultiplier = map[string]float64{
	"dev":     1.0,
	"staging": 2.0,
	"uat":     2.5,
	"prod":    5.0,
}

const defaultEnvMultiplier = 3.0
const maxScore = 100.0

// Calculator computes BlastRadiusResult for a proposed action's target.
type Calculator interface {
	Calculate(ctx context.Context, namespace, environment string, maxBlastRadius float64) models.BlastRadiusResult
}

type calculator struct {
	client *k8s.Client
}

// New creates a Calculator backed by the cluster client used to count
// affected pods/deployments in namespace.
func New(client *k8s.Client) Calculator {
	return &calculator{client: client}
}

// Calculate implements the spec §4.7 formula. On cluster-query failure it
// returns the maximum score with isAcceptable=false — an unknown blast
// radius must never be treated as small.
func (c *calculator) Calculate(ctx context.Context, namespace, environment string, maxBlastRadius float64) models.BlastRadiusResult {
	pods, err := c.client.ListPods(ctx, namespace, "")
	if err != nil {
		return models.BlastRadiusResult{Score: maxScore, IsAcceptable: false}
	}
	deployments, err := c.client.ListDeployments(ctx, namespace)
	if err != nil {
		return models.BlastRadiusResult{Score: maxScore, IsAcceptable: false}
	}

	return Compute(len(pods), len(deployments), namespace, environment, maxBlastRadius)
}

// Compute is the pure scoring function, exported so the executor/policy
// packages and tests can evaluate it without a cluster round trip.
func Compute(affectedPods, affectedDeployments int, namespace, environment string, maxBlastRadius float64) models.BlastRadiusResult {
	score := 5*float64(affectedPods) + 10*float64(affectedDeployments)

	if criticalNamespaces[namespace] {
		score *= 1.5
	}

	mult, ok := envMultiplier[environment]
	if !ok {
		mult = defaultEnvMultiplier
	}
	score *= mult

	if score > maxScore {
		score = maxScore
	}

	return models.BlastRadiusResult{
		Score:               score,
		AffectedPods:        affectedPods,
		AffectedDeployments: affectedDeployments,
		IsAcceptable:        score < maxBlastRadius,
	}
}
