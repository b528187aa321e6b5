package rules

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/kubilitics/aiops-responder/internal/models"
)

// unknownConfidence is the confidence assigned when no rule in the catalog
// fires (spec §4.4, §8 boundary behavior: empty evidence → one hypothesis).
const unknownConfidence = 0.30

// Evaluate runs the static rule catalog against bundle and returns candidate
// hypotheses for incidentID, unranked (Rank/FinalScore are left zero; see
// internal/ranker). When no rule fires, a single "unknown" hypothesis is
// returned.
func Evaluate(incidentID string, bundle SignalBundle) []*models.Hypothesis {
	var hypotheses []*models.Hypothesis

	for _, r := range catalog {
		matchedCount := 0
		strengthSum := 0.0
		allMatch := true

		for _, c := range r.conditions {
			if !c.matches(bundle) {
				allMatch = false
				break
			}
			matchedCount++
			strengthSum += conditionStrength[c.kind]
		}
		if !allMatch {
			continue
		}

		avgStrength := strengthSum / float64(matchedCount)
		confidence := 0.6*r.base + 0.4*avgStrength
		if matchedCount > 2 {
			confidence *= 1.1
		}
		if confidence > 0.99 {
			confidence = 0.99
		}

		hypotheses = append(hypotheses, &models.Hypothesis{
			ID:                 uuid.NewString(),
			IncidentID:         incidentID,
			Category:           r.category,
			Title:              ruleTitle(r),
			Description:        fmt.Sprintf("Rule %q matched %d condition(s)", r.id, matchedCount),
			Confidence:         confidence,
			SupportingEvidence: bundle.EvidenceIDs,
			SupportCount:       matchedCount,
			SignalStrength:     avgStrength,
			RecommendedActions: r.recommendedActions,
			Generator:          "rules_engine",
			RuleID:             r.id,
		})
	}

	if len(hypotheses) == 0 {
		hypotheses = append(hypotheses, &models.Hypothesis{
			ID:                 uuid.NewString(),
			IncidentID:         incidentID,
			Category:           models.CategoryUnknown,
			Title:              "Unknown root cause",
			Description:        "No diagnostic rule matched the collected evidence",
			Confidence:         unknownConfidence,
			SupportingEvidence: bundle.EvidenceIDs,
			SupportCount:       0,
			SignalStrength:     0,
			RecommendedActions: []string{"restart_pod"},
			Generator:          "rules_engine",
		})
	}

	return hypotheses
}

func ruleTitle(r rule) string {
	switch r.id {
	case "crashloop_recent_deploy":
		return "Crash loop following recent deployment"
	case "crashloop_no_change":
		return "Crash loop with no recent deployment"
	case "oom_killed":
		return "Container killed for exceeding memory limit"
	case "oom_high_memory":
		return "Sustained high memory usage"
	case "image_pull_failure":
		return "Container image cannot be pulled"
	case "node_failure_isolated":
		return "Node reporting unhealthy conditions"
	case "hpa_maxed":
		return "Horizontal autoscaler at maximum replicas"
	case "readiness_probe_failing":
		return "Elevated latency without a recent deployment"
	case "config_error":
		return "Container cannot start due to a configuration error"
	case "network_error":
		return "Network connectivity error detected in logs"
	default:
		return r.id
	}
}
