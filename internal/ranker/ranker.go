// Package ranker scores and orders the hypotheses produced by the rules
// engine (spec §4.5).
package ranker

import (
	"sort"

	"github.com/kubilitics/aiops-responder/internal/models"
)

// categoryWeight is the fixed table from spec §4.5.
var categoryWeight = map[models.HypothesisCategory]float64{
	models.CategoryResourceExhaustion: 1.20,
	models.CategoryBadDeployment:      1.15,
	models.CategoryConfigurationError: 1.10,
	models.CategoryInfrastructure:     1.05,
	models.CategoryDependencyFailure:  1.00,
	models.CategoryNetworkIssue:       0.95,
	models.CategoryScalingIssue:       0.90,
	models.CategorySecurityIssue:      0.85,
	models.CategoryExternalDependency: 0.80,
	models.CategoryDataIssue:          0.75,
	models.CategoryUnknown:            0.50,
}

const maxSupportCountBonus = 5

// Rank computes FinalScore for every hypothesis and sorts them descending,
// stable on ties by insertion order (spec §4.5, §9 open question b), then
// assigns contiguous Rank values starting at 1 (invariant I2).
func Rank(hypotheses []*models.Hypothesis) []*models.Hypothesis {
	for _, h := range hypotheses {
		weight := categoryWeight[h.Category]
		if weight == 0 {
			weight = categoryWeight[models.CategoryUnknown]
		}
		supportCount := h.SupportCount
		if supportCount > maxSupportCountBonus {
			supportCount = maxSupportCountBonus
		}
		h.FinalScore = h.Confidence * weight * (1 + 0.05*float64(supportCount)) * (1 + 0.20*h.SignalStrength)
	}

	sort.SliceStable(hypotheses, func(i, j int) bool {
		return hypotheses[i].FinalScore > hypotheses[j].FinalScore
	})

	for i, h := range hypotheses {
		h.Rank = i + 1
	}

	return hypotheses
}
