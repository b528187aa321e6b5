package runbook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/models"
)

func TestGenerate_ResourceExhaustionContainsMemoryPressureQuery(t *testing.T) {
	// spec §8 scenario 2: runbook contains the memory-pressure PromQL template.
	rb := Generate("inc-1", models.CategoryResourceExhaustion, Target{Namespace: "default", Service: "api"})
	found := false
	for _, q := range rb.Queries {
		if strings.Contains(q, "container_memory_usage_bytes / container_spec_memory_limit_bytes") {
			found = true
		}
	}
	require.True(t, found)
}

func TestGenerate_SubstitutesTargetFields(t *testing.T) {
	rb := Generate("inc-1", models.CategoryScalingIssue, Target{
		Namespace: "prod-ns", Service: "api", Deployment: "api-deploy", Replicas: 5,
	})
	joined := strings.Join(rb.InvestigationCommands, " ")
	require.Contains(t, joined, "prod-ns")
	require.Contains(t, joined, "api-deploy")
	require.Contains(t, joined, "--replicas=5")
	require.NotContains(t, joined, "{namespace}")
}

func TestGenerate_UnknownCategoryFallsBackToUnknownTemplate(t *testing.T) {
	rb := Generate("inc-1", models.HypothesisCategory("not-a-real-category"), Target{Namespace: "ns"})
	require.NotEmpty(t, rb.InvestigationCommands)
	require.NotEmpty(t, rb.Queries)
}

func TestGenerate_FixedNineStepPlanPlusCategoryExtension(t *testing.T) {
	base := Generate("inc-1", models.CategoryDependencyFailure, Target{Namespace: "ns"})
	require.Len(t, base.InvestigationPlan, len(investigationPlan))

	extended := Generate("inc-1", models.CategoryBadDeployment, Target{Namespace: "ns"})
	require.Len(t, extended.InvestigationPlan, len(investigationPlan)+1)
	require.Contains(t, extended.InvestigationPlan[len(extended.InvestigationPlan)-1], "rollback")
}

func TestGenerate_FourDashboardURLs(t *testing.T) {
	rb := Generate("inc-1", models.CategoryUnknown, Target{Namespace: "ns"})
	require.Len(t, rb.DashboardURLs, 4)
}

func TestGenerate_EachCategoryHasATemplate(t *testing.T) {
	for cat := range templates {
		rb := Generate("inc-1", cat, Target{Namespace: "ns", Service: "svc", Deployment: "dep", Replicas: 2})
		require.NotEmpty(t, rb.InvestigationCommands, "category %s", cat)
		require.NotEmpty(t, rb.Queries, "category %s", cat)
	}
}
