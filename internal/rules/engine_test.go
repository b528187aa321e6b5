package rules

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/aiops-responder/internal/models"
)

func TestExtractSignalBundle_PodWaitingReason(t *testing.T) {
	evidence := []*models.Evidence{
		{ID: "ev-1", EvidenceType: models.EvidenceTypePod, Data: map[string]interface{}{
			"waiting_reason": "CrashLoopBackOff",
			"restart_count":  6,
		}},
	}
	bundle := ExtractSignalBundle(evidence)
	require.True(t, bundle.WaitingReasons["CrashLoopBackOff"])
	require.Equal(t, 6, bundle.RestartCount)
}

func TestEvaluate_CrashLoopWithRecentDeploy(t *testing.T) {
	bundle := SignalBundle{
		WaitingReasons:    map[string]bool{"CrashLoopBackOff": true},
		TerminatedReasons: map[string]bool{},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
		HasRecentDeploy:   true,
		EvidenceIDs:       []string{"ev-1", "ev-2"},
	}

	hyps := Evaluate("inc-1", bundle)
	require.NotEmpty(t, hyps)

	var top *models.Hypothesis
	for _, h := range hyps {
		if h.Category == models.CategoryBadDeployment {
			top = h
		}
	}
	require.NotNil(t, top)
	require.InDelta(t, 0.6*0.90+0.4*0.85, top.Confidence, 0.001)
	require.Equal(t, "rollback_deployment", top.RecommendedActions[0])
}

func TestEvaluate_OOMKilled(t *testing.T) {
	bundle := SignalBundle{
		WaitingReasons:    map[string]bool{},
		TerminatedReasons: map[string]bool{"OOMKilled": true},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
	}
	hyps := Evaluate("inc-1", bundle)

	found := false
	for _, h := range hyps {
		if h.RuleID == "oom_killed" {
			found = true
			require.GreaterOrEqual(t, h.Confidence, 0.93)
		}
	}
	require.True(t, found)
}

func TestEvaluate_NoMatchYieldsUnknown(t *testing.T) {
	bundle := SignalBundle{
		WaitingReasons:    map[string]bool{},
		TerminatedReasons: map[string]bool{},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
	}
	hyps := Evaluate("inc-1", bundle)
	require.Len(t, hyps, 1)
	require.Equal(t, models.CategoryUnknown, hyps[0].Category)
	require.Equal(t, 0.30, hyps[0].Confidence)
}

func TestEvaluate_ImagePullBackOffNoDeployChangeNeeded(t *testing.T) {
	// spec §8 scenario 3: ImagePullBackOff alone fires configuration_error,
	// confidence >= 0.93, no image change required for the rule to fire.
	bundle := SignalBundle{
		WaitingReasons:    map[string]bool{"ImagePullBackOff": true},
		TerminatedReasons: map[string]bool{},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
		HasImageChange:    false,
	}
	hyps := Evaluate("inc-1", bundle)

	found := false
	for _, h := range hyps {
		if h.RuleID == "image_pull_failure" {
			found = true
			require.Equal(t, models.CategoryConfigurationError, h.Category)
			require.GreaterOrEqual(t, h.Confidence, 0.93)
		}
	}
	require.True(t, found)
}

func TestEvaluate_HPAMaxedRequiresBothHPAAtMaxAndLatencyHigh(t *testing.T) {
	hpaOnly := SignalBundle{
		WaitingReasons:    map[string]bool{},
		TerminatedReasons: map[string]bool{},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
		HPAAtMax:          true,
	}
	hyps := Evaluate("inc-1", hpaOnly)
	for _, h := range hyps {
		require.NotEqual(t, "hpa_maxed", h.RuleID)
	}

	hpaAndLatency := hpaOnly
	hpaAndLatency.LatencyHigh = true
	hyps = Evaluate("inc-1", hpaAndLatency)

	found := false
	for _, h := range hyps {
		if h.RuleID == "hpa_maxed" {
			found = true
			require.Equal(t, models.CategoryScalingIssue, h.Category)
		}
	}
	require.True(t, found)
}

func TestEvaluate_ConfigErrorFiresOnContainerCannotRunOrCreateContainerConfigError(t *testing.T) {
	bundle := SignalBundle{
		WaitingReasons:    map[string]bool{},
		TerminatedReasons: map[string]bool{"CreateContainerConfigError": true},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
	}
	hyps := Evaluate("inc-1", bundle)

	found := false
	for _, h := range hyps {
		if h.RuleID == "config_error" {
			found = true
			require.Equal(t, models.CategoryConfigurationError, h.Category)
		}
	}
	require.True(t, found)
}

func TestEvaluate_ThreeConditionsAppliesBoost(t *testing.T) {
	// readiness_probe_failing has 2 conditions; crashloop_recent_deploy has 2.
	// Construct a bundle where a 2-condition rule matches to confirm no boost,
	// matching spec §8's boundary behavior.
	bundle := SignalBundle{
		WaitingReasons:    map[string]bool{"CrashLoopBackOff": true},
		TerminatedReasons: map[string]bool{},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
		HasRecentDeploy:   true,
	}
	hyps := Evaluate("inc-1", bundle)
	for _, h := range hyps {
		if h.RuleID == "crashloop_recent_deploy" {
			require.Equal(t, 2, h.SupportCount)
			unboosted := 0.6*0.90 + 0.4*0.85
			require.InDelta(t, unboosted, h.Confidence, 0.001)
		}
	}
}
