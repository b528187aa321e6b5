// Package rules is the deterministic diagnostic engine: it reduces an
// incident's evidence list to a signal bundle, matches that bundle against
// a static rule catalog, and emits candidate hypotheses (spec §4.4).
package rules

import (
	"github.com/kubilitics/aiops-responder/internal/models"
)

// SignalBundle is the compact, typed summary of an incident's evidence that
// rules match against.
type SignalBundle struct {
	WaitingReasons   map[string]bool
	TerminatedReasons map[string]bool
	LogPatterns      map[string]bool
	HasRecentDeploy  bool
	HasImageChange   bool
	MemoryUsageHigh  bool
	HPAAtMax         bool
	LatencyHigh      bool
	NodeIssues       map[string][]string
	RestartCount     int
	ErrorCount       int
	EvidenceIDs      []string
}

// ExtractSignalBundle reduces evidence into the fixed-shape bundle the rule
// catalog matches against. Each Evidence.Data map is read defensively: a
// missing or wrongly-typed key is simply not a signal, never an error.
func ExtractSignalBundle(evidence []*models.Evidence) SignalBundle {
	b := SignalBundle{
		WaitingReasons:    map[string]bool{},
		TerminatedReasons: map[string]bool{},
		LogPatterns:       map[string]bool{},
		NodeIssues:        map[string][]string{},
	}

	for _, e := range evidence {
		b.EvidenceIDs = append(b.EvidenceIDs, e.ID)

		switch e.EvidenceType {
		case models.EvidenceTypePod:
			if reason, ok := stringField(e.Data, "waiting_reason"); ok && reason != "" {
				b.WaitingReasons[reason] = true
			}
			if reason, ok := stringField(e.Data, "terminated_reason"); ok && reason != "" {
				b.TerminatedReasons[reason] = true
			}
			if n, ok := intField(e.Data, "restart_count"); ok && n > b.RestartCount {
				b.RestartCount = n
			}

		case models.EvidenceTypeLog:
			// A single log-collector run aggregates every matched pattern
			// category into one Evidence record (spec §4.2.2), so the
			// common case is a "categories" list; "category" is kept as a
			// fallback for hand-built single-category evidence in tests.
			if cat, ok := stringField(e.Data, "category"); ok && cat != "" {
				b.LogPatterns[cat] = true
			}
			for _, cat := range stringSliceField(e.Data, "categories") {
				if cat != "" {
					b.LogPatterns[cat] = true
				}
			}
			if n, ok := intField(e.Data, "error_count"); ok {
				b.ErrorCount += n
			}

		case models.EvidenceTypeMetric:
			if name, ok := stringField(e.Data, "query_name"); ok {
				switch {
				case containsAny(name, "memory"):
					if boolField(e.Data, "high") {
						b.MemoryUsageHigh = true
					}
				case containsAny(name, "latency"):
					if boolField(e.Data, "high") {
						b.LatencyHigh = true
					}
				case containsAny(name, "hpa"):
					if boolField(e.Data, "at_max") {
						b.HPAAtMax = true
					}
				}
			}

		case models.EvidenceTypeNode:
			if conditions, ok := e.Data["conditions"].([]string); ok && len(conditions) > 0 {
				b.NodeIssues[e.EntityName] = conditions
			}

		case models.EvidenceTypeDeployChange:
			b.HasRecentDeploy = true

		case models.EvidenceTypeImageChange:
			b.HasImageChange = true
			b.HasRecentDeploy = true
		}
	}

	return b
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	v, ok := data[key].(string)
	return v, ok
}

func intField(data map[string]interface{}, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func stringSliceField(data map[string]interface{}, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func boolField(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func containsAny(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
