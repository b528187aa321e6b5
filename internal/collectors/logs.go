package collectors

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/aiops-responder/internal/models"
)

// LogLine is one retrieved log line with its source labels.
type LogLine struct {
	Labels map[string]string
	Line   string
	Time   time.Time
}

// LogStore is the Loki-shaped log query boundary (spec §6:
// "/loki/api/v1/query_range"). Concrete implementation lives behind a thin
// net/http client (see internal/collectors/lokiclient.go) since no Loki
// client library exists anywhere in the retrieval pack.
type LogStore interface {
	QueryRange(ctx context.Context, selector string, start, end time.Time, limit int) ([]LogLine, error)
}

// categoryPatterns are the case-insensitive category regexes (spec §4.2.2).
var categoryPatterns = []struct {
	category string
	re       *regexp.Regexp
}{
	{"error", regexp.MustCompile(`(?i)error|err|exception|fail`)},
	{"critical", regexp.MustCompile(`(?i)panic|fatal|critical`)},
	{"oom", regexp.MustCompile(`(?i)OOMKilled|out of memory`)},
	{"network", regexp.MustCompile(`(?i)connection refused|timeout`)},
	{"auth", regexp.MustCompile(`(?i)permission denied|forbidden`)},
	{"missing", regexp.MustCompile(`(?i)not found|missing`)},
	{"null_pointer", regexp.MustCompile(`(?i)null pointer|nil pointer|segfault`)},
	{"connection", regexp.MustCompile(`(?i)cannot connect`)},
	{"disk", regexp.MustCompile(`(?i)disk full|no space left`)},
	{"tls", regexp.MustCompile(`(?i)TLS|SSL|certificate`)},
}

// stackTracePatterns detect stack traces for four common runtimes (spec §4.2.2).
var stackTracePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)at .+\(.+\.java:\d+\)`),          // Java
	regexp.MustCompile(`(?i)Traceback \(most recent call`),   // Python
	regexp.MustCompile(`(?i)goroutine \d+ \[.+\]:`),          // Go
	regexp.MustCompile(`(?i)at .+\(.+\.js:\d+:\d+\)`),        // JS/Node
}

const (
	maxStackTraceExamples = 5
	maxStackTraceLen      = 1000
	maxErrorSamples       = 10
	maxErrorSampleLen     = 500
	defaultMaxLogLines    = 1000
)

// LogsCollector retrieves and pattern-matches log lines (spec §4.2.2).
type LogsCollector struct {
	Store       LogStore
	MaxLogLines int
}

func (c *LogsCollector) Name() string { return "logs" }

func (c *LogsCollector) Collect(ctx context.Context, incident *models.Incident, window models.TimeWindow) Result {
	var result Result

	limit := c.MaxLogLines
	if limit <= 0 {
		limit = defaultMaxLogLines
	}

	selector := fmt.Sprintf(`{namespace="%s"}`, incident.Namespace)
	if incident.Service != "" {
		selector = fmt.Sprintf(`{namespace="%s", app="%s"}`, incident.Namespace, incident.Service)
	}

	lines, err := c.Store.QueryRange(ctx, selector, window.Start, window.End, limit)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("query logs: %v", err))
		result.Success = false
		return result
	}

	categories := map[string]bool{}
	var stackTraces []string
	var errorSamples []string
	errorCount, warningCount := 0, 0

	for _, l := range lines {
		isError, isWarning := false, false
		for _, cp := range categoryPatterns {
			if !cp.re.MatchString(l.Line) {
				continue
			}
			categories[cp.category] = true
			if cp.category == "error" || cp.category == "critical" {
				isError = true
			} else {
				isWarning = true
			}
		}
		switch {
		case isError:
			errorCount++
			if len(errorSamples) < maxErrorSamples {
				errorSamples = append(errorSamples, truncate(l.Line, maxErrorSampleLen))
			}
		case isWarning:
			warningCount++
		}

		for _, re := range stackTracePatterns {
			if re.MatchString(l.Line) && len(stackTraces) < maxStackTraceExamples {
				stackTraces = append(stackTraces, truncate(l.Line, maxStackTraceLen))
			}
		}
	}

	strength := 0.30
	switch {
	case errorCount > 10:
		strength = 0.9
	case errorCount > 5:
		strength = 0.8
	case errorCount > 0:
		strength = 0.6
	case warningCount > 10:
		strength = 0.5
	}
	if categories["oom"] || categories["critical"] {
		if strength < 0.95 {
			strength = 0.95
		}
	}

	categoryList := make([]string, 0, len(categories))
	for cat := range categories {
		categoryList = append(categoryList, cat)
	}

	result.Evidence = append(result.Evidence, &models.Evidence{
		ID:           uuid.New().String(),
		IncidentID:   incident.ID,
		EvidenceType: models.EvidenceTypeLog,
		Source:       c.Name(),
		EntityName:   incident.Service,
		EntityNS:     incident.Namespace,
		Data: map[string]interface{}{
			"categories":    categoryList,
			"error_count":   errorCount,
			"warning_count": warningCount,
			"stack_traces":  stackTraces,
			"error_samples": errorSamples,
			"lines_scanned": len(lines),
		},
		SignalStrength: strength,
		TimeWindow:     window,
		CollectedAt:    time.Now().UTC(),
	})

	result.Success = true
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
