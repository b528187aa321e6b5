package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// LokiClient is a thin HTTP client against the documented
// `/loki/api/v1/query_range` contract (spec §6). No Loki client library
// appears anywhere in the retrieval pack and the contract is this thin, so
// hand-rolling against net/http is the idiomatic choice here (see
// DESIGN.md).
type LokiClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewLokiClient creates a LogStore backed by baseURL.
func NewLokiClient(baseURL string) *LokiClient {
	return &LokiClient{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// QueryRange implements LogStore.
func (c *LokiClient) QueryRange(ctx context.Context, selector string, start, end time.Time, limit int) ([]LogLine, error) {
	q := url.Values{}
	q.Set("query", selector)
	q.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	q.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("direction", "backward")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/loki/api/v1/query_range?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("loki: build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki: unexpected status %d", resp.StatusCode)
	}

	var parsed lokiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("loki: decode response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("loki: status %q", parsed.Status)
	}

	var lines []LogLine
	for _, stream := range parsed.Data.Result {
		for _, v := range stream.Values {
			nanos, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			lines = append(lines, LogLine{
				Labels: stream.Stream,
				Line:   v[1],
				Time:   time.Unix(0, nanos),
			})
		}
	}
	return lines, nil
}
