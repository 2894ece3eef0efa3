// Package redact replaces detected PII in outbound prompts with reversible
// token markers and restores the originals in upstream responses.
package redact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PlainFunction/redactgate/internal/common/types"
)

// analyzeRequest is the Presidio analyzer request body.
type analyzeRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Entities []string `json:"entities,omitempty"`
}

// analyzeResult is one finding in the analyzer's response array.
type analyzeResult struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// HTTPDetector calls a Presidio-compatible analyzer service over REST.
type HTTPDetector struct {
	baseURL  string
	entities []string
	client   *http.Client
}

// NewHTTPDetector creates a detector against the analyzer at baseURL,
// restricted to the given entity types. An empty entity list asks the
// analyzer for everything it knows.
func NewHTTPDetector(baseURL string, entities []string, timeout time.Duration) *HTTPDetector {
	return &HTTPDetector{
		baseURL:  strings.TrimRight(baseURL, "/"),
		entities: entities,
		client:   &http.Client{Timeout: timeout},
	}
}

// Analyze submits text to the analyzer and returns the detected spans. Any
// transport or protocol failure comes back as *types.DetectionUnavailableError.
func (d *HTTPDetector) Analyze(ctx context.Context, text, language string) ([]types.Span, error) {
	payload, err := json.Marshal(analyzeRequest{Text: text, Language: language, Entities: d.entities})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, &types.DetectionUnavailableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &types.DetectionUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.DetectionUnavailableError{
			Err: fmt.Errorf("analyzer returned status %d", resp.StatusCode),
		}
	}

	var results []analyzeResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, &types.DetectionUnavailableError{
			Err: fmt.Errorf("decode analyzer response: %w", err),
		}
	}

	spans := make([]types.Span, 0, len(results))
	for _, r := range results {
		spans = append(spans, types.Span{
			EntityType: r.EntityType,
			Start:      r.Start,
			End:        r.End,
			Score:      r.Score,
		})
	}
	return spans, nil
}
