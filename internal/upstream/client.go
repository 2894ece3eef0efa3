// Package upstream forwards sanitized completion requests to the configured
// OpenAI-compatible API.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PlainFunction/redactgate/internal/common/types"
)

// Client posts chat-completion payloads upstream with a bounded timeout.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// ChatCompletions sends the payload to the upstream completions endpoint.
// A 2xx answer returns the body verbatim; anything else comes back as
// *types.UpstreamError, with StatusCode and Body set when the upstream
// actually answered.
func (c *Client) ChatCompletions(ctx context.Context, payload []byte) (*types.UpstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &types.UpstreamError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &types.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.UpstreamError{Err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &types.UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}
	return &types.UpstreamResult{StatusCode: resp.StatusCode, Body: body}, nil
}
