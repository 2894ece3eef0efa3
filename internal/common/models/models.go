package models

// Message is one turn in a chat-completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest mirrors the OpenAI chat-completions request surface
// this gateway proxies. Tuning fields are pointers so that absent and zero
// values serialize differently upstream.
type ChatCompletionRequest struct {
	Model            string             `json:"model"`
	Messages         []Message          `json:"messages"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	Stream           *bool              `json:"stream,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	User             string             `json:"user,omitempty"`
}

// Choice is one generated completion within a response.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Usage reports upstream token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse mirrors the upstream success payload.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// TokenMapping records one redacted span so the original value can be
// restored after the upstream call. TokenID is the exact marker substituted
// into the outbound text.
type TokenMapping struct {
	OriginalText string  `json:"original_text"`
	TokenID      string  `json:"token_id"`
	EntityType   string  `json:"entity_type"`
	Confidence   float64 `json:"confidence"`
}

// ErrorResponse is the uniform error body for gateway-originated failures.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RateLimitResponse is the 429 body, carrying quota context for the caller.
type RateLimitResponse struct {
	Error     string `json:"error"`
	Remaining int    `json:"remaining"`
	ResetTime *int64 `json:"reset_time"`
}

// HealthResponse reports gateway liveness and counter-store connectivity.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	RedisStatus string `json:"redis_status"`
}
