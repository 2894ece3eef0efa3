package types

import "context"

// Detector analyzes text for PII spans.
type Detector interface {
	Analyze(ctx context.Context, text, language string) ([]Span, error)
}

// Forwarder sends a sanitized completion payload to the upstream API. A
// non-2xx answer or transport failure is returned as *UpstreamError.
type Forwarder interface {
	ChatCompletions(ctx context.Context, payload []byte) (*UpstreamResult, error)
}

// Recorder persists PII-free usage records off the request path.
type Recorder interface {
	Record(rec UsageRecord)
	Close() error
}

// Pinger reports backing-store connectivity for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
