package types

import "time"

// Span is one detected PII region in a piece of text. Offsets are rune
// positions as reported by the analyzer, with End exclusive.
type Span struct {
	EntityType string
	Start      int
	End        int
	Score      float64
}

// Decision is the outcome of one admission check against an organization's
// sliding window.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is the unix second at which the oldest in-window entry falls
	// out of the window. Zero when the window holds no entries.
	ResetAt int64
}

// UpstreamResult is a successful answer from the completion API.
type UpstreamResult struct {
	StatusCode int
	Body       []byte
}

// UsageRecord is one PII-free audit row describing a completed gateway
// decision. It must never carry prompt text, detected values, or token
// mappings.
type UsageRecord struct {
	AuditID          string
	OrgID            string
	Model            string
	StatusCode       int
	LatencyMS        int64
	MessageCount     int
	EntitiesRedacted int
	ClientIP         string
	CreatedAt        time.Time
}
