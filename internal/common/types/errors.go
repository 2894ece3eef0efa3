package types

import "fmt"

// StoreUnavailableError marks a counter-store transport failure. The caller
// decides between failing closed and admitting without quota accounting.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("counter store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// DetectionUnavailableError marks a failed call to the PII analyzer. The
// gateway never forwards unscanned text, so this always rejects the request.
type DetectionUnavailableError struct {
	Err error
}

func (e *DetectionUnavailableError) Error() string {
	return fmt.Sprintf("pii detection unavailable: %v", e.Err)
}

func (e *DetectionUnavailableError) Unwrap() error { return e.Err }

// UpstreamError describes a failed call to the completion API. StatusCode is
// set when the upstream answered with a non-2xx status, in which case Body
// holds the verbatim upstream payload for relaying. StatusCode zero means the
// call itself failed.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream request failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
