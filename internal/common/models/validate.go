package models

import "fmt"

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

// Validate enforces required request fields before the gateway does any work.
// The returned message is safe to surface to the caller.
func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Messages == nil {
		return fmt.Errorf("messages is required")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return nil
}
