package redact

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PlainFunction/redactgate/internal/common/models"
)

// Reidentifier restores original PII values into text that echoes token
// markers back. It is stateless; everything it needs rides in the mappings.
type Reidentifier struct{}

func NewReidentifier() *Reidentifier {
	return &Reidentifier{}
}

// ReidentifyText replaces every occurrence of each mapping's marker with its
// original value. Markers the text never echoes are simply unused.
func (r *Reidentifier) ReidentifyText(text string, mappings []models.TokenMapping) string {
	if text == "" || len(mappings) == 0 {
		return text
	}
	byToken := make(map[string]string, len(mappings))
	for _, m := range mappings {
		byToken[m.TokenID] = m.OriginalText
	}
	for token, original := range byToken {
		text = strings.ReplaceAll(text, token, original)
	}
	return text
}

// ReidentifyMessages restores markers across a message list, preserving roles
// and order.
func (r *Reidentifier) ReidentifyMessages(messages []models.Message, mappings []models.TokenMapping) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, models.Message{Role: m.Role, Content: r.ReidentifyText(m.Content, mappings)})
	}
	return out
}

// ReidentifyResponse rewrites choices[].message.content in a completion
// response body. The body is handled as raw JSON so fields this gateway does
// not model survive the round trip untouched.
func (r *Reidentifier) ReidentifyResponse(body []byte, mappings []models.TokenMapping) ([]byte, error) {
	if len(mappings) == 0 {
		return body, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}

	choices, ok := payload["choices"].([]interface{})
	if !ok {
		return body, nil
	}
	for _, c := range choices {
		choice, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := message["content"].(string)
		if !ok {
			continue
		}
		message["content"] = r.ReidentifyText(content, mappings)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode completion response: %w", err)
	}
	return out, nil
}
