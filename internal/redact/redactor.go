package redact

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/PlainFunction/redactgate/internal/common/models"
	"github.com/PlainFunction/redactgate/internal/common/types"
)

// FallbackLanguage is used when the configured language is not in the
// supported set.
const FallbackLanguage = "en"

// entityLabels maps analyzer entity types to the labels shown inside token
// markers. Unknown entity types fall back to the type name itself.
var entityLabels = map[string]string{
	"PERSON":            "PERSON",
	"EMAIL_ADDRESS":     "EMAIL",
	"PHONE_NUMBER":      "PHONE",
	"CREDIT_CARD":       "CREDIT_CARD",
	"IBAN_CODE":         "IBAN",
	"IP_ADDRESS":        "IP_ADDRESS",
	"LOCATION":          "LOCATION",
	"DATE_TIME":         "DATE",
	"NRP":               "NRP",
	"MEDICAL_LICENSE":   "MEDICAL_LICENSE",
	"US_SSN":            "SSN",
	"US_PASSPORT":       "PASSPORT",
	"US_DRIVER_LICENSE": "DRIVER_LICENSE",
	"CRYPTO":            "CRYPTO",
	"UK_NHS":            "NHS",
}

// Redactor substitutes detected PII spans with token markers. The marker is
// both the visible placeholder sent upstream and the join key used to restore
// the original value, so redaction is reversible without side storage.
type Redactor struct {
	detector types.Detector
	language string
}

// NewRedactor creates a Redactor analyzing text in the given language,
// falling back to FallbackLanguage when it is not in the supported set.
func NewRedactor(detector types.Detector, language string, supported []string) *Redactor {
	lang := FallbackLanguage
	for _, s := range supported {
		if s == language {
			lang = language
			break
		}
	}
	return &Redactor{detector: detector, language: lang}
}

// Redact sanitizes every message in order. Mappings are returned ordered by
// message, then by span position within each message.
func (r *Redactor) Redact(ctx context.Context, messages []models.Message) ([]models.Message, []models.TokenMapping, error) {
	redacted := make([]models.Message, 0, len(messages))
	mappings := make([]models.TokenMapping, 0)

	for _, msg := range messages {
		content, msgMappings, err := r.RedactText(ctx, msg.Content)
		if err != nil {
			return nil, nil, err
		}
		redacted = append(redacted, models.Message{Role: msg.Role, Content: content})
		mappings = append(mappings, msgMappings...)
	}
	return redacted, mappings, nil
}

// RedactText sanitizes a single piece of text. Empty text and text with no
// findings pass through unchanged with no mappings.
func (r *Redactor) RedactText(ctx context.Context, text string) (string, []models.TokenMapping, error) {
	if text == "" {
		return text, nil, nil
	}

	spans, err := r.detector.Analyze(ctx, text, r.language)
	if err != nil {
		return "", nil, err
	}

	runes := []rune(text)
	spans = resolveOverlaps(clampSpans(spans, len(runes)))
	if len(spans) == 0 {
		return text, nil, nil
	}

	mappings := make([]models.TokenMapping, 0, len(spans))
	for _, s := range spans {
		mappings = append(mappings, models.TokenMapping{
			OriginalText: string(runes[s.Start:s.End]),
			TokenID:      newTokenID(s.EntityType),
			EntityType:   s.EntityType,
			Confidence:   s.Score,
		})
	}

	var b strings.Builder
	last := 0
	for i, s := range spans {
		b.WriteString(string(runes[last:s.Start]))
		b.WriteString(mappings[i].TokenID)
		last = s.End
	}
	b.WriteString(string(runes[last:]))

	return b.String(), mappings, nil
}

// newTokenID builds the replacement marker for a span. Markers must never
// collide within a request and must not occur as substrings of one another,
// which the fixed-width random suffix and closing bracket guarantee.
func newTokenID(entityType string) string {
	label, ok := entityLabels[entityType]
	if !ok {
		label = entityType
	}
	id := uuid.New()
	return "[" + label + "_" + strings.ToUpper(hex.EncodeToString(id[:4])) + "]"
}

// clampSpans drops findings with offsets outside the text.
func clampSpans(spans []types.Span, length int) []types.Span {
	valid := make([]types.Span, 0, len(spans))
	for _, s := range spans {
		if s.Start < 0 || s.End > length || s.Start >= s.End {
			continue
		}
		valid = append(valid, s)
	}
	return valid
}

// resolveOverlaps keeps the higher-confidence span wherever findings overlap
// and returns the survivors sorted by start offset.
func resolveOverlaps(spans []types.Span) []types.Span {
	if len(spans) < 2 {
		return spans
	}

	ranked := make([]types.Span, len(spans))
	copy(ranked, spans)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Start != ranked[j].Start {
			return ranked[i].Start < ranked[j].Start
		}
		return ranked[i].End > ranked[j].End
	})

	kept := make([]types.Span, 0, len(ranked))
	for _, cand := range ranked {
		overlaps := false
		for _, k := range kept {
			if cand.Start < k.End && k.Start < cand.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
