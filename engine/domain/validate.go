package domain

import (
	"fmt"
	"unicode/utf8"
)

// ValidateDocument checks a Document before it enters the ingest pipeline.
// Empty or non-decodable content is a malformed document: the caller skips
// the document and continues the batch.
func ValidateDocument(doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("validate: %w: id is empty", ErrMalformedDocument)
	}
	if doc.Source == "" {
		return fmt.Errorf("validate: %w: source is empty", ErrMalformedDocument)
	}
	if doc.Content == "" {
		return NewDocumentError(doc.ID, fmt.Errorf("%w: content is empty", ErrMalformedDocument))
	}
	if !utf8.ValidString(doc.Content) {
		return NewDocumentError(doc.ID, fmt.Errorf("%w: content is not valid UTF-8", ErrMalformedDocument))
	}
	return nil
}

// ValidateAlert checks the structural invariants of an analyst alert before
// it is accepted into the feed.
func ValidateAlert(a Alert, chunkExists func(id string) bool) error {
	if a.EventID == "" {
		return fmt.Errorf("validate alert: event_id is empty")
	}
	if !a.RiskLevel.Valid() {
		return fmt.Errorf("validate alert: unknown risk level %q", a.RiskLevel)
	}
	if !a.Recommendation.Valid() {
		return fmt.Errorf("validate alert: unknown recommendation %q", a.Recommendation)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("validate alert: confidence %v out of range", a.Confidence)
	}
	if len(a.Citations) == 0 {
		return fmt.Errorf("validate alert: no citations")
	}
	if chunkExists != nil {
		for _, id := range a.Citations {
			if !chunkExists(id) {
				return fmt.Errorf("validate alert: citation %s references unknown chunk", id)
			}
		}
	}
	return nil
}
