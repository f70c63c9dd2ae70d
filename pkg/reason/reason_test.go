package reason

import (
	"strings"
	"testing"
)

func TestBuildPrompt_IncludesEvidenceIDs(t *testing.T) {
	prompt := BuildPrompt(Request{
		Ticker:   "NVDA",
		Headline: "NVIDIA named in class action lawsuit",
		Salience: 0.62,
		Terms:    []string{"class action", "lawsuit"},
		Evidence: []EvidenceChunk{
			{ID: "chunk-1", Source: "sec_filing", Text: "The company was served..."},
			{ID: "chunk-2", Source: "news", Text: "Shares fell after..."},
		},
		PriorEvents: []string{"Earnings miss reported 2026-01-15"},
	})

	for _, want := range []string{"NVDA", "chunk-1", "chunk-2", "class action, lawsuit", "0.62", "Earnings miss"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildPrompt_NoOptionalSections(t *testing.T) {
	prompt := BuildPrompt(Request{Ticker: "TSLA", Headline: "Recall notice", Salience: 0.45})
	if strings.Contains(prompt, "Prior events") {
		t.Error("empty prior events rendered a section")
	}
	if strings.Contains(prompt, "Matched risk terms") {
		t.Error("empty terms rendered a section")
	}
}

func TestResponseSchema_RequiredFields(t *testing.T) {
	s := responseSchema()
	required := map[string]bool{}
	for _, r := range s.Required {
		required[r] = true
	}
	for _, want := range []string{"risk_level", "recommendation", "confidence", "citations"} {
		if !required[want] {
			t.Errorf("schema does not require %q", want)
		}
	}
	if _, ok := s.Properties["counter_thesis"]; !ok {
		t.Error("schema missing counter_thesis")
	}
}

func TestNewGemini_RequiresAPIKey(t *testing.T) {
	if _, err := NewGemini(t.Context(), "", "gemini-2.0-flash"); err == nil {
		t.Fatal("empty API key accepted")
	}
}
