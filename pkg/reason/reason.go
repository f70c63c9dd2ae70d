// Package reason provides the LLM reasoning client used by the analyst
// workers, backed by the Gemini API with a strict JSON response schema.
package reason

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// EvidenceChunk is one retrieved chunk given to the model as context.
type EvidenceChunk struct {
	ID     string
	Ticker string
	Source string
	Text   string
}

// Request is a single analysis request for a detected risk event.
type Request struct {
	Ticker      string
	Headline    string
	Salience    float64
	Terms       []string
	Evidence    []EvidenceChunk
	PriorEvents []string
	// Strict tightens the output instructions. Used on the retry after a
	// first response failed validation.
	Strict bool
}

// Assessment is the model's structured verdict. Citations must reference
// evidence chunk ids; the caller validates them against the index.
type Assessment struct {
	RiskLevel      string   `json:"risk_level"`
	Recommendation string   `json:"recommendation"`
	Confidence     float64  `json:"confidence"`
	Reasoning      []string `json:"reasoning"`
	CounterThesis  string   `json:"counter_thesis"`
	Citations      []string `json:"citations"`
}

const systemInstruction = `You are a portfolio risk analyst. You receive a detected risk event for a
watched ticker together with evidence excerpts from filings and news, each
tagged with a chunk id. Assess the materiality of the risk to a holder of the
stock.

Rules:
- Base every claim on the provided evidence. Do not invent facts.
- "citations" must list only chunk ids that appear in the evidence and that
  support your reasoning.
- "confidence" reflects how well the evidence supports the assessment, 0 to 1.
- "counter_thesis" is the strongest argument against your own assessment.
- Recommendation is the action for an existing holder, not a trade idea.`

const strictAddendum = `
Your previous answer failed validation. Respond again and follow the schema
exactly: risk_level is one of LOW, MEDIUM, HIGH; recommendation is one of
BUY, HOLD, SELL; confidence is a number between 0 and 1; citations contains
only chunk ids copied verbatim from the evidence.`

// Gemini calls the Gemini API for risk assessments.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini reasoner.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("reason: gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("reason: create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Assess runs one structured risk assessment.
func (g *Gemini) Assess(ctx context.Context, req Request) (Assessment, error) {
	instruction := systemInstruction
	if req.Strict {
		instruction += strictAddendum
	}

	contents := []*genai.Content{
		{Role: "system", Parts: []*genai.Part{{Text: instruction}}},
		{Role: "user", Parts: []*genai.Part{{Text: BuildPrompt(req)}}},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema(),
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("reason: gemini call: %w", err)
	}

	var a Assessment
	if err := json.Unmarshal([]byte(resp.Text()), &a); err != nil {
		return Assessment{}, fmt.Errorf("reason: decode response: %w", err)
	}
	return a, nil
}

// BuildPrompt renders the analysis request as model input. Exported for the
// prompt tests.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticker: %s\n", req.Ticker)
	fmt.Fprintf(&b, "Detected event: %s\n", req.Headline)
	fmt.Fprintf(&b, "Salience score: %.2f\n", req.Salience)
	if len(req.Terms) > 0 {
		fmt.Fprintf(&b, "Matched risk terms: %s\n", strings.Join(req.Terms, ", "))
	}
	if len(req.PriorEvents) > 0 {
		b.WriteString("\nPrior events for this ticker:\n")
		for _, p := range req.PriorEvents {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\nEvidence:\n")
	for _, c := range req.Evidence {
		fmt.Fprintf(&b, "[chunk %s | %s]\n%s\n\n", c.ID, c.Source, c.Text)
	}
	return b.String()
}

func responseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"risk_level": {
				Type: genai.TypeString,
				Enum: []string{"LOW", "MEDIUM", "HIGH"},
			},
			"recommendation": {
				Type: genai.TypeString,
				Enum: []string{"BUY", "HOLD", "SELL"},
			},
			"confidence": {
				Type:        genai.TypeNumber,
				Description: "How well the evidence supports the assessment, 0 to 1.",
			},
			"reasoning": {
				Type:        genai.TypeArray,
				Items:       &genai.Schema{Type: genai.TypeString},
				Description: "Concise reasoning steps grounded in the cited evidence.",
			},
			"counter_thesis": {
				Type:        genai.TypeString,
				Description: "The strongest argument against the assessment.",
			},
			"citations": {
				Type:        genai.TypeArray,
				Items:       &genai.Schema{Type: genai.TypeString},
				Description: "Chunk ids from the evidence supporting the reasoning.",
			},
		},
		Required: []string{"risk_level", "recommendation", "confidence", "reasoning", "citations"},
	}
}
