package oracle

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/chartflow/chartflow/internal/domain/consolidation"
)

// Gemini is the Gemini-backed implementation of the extraction oracle.
type Gemini struct {
	client *genai.Client
	model  string
}

type GeminiOption func(*Gemini)

// WithModel overrides the generative model.
func WithModel(model string) GeminiOption {
	return func(g *Gemini) { g.model = model }
}

// NewGemini creates the Gemini extraction client.
func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	g := &Gemini{
		client: client,
		model:  "gemini-2.5-flash",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Extract sends the source text plus existing-record context to the model
// and parses the proposed-change array out of its reply. Transport failures
// wrap ErrUnavailable; unparseable replies wrap ErrMalformedOutput.
func (g *Gemini) Extract(ctx context.Context, in consolidation.ExtractionInput) ([]consolidation.ProposedChange, error) {
	prompt, err := buildPrompt(in)
	if err != nil {
		return nil, err
	}

	temperature := float32(0.0)
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return ParseChanges(responseText(resp))
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			out += part.Text
		}
	}
	return out
}
