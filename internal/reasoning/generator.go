// Package reasoning wraps the external reasoning service used to classify
// transactions that the in-process rule table cannot settle.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/movements-ledger/internal/domain"
	"google.golang.org/genai"
)

// DefaultModelName is the default Gemini model used for classification.
const DefaultModelName = "gemini-2.5-flash"

// Generator produces a JSON document that follows schema for the given prompt.
type Generator interface {
	GenerateStructured(ctx context.Context, prompt string, schema *genai.Schema) (json.RawMessage, error)
	ModelName() string
}

// GeminiGenerator is a Generator backed by the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// GeminiOption configures a GeminiGenerator.
type GeminiOption func(*geminiSettings)

type geminiSettings struct {
	model   string
	baseURL string
}

// WithModel selects the Gemini model.
func WithModel(model string) GeminiOption {
	return func(s *geminiSettings) {
		if model != "" {
			s.model = model
		}
	}
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(baseURL string) GeminiOption {
	return func(s *geminiSettings) {
		s.baseURL = baseURL
	}
}

// NewGeminiGenerator creates a generator authenticated with apiKey.
func NewGeminiGenerator(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("NewGeminiGenerator: %w: gemini api key", domain.ErrConfigMissing)
	}

	settings := geminiSettings{model: DefaultModelName}
	for _, opt := range opts {
		opt(&settings)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: settings.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiGenerator: create genai client: %w", err)
	}

	return &GeminiGenerator{client: client, model: settings.model}, nil
}

// ModelName returns the model the generator calls.
func (g *GeminiGenerator) ModelName() string {
	return g.model
}

// GenerateStructured asks the model for a JSON response constrained by schema.
// The returned document is only cleaned of Markdown fences; callers validate it.
func (g *GeminiGenerator) GenerateStructured(ctx context.Context, prompt string, schema *genai.Schema) (json.RawMessage, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
		Temperature:      genai.Ptr[float32](0),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return nil, fmt.Errorf("GenerateStructured: generate content: %w", err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("GenerateStructured: empty response from model")
	}

	clean := CleanModelJSON(rawText)
	if !json.Valid([]byte(clean)) {
		return nil, fmt.Errorf("GenerateStructured: invalid JSON in model response: %s", rawText)
	}

	return json.RawMessage(clean), nil
}

// CleanModelJSON strips Markdown fences and any text surrounding the outermost
// JSON object, in case the model ignored the response MIME type.
func CleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}
