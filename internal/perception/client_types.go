package perception

import (
	"context"
	"iter"
	"time"

	"google.golang.org/genai"
)

// DefaultModel is the generative model used when none is configured.
const DefaultModel = "gemini-3-flash-preview"

// DefaultCaptionPrompt asks for the one-line gallery caption.
const DefaultCaptionPrompt = "Generate a short, cool, one-sentence aesthetic 'vibe-coded' caption for this image. Just the caption."

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	Model           string
	Timeout         time.Duration // applied when the caller's context has no deadline
	Temperature     float32       // zero leaves the model default
	MaxOutputTokens int32         // zero leaves the model default
	MinInterval     time.Duration // minimum spacing between requests; zero disables pacing
	CaptionPrompt   string
}

// generator is the slice of genai.Models the client uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}
