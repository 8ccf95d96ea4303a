// Package perception talks to the generative-language API: streamed persona
// chat and one-shot image captions.
package perception

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"fanchat/internal/logging"
	"fanchat/internal/types"
	"fanchat/internal/usage"
)

// ErrNoAPIKey is returned when the client is built without credentials.
var ErrNoAPIKey = errors.New("API key not configured")

// GeminiClient implements types.ChatClient and types.Captioner.
type GeminiClient struct {
	models  generator
	config  GeminiConfig
	limiter *rate.Limiter
	usage   *usage.Tracker
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:        apiKey,
		Model:         DefaultModel,
		Timeout:       120 * time.Second,
		Temperature:   1.0,
		MinInterval:   100 * time.Millisecond,
		CaptionPrompt: DefaultCaptionPrompt,
	}
}

// NewGeminiClient creates a client backed by the Gemini developer API.
func NewGeminiClient(ctx context.Context, config GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newGeminiClient(client.Models, config), nil
}

func newGeminiClient(models generator, config GeminiConfig) *GeminiClient {
	config.Model = strings.TrimSpace(config.Model)
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if strings.TrimSpace(config.CaptionPrompt) == "" {
		config.CaptionPrompt = DefaultCaptionPrompt
	}
	limit := rate.Inf
	if config.MinInterval > 0 {
		limit = rate.Every(config.MinInterval)
	}
	return &GeminiClient{
		models:  models,
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// SetUsageTracker records token counts of completed requests to t. A tracker
// carried by the request context takes precedence.
func (c *GeminiClient) SetUsageTracker(t *usage.Tracker) {
	c.usage = t
}

// trackUsage records one completed request.
func (c *GeminiClient) trackUsage(ctx context.Context, operation string, meta *genai.GenerateContentResponseUsageMetadata) {
	tracker := usage.FromContext(ctx)
	if tracker == nil {
		tracker = c.usage
	}
	if tracker == nil || meta == nil {
		return
	}
	tracker.Track(usage.UsageEvent{
		Model:        c.config.Model,
		Operation:    operation,
		SessionID:    usage.SessionFrom(ctx),
		InputTokens:  int(meta.PromptTokenCount),
		OutputTokens: int(meta.CandidatesTokenCount),
	})
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.config.Model
}

// CreateSession starts a conversation under the given persona instruction.
// No request is made until the first send.
func (c *GeminiClient) CreateSession(ctx context.Context, instruction string) (types.ChatSession, error) {
	logging.APIDebug("[Gemini] session created model=%s", c.config.Model)
	return &GeminiSession{client: c, instruction: instruction}, nil
}

// generateConfig builds the per-request generation settings.
func (c *GeminiClient) generateConfig(instruction string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: c.config.MaxOutputTokens,
	}
	if c.config.Temperature > 0 {
		cfg.Temperature = genai.Ptr(c.config.Temperature)
	}
	if strings.TrimSpace(instruction) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(instruction, genai.RoleUser)
	}
	return cfg
}

// withTimeout applies the configured timeout if ctx has no deadline.
func (c *GeminiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || c.config.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}

// GeminiSession is one multi-turn conversation. Completed exchanges are kept
// as history and resent with every request.
type GeminiSession struct {
	client      *GeminiClient
	instruction string

	mu      sync.Mutex
	history []*genai.Content
}

// SendStreaming sends text and yields reply fragments as they arrive. The
// exchange is added to the history only when the stream completes; an
// abandoned or failed stream leaves the history as it was.
func (s *GeminiSession) SendStreaming(ctx context.Context, text string) iter.Seq2[types.Chunk, error] {
	return func(yield func(types.Chunk, error) bool) {
		s.mu.Lock()
		defer s.mu.Unlock()

		c := s.client
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		if err := c.limiter.Wait(ctx); err != nil {
			yield(types.Chunk{}, contextOr(ctx, err))
			return
		}

		contents := append(slices.Clone(s.history), genai.NewContentFromText(text, genai.RoleUser))
		start := time.Now()
		logging.APIDebug("[Gemini] stream start model=%s turns=%d", c.config.Model, len(contents))

		var reply strings.Builder
		var meta *genai.GenerateContentResponseUsageMetadata
		chunks := 0
		for resp, err := range c.models.GenerateContentStream(ctx, c.config.Model, contents, c.generateConfig(s.instruction)) {
			if err != nil {
				err = contextOr(ctx, err)
				logging.APIError("[Gemini] stream error after %v: %v", time.Since(start), err)
				yield(types.Chunk{}, err)
				return
			}
			if resp != nil && resp.UsageMetadata != nil {
				meta = resp.UsageMetadata
			}
			delta := responseText(resp)
			reply.WriteString(delta)
			chunks++
			if !yield(types.Chunk{Text: delta}, nil) {
				logging.APIDebug("[Gemini] stream abandoned after %d chunks", chunks)
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(types.Chunk{}, err)
			return
		}

		s.history = append(contents, genai.NewContentFromText(reply.String(), genai.RoleModel))
		c.trackUsage(ctx, "chat", meta)
		logging.API("[Gemini] stream completed in %v chunks=%d chars=%d", time.Since(start), chunks, reply.Len())
	}
}

// History returns a copy of the completed turns.
func (s *GeminiSession) History() []*genai.Content {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// responseText concatenates the visible text of the first candidate, skipping
// thought parts.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand == nil || cand.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// contextOr prefers the context's own error so callers can match
// context.Canceled and context.DeadlineExceeded.
func contextOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
