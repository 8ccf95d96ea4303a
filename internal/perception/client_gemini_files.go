package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"fanchat/internal/logging"
)

// ErrEmptyCaption is returned when the model answers with no visible text.
var ErrEmptyCaption = errors.New("no caption returned")

// Caption asks the model for a one-sentence caption of an inline file.
// It implements the types.Captioner interface.
func (c *GeminiClient) Caption(ctx context.Context, mimeType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("caption: empty file")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return "", contextOr(ctx, err)
	}

	logging.APIDebug("[Gemini] Caption: mime=%s size=%d", mimeType, len(data))
	start := time.Now()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(c.config.CaptionPrompt),
		}, genai.RoleUser),
	}
	resp, err := c.models.GenerateContent(ctx, c.config.Model, contents, c.generateConfig(""))
	if err != nil {
		logging.APIError("[Gemini] Caption failed after %v: %v", time.Since(start), err)
		return "", fmt.Errorf("caption request failed: %w", contextOr(ctx, err))
	}

	if resp != nil {
		c.trackUsage(ctx, "caption", resp.UsageMetadata)
	}

	caption := strings.TrimSpace(responseText(resp))
	if caption == "" {
		return "", ErrEmptyCaption
	}
	logging.API("[Gemini] Caption: completed in %v", time.Since(start))
	return caption, nil
}
