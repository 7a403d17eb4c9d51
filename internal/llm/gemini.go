// File: internal/llm/gemini.go
// Description: Gemini-backed implementation of the TextGenerator contract,
// with rate limiting and retry/backoff around the raw API.
package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/arvyn-ai/arvyn/api/schemas"
	"github.com/arvyn-ai/arvyn/internal/config"
)

// GeminiClient implements schemas.TextGenerator on top of the Gemini API.
type GeminiClient struct {
	cfg     config.LLMConfig
	logger  *zap.Logger
	client  *genai.Client
	limiter *rate.Limiter
}

var _ schemas.TextGenerator = (*GeminiClient)(nil)

// NewGeminiClient creates a rate-limited Gemini client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is not configured (set GEMINI_API_KEY)")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	perSecond := cfg.RatePerMin / 60.0
	if perSecond <= 0 {
		perSecond = 0.5
	}

	logger = logger.Named("gemini")
	logger.Info("Gemini client initialized", zap.String("model", cfg.Model))

	return &GeminiClient{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}, nil
}

// Generate sends one prompt (optionally with an attached PNG screenshot) and
// returns the raw text response. Transient failures are retried with
// exponential backoff; quota errors get a longer cooldown.
func (g *GeminiClient) Generate(ctx context.Context, prompt string, imageB64 string) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if imageB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(imageB64)
		if err != nil {
			return "", fmt.Errorf("screenshot is not valid base64: %w", err)
		}
		parts = append(parts, genai.NewPartFromBytes(raw, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.cfg.Temperature),
		MaxOutputTokens: int32(g.cfg.MaxTokens),
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}

		apiCtx, cancel := context.WithTimeout(ctx, g.cfg.APITimeout)
		resp, err := g.client.Models.GenerateContent(apiCtx, g.cfg.Model, contents, genCfg)
		cancel()

		if err == nil {
			text := resp.Text()
			if text == "" {
				err = fmt.Errorf("incomplete response from gemini api")
			} else {
				return text, nil
			}
		}
		lastErr = err

		if isQuotaError(err) {
			cooldown := time.Duration(1<<attempt) * 12 * time.Second
			g.logger.Warn("Rate limit hit, cooling down.",
				zap.Duration("cooldown", cooldown), zap.Int("attempt", attempt+1))
			if !sleepCtx(ctx, cooldown) {
				return "", ctx.Err()
			}
			continue
		}

		g.logger.Warn("Gemini call failed, retrying.",
			zap.Int("attempt", attempt+1), zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("gemini api failed after %d attempts: %w", g.cfg.MaxRetries, lastErr)
}

// isQuotaError sniffs the error text for quota/rate-limit signatures.
func isQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted")
}

// sleepCtx sleeps for d or until ctx is done; reports whether the full sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
