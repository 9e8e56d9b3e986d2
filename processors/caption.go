package processors

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"

	"videorag/config"
)

// Captioner describes one segment's sampled frames given its transcript.
type Captioner interface {
	Caption(ctx context.Context, framePaths []string, transcript string) (string, error)
}

// DashScopeCaptioner calls a vision model through DashScope's
// OpenAI-compatible endpoint. It carries its own admission limiter
// because the vision endpoint tolerates less concurrency than ASR.
type DashScopeCaptioner struct {
	client *openai.Client
	model  string
	sem    *semaphore.Weighted
}

func NewCaptioner(cfg *config.Config) (*DashScopeCaptioner, error) {
	if strings.TrimSpace(cfg.DashScopeAPIKey) == "" {
		return nil, fmt.Errorf("%w: ali_dashscope_api_key is required for captioning", ErrConfig)
	}
	cc := openai.DefaultConfig(cfg.DashScopeAPIKey)
	if cfg.DashScopeBaseURL != "" {
		cc.BaseURL = cfg.DashScopeBaseURL
	}
	limit := cfg.CaptionMaxConcurrent
	if limit <= 0 {
		limit = 3
	}
	return &DashScopeCaptioner{
		client: openai.NewClientWithConfig(cc),
		model:  cfg.CaptionModel,
		sem:    semaphore.NewWeighted(int64(limit)),
	}, nil
}

func (c *DashScopeCaptioner) Caption(ctx context.Context, framePaths []string, transcript string) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	parts := make([]openai.ChatMessagePart, 0, len(framePaths)+1)
	for _, p := range framePaths {
		url, err := frameDataURL(p)
		if err != nil {
			return "", err
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	prompt := fmt.Sprintf("The transcript of the current video:\n%s.\nNow provide a description (caption) of the video in English.", transcript)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: prompt,
	})

	var caption string
	err := withRetry(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, MultiContent: parts},
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("caption model returned no choices")
		}
		caption = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		if isCredentialError(err) {
			return "", fmt.Errorf("%w: caption model rejected the API key: %v", ErrConfig, err)
		}
		return "", fmt.Errorf("caption frames: %w", err)
	}
	return cleanCaption(caption), nil
}

func frameDataURL(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read frame %s: %w", path, err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw), nil
}

func cleanCaption(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "<|endoftext|>", "")
	return strings.TrimSpace(s)
}
