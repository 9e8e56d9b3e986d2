package processors

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videorag/config"
)

// Transcriber converts one segment's audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// OpenAITranscriber calls the hosted Whisper transcription endpoint.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

func NewTranscriber(cfg *config.Config) (*OpenAITranscriber, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, fmt.Errorf("%w: openai_api_key is required for speech recognition", ErrConfig)
	}
	cc := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		cc.BaseURL = cfg.OpenAIBaseURL
	}
	return &OpenAITranscriber{
		client: openai.NewClientWithConfig(cc),
		model:  cfg.ASRModel,
	}, nil
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	var text string
	err := withRetry(ctx, func() error {
		resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
			Model:    t.model,
			FilePath: audioPath,
		})
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	if err != nil {
		if isCredentialError(err) {
			return "", fmt.Errorf("%w: speech recognition rejected the API key: %v", ErrConfig, err)
		}
		return "", fmt.Errorf("transcribe %s: %w", audioPath, err)
	}
	return strings.TrimSpace(text), nil
}
