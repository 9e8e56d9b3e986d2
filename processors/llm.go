package processors

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"videorag/config"
	"videorag/core"
	"videorag/storage"
)

// Completer produces one chat completion.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// TextEmbedder embeds a batch of texts.
type TextEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAICompleter answers prompts with one chat model. Indexing and
// entity extraction run on the cheap processing model; query answering
// runs on the analysis model. Responses are cached by a hash of the
// request arguments, so re-running graph construction over unchanged
// chunks costs nothing.
type OpenAICompleter struct {
	client *openai.Client
	model  string
	cache  *storage.JSONKV[string]
}

func NewCompleter(cfg *config.Config, model string, cache *storage.JSONKV[string]) (*OpenAICompleter, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, fmt.Errorf("%w: openai_api_key is required for completions", ErrConfig)
	}
	cc := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		cc.BaseURL = cfg.OpenAIBaseURL
	}
	return &OpenAICompleter{
		client: openai.NewClientWithConfig(cc),
		model:  model,
		cache:  cache,
	}, nil
}

func (c *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	cacheKey := core.HashID("llm-", c.model+"\x00"+system+"\x00"+prompt)
	if c.cache != nil {
		if cached, ok := c.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	messages := []openai.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	var answer string
	err := withRetry(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    c.model,
			Messages: messages,
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		answer = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		if isCredentialError(err) {
			return "", fmt.Errorf("%w: completion model rejected the API key: %v", ErrConfig, err)
		}
		return "", fmt.Errorf("complete: %w", err)
	}

	if c.cache != nil {
		c.cache.Upsert(map[string]string{cacheKey: answer})
	}
	return answer, nil
}

// OpenAIEmbedder embeds text chunks and queries with the configured
// embedding model.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewTextEmbedder(cfg *config.Config) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, fmt.Errorf("%w: openai_api_key is required for embeddings", ErrConfig)
	}
	cc := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		cc.BaseURL = cfg.OpenAIBaseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cc),
		model:  cfg.EmbeddingModel,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var vectors [][]float32
	err := withRetry(ctx, func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(e.model),
			Input: texts,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("embedding returned %d vectors for %d inputs", len(resp.Data), len(texts))
		}
		vectors = make([][]float32, len(resp.Data))
		for _, d := range resp.Data {
			vectors[d.Index] = d.Embedding
		}
		return nil
	})
	if err != nil {
		if isCredentialError(err) {
			return nil, fmt.Errorf("%w: embedding model rejected the API key: %v", ErrConfig, err)
		}
		return nil, fmt.Errorf("embed texts: %w", err)
	}
	return vectors, nil
}
