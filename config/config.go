package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config carries everything a worker process needs to run a pipeline.
// The orchestrator serializes it into the worker's environment so that a
// spawned process sees exactly the configuration that was active when it
// was started (see core.ConfigEnvVar).
type Config struct {
	OpenAIAPIKey  string `json:"openai_api_key"`
	OpenAIBaseURL string `json:"openai_base_url"`

	DashScopeAPIKey  string `json:"ali_dashscope_api_key"`
	DashScopeBaseURL string `json:"ali_dashscope_base_url"`

	AnalysisModel   string `json:"analysis_model"`
	ProcessingModel string `json:"processing_model"`
	CaptionModel    string `json:"caption_model"`
	ASRModel        string `json:"asr_model"`
	EmbeddingModel  string `json:"embedding_model"`
	EmbeddingDim    int    `json:"embedding_dim"`

	ImageBindModelPath string `json:"image_bind_model_path"`
	BaseStoragePath    string `json:"base_storage_path"`

	SegmentLength   int `json:"video_segment_length"`
	RoughFrames     int `json:"rough_num_frames_per_segment"`
	FineFrames      int `json:"fine_num_frames_per_segment"`
	AudioSampleRate int `json:"audio_sample_rate"`

	ASRMaxConcurrent     int `json:"asr_max_concurrent"`
	CaptionMaxConcurrent int `json:"caption_max_concurrent"`
	VideoEmbeddingBatch  int `json:"video_embedding_batch_num"`
	VideoEmbeddingDim    int `json:"video_embedding_dim"`

	ChunkTokenSize int `json:"chunk_token_size"`
	TopKChunks     int `json:"retrieval_topk_chunks"`
	TopKSegments   int `json:"segment_retrieval_top_k"`
}

func defaults() *Config {
	return &Config{
		OpenAIBaseURL:        "https://api.openai.com/v1",
		DashScopeBaseURL:     "https://dashscope.aliyuncs.com/compatible-mode/v1",
		AnalysisModel:        "gpt-4o-mini",
		ProcessingModel:      "gpt-4o-mini",
		CaptionModel:         "qwen-vl-plus-latest",
		ASRModel:             "whisper-1",
		EmbeddingModel:       "text-embedding-3-small",
		EmbeddingDim:         1536,
		BaseStoragePath:      filepath.Join(".", "data"),
		SegmentLength:        30,
		RoughFrames:          5,
		FineFrames:           15,
		AudioSampleRate:      16000,
		ASRMaxConcurrent:     5,
		CaptionMaxConcurrent: 3,
		VideoEmbeddingBatch:  2,
		VideoEmbeddingDim:    1024,
		ChunkTokenSize:       1200,
		TopKChunks:           2,
		TopKSegments:         4,
	}
}

// LoadConfig reads config.json if present and applies environment
// variable overrides on top of the defaults.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if data, err := os.ReadFile("config.json"); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.json: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// FromJSON builds a Config from a serialized document, with environment
// overrides applied the same way LoadConfig applies them. Worker
// processes receive their configuration this way.
func FromJSON(data []byte) (*Config, error) {
	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func (c *Config) ToJSON() []byte {
	data, _ := json.Marshal(c)
	return data
}

// Merge overlays the non-empty fields of a JSON document onto c. The
// /api/initialize endpoint uses this so a partial configuration from the
// UI does not wipe defaults.
func (c *Config) Merge(data []byte) error {
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("merge config: %w", err)
	}
	return nil
}

func applyEnv(c *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("OPENAI_API_KEY", &c.OpenAIAPIKey)
	setStr("OPENAI_BASE_URL", &c.OpenAIBaseURL)
	setStr("DASHSCOPE_API_KEY", &c.DashScopeAPIKey)
	setStr("DASHSCOPE_BASE_URL", &c.DashScopeBaseURL)
	setStr("ANALYSIS_MODEL", &c.AnalysisModel)
	setStr("PROCESSING_MODEL", &c.ProcessingModel)
	setStr("CAPTION_MODEL", &c.CaptionModel)
	setStr("ASR_MODEL", &c.ASRModel)
	setStr("EMBEDDING_MODEL", &c.EmbeddingModel)
	setStr("IMAGEBIND_MODEL_PATH", &c.ImageBindModelPath)
	setStr("BASE_STORAGE_PATH", &c.BaseStoragePath)
	setInt("ASR_MAX_CONCURRENT", &c.ASRMaxConcurrent)
	setInt("CAPTION_MAX_CONCURRENT", &c.CaptionMaxConcurrent)
}

// Validate checks the credentials the pipelines cannot run without.
// A failure here is a configuration error: fatal, never retried.
func (c *Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		missing = append(missing, "openai_api_key")
	}
	if strings.TrimSpace(c.DashScopeAPIKey) == "" {
		missing = append(missing, "ali_dashscope_api_key")
	}
	if strings.TrimSpace(c.BaseStoragePath) == "" {
		missing = append(missing, "base_storage_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("configuration validation failed: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) HasValidAPI() bool {
	return strings.TrimSpace(c.OpenAIAPIKey) != "" && strings.TrimSpace(c.OpenAIBaseURL) != ""
}

// SessionDir returns the working directory for a chat session.
func (c *Config) SessionDir(chatID string) string {
	return filepath.Join(c.BaseStoragePath, "chat-"+chatID)
}

// CacheDir returns the scratch directory for one video inside a session.
// It must not outlive a successful feature-encoding stage; a forcefully
// killed worker may leave it behind and callers tolerate that.
func (c *Config) CacheDir(chatID, videoName string) string {
	return filepath.Join(c.SessionDir(chatID), "_cache", videoName)
}
