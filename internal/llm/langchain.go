package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// ErrInvalidConfig indicates an unusable client configuration.
var ErrInvalidConfig = errors.New("invalid llm configuration")

// Config holds connection settings for an OpenAI-compatible endpoint. Local
// servers (llama.cpp, vLLM, Ollama's OpenAI facade) work by pointing BaseURL
// at them; APIKey may then be a placeholder.
type Config struct {
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// NewDefaultConfig returns settings for a local OpenAI-compatible server.
func NewDefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8080/v1",
		Model:       "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   1024,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2], got %v", ErrInvalidConfig, c.Temperature)
	}
	return nil
}

// LangchainClient adapts a langchaingo model to the Client interface.
type LangchainClient struct {
	model  llms.Model
	cfg    Config
	logger *zap.Logger
}

var _ Client = (*LangchainClient)(nil)

// NewLangchainClient builds a client over an OpenAI-compatible endpoint.
func NewLangchainClient(cfg Config, logger *zap.Logger) (*LangchainClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []openai.Option{
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	return &LangchainClient{model: model, cfg: cfg, logger: logger}, nil
}

// NewLangchainClientWithModel wraps an already-constructed langchaingo model.
// Used by tests and by callers that build the model themselves.
func NewLangchainClientWithModel(model llms.Model, cfg Config, logger *zap.Logger) *LangchainClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LangchainClient{model: model, cfg: cfg, logger: logger}
}

// Generate performs a blocking completion.
func (c *LangchainClient) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := c.model.GenerateContent(ctx, messages(req), c.callOptions(req)...)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text, err := firstChoice(resp)
	if err != nil {
		return "", err
	}

	c.logger.Debug("model completion finished",
		zap.String("model", c.cfg.Model),
		zap.Int("response_length", len(text)),
	)
	return text, nil
}

// GenerateStream streams response fragments. The returned channel preserves
// arrival order and is closed after the final fragment or a terminal error.
func (c *LangchainClient) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk)

	go func() {
		defer close(out)

		streamFn := func(ctx context.Context, chunk []byte) error {
			select {
			case out <- Chunk{Text: string(chunk)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		opts := append(c.callOptions(req), llms.WithStreamingFunc(streamFn))
		if _, err := c.model.GenerateContent(ctx, messages(req), opts...); err != nil {
			select {
			case out <- Chunk{Err: fmt.Errorf("stream content: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

func (c *LangchainClient) callOptions(req Request) []llms.CallOption {
	temp := req.Temperature
	if temp == 0 {
		temp = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}

	opts := []llms.CallOption{llms.WithTemperature(temp)}
	if maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(maxTokens))
	}
	return opts
}

func messages(req Request) []llms.MessageContent {
	var msgs []llms.MessageContent
	if req.SystemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))
	return msgs
}

func firstChoice(resp *llms.ContentResponse) (string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", errors.New("model returned an empty response")
	}
	return text, nil
}
