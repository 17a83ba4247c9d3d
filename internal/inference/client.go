package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Songmu/retry"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/opslens/opslens-engine/internal/config"
	"github.com/opslens/opslens-engine/internal/metrics"
	"github.com/opslens/opslens-engine/internal/utils"
)

// ErrDisabled is returned when a model-backed operation runs without an
// inference client configured.
var ErrDisabled = errors.New("inference disabled: no API key configured")

// Client wraps an OpenAI-compatible inference gateway with per-call-class
// timeouts and retry. It serves three model families: text generation,
// vision analysis, and embeddings.
type Client struct {
	api    *openai.Client
	cfg    config.InferenceConfig
	logger *slog.Logger
}

// New builds an inference client. It returns (nil, nil) when no API key is
// configured so callers can degrade to metadata-only operation.
func New(cfg config.InferenceConfig, logger *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		logger.Warn("inference API key not set, model-backed jobs disabled")
		return nil, nil
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	c := openai.NewClient(options...)
	return &Client{api: &c, cfg: cfg, logger: logger}, nil
}

// Embed computes one vector per input text using the embedding model.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c == nil {
		return nil, ErrDisabled
	}
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout(c.cfg.EmbedTimeout))
	defer cancel()

	start := time.Now()
	var vectors [][]float32
	err := retry.WithContext(ctx, uint(c.cfg.MaxAttempts), c.cfg.RetryDelay, func() error {
		resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
			Model: c.cfg.EmbeddingModel,
		})
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(resp.Data), len(texts))
		}
		vectors = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			for j, v := range d.Embedding {
				vec[j] = float32(v)
			}
			vectors[i] = vec
		}
		return nil
	})
	metrics.ObserveProviderCall("embed", time.Since(start))
	if err != nil {
		return nil, c.classify("inference.Embed", err)
	}
	return vectors, nil
}

// Generate produces a completion from the text model.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout(c.cfg.GenerateTimeout))
	defer cancel()

	start := time.Now()
	var result string
	err := retry.WithContext(ctx, uint(c.cfg.MaxAttempts), c.cfg.RetryDelay, func() error {
		resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			Model:       c.cfg.TextModel,
			MaxTokens:   openai.Int(int64(maxTokens)),
			Temperature: openai.Float(temperature),
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty completion response")
		}
		result = resp.Choices[0].Message.Content
		return nil
	})
	metrics.ObserveProviderCall("generate", time.Since(start))
	if err != nil {
		return "", c.classify("inference.Generate", err)
	}
	return result, nil
}

// AnalyzeImage sends an image plus an instruction prompt to the vision model
// and returns its textual analysis.
func (c *Client) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if c == nil {
		return "", ErrDisabled
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	ctx, cancel := context.WithTimeout(ctx, c.timeout(c.cfg.VisionTimeout))
	defer cancel()

	start := time.Now()
	var result string
	err := retry.WithContext(ctx, uint(c.cfg.MaxAttempts), c.cfg.RetryDelay, func() error {
		resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
					openai.TextContentPart(prompt),
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL: dataURL,
					}),
				}),
			},
			Model:       c.cfg.VisionModel,
			MaxTokens:   openai.Int(1024),
			Temperature: openai.Float(0.2),
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty vision response")
		}
		result = resp.Choices[0].Message.Content
		return nil
	})
	metrics.ObserveProviderCall("vision", time.Since(start))
	if err != nil {
		return "", c.classify("inference.AnalyzeImage", err)
	}
	return result, nil
}

func (c *Client) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

// classify maps a post-retry failure to the pipeline's error taxonomy.
// Provider unavailability after exhausted in-call retries is still transient
// from the orchestrator's perspective; context cancellation is not.
func (c *Client) classify(op string, err error) error {
	c.logger.Error("inference call failed", "op", op, "error", err)
	wrapped := utils.NewAppError(op, "inference provider call failed", err)
	if errors.Is(err, context.Canceled) {
		return wrapped
	}
	return utils.MarkTransient(wrapped)
}
