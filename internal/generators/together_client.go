package generators

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

// TogetherClient generates through the OpenAI-compatible images API. The SDK call
// blocks, so it runs on the worker pool.
type TogetherClient struct {
	cfg     config.TogetherConfig
	sdk     openai.Client
	pool    *WorkerPool
	fetcher *AssetFetcher
	logger  *slog.Logger
}

func NewTogetherClient(cfg config.TogetherConfig, pool *WorkerPool, fetcher *AssetFetcher) *TogetherClient {
	baseURL := cfg.BaseURL
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	sdk := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(newHTTPClient(cfg.Timeout)),
		option.WithMaxRetries(0),
	)
	return &TogetherClient{
		cfg:     cfg,
		sdk:     sdk,
		pool:    pool,
		fetcher: fetcher,
		logger:  slog.Default().With("component", config.ProviderTogether),
	}
}

func (c *TogetherClient) Name() string {
	return config.ProviderTogether
}

func (c *TogetherClient) Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("TOGETHER_API_KEY: %w", ErrNotConfigured)
	}

	fullPrompt := prompt
	if negativePrompt != "" {
		fullPrompt = prompt + ". " + negativePrompt
	}

	body := openai.ImageGenerateParams{
		Prompt: fullPrompt,
		Model:  openai.ImageModel(c.cfg.Model),
		N:      openai.Int(1),
	}
	extras := []option.RequestOption{
		option.WithJSONSet("width", params.Width),
		option.WithJSONSet("height", params.Height),
		option.WithJSONSet("steps", params.Steps),
		option.WithJSONSet("disable_safety_checker", true),
	}
	if len(loras) > 0 {
		extras = append(extras, option.WithJSONSet("image_loras", toPathScale(loras)))
	}

	c.logger.Info("generation request",
		"prompt_hash", PromptHash(prompt),
		"words", len(strings.Fields(prompt)),
		"loras", len(loras))

	return runBlocking(ctx, c.pool, "together-"+uuid.NewString(), func(ctx context.Context) ([]byte, error) {
		resp, err := c.sdk.Images.Generate(ctx, body, extras...)
		if err != nil {
			return nil, fmt.Errorf("together images API failed: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("together returned no image data")
		}

		// both fields are always present; only one carries a value
		first := resp.Data[0]
		switch {
		case first.URL != "":
			c.logger.Info("downloading image", "url", first.URL)
			return c.fetcher.Download(ctx, first.URL)
		case first.B64JSON != "":
			data, ok := DecodeBase64Image(first.B64JSON)
			if !ok {
				return nil, fmt.Errorf("together returned undecodable base64 image")
			}
			c.logger.Info("received base64 image", "bytes", len(data))
			return data, nil
		}
		return nil, fmt.Errorf("together returned no image URL")
	})
}
