package generators

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

// aspectRatios are the ratios the single-LoRA endpoint accepts.
var aspectRatios = []struct {
	value float64
	label string
}{
	{1.0, "1:1"},
	{16.0 / 9, "16:9"},
	{9.0 / 16, "9:16"},
	{4.0 / 3, "4:3"},
	{3.0 / 4, "3:4"},
	{3.0 / 2, "3:2"},
	{2.0 / 3, "2:3"},
}

// AspectRatio maps dimensions to the closest supported ratio label.
func AspectRatio(width, height int) string {
	if width <= 0 || height <= 0 {
		return "1:1"
	}
	ratio := float64(width) / float64(height)
	best := aspectRatios[0]
	for _, option := range aspectRatios[1:] {
		if math.Abs(option.value-ratio) < math.Abs(best.value-ratio) {
			best = option
		}
	}
	return best.label
}

// PixelDojoClient sends at most one LoRA.
type PixelDojoClient struct {
	cfg     config.EndpointConfig
	client  *http.Client
	fetcher *AssetFetcher
	logger  *slog.Logger
}

func NewPixelDojoClient(cfg config.EndpointConfig, fetcher *AssetFetcher) *PixelDojoClient {
	return &PixelDojoClient{
		cfg:     cfg,
		client:  newHTTPClient(cfg.Timeout),
		fetcher: fetcher,
		logger:  slog.Default().With("component", config.ProviderPixelDojo),
	}
}

func (c *PixelDojoClient) Name() string {
	return config.ProviderPixelDojo
}

func (c *PixelDojoClient) Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("PIXELDOJO_API_KEY: %w", ErrNotConfigured)
	}

	payload, err := c.buildPayload(prompt, loras, params)
	if err != nil {
		return nil, err
	}

	c.logger.Info("generation request",
		"prompt_hash", PromptHash(prompt),
		"words", len(strings.Fields(prompt)),
		"loras", len(loras),
		"aspect_ratio", AspectRatio(params.Width, params.Height))

	resp, err := doJSON(ctx, c.client, http.MethodPost, c.cfg.Endpoint, bearer(c.cfg.APIKey), payload)
	if err != nil {
		return nil, fmt.Errorf("pixel dojo request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := ""
		if msg := gjson.GetBytes(resp.Body, "error.message"); msg.Exists() {
			detail = ": " + msg.String()
		} else if !gjson.ValidBytes(resp.Body) {
			detail = ": " + truncateText(string(resp.Body), 200)
		}
		c.logger.Error("api error", "status", resp.StatusCode, "detail", detail)
		return nil, fmt.Errorf("pixel dojo API error: %d%s", resp.StatusCode, detail)
	}

	image, err := c.fetcher.ResolvePayload(ctx, resp.Body, "Pixel Dojo")
	if err != nil {
		return nil, err
	}
	c.logger.Info("image resolved", "bytes", len(image))
	return image, nil
}

type jsonField struct {
	path  string
	value interface{}
}

// buildPayload writes optional fields only when they apply.
func (c *PixelDojoClient) buildPayload(prompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	fields := []jsonField{
		{"prompt", prompt},
		{"model", "flux-dev-single-lora"},
		{"aspect_ratio", AspectRatio(params.Width, params.Height)},
		{"num_outputs", 1},
		{"output_format", "png"},
		{"output_quality", 100},
	}
	if params.Seed > 0 {
		fields = append(fields, jsonField{"seed", params.Seed})
	}
	if len(loras) > 0 {
		fields = append(fields,
			jsonField{"lora_weights", loras[0].URL},
			jsonField{"lora_scale", loras[0].Weight})
	}

	payload := []byte(`{}`)
	var err error
	for _, f := range fields {
		payload, err = sjson.SetBytes(payload, f.path, f.value)
		if err != nil {
			return nil, fmt.Errorf("failed to build payload: %w", err)
		}
	}
	return payload, nil
}
