package generators

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

type falRequest struct {
	Prompt              string      `json:"prompt"`
	ImageSize           string      `json:"image_size"`
	NumInferenceSteps   int         `json:"num_inference_steps"`
	GuidanceScale       float64     `json:"guidance_scale"`
	NumImages           int         `json:"num_images"`
	EnableSafetyChecker bool        `json:"enable_safety_checker"`
	LoRAs               []pathScale `json:"loras"`
}

// ImageSizePreset maps dimensions onto the queue API's named sizes.
func ImageSizePreset(width, height int) string {
	switch {
	case width == 1024 && height == 1024:
		return "square_hd"
	case width > height:
		return "landscape_16_9"
	default:
		return "portrait_16_9"
	}
}

// FALClient submits to the queue API and polls status and response URLs.
type FALClient struct {
	cfg        config.EndpointConfig
	client     *http.Client
	pollClient *http.Client
	poller     Poller
	fetcher    *AssetFetcher
	logger     *slog.Logger
}

func NewFALClient(cfg config.EndpointConfig, polling config.PollingConfig, fetcher *AssetFetcher) *FALClient {
	return &FALClient{
		cfg:        cfg,
		client:     newHTTPClient(cfg.Timeout),
		pollClient: newHTTPClient(pollRequestTimeout),
		poller:     NewPoller(polling),
		fetcher:    fetcher,
		logger:     slog.Default().With("component", config.ProviderFAL),
	}
}

func (c *FALClient) Name() string {
	return config.ProviderFAL
}

func (c *FALClient) headers() map[string]string {
	return map[string]string{"Authorization": "Key " + c.cfg.APIKey}
}

func (c *FALClient) Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("FAL_API_KEY: %w", ErrNotConfigured)
	}

	req := falRequest{
		Prompt:              prompt,
		ImageSize:           ImageSizePreset(params.Width, params.Height),
		NumInferenceSteps:   params.Steps,
		GuidanceScale:       params.CFGScale,
		NumImages:           1,
		EnableSafetyChecker: false,
		LoRAs:               toPathScale(loras),
	}

	c.logger.Info("generation request",
		"prompt_hash", PromptHash(prompt),
		"words", len(strings.Fields(prompt)),
		"loras", len(loras),
		"image_size", req.ImageSize)

	resp, err := doJSON(ctx, c.client, http.MethodPost, c.cfg.Endpoint, c.headers(), req)
	if err != nil {
		return nil, fmt.Errorf("fal request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("api error", "status", resp.StatusCode, "body", resp.Snippet())
		return nil, fmt.Errorf("FAL API error: %d", resp.StatusCode)
	}

	result := gjson.ParseBytes(resp.Body)
	if hasImages(result) {
		return c.resolve(ctx, resp.Body, "immediate")
	}

	responseURL := result.Get("response_url").String()
	statusURL := result.Get("status_url").String()
	if responseURL == "" {
		keys := make([]string, 0)
		result.ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
		return nil, fmt.Errorf("FAL returned no images and no response_url: %v", keys)
	}

	c.logger.Info("job queued", "response_url", responseURL)
	payload, err := c.poller.Run(ctx, func(ctx context.Context, attempt int) (pollState, []byte, error) {
		return c.checkResult(ctx, statusURL, responseURL, attempt)
	})
	if err != nil {
		return nil, fmt.Errorf("fal: %w", err)
	}
	return c.resolve(ctx, payload, "polled")
}

// checkResult consults the status URL first, then the response URL where 202 means still running.
func (c *FALClient) checkResult(ctx context.Context, statusURL, responseURL string, attempt int) (pollState, []byte, error) {
	if statusURL != "" {
		resp, err := doJSON(ctx, c.pollClient, http.MethodGet, statusURL, c.headers(), nil)
		if err == nil && resp.StatusCode == http.StatusOK {
			switch status := gjson.GetBytes(resp.Body, "status").String(); status {
			case "IN_QUEUE", "IN_PROGRESS":
				if attempt%5 == 1 {
					c.logger.Info("still waiting", "status", status, "attempt", attempt)
				}
				return pollPending, nil, nil
			}
		}
	}

	resp, err := doJSON(ctx, c.pollClient, http.MethodGet, responseURL, c.headers(), nil)
	if err != nil {
		c.logger.Warn("poll request failed", "attempt", attempt, "error", err)
		return pollPending, nil, nil
	}
	if resp.StatusCode == http.StatusOK && hasImages(gjson.ParseBytes(resp.Body)) {
		return pollDone, resp.Body, nil
	}
	return pollPending, nil, nil
}

func (c *FALClient) resolve(ctx context.Context, payload []byte, how string) ([]byte, error) {
	image, err := c.fetcher.ResolvePayload(ctx, payload, "FAL")
	if err != nil {
		return nil, err
	}
	c.logger.Info("image resolved", "bytes", len(image), "path", how)
	return image, nil
}

// hasImages recognizes a finished payload: images at top level or under data.
func hasImages(r gjson.Result) bool {
	return r.Get("images").Exists() || (r.Get("data").IsObject() && r.Get("data.images").Exists())
}
