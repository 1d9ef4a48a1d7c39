package generators

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

const pollRequestTimeout = 30 * time.Second

// Queue statuses that mean the job is still running.
var wavespeedPendingStatuses = []string{"processing", "created", "pending", "in_queue"}

// pathScale is the LoRA shape shared by the queue-based providers.
type pathScale struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

func toPathScale(loras []models.LoRASpec) []pathScale {
	return lo.Map(loras, func(l models.LoRASpec, _ int) pathScale {
		return pathScale{Path: l.URL, Scale: l.Weight}
	})
}

type wavespeedRequest struct {
	Prompt            string      `json:"prompt"`
	LoRAs             []pathScale `json:"loras"`
	NumInferenceSteps int         `json:"num_inference_steps"`
	GuidanceScale     float64     `json:"guidance_scale"`
	Width             int         `json:"width"`
	Height            int         `json:"height"`
	Seed              int64       `json:"seed"`
}

// WavespeedClient answers synchronously or hands back a result URL to poll.
type WavespeedClient struct {
	cfg        config.EndpointConfig
	client     *http.Client
	pollClient *http.Client
	poller     Poller
	fetcher    *AssetFetcher
	logger     *slog.Logger
}

func NewWavespeedClient(cfg config.EndpointConfig, polling config.PollingConfig, fetcher *AssetFetcher) *WavespeedClient {
	return &WavespeedClient{
		cfg:        cfg,
		client:     newHTTPClient(cfg.Timeout),
		pollClient: newHTTPClient(pollRequestTimeout),
		poller:     NewPoller(polling),
		fetcher:    fetcher,
		logger:     slog.Default().With("component", config.ProviderWavespeed),
	}
}

func (c *WavespeedClient) Name() string {
	return config.ProviderWavespeed
}

func (c *WavespeedClient) Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("WAVESPEED_API_KEY: %w", ErrNotConfigured)
	}

	fullPrompt := prompt
	if negativePrompt != "" {
		fullPrompt = prompt + ". Negative: " + negativePrompt
	}
	req := wavespeedRequest{
		Prompt:            fullPrompt,
		LoRAs:             toPathScale(loras),
		NumInferenceSteps: params.Steps,
		GuidanceScale:     params.CFGScale,
		Width:             params.Width,
		Height:            params.Height,
		Seed:              params.Seed,
	}

	c.logger.Info("generation request",
		"prompt_hash", PromptHash(prompt),
		"words", len(strings.Fields(prompt)),
		"loras", len(loras),
		"seed", params.Seed)

	resp, err := doJSON(ctx, c.client, http.MethodPost, c.cfg.Endpoint, bearer(c.cfg.APIKey), req)
	if err != nil {
		return nil, fmt.Errorf("wavespeed request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("api error", "status", resp.StatusCode, "body", resp.Snippet())
		return nil, fmt.Errorf("wavespeed API error: %d", resp.StatusCode)
	}

	data := unwrapData(gjson.ParseBytes(resp.Body))
	if data.IsObject() {
		if hasItems(data.Get("outputs")) {
			return c.resolve(ctx, resp.Body, "immediate")
		}
		if resultURL := data.Get("urls.get").String(); resultURL != "" {
			c.logger.Info("job queued", "result_url", resultURL)
			payload, err := c.poller.Run(ctx, func(ctx context.Context, attempt int) (pollState, []byte, error) {
				return c.checkResult(ctx, resultURL, attempt)
			})
			if err != nil {
				return nil, fmt.Errorf("wavespeed: %w", err)
			}
			return c.resolve(ctx, payload, "polled")
		}
	}

	return c.resolve(ctx, resp.Body, "generic")
}

// checkResult treats a non-200 tick as still pending. Outputs win over any reported status.
func (c *WavespeedClient) checkResult(ctx context.Context, resultURL string, attempt int) (pollState, []byte, error) {
	resp, err := doJSON(ctx, c.pollClient, http.MethodGet, resultURL, bearer(c.cfg.APIKey), nil)
	if err != nil {
		c.logger.Warn("poll request failed", "attempt", attempt, "error", err)
		return pollPending, nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return pollPending, nil, nil
	}

	inner := unwrapData(gjson.ParseBytes(resp.Body))
	status := inner.Get("status").String()

	if hasItems(inner.Get("outputs")) {
		return pollDone, []byte(inner.Raw), nil
	}
	switch {
	case status == "failed":
		errText := inner.Get("error").String()
		if errText == "" {
			errText = "unknown"
		}
		return pollPending, nil, fmt.Errorf("wavespeed job failed: %s", errText)
	case lo.Contains(wavespeedPendingStatuses, status):
		if attempt%5 == 1 {
			c.logger.Info("still waiting", "status", status, "attempt", attempt)
		}
		return pollPending, nil, nil
	case status == "completed":
		return pollPending, nil, fmt.Errorf("wavespeed job completed but returned no outputs")
	}
	return pollPending, nil, nil
}

func (c *WavespeedClient) resolve(ctx context.Context, payload []byte, how string) ([]byte, error) {
	image, err := c.fetcher.ResolvePayload(ctx, payload, "Wavespeed")
	if err != nil {
		return nil, err
	}
	c.logger.Info("image resolved", "bytes", len(image), "path", how)
	return image, nil
}

// unwrapData returns the "data" object when present, otherwise the value itself.
func unwrapData(r gjson.Result) gjson.Result {
	if d := r.Get("data"); d.Exists() {
		return d
	}
	return r
}

func hasItems(r gjson.Result) bool {
	return r.IsArray() && len(r.Array()) > 0
}
