package generators

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

type runwareLoRA struct {
	Model  string  `json:"model"`
	Weight float64 `json:"weight"`
}

type imageInferenceTask struct {
	TaskType       string        `json:"taskType"`
	TaskUUID       string        `json:"taskUUID"`
	PositivePrompt string        `json:"positivePrompt"`
	NegativePrompt string        `json:"negativePrompt,omitempty"`
	Model          string        `json:"model"`
	Steps          int           `json:"steps"`
	CFGScale       float64       `json:"CFGScale"`
	Height         int           `json:"height"`
	Width          int           `json:"width"`
	Seed           int64         `json:"seed,omitempty"`
	NumberResults  int           `json:"numberResults"`
	OutputFormat   string        `json:"outputFormat"`
	LoRA           []runwareLoRA `json:"lora"`
}

// RunwareClient is the primary provider. Every LoRA goes through the resolution cache first.
type RunwareClient struct {
	cfg      config.RunwareConfig
	client   *http.Client
	resolver *LoRAResolutionCache
	fetcher  *AssetFetcher
	logger   *slog.Logger
}

func NewRunwareClient(cfg config.RunwareConfig, resolver *LoRAResolutionCache, fetcher *AssetFetcher) *RunwareClient {
	return &RunwareClient{
		cfg:      cfg,
		client:   newHTTPClient(cfg.RequestTimeout),
		resolver: resolver,
		fetcher:  fetcher,
		logger:   slog.Default().With("component", config.ProviderRunware),
	}
}

func (c *RunwareClient) Name() string {
	return config.ProviderRunware
}

func (c *RunwareClient) Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("RUNWARE_API_KEY: %w", ErrNotConfigured)
	}

	c.logger.Info("generation request",
		"prompt_hash", PromptHash(prompt),
		"words", len(strings.Fields(prompt)),
		"loras", len(loras),
		"steps", params.Steps,
		"size", fmt.Sprintf("%dx%d", params.Width, params.Height))

	resolved := c.resolver.Resolve(ctx, loras)

	task := imageInferenceTask{
		TaskType:       "imageInference",
		TaskUUID:       uuid.NewString(),
		PositivePrompt: prompt,
		NegativePrompt: negativePrompt,
		Model:          c.cfg.Model,
		Steps:          params.Steps,
		CFGScale:       params.CFGScale,
		Height:         params.Height,
		Width:          params.Width,
		NumberResults:  1,
		OutputFormat:   "jpg",
		LoRA: lo.Map(resolved, func(r models.ResolvedLoRA, _ int) runwareLoRA {
			return runwareLoRA{Model: r.RemoteID, Weight: r.Weight}
		}),
	}
	if params.Seed > 0 {
		task.Seed = params.Seed
	}

	c.logger.Debug("sending inference task", "task_uuid", task.TaskUUID, "loras", task.LoRA)

	resp, err := doJSON(ctx, c.client, http.MethodPost, c.cfg.Endpoint, bearer(c.cfg.APIKey), []imageInferenceTask{task})
	if err != nil {
		return nil, fmt.Errorf("runware request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("api error", "status", resp.StatusCode, "body", resp.Snippet())
		return nil, fmt.Errorf("runware API error: %d", resp.StatusCode)
	}
	if msg := gjson.GetBytes(resp.Body, "errors.0.message"); msg.Exists() {
		return nil, fmt.Errorf("runware API error: %s", msg.String())
	}

	image, err := c.fetcher.ResolvePayload(ctx, resp.Body, "Runware")
	if err != nil {
		return nil, err
	}
	c.logger.Info("image resolved", "bytes", len(image))
	return image, nil
}
