package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/generators"
	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/models"
)

// Bridge runs the txt2img pipeline: selection, summarization, prompt building and provider fallback.
type Bridge struct {
	cfg          *config.Config
	loras        *generators.LoRAManager
	summarizer   interfaces.Summarizer
	orchestrator *generators.FallbackOrchestrator
	seed         func() int64
	logger       *slog.Logger
}

// NewBridge wires the pipeline. summarizer may be nil, which disables summarization.
func NewBridge(cfg *config.Config, loras *generators.LoRAManager, summarizer interfaces.Summarizer, orchestrator *generators.FallbackOrchestrator) *Bridge {
	return &Bridge{
		cfg:          cfg,
		loras:        loras,
		summarizer:   summarizer,
		orchestrator: orchestrator,
		seed:         randomSeed,
		logger:       slog.Default().With("component", "bridge"),
	}
}

// randomSeed draws uniformly from [0, 2^31-1).
func randomSeed() int64 {
	return rand.Int63n(math.MaxInt32)
}

func (b *Bridge) SummarizationEnabled() bool {
	return b.cfg.Summarizer.Enabled && b.summarizer != nil
}

func (b *Bridge) LoRAs() *generators.LoRAManager {
	return b.loras
}

func (b *Bridge) Providers() []string {
	return b.orchestrator.Providers()
}

// Txt2Img produces one image or an *generators.ExhaustedError.
func (b *Bridge) Txt2Img(ctx context.Context, req models.Txt2ImgRequest) (*models.Txt2ImgResponse, error) {
	start := time.Now()
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	logger := b.logger.With("request_id", requestID)

	logger.Info("new generation request",
		"prompt_hash", generators.PromptHash(req.Prompt),
		"neg_hash", generators.PromptHash(req.NegativePrompt),
		"words", len(strings.Fields(req.Prompt)),
		"steps", req.Steps,
		"cfg", req.CFGScale,
		"size", fmt.Sprintf("%dx%d", req.Width, req.Height),
		"seed_in", req.Seed)

	summarized := req.Prompt
	if b.SummarizationEnabled() {
		initial := b.loras.Match(req.Prompt, req.NegativePrompt)
		required := lo.Map(initial, func(m models.MatchedLoRA, _ int) string { return m.Entry.ID })
		summarized = b.summarizer.Summarize(ctx, req.Prompt, required)
	}

	matchStart := time.Now()
	matched := b.loras.ApplyRoleCaps(b.loras.Match(summarized, req.NegativePrompt))
	prompt, negative := b.loras.BuildPrompt(summarized, matched)
	logger.Info("prompt prepared",
		"matched", len(matched),
		"final_hash", generators.PromptHash(prompt),
		"final_words", len(strings.Fields(prompt)),
		"elapsed", time.Since(matchStart))
	logger.Debug("final prompt", "prompt", prompt, "negative", negative)

	seed := req.Seed
	if seed == -1 {
		seed = b.seed()
	}
	params := models.GenerationParams{
		Steps:    req.Steps,
		CFGScale: req.CFGScale,
		Width:    req.Width,
		Height:   req.Height,
		Seed:     seed,
	}

	result, err := b.orchestrator.Generate(ctx, requestID, prompt, negative, matched, params)
	if err != nil {
		return nil, err
	}

	info := models.GenerationInfo{
		OriginalPrompt:       req.Prompt,
		SummarizedPrompt:     summarized,
		FinalPrompt:          prompt,
		NegativePrompt:       negative,
		Steps:                req.Steps,
		CFGScale:             req.CFGScale,
		Width:                req.Width,
		Height:               req.Height,
		Seed:                 seed,
		Provider:             result.Provider,
		LoRAsUsed:            result.LoRAsUsed,
		SummarizationEnabled: b.SummarizationEnabled(),
		TotalTimeSeconds:     math.Round(time.Since(start).Seconds()*100) / 100,
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode info: %w", err)
	}

	logger.Info("generation complete", "provider", result.Provider, "loras", result.LoRAsUsed, "total", time.Since(start))

	return &models.Txt2ImgResponse{
		Images:     []string{generators.EncodeBase64(result.Image)},
		Parameters: info,
		Info:       string(infoJSON),
	}, nil
}

// Preview returns the selection a provider would receive for the prompt, without summarization.
func (b *Bridge) Preview(prompt, negativePrompt, provider string) models.LoRASelection {
	if provider == "" {
		provider = b.cfg.Providers.Primary
	}
	matched := b.loras.Match(prompt, negativePrompt)
	capped := b.loras.ApplyRoleCaps(matched)
	specs := generators.Truncate(generators.PruneForProvider(capped, provider, b.cfg.Providers.Primary), b.cfg.MaxLoRAs(provider))
	full, neg := b.loras.BuildPrompt(prompt, capped)

	return models.LoRASelection{
		Provider:       provider,
		Matched:        matched,
		Capped:         capped,
		LoRAs:          specs,
		Prompt:         full,
		NegativePrompt: neg,
	}
}
