package generators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/models"
)

// ExhaustedError is returned when every provider failed.
type ExhaustedError struct {
	// Attempts holds one error per failed provider, in attempt order
	Attempts *multierror.Error
	Last     error
}

func (e *ExhaustedError) Error() string {
	last := "none"
	if e.Last != nil {
		last = e.Last.Error()
	}
	return "All providers failed. Last error: " + last
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// FallbackOrchestrator tries providers strictly in order and returns the first valid image.
type FallbackOrchestrator struct {
	providers []interfaces.ImageProvider
	maxLoRAs  func(provider string) int
	primary   string
	observers []interfaces.AttemptObserver
	logger    *slog.Logger
}

func NewFallbackOrchestrator(providers []interfaces.ImageProvider, maxLoRAs func(string) int, primary string, observers ...interfaces.AttemptObserver) *FallbackOrchestrator {
	return &FallbackOrchestrator{
		providers: providers,
		maxLoRAs:  maxLoRAs,
		primary:   primary,
		observers: observers,
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

// Providers returns provider names in attempt order.
func (o *FallbackOrchestrator) Providers() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Name()
	}
	return names
}

// Generate runs one attempt per provider. matched must already be rank-sorted and role-capped.
func (o *FallbackOrchestrator) Generate(ctx context.Context, requestID, prompt, negativePrompt string, matched []models.MatchedLoRA, params models.GenerationParams) (*models.GenerationResult, error) {
	start := time.Now()
	total := len(o.providers)
	var (
		errs     *multierror.Error
		last     error
		attempts []models.AttemptResult
	)

	if total == 0 {
		return nil, &ExhaustedError{Last: errors.New("no providers configured")}
	}

	for i, provider := range o.providers {
		name := provider.Name()
		if err := ctx.Err(); err != nil {
			last = err
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			break
		}

		loras := Truncate(PruneForProvider(matched, name, o.primary), o.maxLoRAs(name))
		o.logger.Info("attempting provider",
			"request_id", requestID,
			"provider", name,
			"attempt", i+1,
			"of", total,
			"loras", len(loras))
		o.notify(models.AttemptEvent{RequestID: requestID, Provider: name, Index: i, Total: total, Status: models.AttemptStarted, LoRAs: len(loras)})

		attemptStart := time.Now()
		image, err := provider.Generate(ctx, prompt, negativePrompt, loras, params)
		if err == nil {
			err = ValidateImage(image, name)
		}
		elapsed := time.Since(attemptStart)

		if err != nil {
			o.logger.Error("provider failed", "request_id", requestID, "provider", name, "elapsed", elapsed, "error", err)
			last = err
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			attempts = append(attempts, models.AttemptResult{Provider: name, Error: err.Error(), Elapsed: elapsed})
			o.notify(models.AttemptEvent{RequestID: requestID, Provider: name, Index: i, Total: total, Status: models.AttemptFailed, Error: err.Error(), LoRAs: len(loras), ElapsedMS: elapsed.Milliseconds()})
			continue
		}

		attempts = append(attempts, models.AttemptResult{Provider: name, Success: true, Image: image, Elapsed: elapsed})
		o.notify(models.AttemptEvent{RequestID: requestID, Provider: name, Index: i, Total: total, Status: models.AttemptSucceeded, LoRAs: len(loras), ElapsedMS: elapsed.Milliseconds()})
		o.logger.Info("provider succeeded", "request_id", requestID, "provider", name, "bytes", len(image), "elapsed", elapsed)

		return &models.GenerationResult{
			Image:     image,
			Provider:  name,
			LoRAsUsed: len(loras),
			Elapsed:   time.Since(start),
			Attempts:  attempts,
		}, nil
	}

	o.logger.Error("all providers failed", "request_id", requestID, "attempts", len(attempts), "elapsed", time.Since(start))
	return nil, &ExhaustedError{Attempts: errs, Last: last}
}

func (o *FallbackOrchestrator) notify(event models.AttemptEvent) {
	for _, obs := range o.observers {
		obs.OnAttempt(event)
	}
}
