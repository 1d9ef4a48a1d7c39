package interfaces

import (
	"context"

	"flux-lora-bridge/internal/models"
)

// ImageProvider generates one image from a prompt pair and an already pruned LoRA list.
type ImageProvider interface {
	// Name returns the provider key used in config and provenance
	Name() string

	// Generate returns raw image bytes or fails; it is attempted at most once per request
	Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error)
}

// MappingStore persists source URL -> remote identifier entries.
type MappingStore interface {
	// Load returns the full mapping
	Load(ctx context.Context) (map[string]models.MappingEntry, error)

	// Merge adds entries whose source URL is not yet stored. Existing entries are kept.
	Merge(ctx context.Context, entries map[string]models.MappingEntry) error

	Close() error
}

// AttemptObserver receives orchestrator progress events.
type AttemptObserver interface {
	OnAttempt(event models.AttemptEvent)
}

// Summarizer condenses a narrative prompt into a visual prompt.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, requiredNames []string) string
}
