package generators

import (
	"fmt"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/interfaces"
)

// NewProviders builds the provider clients in the configured attempt order.
func NewProviders(cfg *config.Config, store interfaces.MappingStore, pool *WorkerPool, fetcher *AssetFetcher) ([]interfaces.ImageProvider, error) {
	p := cfg.Providers
	providers := make([]interfaces.ImageProvider, 0, len(p.Order))
	for _, name := range p.Order {
		switch name {
		case config.ProviderRunware:
			providers = append(providers, NewRunwareClient(p.Runware, NewLoRAResolutionCache(p.Runware, store), fetcher))
		case config.ProviderHFZeroGPU:
			providers = append(providers, NewHFSpaceClient(p.HFZeroGPU, pool, fetcher))
		case config.ProviderWavespeed:
			providers = append(providers, NewWavespeedClient(p.Wavespeed, cfg.Polling, fetcher))
		case config.ProviderFAL:
			providers = append(providers, NewFALClient(p.FAL, cfg.Polling, fetcher))
		case config.ProviderTogether:
			providers = append(providers, NewTogetherClient(p.Together, pool, fetcher))
		case config.ProviderPixelDojo:
			providers = append(providers, NewPixelDojoClient(p.PixelDojo, fetcher))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return providers, nil
}
