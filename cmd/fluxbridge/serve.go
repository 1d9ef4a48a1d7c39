package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/engine"
	"flux-lora-bridge/internal/generators"
	"flux-lora-bridge/internal/infra"
	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/storage"
	"flux-lora-bridge/internal/web"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the txt2img HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

// loadDictionary falls back to an empty dictionary so the bridge can still generate without LoRAs.
func loadDictionary(cfg *config.Config) *generators.LoRADictionary {
	dict, err := generators.LoadLoRADictionary(cfg.LoRA.DictionaryPath)
	if err != nil {
		slog.Warn("lora dictionary unavailable, continuing without loras", "path", cfg.LoRA.DictionaryPath, "error", err)
		dict, _ = generators.ParseLoRADictionary([]byte(`{}`))
		return dict
	}
	slog.Info("lora dictionary loaded", "path", cfg.LoRA.DictionaryPath, "loras", dict.Len())
	return dict
}

// openStore falls back to the JSON file backend when the configured one cannot be reached.
func openStore(cfg *config.Config) (interfaces.MappingStore, error) {
	store, err := storage.Open(cfg)
	if err == nil {
		return store, nil
	}
	if cfg.Mapping.Backend == "file" || cfg.Mapping.Backend == "" {
		return nil, err
	}
	slog.Warn("mapping store unavailable, using file backend", "backend", cfg.Mapping.Backend, "error", err)
	fileStore, ferr := storage.NewFileStore(cfg.Mapping.File)
	if ferr != nil {
		return nil, fmt.Errorf("failed to open mapping store: %w", ferr)
	}
	return fileStore, nil
}

func spaceBaseURL(cfg config.HFSpaceConfig) string {
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	if cfg.Space != "" {
		return generators.SpaceURL(cfg.Space)
	}
	return ""
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// background work outlives the signal until the server has drained
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	pool := generators.NewWorkerPool(cfg.Queue.MaxWorkers, cfg.Queue.MaxQueueSize)
	pool.Start(workCtx)
	defer pool.Stop()

	fetcher := generators.NewAssetFetcher(cfg.Fetch.Timeout)
	providers, err := generators.NewProviders(cfg, store, pool, fetcher)
	if err != nil {
		return err
	}
	for _, p := range cfg.Providers.Order {
		if !cfg.HasCredentials(p) {
			slog.Warn("provider has no credentials and will fail fast", "provider", p)
		}
	}

	hub := web.NewProgressHub()
	go hub.Run(workCtx)

	var summarizer interfaces.Summarizer
	if cfg.Summarizer.Enabled {
		summarizer = engine.NewPromptSummarizer(cfg.Summarizer, cfg.Providers.Together.APIKey)
	}

	loras := generators.NewLoRAManager(loadDictionary(cfg), cfg.LoRA.RoleCaps)
	orchestrator := generators.NewFallbackOrchestrator(providers, cfg.MaxLoRAs, cfg.Providers.Primary, hub)
	bridge := engine.NewBridge(cfg, loras, summarizer, orchestrator)

	space := infra.NewSpaceMonitor(spaceBaseURL(cfg.Providers.HFZeroGPU), cfg.Providers.HFZeroGPU.Token)
	defer space.Stop()

	handlers := web.NewHandlers(cfg, bridge, store, space, hub)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      web.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"addr", server.Addr,
			"providers", orchestrator.Providers(),
			"summarization", bridge.SummarizationEnabled(),
			"mapping_backend", cfg.Mapping.Backend,
			"dictionary", filepath.Base(cfg.LoRA.DictionaryPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("server shutting down")
	shutdown(server, stopWork, 30*time.Second)
	slog.Info("server stopped")
	return nil
}

// shutdown drains in-flight requests, then stops the worker pool and progress hub.
func shutdown(server *http.Server, stopWork context.CancelFunc, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	stopWork()
}
