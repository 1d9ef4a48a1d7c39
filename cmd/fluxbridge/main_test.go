package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/generators"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled")
	}
	logger = newLogger(config.LoggingConfig{Level: "bogus"})
	if logger.Enabled(context.Background(), slog.LevelDebug) || !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("unknown levels should fall back to info")
	}
}

func TestSpaceBaseURL(t *testing.T) {
	if got := spaceBaseURL(config.HFSpaceConfig{Space: "Acme/Flux_LoRA"}); got != "https://acme-flux-lora.hf.space" {
		t.Errorf("got %q", got)
	}
	if got := spaceBaseURL(config.HFSpaceConfig{Space: "acme/x", BaseURL: "http://localhost:7860"}); got != "http://localhost:7860" {
		t.Errorf("explicit base url should win, got %q", got)
	}
	if spaceBaseURL(config.HFSpaceConfig{}) != "" {
		t.Error("expected empty url")
	}
}

func TestLoadDictionaryFallsBackToEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.LoRA.DictionaryPath = filepath.Join(t.TempDir(), "missing.json")
	if dict := loadDictionary(cfg); dict == nil || dict.Len() != 0 {
		t.Error("expected an empty dictionary")
	}
}

func TestOpenStoreFallsBackToFile(t *testing.T) {
	cfg := config.Default()
	cfg.Mapping.Backend = "redis"
	cfg.Mapping.File = filepath.Join(t.TempDir(), "mapping.json")
	cfg.Database.Redis.Host = "127.0.0.1"
	cfg.Database.Redis.Port = 1

	store, err := openStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.Load(context.Background()); err != nil {
		t.Error(err)
	}
}

func TestShutdownDrainsQueuedWork(t *testing.T) {
	workCtx, stopWork := context.WithCancel(context.Background())
	pool := generators.NewWorkerPool(1, 4)
	pool.Start(workCtx)
	defer pool.Stop()

	started := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		data, err := pool.Do(r.Context(), "slow", func(ctx context.Context) ([]byte, error) {
			time.Sleep(200 * time.Millisecond)
			return []byte("done"), nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := &http.Server{Handler: handler}
	go server.Serve(ln)

	result := make(chan string, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			result <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		result <- string(body)
	}()

	<-started
	shutdown(server, stopWork, 5*time.Second)

	if got := <-result; got != "done" {
		t.Errorf("in-flight request not drained: %q", got)
	}
	if workCtx.Err() == nil {
		t.Error("work context must be cancelled once the server has stopped")
	}
}
