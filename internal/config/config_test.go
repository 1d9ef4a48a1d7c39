package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 7861 {
		t.Errorf("expected port 7861, got %d", cfg.Server.Port)
	}
	want := []string{"runware", "hfzerogpu", "wavespeed", "fal", "together", "pixeldojo"}
	if len(cfg.Providers.Order) != len(want) {
		t.Fatalf("expected %d providers, got %d", len(want), len(cfg.Providers.Order))
	}
	for i, name := range want {
		if cfg.Providers.Order[i] != name {
			t.Errorf("provider %d: expected %s, got %s", i, name, cfg.Providers.Order[i])
		}
	}
	if cfg.Polling.Interval != 2*time.Second || cfg.Polling.MaxAttempts != 60 {
		t.Errorf("unexpected polling defaults: %+v", cfg.Polling)
	}
	if cfg.LoRA.RoleCaps["character"] != 6 || cfg.LoRA.RoleCaps["misc"] != 1 {
		t.Errorf("unexpected role caps: %v", cfg.LoRA.RoleCaps)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestMaxLoRAs(t *testing.T) {
	cfg := Default()
	cases := map[string]int{
		ProviderRunware:   12,
		ProviderHFZeroGPU: 10,
		ProviderWavespeed: 4,
		ProviderFAL:       3,
		ProviderTogether:  2,
		ProviderPixelDojo: 1,
		"somewhere-else":  15,
	}
	for provider, want := range cases {
		if got := cfg.MaxLoRAs(provider); got != want {
			t.Errorf("%s: expected %d, got %d", provider, want, got)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("FAL_API_KEY", "fal-test")
	t.Setenv("RUNWARE_API_KEY", "rw-test")
	t.Setenv("MAXLORAS_TOGETHER", "5")
	t.Setenv("ENABLE_SUMMARIZATION", "false")

	content := `
server:
  port: 9090
providers:
  order: [fal, runware]
  runware:
    upload_timeout: 15s
lora:
  dictionary_path: loras.json
  role_caps:
    style: 3
polling:
  interval: 500ms
  max_attempts: 10
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected 9090, got %d", cfg.Server.Port)
	}
	if len(cfg.Providers.Order) != 2 || cfg.Providers.Order[0] != "fal" {
		t.Errorf("unexpected order: %v", cfg.Providers.Order)
	}
	if cfg.Providers.Runware.UploadTimeout != 15*time.Second {
		t.Errorf("expected 15s upload timeout, got %v", cfg.Providers.Runware.UploadTimeout)
	}
	if cfg.Providers.Runware.Model != "runware:101@1" {
		t.Errorf("default model lost: %s", cfg.Providers.Runware.Model)
	}
	if cfg.Providers.FAL.APIKey != "fal-test" {
		t.Errorf("FAL key not applied: %q", cfg.Providers.FAL.APIKey)
	}
	if cfg.Providers.Runware.APIKey != "rw-test" {
		t.Errorf("Runware key not applied: %q", cfg.Providers.Runware.APIKey)
	}
	if cfg.Providers.Together.MaxLoRAs != 5 {
		t.Errorf("expected together max 5, got %d", cfg.Providers.Together.MaxLoRAs)
	}
	if cfg.Summarizer.Enabled {
		t.Error("expected summarization disabled by env")
	}
	if cfg.LoRA.RoleCaps["style"] != 3 {
		t.Errorf("expected style cap 3, got %v", cfg.LoRA.RoleCaps)
	}
	if cfg.Polling.Interval != 500*time.Millisecond || cfg.Polling.MaxAttempts != 10 {
		t.Errorf("unexpected polling: %+v", cfg.Polling)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Primary != ProviderRunware {
		t.Errorf("expected runware primary, got %s", cfg.Providers.Primary)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("providers:\n  order: [runware, midjourney]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestHasCredentials(t *testing.T) {
	cfg := Default()
	if cfg.HasCredentials(ProviderFAL) {
		t.Error("fal should not have credentials by default")
	}
	cfg.Providers.FAL.APIKey = "k"
	if !cfg.HasCredentials(ProviderFAL) {
		t.Error("fal should report credentials once a key is set")
	}
}
