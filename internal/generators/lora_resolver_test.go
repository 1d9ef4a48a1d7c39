package generators

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

// memStore is an in-memory MappingStore.
type memStore struct {
	mu      sync.Mutex
	entries map[string]models.MappingEntry
	merges  int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]models.MappingEntry)}
}

func (s *memStore) Load(ctx context.Context) (map[string]models.MappingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.MappingEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Merge(ctx context.Context, entries map[string]models.MappingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merges++
	for k, v := range entries {
		if _, ok := s.entries[k]; !ok {
			s.entries[k] = v
		}
	}
	return nil
}

func (s *memStore) Close() error { return nil }

func runwareConfig(endpoint string) config.RunwareConfig {
	cfg := config.Default().Providers.Runware
	cfg.Endpoint = endpoint
	cfg.APIKey = "test-key"
	return cfg
}

func TestAIRIdentifierNormalizesURL(t *testing.T) {
	a, hash := AIRIdentifier("fluxbridge", "https://Example.com/A.safetensors")
	b, _ := AIRIdentifier("fluxbridge", "  https://example.com/a.safetensors ")
	if a != b {
		t.Errorf("expected identical ids, got %s and %s", a, b)
	}
	if len(hash) != 12 {
		t.Errorf("expected 12 hex chars, got %q", hash)
	}
	if !strings.HasPrefix(a, "fluxbridge:") || !strings.HasSuffix(a, "@1") {
		t.Errorf("unexpected id shape %q", a)
	}
}

func TestUploadName(t *testing.T) {
	got := uploadName("https://huggingface.co/acme/x/resolve/main/My%20Style v2.safetensors")
	if got != "My_Style_v2" {
		t.Errorf("got %q", got)
	}
}

func TestResolveUploadsOnceAndReuses(t *testing.T) {
	var uploads int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploads, 1)
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth")
		}
		body, _ := io.ReadAll(r.Body)
		var tasks []map[string]interface{}
		if err := json.Unmarshal(body, &tasks); err != nil || len(tasks) != 1 {
			t.Errorf("unexpected upload body: %s", body)
			return
		}
		if tasks[0]["taskType"] != "modelUpload" || tasks[0]["category"] != "lora" || tasks[0]["private"] != true {
			t.Errorf("unexpected task: %v", tasks[0])
		}
		w.Write([]byte(`{"data":[{"taskType":"modelUpload","status":"ready"}]}`))
	}))
	defer server.Close()

	store := newMemStore()
	cache := NewLoRAResolutionCache(runwareConfig(server.URL), store)
	loras := []models.LoRASpec{{ID: "jenna", URL: "https://huggingface.co/acme/jenna/resolve/main/jenna.safetensors", Weight: 0.8}}

	first := cache.Resolve(context.Background(), loras)
	second := cache.Resolve(context.Background(), loras)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one resolved lora each time, got %d and %d", len(first), len(second))
	}
	if first[0].RemoteID != second[0].RemoteID {
		t.Errorf("identifiers differ: %s vs %s", first[0].RemoteID, second[0].RemoteID)
	}
	if first[0].Weight != 0.8 {
		t.Errorf("weight not carried: %v", first[0].Weight)
	}
	if n := atomic.LoadInt32(&uploads); n != 1 {
		t.Errorf("expected exactly one upload, got %d", n)
	}
	if store.merges != 1 {
		t.Errorf("expected one merge, got %d", store.merges)
	}
}

func TestResolvePassThroughNeverUploads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upload")
	}))
	defer server.Close()

	store := newMemStore()
	cache := NewLoRAResolutionCache(runwareConfig(server.URL), store)
	got := cache.Resolve(context.Background(), []models.LoRASpec{
		{URL: "runware:500@1", Weight: 1},
		{URL: "civitai:1234@5678", Weight: 1},
		{URL: "fluxbridge:abc", Weight: 1},
		{URL: "rundiffusion:130@100", Weight: 0.5},
	})
	if len(got) != 4 {
		t.Fatalf("expected 4 pass-through loras, got %d", len(got))
	}
	if got[3].RemoteID != "rundiffusion:130@100" {
		t.Errorf("spec changed: %s", got[3].RemoteID)
	}
	if store.merges != 0 {
		t.Errorf("pass-through must not touch the mapping")
	}
}

func TestResolveUsesStoredMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected upload")
	}))
	defer server.Close()

	store := newMemStore()
	store.entries["https://example.com/a.safetensors"] = models.MappingEntry{RemoteID: "fluxbridge:000000000000@1"}
	cache := NewLoRAResolutionCache(runwareConfig(server.URL), store)

	got := cache.Resolve(context.Background(), []models.LoRASpec{{URL: "https://example.com/a.safetensors", Weight: 1}})
	if len(got) != 1 || got[0].RemoteID != "fluxbridge:000000000000@1" {
		t.Errorf("stored mapping not used: %+v", got)
	}
}

func TestResolveSkipsFailedUpload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"error":"invalid download url"}]}`))
	}))
	defer server.Close()

	store := newMemStore()
	cache := NewLoRAResolutionCache(runwareConfig(server.URL), store)
	got := cache.Resolve(context.Background(), []models.LoRASpec{
		{URL: "./local/thing.safetensors", Weight: 1},
		{URL: "runware:500@1", Weight: 1},
	})
	if len(got) != 1 || got[0].RemoteID != "runware:500@1" {
		t.Errorf("expected only the pass-through lora, got %+v", got)
	}
	if len(store.entries) != 0 {
		t.Errorf("failed upload must not be persisted")
	}
}

func TestResolveTimeoutReturnsDerivedIdentifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := runwareConfig(server.URL)
	cfg.UploadTimeout = 50 * time.Millisecond
	store := newMemStore()
	cache := NewLoRAResolutionCache(cfg, store)

	src := "https://example.com/slow.safetensors"
	got := cache.Resolve(context.Background(), []models.LoRASpec{{URL: src, Weight: 1}})

	want, _ := AIRIdentifier("fluxbridge", src)
	if len(got) != 1 || got[0].RemoteID != want {
		t.Fatalf("expected derived id %s, got %+v", want, got)
	}
	if store.entries[src].RemoteID != want {
		t.Errorf("mapping not persisted after timeout")
	}
}

func TestResolveTimeoutStrictMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := runwareConfig(server.URL)
	cfg.UploadTimeout = 50 * time.Millisecond
	cfg.OptimisticUpload = false
	cache := NewLoRAResolutionCache(cfg, newMemStore())

	got := cache.Resolve(context.Background(), []models.LoRASpec{{URL: "https://example.com/slow.safetensors", Weight: 1}})
	if len(got) != 0 {
		t.Errorf("strict mode should drop timed out uploads, got %+v", got)
	}
}

// nilStore returns a nil mapping, as a file holding a literal null would.
type nilStore struct {
	merged map[string]models.MappingEntry
}

func (s *nilStore) Load(ctx context.Context) (map[string]models.MappingEntry, error) {
	return nil, nil
}

func (s *nilStore) Merge(ctx context.Context, entries map[string]models.MappingEntry) error {
	s.merged = entries
	return nil
}

func (s *nilStore) Close() error { return nil }

func TestResolveWithNilStoredMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"taskType":"modelUpload","status":"ready"}]}`))
	}))
	defer server.Close()

	store := &nilStore{}
	cache := NewLoRAResolutionCache(runwareConfig(server.URL), store)

	src := "https://example.com/a.safetensors"
	got := cache.Resolve(context.Background(), []models.LoRASpec{{URL: src, Weight: 0.8}})

	want, _ := AIRIdentifier("fluxbridge", src)
	if len(got) != 1 || got[0].RemoteID != want {
		t.Fatalf("expected uploaded id %s, got %+v", want, got)
	}
	if store.merged[src].RemoteID != want {
		t.Errorf("new entry not persisted: %+v", store.merged)
	}
}

func TestResolveIgnoresEntryWithoutIdentifier(t *testing.T) {
	var uploads int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploads, 1)
		w.Write([]byte(`{"data":[{"taskType":"modelUpload","status":"ready"}]}`))
	}))
	defer server.Close()

	store := newMemStore()
	store.entries["https://example.com/a.safetensors"] = models.MappingEntry{}
	cache := NewLoRAResolutionCache(runwareConfig(server.URL), store)

	got := cache.Resolve(context.Background(), []models.LoRASpec{{URL: "https://example.com/a.safetensors", Weight: 1}})
	if len(got) != 1 || got[0].RemoteID == "" {
		t.Errorf("expected a fresh upload, got %+v", got)
	}
	if atomic.LoadInt32(&uploads) != 1 {
		t.Errorf("expected one upload, got %d", uploads)
	}
}
