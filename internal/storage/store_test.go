package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/models"
)

func exerciseStore(t *testing.T, store interfaces.MappingStore) {
	t.Helper()
	ctx := context.Background()

	mapping, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 0 {
		t.Fatalf("expected empty mapping, got %d entries", len(mapping))
	}

	now := time.Now().UTC().Truncate(time.Second)
	first := map[string]models.MappingEntry{
		"https://example.com/a.safetensors": {RemoteID: "fluxbridge:aaaaaaaaaaaa@1", UploadedAt: now},
	}
	if err := store.Merge(ctx, first); err != nil {
		t.Fatal(err)
	}

	// a second writer must not replace the stored identifier
	second := map[string]models.MappingEntry{
		"https://example.com/a.safetensors": {RemoteID: "fluxbridge:bbbbbbbbbbbb@1", UploadedAt: now},
		"https://example.com/b.safetensors": {RemoteID: "fluxbridge:cccccccccccc@1", UploadedAt: now},
	}
	if err := store.Merge(ctx, second); err != nil {
		t.Fatal(err)
	}

	mapping, err = store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(mapping))
	}
	if got := mapping["https://example.com/a.safetensors"].RemoteID; got != "fluxbridge:aaaaaaaaaaaa@1" {
		t.Errorf("existing entry overwritten: %s", got)
	}
	if got := mapping["https://example.com/b.safetensors"].UploadedAt; !got.Equal(now) {
		t.Errorf("uploaded_at not preserved: %v", got)
	}
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "mapping.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestFileStoreReadsExistingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	doc := `{"https://example.com/x.safetensors":{"runware_id":"ns:0123456789ab@1","uploaded_at":"2024-05-01T10:00:00Z"}}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	mapping, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mapping["https://example.com/x.safetensors"].RemoteID != "ns:0123456789ab@1" {
		t.Errorf("unexpected mapping: %+v", mapping)
	}
}

func TestFileStoreAcceptsZonelessTimestamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	doc := `{"https://example.com/x.safetensors":{"runware_id":"deathwalker:0123456789ab@1","uploaded_at":"2024-05-01T10:00:00.123456"}}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	mapping, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	entry := mapping["https://example.com/x.safetensors"]
	want := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	if entry.RemoteID != "deathwalker:0123456789ab@1" || !entry.UploadedAt.Equal(want) {
		t.Errorf("unexpected entry: %+v", entry)
	}

	err = store.Merge(ctx, map[string]models.MappingEntry{
		"https://example.com/y.safetensors": {RemoteID: "fluxbridge:aaaaaaaaaaaa@1", UploadedAt: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	mapping, err = store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 2 {
		t.Errorf("expected both entries after merge, got %+v", mapping)
	}
}

func TestFileStoreKeepsEntryWithBadTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	doc := `{"https://example.com/x.safetensors":{"runware_id":"ns:0123456789ab@1","uploaded_at":"yesterday"},
		"https://example.com/z.safetensors":{"runware_id":"ns:ba9876543210@1"}}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	mapping, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 2 || !mapping["https://example.com/x.safetensors"].UploadedAt.IsZero() {
		t.Errorf("unexpected mapping: %+v", mapping)
	}
}

func TestFileStoreNullDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	if err := os.WriteFile(path, []byte("null"), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	mapping, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if mapping == nil || len(mapping) != 0 {
		t.Errorf("expected empty non-nil mapping, got %#v", mapping)
	}

	err = store.Merge(ctx, map[string]models.MappingEntry{
		"https://example.com/a.safetensors": {RemoteID: "fluxbridge:aaaaaaaaaaaa@1", UploadedAt: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if mapping, _ := store.Load(ctx); len(mapping) != 1 {
		t.Errorf("expected one entry after merge, got %+v", mapping)
	}
}

func TestFileStoreConcurrentMerge(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "mapping.json"))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := "https://example.com/" + string(rune('a'+i)) + ".safetensors"
			err := store.Merge(context.Background(), map[string]models.MappingEntry{
				url: {RemoteID: "id", UploadedAt: time.Now()},
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	mapping, err := store.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(mapping) != 8 {
		t.Errorf("expected 8 entries, got %d", len(mapping))
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mapping.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	exerciseStore(t, store)
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Mapping.Backend = "etcd"
	if _, err := Open(cfg); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestOpenFileBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Mapping.File = filepath.Join(t.TempDir(), "mapping.json")
	store, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Errorf("expected *FileStore, got %T", store)
	}
}

func TestSourceHashIsStable(t *testing.T) {
	a := SourceHash("https://example.com/a.safetensors")
	if len(a) != 64 || a != SourceHash("https://example.com/a.safetensors") {
		t.Errorf("unexpected hash %q", a)
	}
}
