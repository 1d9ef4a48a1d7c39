package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"flux-lora-bridge/internal/models"
)

// FileStore keeps the mapping in a single JSON document that is rewritten in full.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create mapping directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(ctx context.Context) (map[string]models.MappingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Merge re-reads the file under the lock so entries written by other requests survive.
func (s *FileStore) Merge(ctx context.Context, entries map[string]models.MappingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return err
	}

	added := 0
	for url, entry := range entries {
		if _, exists := current[url]; exists {
			continue
		}
		current[url] = entry
		added++
	}
	if added == 0 {
		return nil
	}

	return s.write(current)
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (map[string]models.MappingEntry, error) {
	mapping := make(map[string]models.MappingEntry)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return mapping, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	if len(data) == 0 {
		return mapping, nil
	}

	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse mapping file: %w", err)
	}
	// a literal null decodes to a nil map
	if mapping == nil {
		mapping = make(map[string]models.MappingEntry)
	}
	return mapping, nil
}

func (s *FileStore) write(mapping map[string]models.MappingEntry) error {
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".mapping-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp mapping file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write mapping: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp mapping file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace mapping file: %w", err)
	}
	return nil
}
