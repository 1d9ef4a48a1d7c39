package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/models"
)

// Open returns the mapping store selected by cfg.Mapping.Backend.
func Open(cfg *config.Config) (interfaces.MappingStore, error) {
	slog.Info("opening mapping store", "component", "storage", "backend", cfg.Mapping.Backend)

	switch cfg.Mapping.Backend {
	case "", "file":
		return NewFileStore(cfg.Mapping.File)
	case "redis":
		return NewRedisStore(cfg.Database.Redis)
	case "mysql":
		return NewMySQLStore(cfg.Database.MySQL)
	case "sqlite":
		return NewSQLiteStore(cfg.Database.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown mapping backend: %q", cfg.Mapping.Backend)
	}
}

// SourceHash keys relational rows; source URLs can exceed index length limits.
func SourceHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func rowsToMapping(rows []models.LoRAMapping) map[string]models.MappingEntry {
	mapping := make(map[string]models.MappingEntry, len(rows))
	for _, r := range rows {
		mapping[r.SourceURL] = models.MappingEntry{RemoteID: r.RemoteID, UploadedAt: r.UploadedAt}
	}
	return mapping
}

func mappingToRows(entries map[string]models.MappingEntry) []models.LoRAMapping {
	rows := make([]models.LoRAMapping, 0, len(entries))
	for url, e := range entries {
		rows = append(rows, models.LoRAMapping{
			SourceHash: SourceHash(url),
			SourceURL:  url,
			RemoteID:   e.RemoteID,
			UploadedAt: e.UploadedAt,
		})
	}
	return rows
}
