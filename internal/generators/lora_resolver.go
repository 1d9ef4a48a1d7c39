package generators

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/models"
)

// passThroughPrefixes name model namespaces the primary provider already understands.
var passThroughPrefixes = []string{"runware:", "civitai:", "hfk:"}

// AIRIdentifier derives the stable remote identifier for a source URL.
func AIRIdentifier(namespace, source string) (air string, hash string) {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(source))))
	hash = hex.EncodeToString(sum[:])[:12]
	return fmt.Sprintf("%s:%s@1", namespace, hash), hash
}

// uploadName is the trailing path segment without extension, spaces as underscores.
func uploadName(source string) string {
	name := path.Base(strings.TrimRight(source, "/"))
	name = strings.TrimSuffix(name, ".safetensors")
	name = strings.ReplaceAll(name, "%20", "_")
	return strings.ReplaceAll(name, " ", "_")
}

type modelUploadTask struct {
	TaskType         string  `json:"taskType"`
	TaskUUID         string  `json:"taskUUID"`
	DeliveryMethod   string  `json:"deliveryMethod"`
	Category         string  `json:"category"`
	Architecture     string  `json:"architecture"`
	Format           string  `json:"format"`
	AIR              string  `json:"air"`
	UniqueIdentifier string  `json:"uniqueIdentifier"`
	Name             string  `json:"name"`
	Version          string  `json:"version"`
	DownloadURL      string  `json:"downloadURL"`
	DefaultWeight    float64 `json:"defaultWeight"`
	Private          bool    `json:"private"`
}

// LoRAResolutionCache maps LoRA sources to primary-provider model identifiers,
// uploading by URL reference on a miss.
type LoRAResolutionCache struct {
	store      interfaces.MappingStore
	client     *http.Client
	endpoint   string
	apiKey     string
	namespace  string
	optimistic bool
	logger     *slog.Logger
}

func NewLoRAResolutionCache(cfg config.RunwareConfig, store interfaces.MappingStore) *LoRAResolutionCache {
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	namespace := cfg.AIRNamespace
	if namespace == "" {
		namespace = "fluxbridge"
	}
	return &LoRAResolutionCache{
		store:      store,
		client:     &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		namespace:  namespace,
		optimistic: cfg.OptimisticUpload,
		logger:     slog.Default().With("component", "resolver"),
	}
}

// IsPassThrough reports whether source is sent to the primary provider unchanged.
func (c *LoRAResolutionCache) IsPassThrough(source string) bool {
	for _, prefix := range passThroughPrefixes {
		if strings.HasPrefix(source, prefix) {
			return true
		}
	}
	if strings.HasPrefix(source, c.namespace+":") {
		return true
	}
	return IsInlineSpec(source)
}

// Resolve converts every LoRA to a remote identifier. LoRAs that cannot be resolved
// are dropped. New mapping entries are persisted once, after the whole list is processed.
func (c *LoRAResolutionCache) Resolve(ctx context.Context, loras []models.LoRASpec) []models.ResolvedLoRA {
	var mapping map[string]models.MappingEntry
	added := make(map[string]models.MappingEntry)
	resolved := make([]models.ResolvedLoRA, 0, len(loras))

	for _, l := range loras {
		src := strings.TrimSpace(l.URL)
		if src == "" {
			src = strings.TrimSpace(l.ID)
		}
		if src == "" {
			c.logger.Warn("skipping lora without source", "id", l.ID)
			continue
		}

		if c.IsPassThrough(src) {
			resolved = append(resolved, models.ResolvedLoRA{RemoteID: src, Weight: l.Weight})
			continue
		}

		if mapping == nil {
			mapping = c.loadMapping(ctx)
		}

		if entry, ok := mapping[src]; ok && entry.RemoteID != "" {
			c.logger.Debug("mapping hit", "source", src, "remote_id", entry.RemoteID)
			resolved = append(resolved, models.ResolvedLoRA{RemoteID: entry.RemoteID, Weight: l.Weight})
			continue
		}

		if !isHTTPURL(src) {
			c.logger.Info("attempting upload of ambiguous lora source", "source", src)
		}

		remoteID, err := c.upload(ctx, src)
		if err != nil {
			c.logger.Warn("skipping lora", "source", src, "error", err)
			continue
		}

		entry := models.MappingEntry{RemoteID: remoteID, UploadedAt: time.Now().UTC()}
		mapping[src] = entry
		added[src] = entry
		resolved = append(resolved, models.ResolvedLoRA{RemoteID: remoteID, Weight: l.Weight})
		c.logger.Info("uploaded and mapped lora", "source", src, "remote_id", remoteID)
	}

	if len(added) > 0 {
		if err := c.store.Merge(ctx, added); err != nil {
			c.logger.Error("failed to persist lora mapping", "error", err)
		} else {
			c.logger.Info("lora mapping updated", "added", len(added))
		}
	}

	return resolved
}

// loadMapping falls back to an empty mapping when the store is unavailable;
// uploads stay idempotent because identifiers are derived from the URL.
func (c *LoRAResolutionCache) loadMapping(ctx context.Context) map[string]models.MappingEntry {
	mapping, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Error("failed to load lora mapping", "error", err)
		return make(map[string]models.MappingEntry)
	}
	if mapping == nil {
		return make(map[string]models.MappingEntry)
	}
	return mapping
}

func (c *LoRAResolutionCache) upload(ctx context.Context, source string) (string, error) {
	air, hash := AIRIdentifier(c.namespace, source)
	task := modelUploadTask{
		TaskType:         "modelUpload",
		TaskUUID:         uuid.NewString(),
		DeliveryMethod:   "sync",
		Category:         "lora",
		Architecture:     "flux1d",
		Format:           "safetensors",
		AIR:              air,
		UniqueIdentifier: hash,
		Name:             uploadName(source),
		Version:          "1.0",
		DownloadURL:      source,
		DefaultWeight:    1.0,
		Private:          true,
	}

	c.logger.Info("uploading lora", "name", task.Name, "air", air)

	resp, err := doJSON(ctx, c.client, http.MethodPost, c.endpoint, bearer(c.apiKey), []modelUploadTask{task})
	if err != nil {
		if c.optimistic && ctx.Err() == nil && isTimeout(err) {
			return c.optimisticID(air), nil
		}
		return "", fmt.Errorf("upload failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, resp.Snippet())
	}
	if msg := gjson.GetBytes(resp.Body, "data.0.error"); msg.Exists() {
		return "", fmt.Errorf("runware error: %s", msg.String())
	}
	if msg := gjson.GetBytes(resp.Body, "errors.0.message"); msg.Exists() {
		return "", fmt.Errorf("runware error: %s", msg.String())
	}

	c.logger.Info("upload accepted", "air", air, "status", gjson.GetBytes(resp.Body, "data.0.status").String())
	return air, nil
}

// optimisticID is the deferred-verification path: processing may still finish upstream.
func (c *LoRAResolutionCache) optimisticID(air string) string {
	c.logger.Warn("upload timed out, returning derived identifier", "air", air)
	return air
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
