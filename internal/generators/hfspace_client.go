package generators

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

// spaceLoRA is one entry of the Space's lora_strings_json parameter.
type spaceLoRA struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Weight  float64 `json:"weight"`
	Repo    string  `json:"repo,omitempty"`
	Weights string  `json:"weights,omitempty"`
}

// SpaceURL turns "owner/space" into the Space's direct host URL.
func SpaceURL(space string) string {
	if strings.HasPrefix(space, "http://") || strings.HasPrefix(space, "https://") {
		return strings.TrimRight(space, "/")
	}
	host := strings.ToLower(space)
	host = strings.NewReplacer("/", "-", "_", "-", ".", "-").Replace(host)
	return "https://" + host + ".hf.space"
}

// SplitHFResolveURL splits https://huggingface.co/<owner>/<repo>/resolve/<rev>/<file>
// into "<owner>/<repo>" and "<file>".
func SplitHFResolveURL(raw string) (repo, weights string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.HasSuffix(u.Host, "huggingface.co") {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 5 || parts[2] != "resolve" {
		return "", "", false
	}
	return parts[0] + "/" + parts[1], strings.Join(parts[4:], "/"), true
}

// HFSpaceClient calls a Gradio Space through its REST queue API.
type HFSpaceClient struct {
	cfg     config.HFSpaceConfig
	baseURL string
	client  *http.Client
	pool    *WorkerPool
	fetcher *AssetFetcher
	logger  *slog.Logger
}

func NewHFSpaceClient(cfg config.HFSpaceConfig, pool *WorkerPool, fetcher *AssetFetcher) *HFSpaceClient {
	base := cfg.BaseURL
	if base == "" && cfg.Space != "" {
		base = SpaceURL(cfg.Space)
	}
	if cfg.APIName == "" {
		cfg.APIName = "/run_lora"
	}
	return &HFSpaceClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(base, "/"),
		client:  newHTTPClient(cfg.Timeout),
		pool:    pool,
		fetcher: fetcher,
		logger:  slog.Default().With("component", config.ProviderHFZeroGPU),
	}
}

func (c *HFSpaceClient) Name() string {
	return config.ProviderHFZeroGPU
}

// BaseURL is the resolved Space URL, empty when unconfigured.
func (c *HFSpaceClient) BaseURL() string {
	return c.baseURL
}

func (c *HFSpaceClient) headers() map[string]string {
	if c.cfg.Token == "" {
		return nil
	}
	return bearer(c.cfg.Token)
}

func (c *HFSpaceClient) Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("HF_SPACE_NAME: %w", ErrNotConfigured)
	}

	loraJSON, err := json.Marshal(c.spaceLoRAs(loras))
	if err != nil {
		return nil, fmt.Errorf("failed to encode loras: %w", err)
	}

	randomize := params.Seed == -1
	seed := params.Seed
	if randomize {
		seed = 0
	}
	args := []interface{}{
		prompt,
		"",
		string(loraJSON),
		params.CFGScale,
		params.Steps,
		randomize,
		seed,
		params.Width,
		params.Height,
		false,
		"", "", "", "",
	}

	c.logger.Info("generation request",
		"prompt_hash", PromptHash(prompt),
		"words", len(strings.Fields(prompt)),
		"loras", len(loras),
		"space", c.baseURL)

	return runBlocking(ctx, c.pool, "hfspace-"+uuid.NewString(), func(ctx context.Context) ([]byte, error) {
		result, err := c.predict(ctx, args)
		if err != nil {
			return nil, err
		}
		return c.resolveResult(ctx, result)
	})
}

func (c *HFSpaceClient) spaceLoRAs(loras []models.LoRASpec) []spaceLoRA {
	out := make([]spaceLoRA, 0, len(loras))
	for _, l := range loras {
		entry := spaceLoRA{ID: l.ID, URL: l.URL, Weight: l.Weight}
		if repo, weights, ok := SplitHFResolveURL(l.URL); ok {
			entry.Repo = repo
			entry.Weights = weights
		}
		out = append(out, entry)
	}
	return out
}

// predict submits the call and reads its event stream until completion.
func (c *HFSpaceClient) predict(ctx context.Context, args []interface{}) (gjson.Result, error) {
	callURL := c.baseURL + "/gradio_api/call" + c.cfg.APIName

	resp, err := doJSON(ctx, c.client, http.MethodPost, callURL, c.headers(), map[string]interface{}{"data": args})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("space call failed: %w", err)
	}
	if !resp.OK() {
		return gjson.Result{}, fmt.Errorf("space call failed with status %d: %s", resp.StatusCode, resp.Snippet())
	}
	eventID := gjson.GetBytes(resp.Body, "event_id").String()
	if eventID == "" {
		return gjson.Result{}, fmt.Errorf("space call returned no event_id")
	}

	return c.awaitEvent(ctx, callURL+"/"+eventID)
}

func (c *HFSpaceClient) awaitEvent(ctx context.Context, streamURL string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("space result stream failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("space result stream failed with status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				return gjson.Parse(data), nil
			case "error":
				if data == "" || data == "null" {
					data = "unknown error"
				}
				return gjson.Result{}, fmt.Errorf("space returned error: %s", data)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read space result stream: %w", err)
	}
	return gjson.Result{}, errors.New("space result stream ended without completion")
}

// resolveResult reads the first output as a file reference (local path or URL),
// falling back to generic extraction over the whole result.
func (c *HFSpaceClient) resolveResult(ctx context.Context, result gjson.Result) ([]byte, error) {
	first := result
	if result.IsArray() {
		first = result.Get("0")
	}

	var ref string
	switch {
	case first.IsObject():
		ref = first.Get("path").String()
		if ref == "" {
			ref = first.Get("url").String()
		}
	case first.Type == gjson.String:
		ref = first.Str
	}

	if ref != "" {
		if info, err := os.Stat(ref); err == nil && !info.IsDir() {
			data, err := os.ReadFile(ref)
			if err != nil {
				return nil, fmt.Errorf("failed to read space output: %w", err)
			}
			c.logger.Info("image read from file", "bytes", len(data))
			return data, nil
		}
		if isHTTPURL(ref) {
			data, err := c.fetcher.Download(ctx, ref)
			if err != nil {
				return nil, err
			}
			c.logger.Info("image downloaded", "bytes", len(data))
			return data, nil
		}
	}

	candidate, ok := ExtractCandidateFrom(result)
	if !ok {
		return nil, fmt.Errorf("[HF ZeroGPU] %w", ErrNoImageCandidate)
	}
	data, err := c.fetcher.Resolve(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("[HF ZeroGPU] %w", err)
	}
	c.logger.Info("image resolved", "bytes", len(data))
	return data, nil
}
