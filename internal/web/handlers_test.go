package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/engine"
	"flux-lora-bridge/internal/generators"
	"flux-lora-bridge/internal/infra"
	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/models"
	"flux-lora-bridge/internal/storage"
)

var testPNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0, 0, 0, 0x0D, 'I', 'H', 'D', 'R'}

const testDictionary = `{
  "config": {"permanent_loras": [], "default_negative_prompt": "blurry"},
  "loras": {
    "jenna": {"url": "https://example.com/jenna.safetensors", "keywords": ["jenna"], "category": "character", "rank": 10},
    "smile": {"url": "https://example.com/smile.safetensors", "keywords": ["smile"], "category": "expression", "rank": 20}
  }
}`

type stubProvider struct {
	name  string
	image []byte
	err   error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Generate(ctx context.Context, prompt, negativePrompt string, loras []models.LoRASpec, params models.GenerationParams) ([]byte, error) {
	return p.image, p.err
}

type testEnv struct {
	server *httptest.Server
	hub    *ProgressHub
	store  interfaces.MappingStore
}

func newTestEnv(t *testing.T, providers ...interfaces.ImageProvider) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Summarizer.Enabled = false

	dict, err := generators.ParseLoRADictionary([]byte(testDictionary))
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "mapping.json"))
	if err != nil {
		t.Fatal(err)
	}

	hub := NewProgressHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	orchestrator := generators.NewFallbackOrchestrator(providers, cfg.MaxLoRAs, cfg.Providers.Primary, hub)
	bridge := engine.NewBridge(cfg, generators.NewLoRAManager(dict, cfg.LoRA.RoleCaps), nil, orchestrator)
	handlers := NewHandlers(cfg, bridge, store, infra.NewSpaceMonitor("", ""), hub)

	server := httptest.NewServer(NewRouter(handlers))
	t.Cleanup(server.Close)
	return &testEnv{server: server, hub: hub, store: store}
}

func (e *testEnv) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func (e *testEnv) post(t *testing.T, path, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func TestCompatibilityEndpoints(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]string{
		"/sdapi/v1/options":   `{}`,
		"/sdapi/v1/sd-models": `[{"hash":"flux1dev","model_name":"flux-dev","title":"flux-dev"}]`,
		"/sdapi/v1/samplers":  `[{"aliases":["euler a"],"name":"Euler a"}]`,
	}
	for path, want := range cases {
		code, body := env.get(t, path)
		if code != http.StatusOK || strings.TrimSpace(string(body)) != want {
			t.Errorf("%s: got %d %s", path, code, body)
		}
	}

	code, body := env.get(t, "/")
	if code != http.StatusOK || !strings.Contains(string(body), `"service":"Flux LoRA Bridge"`) {
		t.Errorf("root: got %d %s", code, body)
	}
}

func TestTxt2ImgEndpoint(t *testing.T) {
	env := newTestEnv(t,
		&stubProvider{name: config.ProviderRunware, err: errors.New("runware API error: 500")},
		&stubProvider{name: config.ProviderFAL, image: testPNG},
	)

	code, body := env.post(t, "/sdapi/v1/txt2img", `{"prompt":"jenna smile","seed":5,"sampler_name":"DPM++","batch_size":4}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}

	var resp models.Txt2ImgResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Images) != 1 || resp.Parameters.Provider != config.ProviderFAL || resp.Parameters.LoRAsUsed != 2 {
		t.Errorf("unexpected response %+v", resp.Parameters)
	}
	if resp.Parameters.Steps != 40 || resp.Parameters.Width != 1024 || resp.Parameters.Seed != 5 {
		t.Errorf("defaults not applied: %+v", resp.Parameters)
	}

	var status StatusResponse
	_, body = env.get(t, "/status")
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatal(err)
	}
	if status.Requests != 1 || status.Succeeded != 1 || status.ByProvider[config.ProviderFAL] != 1 {
		t.Errorf("unexpected counters %+v", status)
	}
	if status.TotalLoRAs != 2 || status.SummarizationEnabled {
		t.Errorf("unexpected status %+v", status)
	}

	if code, _ := env.post(t, "/reset", ""); code != http.StatusOK {
		t.Errorf("reset returned %d", code)
	}
	_, body = env.get(t, "/status")
	json.Unmarshal(body, &status)
	if status.Requests != 0 || status.ByProvider[config.ProviderFAL] != 0 {
		t.Errorf("reset did not zero counters: %+v", status)
	}
}

func TestTxt2ImgExhausted(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: config.ProviderRunware, err: errors.New("boom")})

	code, body := env.post(t, "/sdapi/v1/txt2img", `{"prompt":"jenna"}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	var detail map[string]string
	json.Unmarshal(body, &detail)
	if detail["detail"] != "All providers failed. Last error: boom" {
		t.Errorf("unexpected detail %q", detail["detail"])
	}
}

func TestTxt2ImgRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)

	if code, _ := env.post(t, "/sdapi/v1/txt2img", `{"prompt":`); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for malformed JSON, got %d", code)
	}
}

func TestTxt2ImgAcceptsEmptyPrompt(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: config.ProviderRunware, image: testPNG})

	code, body := env.post(t, "/sdapi/v1/txt2img", `{"steps":10}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200 without prompt, got %d: %s", code, body)
	}
	var resp models.Txt2ImgResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Parameters.OriginalPrompt != "" || resp.Parameters.Steps != 10 || len(resp.Images) != 1 {
		t.Errorf("unexpected parameters %+v", resp.Parameters)
	}
}

func TestLoRAEndpoints(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.get(t, "/api/v1/loras")
	if code != http.StatusOK || !strings.Contains(string(body), `"total":2`) {
		t.Errorf("loras: got %d %s", code, body)
	}

	code, body = env.post(t, "/api/v1/loras/match", `{"prompt":"jenna smile","provider":"pixeldojo"}`)
	if code != http.StatusOK {
		t.Fatalf("match: got %d %s", code, body)
	}
	var sel models.LoRASelection
	if err := json.Unmarshal(body, &sel); err != nil {
		t.Fatal(err)
	}
	if len(sel.Matched) != 2 || len(sel.LoRAs) != 1 || sel.LoRAs[0].ID != "jenna" {
		t.Errorf("unexpected selection %+v", sel)
	}

	if code, _ := env.post(t, "/api/v1/loras/match", `{"prompt":"x","provider":"nope"}`); code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown provider, got %d", code)
	}
}

func TestMappingEndpoint(t *testing.T) {
	env := newTestEnv(t)
	err := env.store.Merge(context.Background(), map[string]models.MappingEntry{
		"https://example.com/jenna.safetensors": {RemoteID: "fluxbridge:abc@1", UploadedAt: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}

	code, body := env.get(t, "/api/v1/mapping")
	if code != http.StatusOK || !strings.Contains(string(body), "fluxbridge:abc@1") || !strings.Contains(string(body), `"total":1`) {
		t.Errorf("mapping: got %d %s", code, body)
	}
}

func TestSpaceEndpointsUnconfigured(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.get(t, "/api/v1/space/status")
	if code != http.StatusOK || !strings.Contains(string(body), `"status":"unconfigured"`) {
		t.Errorf("status: got %d %s", code, body)
	}
	if code, _ := env.post(t, "/api/v1/space/warm", ""); code != http.StatusBadRequest {
		t.Errorf("warm: expected 400, got %d", code)
	}
}

func TestProgressWebsocket(t *testing.T) {
	env := newTestEnv(t, &stubProvider{name: config.ProviderRunware, image: testPNG})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]interface{}
	if err := conn.ReadJSON(&hello); err != nil || hello["type"] != "connected" {
		t.Fatalf("expected welcome, got %v %v", hello, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if code, body := env.post(t, "/sdapi/v1/txt2img", `{"prompt":"jenna"}`); code != http.StatusOK {
		t.Fatalf("txt2img: %d %s", code, body)
	}

	var statuses []string
	for len(statuses) < 2 {
		var msg struct {
			Type     string `json:"type"`
			Provider string `json:"provider"`
			Status   string `json:"status"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != "attempt" || msg.Provider != config.ProviderRunware {
			t.Errorf("unexpected message %+v", msg)
		}
		statuses = append(statuses, msg.Status)
	}
	if statuses[0] != models.AttemptStarted || statuses[1] != models.AttemptSucceeded {
		t.Errorf("unexpected statuses %v", statuses)
	}
}
