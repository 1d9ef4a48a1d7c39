package web

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/engine"
	"flux-lora-bridge/internal/generators"
	"flux-lora-bridge/internal/infra"
	"flux-lora-bridge/internal/interfaces"
	"flux-lora-bridge/internal/models"
)

const serviceVersion = "3.0.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stats counts txt2img outcomes since start or the last reset.
type Stats struct {
	Requests  atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64

	mu         sync.RWMutex
	byProvider map[string]*atomic.Int64
}

func NewStats(providers []string) *Stats {
	s := &Stats{byProvider: make(map[string]*atomic.Int64, len(providers))}
	for _, p := range providers {
		s.byProvider[p] = atomic.NewInt64(0)
	}
	return s
}

func (s *Stats) recordSuccess(provider string) {
	s.Succeeded.Inc()

	s.mu.RLock()
	c, ok := s.byProvider[provider]
	s.mu.RUnlock()
	if ok {
		c.Inc()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.byProvider[provider]; !ok {
		c = atomic.NewInt64(0)
		s.byProvider[provider] = c
	}
	c.Inc()
}

// Snapshot returns the per-provider success counts.
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.byProvider))
	for p, c := range s.byProvider {
		out[p] = c.Load()
	}
	return out
}

func (s *Stats) Reset() {
	s.Requests.Store(0)
	s.Succeeded.Store(0)
	s.Failed.Store(0)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.byProvider {
		c.Store(0)
	}
}

type Handlers struct {
	config *config.Config
	bridge *engine.Bridge
	store  interfaces.MappingStore
	space  *infra.SpaceMonitor
	hub    *ProgressHub
	stats  *Stats
	logger *slog.Logger
}

// NewHandlers builds the handler set. store, space and hub may be nil.
func NewHandlers(cfg *config.Config, bridge *engine.Bridge, store interfaces.MappingStore, space *infra.SpaceMonitor, hub *ProgressHub) *Handlers {
	return &Handlers{
		config: cfg,
		bridge: bridge,
		store:  store,
		space:  space,
		hub:    hub,
		stats:  NewStats(bridge.Providers()),
		logger: slog.Default().With("component", "http"),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"elapsed", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(corsMiddleware)

	r.Get("/", h.Root)
	r.Get("/health", h.HealthCheck)
	r.Get("/status", h.Status)
	r.Post("/reset", h.Reset)

	r.Route("/sdapi/v1", func(r chi.Router) {
		r.Get("/options", h.Options)
		r.Get("/sd-models", h.SDModels)
		r.Get("/samplers", h.Samplers)
		r.Post("/txt2img", h.Txt2Img)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/loras", h.ListLoRAs)
		r.Post("/loras/match", h.MatchLoRAs)
		r.Get("/mapping", h.Mapping)
		r.Get("/space/status", h.SpaceStatus)
		r.Post("/space/warm", h.WarmSpace)
		r.Get("/ws/progress", h.Progress)
	})

	return r
}

func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service":  "Flux LoRA Bridge",
		"version":  serviceVersion,
		"status":   "running",
		"features": "Prompt summarization, keyword-based LoRA injection, multi-provider fallback",
	})
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "flux-lora-bridge",
	})
}

func (h *Handlers) Options(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (h *Handlers) SDModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]string{
		{"title": "flux-dev", "model_name": "flux-dev", "hash": "flux1dev"},
	})
}

func (h *Handlers) Samplers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []map[string]interface{}{
		{"name": "Euler a", "aliases": []string{"euler a"}},
	})
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status               string           `json:"status"`
	Providers            []string         `json:"providers"`
	SummarizationEnabled bool             `json:"summarization_enabled"`
	Model                string           `json:"model"`
	TotalLoRAs           int              `json:"total_loras"`
	Requests             int64            `json:"requests"`
	Succeeded            int64            `json:"succeeded"`
	Failed               int64            `json:"failed"`
	ByProvider           map[string]int64 `json:"by_provider"`
	ProgressClients      int              `json:"progress_clients"`
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:               "running",
		Providers:            h.bridge.Providers(),
		SummarizationEnabled: h.bridge.SummarizationEnabled(),
		Model:                h.config.Summarizer.Model,
		TotalLoRAs:           h.bridge.LoRAs().Dictionary().Len(),
		Requests:             h.stats.Requests.Load(),
		Succeeded:            h.stats.Succeeded.Load(),
		Failed:               h.stats.Failed.Load(),
		ByProvider:           h.stats.Snapshot(),
	}
	if h.hub != nil {
		resp.ProgressClients = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) Reset(w http.ResponseWriter, r *http.Request) {
	h.stats.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Bridge reset", "status": "running"})
}

func (h *Handlers) Txt2Img(w http.ResponseWriter, r *http.Request) {
	req := models.NewTxt2ImgRequest()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}

	h.stats.Requests.Inc()
	resp, err := h.bridge.Txt2Img(r.Context(), req)
	if err != nil {
		h.stats.Failed.Inc()
		var exhausted *generators.ExhaustedError
		if errors.As(err, &exhausted) {
			writeDetail(w, http.StatusInternalServerError, exhausted.Error())
			return
		}
		h.logger.Error("txt2img failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.stats.recordSuccess(resp.Parameters.Provider)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ListLoRAs(w http.ResponseWriter, r *http.Request) {
	dict := h.bridge.LoRAs().Dictionary()
	permanent := make([]string, 0)
	for _, e := range dict.Permanent() {
		permanent = append(permanent, e.ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     dict.Len(),
		"permanent": permanent,
		"loras":     dict.Entries(),
	})
}

// MatchRequest is the body of POST /api/v1/loras/match
type MatchRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Provider       string `json:"provider"`
}

func (h *Handlers) MatchLoRAs(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider != "" && !h.config.HasProvider(req.Provider) {
		writeDetail(w, http.StatusBadRequest, "unknown provider: "+req.Provider)
		return
	}
	writeJSON(w, http.StatusOK, h.bridge.Preview(req.Prompt, req.NegativePrompt, req.Provider))
}

func (h *Handlers) Mapping(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeDetail(w, http.StatusServiceUnavailable, "mapping store not initialized")
		return
	}
	mapping, err := h.store.Load(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to load mapping: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backend": h.config.Mapping.Backend,
		"total":   len(mapping),
		"mapping": mapping,
	})
}

func (h *Handlers) SpaceStatus(w http.ResponseWriter, r *http.Request) {
	if h.space == nil {
		writeDetail(w, http.StatusServiceUnavailable, "space monitor not initialized")
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		h.space.Check(r.Context())
	}
	writeJSON(w, http.StatusOK, h.space.State())
}

func (h *Handlers) WarmSpace(w http.ResponseWriter, r *http.Request) {
	if h.space == nil {
		writeDetail(w, http.StatusServiceUnavailable, "space monitor not initialized")
		return
	}
	if err := h.space.Warm(r.Context()); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	state := h.space.State()
	status := http.StatusAccepted
	if state.Status == infra.SpaceStatusRunning {
		status = http.StatusOK
	}
	writeJSON(w, status, state)
}

// Progress upgrades to a websocket that receives attempt events.
func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeDetail(w, http.StatusServiceUnavailable, "hub not initialized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:   generateClientID(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h.hub,
	}

	welcome, _ := json.Marshal(map[string]interface{}{
		"type": "connected",
		"id":   client.ID,
		"time": time.Now().Unix(),
	})
	client.Send <- welcome

	if !h.hub.join(client) {
		conn.Close()
		return
	}
	go client.readPump()
}

// generateClientID generates a unique client ID
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}
