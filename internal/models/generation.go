package models

import "time"

// GenerationParams are the sampling parameters shared by every provider attempt.
type GenerationParams struct {
	Steps    int     `json:"steps"`
	CFGScale float64 `json:"cfg_scale"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Seed     int64   `json:"seed"`
}

// Txt2ImgRequest is the A1111-compatible request body. Legacy fields are accepted and ignored.
type Txt2ImgRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`

	BatchSize                         int            `json:"batch_size"`
	NIter                             int            `json:"n_iter"`
	SamplerName                       string         `json:"sampler_name"`
	SamplerIndex                      string         `json:"sampler_index"`
	EnableHR                          bool           `json:"enable_hr"`
	DenoisingStrength                 float64        `json:"denoising_strength"`
	RestoreFaces                      bool           `json:"restore_faces"`
	Tiling                            bool           `json:"tiling"`
	OverrideSettings                  map[string]any `json:"override_settings"`
	OverrideSettingsRestoreAfterwards bool           `json:"override_settings_restore_afterwards"`
}

// NewTxt2ImgRequest returns a request carrying the documented defaults.
func NewTxt2ImgRequest() Txt2ImgRequest {
	return Txt2ImgRequest{
		Steps:                             40,
		CFGScale:                          3.5,
		Width:                             1024,
		Height:                            1024,
		Seed:                              -1,
		BatchSize:                         1,
		NIter:                             1,
		SamplerName:                       "Euler a",
		SamplerIndex:                      "Euler a",
		DenoisingStrength:                 0.7,
		OverrideSettings:                  map[string]any{},
		OverrideSettingsRestoreAfterwards: true,
	}
}

// GenerationInfo mirrors the parameters block of the txt2img response.
type GenerationInfo struct {
	OriginalPrompt       string  `json:"original_prompt"`
	SummarizedPrompt     string  `json:"summarized_prompt"`
	FinalPrompt          string  `json:"final_prompt"`
	NegativePrompt       string  `json:"negative_prompt"`
	Steps                int     `json:"steps"`
	CFGScale             float64 `json:"cfg_scale"`
	Width                int     `json:"width"`
	Height               int     `json:"height"`
	Seed                 int64   `json:"seed"`
	Provider             string  `json:"provider"`
	LoRAsUsed            int     `json:"loras_used"`
	SummarizationEnabled bool    `json:"summarization_enabled"`
	TotalTimeSeconds     float64 `json:"total_time_seconds"`
}

type Txt2ImgResponse struct {
	Images     []string       `json:"images"`
	Parameters GenerationInfo `json:"parameters"`
	Info       string         `json:"info"`
}

// AttemptResult records one provider attempt.
type AttemptResult struct {
	Provider string        `json:"provider"`
	Success  bool          `json:"success"`
	Image    []byte        `json:"-"`
	Error    string        `json:"error,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// GenerationResult is the orchestrator's successful outcome with provenance.
type GenerationResult struct {
	Image     []byte          `json:"-"`
	Provider  string          `json:"provider"`
	LoRAsUsed int             `json:"loras_used"`
	Elapsed   time.Duration   `json:"elapsed"`
	Attempts  []AttemptResult `json:"attempts"`
}

// Attempt states broadcast to progress listeners.
const (
	AttemptStarted   = "started"
	AttemptFailed    = "failed"
	AttemptSucceeded = "succeeded"
)

// AttemptEvent is published for every state change of a provider attempt.
type AttemptEvent struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LoRAs     int    `json:"loras"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// LoRASelection previews what one provider would receive for a prompt.
type LoRASelection struct {
	Provider       string        `json:"provider"`
	Matched        []MatchedLoRA `json:"matched"`
	Capped         []MatchedLoRA `json:"capped"`
	LoRAs          []LoRASpec    `json:"loras"`
	Prompt         string        `json:"prompt"`
	NegativePrompt string        `json:"negative_prompt"`
}
