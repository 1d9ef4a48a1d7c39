package models

import (
	"encoding/json"
	"time"
)

// DefaultRole is assigned to dictionary entries without a category.
const DefaultRole = "misc"

// DefaultRank is assigned to dictionary entries without a rank.
const DefaultRank = 999

// LoRAEntry is one record of the LoRA dictionary.
type LoRAEntry struct {
	ID             string   `json:"id"`
	URL            string   `json:"url"`
	Weight         float64  `json:"weight"`
	Name           string   `json:"name"`
	Keywords       []string `json:"keywords"`
	Category       string   `json:"category"`
	Rank           int      `json:"rank"`
	PrependPrompt  string   `json:"prepend_prompt,omitempty"`
	AppendPrompt   string   `json:"append_prompt,omitempty"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Permanent      bool     `json:"permanent,omitempty"`
}

// DictionarySettings is the "config" block of the dictionary file.
type DictionarySettings struct {
	PermanentLoRAs        []string `json:"permanent_loras"`
	DefaultNegativePrompt string   `json:"default_negative_prompt"`
}

// MatchedLoRA is a dictionary entry selected for a request.
// Reason is "permanent" or "keyword:<token>".
type MatchedLoRA struct {
	Entry  LoRAEntry `json:"entry"`
	Reason string    `json:"reason"`
}

// LoRASpec is what a provider client receives after pruning and truncation.
type LoRASpec struct {
	ID     string  `json:"id"`
	URL    string  `json:"url"`
	Weight float64 `json:"weight"`
	Name   string  `json:"name"`
}

// ResolvedLoRA is a LoRA expressed in the primary provider's model namespace.
type ResolvedLoRA struct {
	RemoteID string  `json:"model"`
	Weight   float64 `json:"weight"`
}

// MappingEntry is the persisted value for one source URL.
type MappingEntry struct {
	RemoteID   string    `json:"runware_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// timestampLayouts are tried in order; zone-less timestamps are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp reads RFC 3339 and zone-less ISO 8601 timestamps.
// Unreadable values give the zero time.
func ParseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// UnmarshalJSON keeps the identifier even when uploaded_at is missing or malformed.
func (e *MappingEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		RemoteID   string          `json:"runware_id"`
		UploadedAt json.RawMessage `json:"uploaded_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.RemoteID = raw.RemoteID
	e.UploadedAt = time.Time{}

	var ts string
	if len(raw.UploadedAt) > 0 && json.Unmarshal(raw.UploadedAt, &ts) == nil {
		e.UploadedAt = ParseTimestamp(ts)
	}
	return nil
}

// LoRAMapping is the relational row behind the SQL mapping stores.
type LoRAMapping struct {
	SourceHash string    `gorm:"primaryKey;size:64" json:"source_hash"`
	SourceURL  string    `gorm:"type:text;not null" json:"source_url"`
	RemoteID   string    `gorm:"size:255;not null" json:"remote_id"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (LoRAMapping) TableName() string {
	return "lora_mappings"
}
