package generators

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"flux-lora-bridge/internal/models"
)

// LoRADictionary is the read-only set of LoRA entries loaded at startup.
// Entries keep the order in which the file declares them.
type LoRADictionary struct {
	Settings models.DictionarySettings
	entries  []models.LoRAEntry
	index    map[string]int
}

// rawEntry distinguishes missing fields from zero values.
type rawEntry struct {
	URL            string   `json:"url"`
	Weight         *float64 `json:"weight"`
	Name           string   `json:"name"`
	Keywords       []string `json:"keywords"`
	Category       string   `json:"category"`
	Rank           *int     `json:"rank"`
	PrependPrompt  string   `json:"prepend_prompt"`
	AppendPrompt   string   `json:"append_prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Permanent      bool     `json:"permanent"`
}

// LoadLoRADictionary reads a dictionary file.
func LoadLoRADictionary(path string) (*LoRADictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lora dictionary: %w", err)
	}
	return ParseLoRADictionary(data)
}

// ParseLoRADictionary parses dictionary JSON of the form {"config": {...}, "loras": {id: {...}}}.
func ParseLoRADictionary(data []byte) (*LoRADictionary, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("failed to parse lora dictionary: invalid JSON")
	}
	doc := gjson.ParseBytes(data)

	d := &LoRADictionary{index: make(map[string]int)}

	if settings := doc.Get("config"); settings.Exists() {
		if err := json.Unmarshal([]byte(settings.Raw), &d.Settings); err != nil {
			return nil, fmt.Errorf("failed to parse dictionary config: %w", err)
		}
	}

	var parseErr error
	doc.Get("loras").ForEach(func(key, value gjson.Result) bool {
		var raw rawEntry
		if err := json.Unmarshal([]byte(value.Raw), &raw); err != nil {
			parseErr = fmt.Errorf("failed to parse lora %q: %w", key.Str, err)
			return false
		}
		d.add(key.Str, raw)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return d, nil
}

func (d *LoRADictionary) add(id string, raw rawEntry) {
	entry := models.LoRAEntry{
		ID:             id,
		URL:            raw.URL,
		Weight:         1.0,
		Name:           raw.Name,
		Keywords:       raw.Keywords,
		Category:       raw.Category,
		Rank:           models.DefaultRank,
		PrependPrompt:  raw.PrependPrompt,
		AppendPrompt:   raw.AppendPrompt,
		NegativePrompt: raw.NegativePrompt,
		Permanent:      raw.Permanent,
	}
	if raw.Weight != nil {
		entry.Weight = *raw.Weight
	}
	if raw.Rank != nil {
		entry.Rank = *raw.Rank
	}
	if entry.Category == "" {
		entry.Category = models.DefaultRole
	}
	if entry.Name == "" {
		entry.Name = id
	}

	if i, exists := d.index[id]; exists {
		d.entries[i] = entry
		return
	}
	d.index[id] = len(d.entries)
	d.entries = append(d.entries, entry)
}

// Get returns a copy of the entry with the given id.
func (d *LoRADictionary) Get(id string) (models.LoRAEntry, bool) {
	i, ok := d.index[id]
	if !ok {
		return models.LoRAEntry{}, false
	}
	return d.entries[i], true
}

// Entries returns a copy of all entries in declared order.
func (d *LoRADictionary) Entries() []models.LoRAEntry {
	out := make([]models.LoRAEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *LoRADictionary) Len() int {
	return len(d.entries)
}

// Permanent returns the always-included entries: the configured list first, then flagged entries.
func (d *LoRADictionary) Permanent() []models.LoRAEntry {
	var out []models.LoRAEntry
	seen := make(map[string]bool)
	for _, id := range d.Settings.PermanentLoRAs {
		if e, ok := d.Get(id); ok && !seen[id] {
			out = append(out, e)
			seen[id] = true
		}
	}
	for _, e := range d.entries {
		if e.Permanent && !seen[e.ID] {
			out = append(out, e)
			seen[e.ID] = true
		}
	}
	return out
}
