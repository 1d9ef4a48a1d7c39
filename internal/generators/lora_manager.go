package generators

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"

	"flux-lora-bridge/internal/models"
)

// ReasonPermanent marks entries included regardless of keywords.
const ReasonPermanent = "permanent"

// inlineSpecPattern matches provider model references such as "runware:101@1"
// and multi-segment AIRs such as "urn:air:flux1:lora:civitai:1@2".
var inlineSpecPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+(:[A-Za-z0-9_.\-]+)+@[A-Za-z0-9_.\-]+$`)

// promptSegmentDelimiter splits prompts into deduplication segments.
var promptSegmentDelimiter = regexp.MustCompile(`[,.]`)

// IsInlineSpec reports whether s has the <token>:<token>@<token> shape.
func IsInlineSpec(s string) bool {
	return inlineSpecPattern.MatchString(strings.TrimSpace(s))
}

// LoRAManager selects dictionary entries for a prompt and builds the enhanced prompt pair.
type LoRAManager struct {
	dict     *LoRADictionary
	roleCaps map[string]int
	logger   *slog.Logger
}

// NewLoRAManager creates a manager. Roles absent from roleCaps are uncapped.
func NewLoRAManager(dict *LoRADictionary, roleCaps map[string]int) *LoRAManager {
	caps := make(map[string]int, len(roleCaps))
	for role, n := range roleCaps {
		caps[role] = n
	}
	return &LoRAManager{
		dict:     dict,
		roleCaps: caps,
		logger:   slog.Default().With("component", "lora"),
	}
}

func (m *LoRAManager) Dictionary() *LoRADictionary {
	return m.dict
}

// Match returns permanent entries plus keyword matches, stably sorted by rank.
func (m *LoRAManager) Match(prompt, negativePrompt string) []models.MatchedLoRA {
	corpus := strings.ToLower(prompt) + " " + strings.ToLower(negativePrompt)

	var matched []models.MatchedLoRA
	seen := make(map[string]bool)

	for _, e := range m.dict.Permanent() {
		matched = append(matched, models.MatchedLoRA{Entry: e, Reason: ReasonPermanent})
		seen[e.ID] = true
	}

	for _, e := range m.dict.Entries() {
		if seen[e.ID] {
			continue
		}
		keyword, ok := lo.Find(e.Keywords, func(k string) bool {
			k = strings.ToLower(k)
			return k != "" && strings.Contains(corpus, k)
		})
		if !ok {
			continue
		}
		matched = append(matched, models.MatchedLoRA{Entry: e, Reason: "keyword:" + keyword})
		seen[e.ID] = true
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Entry.Rank < matched[j].Entry.Rank
	})

	m.logger.Debug("matched loras",
		"count", len(matched),
		"ids", lo.Map(matched, func(x models.MatchedLoRA, _ int) string { return x.Entry.ID }))
	return matched
}

// ApplyRoleCaps keeps, per role, only the first cap entries of an already rank-sorted list.
func (m *LoRAManager) ApplyRoleCaps(matched []models.MatchedLoRA) []models.MatchedLoRA {
	counts := make(map[string]int)
	kept := make([]models.MatchedLoRA, 0, len(matched))
	for _, item := range matched {
		role := item.Entry.Category
		if role == "" {
			role = models.DefaultRole
		}
		if counts[role] >= m.capFor(role) {
			m.logger.Debug("role cap reached", "id", item.Entry.ID, "role", role)
			continue
		}
		counts[role]++
		kept = append(kept, item)
	}
	if len(kept) != len(matched) {
		m.logger.Info("applied role caps", "kept", len(kept), "matched", len(matched), "counts", counts)
	}
	return kept
}

func (m *LoRAManager) capFor(role string) int {
	if n, ok := m.roleCaps[role]; ok {
		return n
	}
	return math.MaxInt
}

// PruneForProvider drops inline provider specs unless the target is the primary provider.
func PruneForProvider(matched []models.MatchedLoRA, provider, primary string) []models.MatchedLoRA {
	if provider == primary {
		return matched
	}
	return lo.Filter(matched, func(item models.MatchedLoRA, _ int) bool {
		return !IsInlineSpec(item.Entry.URL)
	})
}

// Truncate keeps the first max entries and converts them to provider specs.
func Truncate(matched []models.MatchedLoRA, max int) []models.LoRASpec {
	if max < 0 {
		max = 0
	}
	if len(matched) > max {
		matched = matched[:max]
	}
	return lo.Map(matched, func(item models.MatchedLoRA, _ int) models.LoRASpec {
		return models.LoRASpec{
			ID:     item.Entry.ID,
			URL:    item.Entry.URL,
			Weight: item.Entry.Weight,
			Name:   item.Entry.Name,
		}
	})
}

// BuildPrompt returns the enhanced prompt and negative prompt for the selected entries.
func (m *LoRAManager) BuildPrompt(original string, matched []models.MatchedLoRA) (string, string) {
	var prepend, appendParts []string
	negative := []string{strings.TrimSpace(m.dict.Settings.DefaultNegativePrompt)}

	for _, item := range matched {
		if s := strings.TrimSpace(item.Entry.PrependPrompt); s != "" {
			prepend = append(prepend, s)
		}
		if s := strings.TrimSpace(item.Entry.AppendPrompt); s != "" {
			appendParts = append(appendParts, s)
		}
		if s := strings.TrimSpace(item.Entry.NegativePrompt); s != "" {
			negative = append(negative, s)
		}
	}

	parts := append(append(prepend, original), appendParts...)
	prompt := strings.Join(lo.Compact(parts), " ")
	neg := strings.Join(lo.Compact(negative), ", ")

	return DeduplicatePrompt(prompt), DeduplicatePrompt(neg)
}

// DeduplicatePrompt drops repeated comma/period separated segments, comparing them
// case-insensitively and keeping the first occurrence as written. Empty segments stay.
func DeduplicatePrompt(prompt string) string {
	parts := promptSegmentDelimiter.Split(prompt, -1)
	seen := make(map[string]bool)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		key := strings.ToLower(strings.TrimSpace(part))
		switch {
		case key == "":
			out = append(out, part)
		case !seen[key]:
			seen[key] = true
			out = append(out, strings.TrimSpace(part))
		}
	}
	return strings.TrimSpace(strings.Join(out, ", "))
}
