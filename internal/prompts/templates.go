package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
)

// Template names used by the summarizer.
const (
	SummarySystem = "summary_system"
	SummaryUser   = "summary_user"
)

var varRegex = regexp.MustCompile(`\{\{(\w+)\}\}`)

// TemplateEngine manages prompt templates
type TemplateEngine struct {
	templates map[string]*Template
	mu        sync.RWMutex
}

// Template represents a prompt template with {{variable}} placeholders
type Template struct {
	Name        string   `json:"name"`
	Content     string   `json:"content"`
	Variables   []string `json:"variables"`
	Description string   `json:"description"`
}

// NewTemplateEngine returns an engine preloaded with the default templates.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, tmpl := range defaultTemplates() {
		e.RegisterTemplate(tmpl)
	}
	return e
}

func (e *TemplateEngine) RegisterTemplate(tmpl *Template) error {
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}
	tmpl.Variables = ParseTemplateVariables(tmpl.Content)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[tmpl.Name] = tmpl
	return nil
}

func (e *TemplateEngine) GetTemplate(name string) (*Template, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	tmpl, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", name)
	}
	return tmpl, nil
}

// Render substitutes vars into the named template. Unknown placeholders are kept as written.
func (e *TemplateEngine) Render(name string, vars map[string]string) (string, error) {
	tmpl, err := e.GetTemplate(name)
	if err != nil {
		return "", err
	}

	return varRegex.ReplaceAllStringFunc(tmpl.Content, func(match string) string {
		if value, ok := vars[varRegex.FindStringSubmatch(match)[1]]; ok {
			return value
		}
		return match
	}), nil
}

// LoadFile registers every template in a JSON array file, replacing same-named ones.
func (e *TemplateEngine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read templates: %w", err)
	}

	var templates []*Template
	if err := json.Unmarshal(data, &templates); err != nil {
		return fmt.Errorf("failed to unmarshal templates: %w", err)
	}
	for _, tmpl := range templates {
		if err := e.RegisterTemplate(tmpl); err != nil {
			return err
		}
	}
	return nil
}

// ParseTemplateVariables extracts variable names from a template, sorted.
func ParseTemplateVariables(content string) []string {
	unique := make(map[string]bool)
	for _, match := range varRegex.FindAllStringSubmatch(content, -1) {
		unique[match[1]] = true
	}

	vars := make([]string, 0, len(unique))
	for v := range unique {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

func defaultTemplates() []*Template {
	return []*Template{
		{
			Name:        SummarySystem,
			Description: "Visual prompt extraction for Flux",
			Content: `You are a visual prompt engineer for Flux AI image generation. Extract explicit visual instructions from narrative text in {{max_length}} words or less.

CHARACTER NAME RULE (MANDATORY):
- PRESERVE ALL CHARACTER NAMES EXACTLY AS WRITTEN, never replace a name with a description such as "the woman"
- Names are LoRA triggers, changing them breaks the image

MULTI-CHARACTER RULES (critical for 2+ people):
- State exact spatial positions of every character
- Use directional terms: foreground/background, left/right, facing toward/away
- Specify who does what to whom
- For 3+ characters: focus on the primary interaction, place others as "visible in frame"

STRUCTURE:
[character name + appearance] + [action with positions] + [camera angle/framing] + "photorealistic, detailed"

Remove: dialogue, internal thoughts, meta-commentary, filler text, repetition.
Output ONLY the visual prompt. No explanations.{{name_rule}}`,
		},
		{
			Name:        SummaryUser,
			Description: "User turn wrapping the narrative prompt",
			Content:     "Extract visual prompt in {{max_length}} words max:\n\n{{prompt}}",
		},
	}
}
