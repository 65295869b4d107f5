package ai

import (
	"fmt"
	"strings"
	"sync"
)

// Registry dispatches a model name to the adapter for its provider family.
// The model -> family mapping is a closed set resolved at startup; there is
// no dynamic plugin loading.
type Registry struct {
	mu       sync.RWMutex
	families map[string]StreamProvider
	models   map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		families: make(map[string]StreamProvider),
		models:   make(map[string]string),
	}
}

// RegisterFamily binds a provider family name ("openai", "gemini", ...) to
// its adapter instance.
func (r *Registry) RegisterFamily(family string, p StreamProvider) {
	family = strings.ToLower(strings.TrimSpace(family))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[family] = p
}

// MapModel declares that a model name belongs to a family.
func (r *Registry) MapModel(model, family string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[strings.ToLower(strings.TrimSpace(model))] = strings.ToLower(strings.TrimSpace(family))
}

// ForModel resolves the adapter serving the given model name.
func (r *Registry) ForModel(model string) (StreamProvider, error) {
	model = strings.ToLower(strings.TrimSpace(model))
	r.mu.RLock()
	defer r.mu.RUnlock()
	family, ok := r.models[model]
	if !ok {
		return nil, fmt.Errorf("unknown model: %s", model)
	}
	p, ok := r.families[family]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider family: %s", family)
	}
	return p, nil
}

// DefaultModelFamilies is the shipped model -> family mapping.
var DefaultModelFamilies = map[string]string{
	// Gemini models
	"gemini-1.5-flash":      "gemini",
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash-8b":   "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.0-flash":      "gemini",

	// OpenAI models
	"gpt-3.5-turbo": "openai",
	"gpt-4":         "openai",
	"gpt-4-turbo":   "openai",
	"gpt-4o":        "openai",
	"gpt-4o-mini":   "openai",

	// Local models served by Ollama
	"llama3:latest":  "ollama",
	"mistral:latest": "ollama",
}

// LoadDefaultModels installs DefaultModelFamilies into the registry.
func (r *Registry) LoadDefaultModels() {
	for model, family := range DefaultModelFamilies {
		r.MapModel(model, family)
	}
}
