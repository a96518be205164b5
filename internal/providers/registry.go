package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh adapter instance. Adapters hold per-turn
// accumulation state, so every loop gets its own instance — sharing one
// across runners would cross-contaminate partial tool-call buffers.
type Factory func() Adapter

// Registry maps provider family names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in families registered.
// OpenAI-compatible clones (openrouter, dashscope, deepseek) share the
// OpenAI adapter under their own family names; BuildRequest defaults and
// schema cleaning key off the name.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("anthropic", func() Adapter { return NewAnthropicAdapter() })
	for _, family := range []string{"openai", "openrouter", "dashscope", "deepseek"} {
		f := family
		r.Register(f, func() Adapter { return NewOpenAIAdapter(f) })
	}
	return r
}

// Register adds or replaces a family factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New creates a fresh adapter for the named family.
func (r *Registry) New(name string) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider family: %s", name)
	}
	return f(), nil
}

// List returns registered family names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultAPIBase returns the default API base URL for a family, "" when the
// family has no well-known endpoint.
func DefaultAPIBase(family string) string {
	switch family {
	case "anthropic":
		return anthropicDefaultBase
	case "openai":
		return openaiDefaultBase
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "dashscope":
		return "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	}
	return ""
}
