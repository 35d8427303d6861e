package dispatch

import "sync"

// DefaultSystemPrompt is used when neither the item, a template
// override, nor the project config provides one.
const DefaultSystemPrompt = "You are a helpful AI assistant."

// PromptRegistry resolves the system prompt for new sessions. Project
// defaults come from config; template messages may install a runtime
// override per project.
type PromptRegistry struct {
	mu        sync.RWMutex
	defaults  map[string]string
	overrides map[string]string
	fallback  string
}

// NewPromptRegistry creates a registry from per-project defaults.
// An empty fallback means [DefaultSystemPrompt].
func NewPromptRegistry(defaults map[string]string, fallback string) *PromptRegistry {
	if fallback == "" {
		fallback = DefaultSystemPrompt
	}
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &PromptRegistry{
		defaults:  d,
		overrides: make(map[string]string),
		fallback:  fallback,
	}
}

// Set installs a runtime override for project.
func (r *PromptRegistry) Set(project, prompt string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[project] = prompt
}

// Clear removes a runtime override.
func (r *PromptRegistry) Clear(project string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, project)
}

// Resolve picks, in order: the per-item prompt, the runtime override,
// the configured project prompt, the fallback.
func (r *PromptRegistry) Resolve(project, itemPrompt string) string {
	if itemPrompt != "" {
		return itemPrompt
	}
	if r == nil {
		return DefaultSystemPrompt
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p := r.overrides[project]; p != "" {
		return p
	}
	if p := r.defaults[project]; p != "" {
		return p
	}
	return r.fallback
}
