package provider

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"chatstream/internal/config"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("Selected model not found.")

// ErrMissingAPIKey indicates the model's provider has no credential configured.
var ErrMissingAPIKey = errors.New("API key not found. Please add your API key in the Models section.")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Model describes a selectable model.
type Model struct {
	ID       string
	Name     string
	Provider string
}

// Credentials are forwarded to the backend with every chat request.
type Credentials struct {
	Provider string
	APIKey   string
	BaseURL  string
	Headers  map[string]string
}

type providerEntry struct {
	apiKey  string
	baseURL string
	headers map[string]string
}

type modelEntry struct {
	model    Model
	provider string
}

// Registry maintains a mapping of model IDs to provider credentials.
type Registry struct {
	mu     sync.RWMutex
	models map[string]modelEntry
	byName map[string]providerEntry
	order  []string
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		models: make(map[string]modelEntry),
		byName: make(map[string]providerEntry),
	}
}

// FromConfig registers every configured provider, in name order.
func FromConfig(cfg config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, name := range slices.Sorted(maps.Keys(cfg.Providers)) {
		if err := r.RegisterProvider(name, cfg.Providers[name]); err != nil {
			return nil, fmt.Errorf("register %s provider: %w", name, err)
		}
	}
	return r, nil
}

// RegisterProvider adds the provider and its models to the registry, wiring optional aliases.
func (r *Registry) RegisterProvider(name string, cfg config.ProviderConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("provider name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.byName[name] = providerEntry{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		headers: maps.Clone(cfg.Headers),
	}

	for _, m := range cfg.Models {
		if _, exists := r.models[m.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, m.ID)
		}
		display := m.Name
		if display == "" {
			display = m.ID
		}
		r.models[m.ID] = modelEntry{
			model:    Model{ID: m.ID, Name: display, Provider: name},
			provider: name,
		}
		r.order = append(r.order, m.ID)
	}

	for alias, target := range cfg.Aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}

		targetEntry, ok := r.models[target]
		if !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}

		r.models[alias] = targetEntry
	}

	return nil
}

// LookupModel returns the model metadata and the credentials of its provider.
func (r *Registry) LookupModel(modelID string) (Model, Credentials, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.models[modelID]
	if !ok {
		return Model{}, Credentials{}, fmt.Errorf("%w (model %q)", ErrUnknownModel, modelID)
	}

	p := r.byName[entry.provider]
	if p.apiKey == "" {
		return entry.model, Credentials{}, fmt.Errorf("%s %w", capitalize(entry.provider), ErrMissingAPIKey)
	}

	baseURL := p.baseURL
	if baseURL == "" {
		baseURL = config.DefaultBaseURLs[entry.provider]
	}

	return entry.model, Credentials{
		Provider: entry.provider,
		APIKey:   p.apiKey,
		BaseURL:  baseURL,
		Headers:  maps.Clone(p.headers),
	}, nil
}

// Models lists registered models in registration order. Aliases are omitted.
func (r *Registry) Models() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Model, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.models[id].model)
	}
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
