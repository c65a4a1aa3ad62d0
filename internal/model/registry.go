package model

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/kiroku/internal/config"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/realtime"
)

// Registry holds the models built from configuration, keyed by name.
type Registry struct {
	defaultName string
	models      map[string]Model
	mu          sync.RWMutex
}

// NewRegistry builds every registry entry it knows how to serve. Entries of
// unsupported types are skipped with a warning.
func NewRegistry(cfg config.ModelsConfig, run config.RealtimeConfig, opts ...realtime.Option) (*Registry, error) {
	r := &Registry{
		defaultName: cfg.Default,
		models:      make(map[string]Model),
	}

	for _, entry := range cfg.Registry {
		m, err := newModel(entry, run, opts...)
		if err != nil {
			slog.Warn("Failed to create model", "model", entry.Name, "type", entry.Type, "error", err)
			continue
		}
		if err := r.Register(m); err != nil {
			return nil, err
		}
		slog.Debug("Model initialized", "name", entry.Name, "type", entry.Type)
	}

	if len(r.models) == 0 && len(cfg.Registry) > 0 {
		return nil, kirokuErrors.Internal("no models initialized")
	}
	return r, nil
}

func newModel(entry config.ModelRegistry, run config.RealtimeConfig, opts ...realtime.Option) (Model, error) {
	if strings.TrimSpace(entry.Name) == "" {
		return nil, kirokuErrors.MissingField("name")
	}
	switch strings.ToUpper(strings.TrimSpace(entry.Type)) {
	case config.ModelTypeAzureRealtime, "":
		return NewAzureRealtime(entry, run, opts...)
	default:
		return nil, kirokuErrors.InvalidConfig("type", fmt.Sprintf("unsupported model type %q", entry.Type))
	}
}

func (r *Registry) Register(m Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[m.Name()]; exists {
		return kirokuErrors.InvalidConfig("name", fmt.Sprintf("duplicate model %q", m.Name()))
	}
	r.models[m.Name()] = m
	return nil
}

// Get resolves name, falling back to the configured default when empty.
func (r *Registry) Get(name string) (Model, error) {
	if strings.TrimSpace(name) == "" {
		name = r.defaultName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, kirokuErrors.NotFound(fmt.Sprintf("model %q", name))
	}
	return m, nil
}

func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
