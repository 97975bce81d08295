package runtime

import "sort"

// Plugin is a declarative capability registration. Function bodies are
// provided by the serving layer; the runtime only tracks which capabilities
// a tenant has enabled.
type Plugin struct {
	Name        string
	Description string
	// Baseline plugins are registered for every runtime regardless of
	// tenant configuration.
	Baseline bool
}

// PluginRegistry holds the plugins available for registration.
type PluginRegistry struct {
	plugins map[string]Plugin
}

// NewPluginRegistry creates a registry from the given plugins.
func NewPluginRegistry(plugins ...Plugin) *PluginRegistry {
	r := &PluginRegistry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Name] = p
	}
	return r
}

// DefaultPluginRegistry returns the registry of built-in capabilities.
func DefaultPluginRegistry() *PluginRegistry {
	return NewPluginRegistry(
		Plugin{Name: "chat", Description: "core conversation capability", Baseline: true},
		Plugin{Name: "time", Description: "current date and time awareness", Baseline: true},
		Plugin{Name: "document-memory", Description: "recall over ingested documents"},
		Plugin{Name: "web-search", Description: "live web lookups"},
		Plugin{Name: "github", Description: "repository and issue queries"},
	)
}

// Lookup returns the named plugin.
func (r *PluginRegistry) Lookup(name string) (Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

// Baseline returns the always-registered plugins, sorted by name.
func (r *PluginRegistry) Baseline() []Plugin {
	var out []Plugin
	for _, p := range r.plugins {
		if p.Baseline {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered plugin name, sorted.
func (r *PluginRegistry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
