package roles

import (
	"fmt"

	"github.com/outfold/dispatch/services"
	"github.com/outfold/dispatch/services/providers"
)

// Well-known role names. The role table is extensible; these are only the
// names the default configuration ships with.
const (
	RolePrimary  = "primary"
	RoleResearch = "research"
	RoleFallback = "fallback"
)

// Config maps one logical role onto a concrete provider and model. Loaded
// once at startup and read-only during a request's lifetime.
type Config struct {
	Role            string   `yaml:"role" json:"role"`
	Provider        string   `yaml:"provider" json:"provider"`
	Model           string   `yaml:"model" json:"model"`
	MaxOutputTokens int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	Temperature     *float64 `yaml:"temperature" json:"temperature,omitempty"`

	// BaseURL overrides the provider's configured endpoint for this role.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// Fallback names the role tried next when this one's provider fails.
	Fallback string `yaml:"fallback" json:"fallback,omitempty"`
}

// Resolver maps a role name onto its ordered candidate chain. It is a pure
// function of the loaded role table plus the registry's membership; it
// performs no I/O and keeps no per-request state.
type Resolver struct {
	table    map[string]Config
	registry *providers.Registry
}

// NewResolver builds a resolver over the given role table. Every referenced
// provider must already be registered; a dangling reference is a
// configuration error at construction time rather than dispatch time.
func NewResolver(table map[string]Config, registry *providers.Registry) (*Resolver, error) {
	if len(table) == 0 {
		return nil, services.NewDispatchError(services.ErrKindConfiguration, "role table is empty", nil)
	}
	if _, ok := table[RolePrimary]; !ok {
		return nil, services.NewDispatchError(services.ErrKindConfiguration,
			"role table must configure a primary role", nil)
	}
	for name, cfg := range table {
		if cfg.Provider == "" || cfg.Model == "" {
			return nil, services.NewDispatchError(services.ErrKindConfiguration,
				fmt.Sprintf("role %q must set provider and model", name), nil)
		}
		if !registry.Has(cfg.Provider) {
			return nil, services.NewDispatchError(services.ErrKindConfiguration,
				fmt.Sprintf("role %q references unregistered provider %q", name, cfg.Provider), nil)
		}
		if cfg.Fallback != "" {
			if _, ok := table[cfg.Fallback]; !ok {
				return nil, services.NewDispatchError(services.ErrKindConfiguration,
					fmt.Sprintf("role %q references unknown fallback role %q", name, cfg.Fallback), nil)
			}
		}
	}

	return &Resolver{table: table, registry: registry}, nil
}

// Resolve returns the totally ordered candidate list for a role: the role's
// own config first, then its fallback chain. The chain is cycle-safe and
// never empty for a known role.
func (r *Resolver) Resolve(role string) ([]Config, error) {
	cfg, ok := r.table[role]
	if !ok {
		return nil, services.NewDispatchError(services.ErrKindConfiguration,
			fmt.Sprintf("unknown role %q", role), services.ErrRoleNotConfigured)
	}

	candidates := []Config{cfg}
	seen := map[string]bool{role: true}

	for cfg.Fallback != "" && !seen[cfg.Fallback] {
		seen[cfg.Fallback] = true
		cfg = r.table[cfg.Fallback]
		candidates = append(candidates, cfg)
	}

	return candidates, nil
}

// Roles returns the configured role names.
func (r *Resolver) Roles() []string {
	names := make([]string, 0, len(r.table))
	for name := range r.table {
		names = append(names, name)
	}
	return names
}

// Lookup returns the config for a single role without chain expansion.
func (r *Resolver) Lookup(role string) (Config, bool) {
	cfg, ok := r.table[role]
	return cfg, ok
}
