package handlers

import (
	"net/http"
	"sort"

	"github.com/outfold/dispatch/services/providers"
	"github.com/outfold/dispatch/services/roles"
	"github.com/outfold/dispatch/utils"
	"go.uber.org/zap"
)

// RolesHandler exposes the configured role table for inspection.
type RolesHandler struct {
	resolver *roles.Resolver
	registry *providers.Registry
	logger   *zap.Logger
}

// NewRolesHandler creates a new RolesHandler
func NewRolesHandler(resolver *roles.Resolver, registry *providers.Registry, logger *zap.Logger) *RolesHandler {
	return &RolesHandler{
		resolver: resolver,
		registry: registry,
		logger:   logger,
	}
}

// RoleInfo is the wire shape of one configured role
type RoleInfo struct {
	Role       string   `json:"role"`
	Provider   string   `json:"provider"`
	Model      string   `json:"model"`
	Fallback   string   `json:"fallback,omitempty"`
	Chain      []string `json:"chain"`
	Structured bool     `json:"native_structured_output"`
}

// RolesResponse is the wire shape of GET /api/v1/roles
type RolesResponse struct {
	Roles []RoleInfo `json:"roles"`
}

// HandleListRoles handles GET /api/v1/roles
func (h *RolesHandler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	names := h.resolver.Roles()
	sort.Strings(names)

	infos := make([]RoleInfo, 0, len(names))
	for _, name := range names {
		cfg, ok := h.resolver.Lookup(name)
		if !ok {
			continue
		}

		chain, err := h.resolver.Resolve(name)
		if err != nil {
			h.logger.Error("failed to resolve role chain",
				zap.String("role", name),
				zap.Error(err))
			_ = utils.WriteInternalServerError(w, "")
			return
		}
		chainNames := make([]string, len(chain))
		for i, c := range chain {
			chainNames[i] = c.Role
		}

		info := RoleInfo{
			Role:     name,
			Provider: cfg.Provider,
			Model:    cfg.Model,
			Fallback: cfg.Fallback,
			Chain:    chainNames,
		}
		if desc, err := h.registry.Descriptor(cfg.Provider); err == nil {
			info.Structured = desc.Capabilities.NativeStructuredOutput
		}
		infos = append(infos, info)
	}

	_ = utils.WriteOK(w, RolesResponse{Roles: infos})
}
