package auth

import (
	"github.com/dray-io/scavd/internal/logging"
)

// RoleAuthorizer admits principals that hold at least one of a fixed set
// of roles.
type RoleAuthorizer struct {
	roles  []string
	logger *logging.Logger
}

// NewRoleAuthorizer returns an authorizer for the admins and operations
// roles. A nil logger uses the global one.
func NewRoleAuthorizer(logger *logging.Logger) *RoleAuthorizer {
	if logger == nil {
		logger = logging.Global()
	}
	return &RoleAuthorizer{
		roles:  []string{RoleAdmins, RoleOperations},
		logger: logger,
	}
}

// IsAllowed reports whether p may perform scavenge operations. Denials
// are logged at debug level.
func (a *RoleAuthorizer) IsAllowed(p *Principal) bool {
	for _, role := range a.roles {
		if p.HasRole(role) {
			return true
		}
	}
	a.logger.Debugf("authorization denied", map[string]any{
		"principal": p.String(),
	})
	return false
}
