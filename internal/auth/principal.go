// Package auth authenticates admin API users and decides who may drive
// scavenge operations.
package auth

import (
	"context"
	"slices"
)

// Roles allowed to start, stop and inspect scavenges.
const (
	RoleAdmins     = "$admins"
	RoleOperations = "$ops"
)

// Principal is an authenticated caller.
type Principal struct {
	Name  string
	Roles []string
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Roles, role)
}

// String returns the principal name, or "anonymous" for nil.
func (p *Principal) String() string {
	if p == nil || p.Name == "" {
		return "anonymous"
	}
	return p.Name
}

type principalContextKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
