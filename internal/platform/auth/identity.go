package auth

import (
	"context"
	"strings"

	"github.com/pvhao2002/Pharmacy/internal/domain"
)

// Role names carried in the "role" custom claim.
const (
	RoleUser  = domain.RoleUser
	RoleStaff = domain.RoleStaff
	RoleAdmin = domain.RoleAdmin
)

// Identity is the authenticated end user extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Name  string
	Roles []string
}

// HasRole reports whether the identity carries role, ignoring case.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
	}
	return false
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// Domain converts the identity to the value passed explicitly to services.
func (i *Identity) Domain() domain.Identity {
	if i == nil {
		return domain.Identity{}
	}
	roles := make([]string, len(i.Roles))
	copy(roles, i.Roles)
	return domain.Identity{UserID: i.UID, Email: i.Email, Roles: roles}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by RequireAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
