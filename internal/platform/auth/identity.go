package auth

import (
	"context"
	"slices"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Role constants used when checking authorisation boundaries.
const (
	RoleUser = "user"
	// RoleLeader marks group-buy leaders, whose orders skip the minimum order amount.
	RoleLeader = "leader"
)

// Identity captures the authenticated principal details extracted from a Firebase ID token.
type Identity struct {
	UID    string
	Email  string
	Roles  []string
	Locale string

	token  *firebaseauth.Token
	bearer string
}

// SignInProvider reports how the user signed in, e.g. "password" or "phone".
func (i *Identity) SignInProvider() string {
	if i == nil || i.token == nil {
		return ""
	}
	return i.token.Firebase.SignInProvider
}

// BearerToken returns the raw ID token the request was authenticated with, for forwarding to
// the commerce backend on the user's behalf.
func (i *Identity) BearerToken() string {
	if i == nil {
		return ""
	}
	return i.bearer
}

// HasRole reports whether the identity includes the requested role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.ContainsFunc(i.Roles, func(r string) bool { return normaliseRole(r) == role })
}

// HasAnyRole reports whether the identity includes any of the provided roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// IsLeader reports whether the identity is a group-buy leader.
func (i *Identity) IsLeader() bool {
	return i.HasRole(RoleLeader)
}

type identityKey struct{}

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
