package auth

import (
	"slices"
	"strings"
)

// Built-in role names.
const (
	RoleGuest = "Guest"
	RoleHost  = "Host"
)

// Principal is the authenticated identity making a request.
type Principal struct {
	ID                string   `json:"id"`
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	Surname           string   `json:"surname"`
	Phone             string   `json:"phone,omitempty"`
	ProfilePictureURL string   `json:"profile_picture_url,omitempty"`
	Roles             []string `json:"roles"`
}

// HasRole reports whether the principal holds role. Role names compare case-insensitively.
func (p Principal) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	if role == "" {
		return false
	}
	for _, r := range p.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// WithRole returns a copy of p that also holds role.
func (p Principal) WithRole(role string) Principal {
	out := p
	out.Roles = NormalizeRoles(append(slices.Clone(p.Roles), role))
	return out
}

// PrincipalFromClaims rebuilds the request principal from verified access claims.
func PrincipalFromClaims(c *Claims) Principal {
	if c == nil {
		return Principal{}
	}
	return Principal{
		ID:    c.Subject,
		Email: c.Email,
		Name:  c.GivenName,
		Roles: NormalizeRoles(c.Roles),
	}
}

// NormalizeRoles trims, drops empties and removes case-insensitive duplicates,
// keeping the first spelling seen. The result is never nil, so an empty role
// set encodes as [] rather than null.
func NormalizeRoles(roles []string) []string {
	normalized := make([]string, 0, len(roles))
	if len(roles) == 0 {
		return normalized
	}
	seen := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		key := strings.ToLower(role)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, role)
	}
	return normalized
}
