// Package model defines the core domain types for agentmart.
//
// Types correspond directly to database tables and to the JSON shapes served
// by the HTTP API. Money is carried as integer cents (see Cents) and rendered
// with two decimals at the edges.
package model

import "time"

// UserRole distinguishes buyers from agent creators.
type UserRole string

const (
	RoleOrdinary UserRole = "ordinary"
	RoleCreator  UserRole = "creator"
)

// ParseUserRole maps the identity provider's public metadata role to a
// UserRole. Anything other than "creator" is an ordinary user.
func ParseUserRole(s string) UserRole {
	if UserRole(s) == RoleCreator {
		return RoleCreator
	}
	return RoleOrdinary
}

// User mirrors an identity-provider user. ID is the provider's subject id and
// never changes.
type User struct {
	ID        string    `json:"_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	ImageURL  string    `json:"imageUrl"`
	Role      UserRole  `json:"role"`
	Resume    string    `json:"resume"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserPatch carries a partial user update. Nil fields are left untouched.
type UserPatch struct {
	Email    *string
	Name     *string
	ImageURL *string
	Role     *UserRole
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.Email == nil && p.Name == nil && p.ImageURL == nil && p.Role == nil
}
