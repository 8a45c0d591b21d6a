// Package authz maps family roles to permissions.
package authz

import (
	"slices"

	"family-vault/internal/model"
)

type Permission string

const (
	PasswordRead   Permission = "password:read"
	PasswordWrite  Permission = "password:write"
	PasswordDelete Permission = "password:delete"
	HistoryRead    Permission = "history:read"
	CategoryRead   Permission = "category:read"
	CategoryWrite  Permission = "category:write"
	AdminRead      Permission = "admin:read"
	AdminWrite     Permission = "admin:write"
)

var rolePermissions = map[model.Role][]Permission{
	model.RoleAdmin: {
		PasswordRead, PasswordWrite, PasswordDelete, HistoryRead,
		CategoryRead, CategoryWrite, AdminRead, AdminWrite,
	},
	// Parents hold everything except the admin pair.
	model.RoleFather:   {PasswordRead, PasswordWrite, PasswordDelete, HistoryRead, CategoryRead, CategoryWrite},
	model.RoleMother:   {PasswordRead, PasswordWrite, PasswordDelete, HistoryRead, CategoryRead, CategoryWrite},
	model.RoleSon:      {PasswordRead, PasswordWrite, HistoryRead, CategoryRead},
	model.RoleDaughter: {PasswordRead, PasswordWrite, HistoryRead, CategoryRead},
}

// Permissions returns a copy of the role's permissions in table order.
// Unknown roles have none.
func Permissions(role model.Role) []Permission {
	return slices.Clone(rolePermissions[role])
}

func HasPermission(role model.Role, p Permission) bool {
	return slices.Contains(rolePermissions[role], p)
}

// Strings renders permissions for JSON responses.
func Strings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
