// Package catalog holds the process-wide table of permission keys.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
)

// Permission keys
const (
	UserView           = "user_view"
	UserAdd            = "user_add"
	UserUpdate         = "user_update"
	UserDelete         = "user_delete"
	RoleView           = "role_view"
	RoleAdd            = "role_add"
	RoleUpdate         = "role_update"
	RoleDelete         = "role_delete"
	AuditLogsView      = "auditlogs_view"
	RolePrivilegesView = "role_privileges_view"
)

// Group is a feature area permissions are listed under
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Permission describes one grantable key
type Permission struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Group       string `json:"group"`
	Description string `json:"description"`
}

// Catalog is immutable once built and safe for concurrent reads
type Catalog struct {
	groups []Group
	perms  []Permission
	byKey  map[string]Permission
}

var defaultGroups = []Group{
	{ID: "USERS", Name: "User Permissions"},
	{ID: "ROLES", Name: "Role Permissions"},
	{ID: "AUDITLOGS", Name: "AuditLogs Permissions"},
	{ID: "ROLEPRIVILEGES", Name: "RolePrivileges Permissions"},
}

var defaultPermissions = []Permission{
	{Key: UserView, Name: "User View", Group: "USERS", Description: "User view"},
	{Key: UserAdd, Name: "User Add", Group: "USERS", Description: "User add"},
	{Key: UserUpdate, Name: "User Update", Group: "USERS", Description: "User update"},
	{Key: UserDelete, Name: "User Delete", Group: "USERS", Description: "User delete"},
	{Key: RoleView, Name: "Role View", Group: "ROLES", Description: "Role view"},
	{Key: RoleAdd, Name: "Role Add", Group: "ROLES", Description: "Role add"},
	{Key: RoleUpdate, Name: "Role Update", Group: "ROLES", Description: "Role update"},
	{Key: RoleDelete, Name: "Role Delete", Group: "ROLES", Description: "Role delete"},
	{Key: AuditLogsView, Name: "AuditLogs View", Group: "AUDITLOGS", Description: "AuditLogs view"},
	{Key: RolePrivilegesView, Name: "Role Privileges View", Group: "ROLEPRIVILEGES", Description: "Role privileges view"},
}

var defaultCatalog = mustNew(defaultGroups, defaultPermissions)

// Default returns the built-in catalog
func Default() *Catalog {
	return defaultCatalog
}

// New builds a catalog, rejecting blank or padded keys, duplicates and unknown groups
func New(groups []Group, perms []Permission) (*Catalog, error) {
	groupIDs := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupIDs[g.ID] = struct{}{}
	}

	byKey := make(map[string]Permission, len(perms))
	for _, p := range perms {
		if p.Key == "" || strings.TrimSpace(p.Key) != p.Key {
			return nil, fmt.Errorf("invalid permission key %q", p.Key)
		}
		if _, dup := byKey[p.Key]; dup {
			return nil, fmt.Errorf("duplicate permission key %q", p.Key)
		}
		if _, ok := groupIDs[p.Group]; !ok {
			return nil, fmt.Errorf("permission %q references unknown group %q", p.Key, p.Group)
		}
		byKey[p.Key] = p
	}

	return &Catalog{
		groups: append([]Group(nil), groups...),
		perms:  append([]Permission(nil), perms...),
		byKey:  byKey,
	}, nil
}

func mustNew(groups []Group, perms []Permission) *Catalog {
	c, err := New(groups, perms)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the descriptor for key
func (c *Catalog) Lookup(key string) (Permission, bool) {
	p, ok := c.byKey[key]
	return p, ok
}

func (c *Catalog) Has(key string) bool {
	_, ok := c.byKey[key]
	return ok
}

// Keys returns every key in declaration order
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.perms))
	for i, p := range c.perms {
		keys[i] = p.Key
	}
	return keys
}

// Permissions returns a copy of all descriptors
func (c *Catalog) Permissions() []Permission {
	return append([]Permission(nil), c.perms...)
}

func (c *Catalog) Groups() []Group {
	return append([]Group(nil), c.groups...)
}

// Validate fails with a validation error naming the first unknown key
func (c *Catalog) Validate(keys []string) error {
	for _, k := range keys {
		if !c.Has(k) {
			return apperrors.Validation("unknown permission key %q", k)
		}
	}
	return nil
}

// Describe maps keys to descriptors, dropping keys not in the catalog.
// The result is sorted by catalog declaration order.
func (c *Catalog) Describe(keys []string) []Permission {
	order := make(map[string]int, len(c.perms))
	for i, p := range c.perms {
		order[p.Key] = i
	}

	seen := make(map[string]struct{}, len(keys))
	out := make([]Permission, 0, len(keys))
	for _, k := range keys {
		p, ok := c.byKey[k]
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return order[out[i].Key] < order[out[j].Key] })
	return out
}
