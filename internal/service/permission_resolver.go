package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	"github.com/pesio-ai/be-plt-twofa/internal/reconcile"
)

// PermissionResolver maps a user to the catalog permissions granted by its roles
type PermissionResolver struct {
	roles   RoleStore
	catalog *catalog.Catalog
}

func NewPermissionResolver(roles RoleStore, cat *catalog.Catalog) *PermissionResolver {
	if cat == nil {
		cat = catalog.Default()
	}
	return &PermissionResolver{roles: roles, catalog: cat}
}

// Resolve returns the union of permissions over the user's roles, each key once.
// Keys missing from the catalog are dropped. A user without roles resolves to an
// empty set; whether the user exists is the caller's concern.
func (r *PermissionResolver) Resolve(ctx context.Context, userID string) ([]catalog.Permission, error) {
	roleIDs, err := r.roles.ListUserRoleIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles: %w", err)
	}
	if len(roleIDs) == 0 {
		return []catalog.Permission{}, nil
	}

	keys, err := r.roles.ListPermissionKeysForRoles(ctx, reconcile.Dedupe(roleIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}

	return r.catalog.Describe(keys), nil
}
