package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
)

func keysOf(perms []catalog.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.Key
	}
	return out
}

func TestResolve_UnionWithoutDuplicates(t *testing.T) {
	env := newTestEnv(t)
	a := env.db.seedRole("A", catalog.UserView, catalog.RoleView)
	b := env.db.seedRole("B", catalog.RoleView, catalog.UserAdd)
	userID := env.db.seedUser("ada@example.com", "password1", a, b)

	perms, err := env.resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, []string{catalog.UserView, catalog.UserAdd, catalog.RoleView}, keysOf(perms))
	for _, p := range perms {
		assert.NotEmpty(t, p.Name)
		assert.NotEmpty(t, p.Group)
	}
}

func TestResolve_DropsUnknownKeys(t *testing.T) {
	env := newTestEnv(t)
	r := env.db.seedRole("legacy", catalog.UserView, " role_privileges_view", "ghost")
	userID := env.db.seedUser("ada@example.com", "password1", r)

	perms, err := env.resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []string{catalog.UserView}, keysOf(perms))
}

func TestResolve_NoRolesIsEmptyNotError(t *testing.T) {
	env := newTestEnv(t)
	userID := env.db.seedUser("ada@example.com", "password1")

	perms, err := env.resolver.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.NotNil(t, perms)
	assert.Empty(t, perms)

	perms, err = env.resolver.Resolve(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestResolve_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("db down")
	env.db.failOn["roles.ListUserRoleIDs"] = boom

	_, err := env.resolver.Resolve(context.Background(), "u")
	assert.ErrorIs(t, err, boom)
}
