package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-twofa/internal/repository"
)

// UserStore is the credential store used by the services
type UserStore interface {
	Count(ctx context.Context) (int, error)
	LockRegistration(ctx context.Context) error
	Create(ctx context.Context, user *repository.User) error
	GetByID(ctx context.Context, id string) (*repository.User, error)
	GetByEmail(ctx context.Context, email string) (*repository.User, error)
	List(ctx context.Context) ([]*repository.User, error)
	Update(ctx context.Context, id string, upd repository.UserUpdate) error
	Delete(ctx context.Context, id string) error
	SetTOTP(ctx context.Context, id string, state repository.TOTPState, secret, authURL *string) error
}

// RoleStore holds roles and the user-role and role-privilege associations
type RoleStore interface {
	Create(ctx context.Context, role *repository.Role) error
	GetByID(ctx context.Context, id string) (*repository.Role, error)
	List(ctx context.Context) ([]*repository.Role, error)
	ExistingIDs(ctx context.Context, ids []string) ([]string, error)
	Update(ctx context.Context, id string, upd repository.RoleUpdate) error
	Delete(ctx context.Context, id string) error

	ListRolePermissions(ctx context.Context, roleID string) ([]string, error)
	AddRolePermissions(ctx context.Context, roleID string, keys []string, grantedBy string) error
	RemoveRolePermissions(ctx context.Context, roleID string, keys []string) error

	ListUserRoleIDs(ctx context.Context, userID string) ([]string, error)
	AddUserRoles(ctx context.Context, userID string, roleIDs []string) error
	RemoveUserRoles(ctx context.Context, userID string, roleIDs []string) error

	ListPermissionKeysForRoles(ctx context.Context, roleIDs []string) ([]string, error)
}

// Transactor runs fn atomically; stores called with the ctx passed to fn join the transaction
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RevocationStore records logged-out token IDs
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthMetrics receives authentication outcomes
type AuthMetrics interface {
	LoginAttempt(outcome string)
	SecondFactorAttempt(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) LoginAttempt(string)        {}
func (nopMetrics) SecondFactorAttempt(string) {}
