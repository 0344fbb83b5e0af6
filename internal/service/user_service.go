package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	"github.com/pesio-ai/be-plt-twofa/internal/reconcile"
	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
	"github.com/pesio-ai/be-plt-twofa/pkg/password"
)

// SuperAdminRole is the role created for the first registered user
const SuperAdminRole = "SUPER_ADMIN"

type UserService struct {
	users       UserStore
	roles       RoleStore
	tx          Transactor
	catalog     *catalog.Catalog
	params      *password.Params
	minPassword int
	log         *logger.Logger
}

func NewUserService(
	users UserStore,
	roles RoleStore,
	tx Transactor,
	cat *catalog.Catalog,
	params *password.Params,
	minPasswordLength int,
	log *logger.Logger,
) *UserService {
	if cat == nil {
		cat = catalog.Default()
	}
	if minPasswordLength <= 0 {
		minPasswordLength = 8
	}
	return &UserService{
		users:       users,
		roles:       roles,
		tx:          tx,
		catalog:     cat,
		params:      params,
		minPassword: minPasswordLength,
		log:         log,
	}
}

type RegisterRequest struct {
	Email       string
	Password    string
	FirstName   string
	LastName    string
	PhoneNumber string
}

// Register bootstraps the first administrator: the user, a SUPER_ADMIN role
// holding every catalog key, and the link between them, in one transaction.
// Once any user exists registration is closed and reports NotFound.
func (s *UserService) Register(ctx context.Context, req *RegisterRequest) (*repository.User, error) {
	var created *repository.User

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.users.LockRegistration(ctx); err != nil {
			return err
		}
		n, err := s.users.Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrRegistrationClosed
		}

		user, err := s.newUser(req.Email, req.Password, true, req.FirstName, req.LastName, req.PhoneNumber)
		if err != nil {
			return err
		}
		if err := s.users.Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		role := &repository.Role{Name: SuperAdminRole, IsActive: true, CreatedBy: &user.ID}
		if err := s.roles.Create(ctx, role); err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		if err := s.roles.AddUserRoles(ctx, user.ID, []string{role.ID}); err != nil {
			return err
		}
		if err := s.roles.AddRolePermissions(ctx, role.ID, s.catalog.Keys(), user.ID); err != nil {
			return err
		}

		user.RoleIDs = []string{role.ID}
		created = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", created.ID).Msg("Administrator registered")
	return created, nil
}

type AddUserRequest struct {
	Email       string
	Password    string
	IsActive    *bool
	FirstName   string
	LastName    string
	PhoneNumber string
	Roles       []string
}

// AddUser creates a user with at least one existing role
func (s *UserService) AddUser(ctx context.Context, req *AddUserRequest) (*repository.User, error) {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	user, err := s.newUser(req.Email, req.Password, active, req.FirstName, req.LastName, req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if len(req.Roles) == 0 {
		return nil, apperrors.Validation("roles field must be a non-empty array")
	}
	roleIDs := reconcile.Dedupe(req.Roles)

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.requireRoles(ctx, roleIDs); err != nil {
			return err
		}
		if err := s.users.Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return s.roles.AddUserRoles(ctx, user.ID, roleIDs)
	})
	if err != nil {
		return nil, err
	}

	user.RoleIDs = roleIDs
	s.log.Info().Str("user_id", user.ID).Int("roles", len(roleIDs)).Msg("User created successfully")
	return user, nil
}

type UpdateUserRequest struct {
	ID          string
	Password    *string
	IsActive    *bool
	FirstName   *string
	LastName    *string
	PhoneNumber *string
	// Roles replaces the user's role set. nil and an empty list both leave roles unchanged.
	Roles *[]string
}

// UpdateUser applies the supplied fields and reconciles roles in one transaction
func (s *UserService) UpdateUser(ctx context.Context, req *UpdateUserRequest) error {
	if req.ID == "" {
		return apperrors.Validation("_id field must be filled")
	}

	upd := repository.UserUpdate{
		IsActive:    req.IsActive,
		FirstName:   nonEmpty(req.FirstName),
		LastName:    nonEmpty(req.LastName),
		PhoneNumber: nonEmpty(req.PhoneNumber),
	}
	if pw := nonEmpty(req.Password); pw != nil {
		if err := checkPassword(*pw, s.minPassword); err != nil {
			return err
		}
		hash, err := password.Hash(*pw, s.params)
		if err != nil {
			return apperrors.Internal("failed to hash password", err)
		}
		upd.PasswordHash = &hash
	}

	var desired []string
	if req.Roles != nil && len(*req.Roles) > 0 {
		desired = reconcile.Dedupe(*req.Roles)
	}

	var plan reconcile.Plan[string]
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.users.Update(ctx, req.ID, upd); err != nil {
			return err
		}
		if desired == nil {
			return nil
		}
		if err := s.requireRoles(ctx, desired); err != nil {
			return err
		}

		current, err := s.roles.ListUserRoleIDs(ctx, req.ID)
		if err != nil {
			return err
		}
		plan = reconcile.Compute(current, desired)
		if err := s.roles.AddUserRoles(ctx, req.ID, plan.Insert); err != nil {
			return err
		}
		return s.roles.RemoveUserRoles(ctx, req.ID, plan.Delete)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("user_id", req.ID).
		Int("roles_added", len(plan.Insert)).
		Int("roles_removed", len(plan.Delete)).
		Msg("User updated")
	return nil
}

// DeleteUser removes a user and its role links
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.Validation("_id field must be filled")
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("user_id", id).Msg("User deleted")
	return nil
}

func (s *UserService) GetUser(ctx context.Context, id string) (*repository.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *UserService) ListUsers(ctx context.Context) ([]*repository.User, error) {
	return s.users.List(ctx)
}

func (s *UserService) newUser(email, pw string, active bool, first, last, phone string) (*repository.User, error) {
	email = normalizeEmail(email)
	if err := checkEmail(email); err != nil {
		return nil, err
	}
	if err := checkPassword(pw, s.minPassword); err != nil {
		return nil, err
	}

	hash, err := password.Hash(pw, s.params)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password", err)
	}

	return &repository.User{
		Email:        email,
		PasswordHash: hash,
		IsActive:     active,
		FirstName:    first,
		LastName:     last,
		PhoneNumber:  phone,
		OTPState:     repository.TOTPDisabled,
	}, nil
}

// requireRoles fails with a validation error naming the first id that is not a role
func (s *UserService) requireRoles(ctx context.Context, ids []string) error {
	found, err := s.roles.ExistingIDs(ctx, ids)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(found))
	for _, id := range found {
		have[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			return apperrors.Validation("unknown role %q", id)
		}
	}
	return nil
}
