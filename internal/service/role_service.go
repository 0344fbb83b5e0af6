package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	"github.com/pesio-ai/be-plt-twofa/internal/reconcile"
	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
)

type RoleService struct {
	roles   RoleStore
	tx      Transactor
	catalog *catalog.Catalog
	log     *logger.Logger
}

func NewRoleService(roles RoleStore, tx Transactor, cat *catalog.Catalog, log *logger.Logger) *RoleService {
	if cat == nil {
		cat = catalog.Default()
	}
	return &RoleService{
		roles:   roles,
		tx:      tx,
		catalog: cat,
		log:     log,
	}
}

type CreateRoleRequest struct {
	Name        string
	IsActive    *bool
	Permissions []string
	CreatedBy   string
}

// RoleWithPermissions is a role together with its granted keys
type RoleWithPermissions struct {
	*repository.Role
	Permissions []string
}

// CreateRole creates a role granted a non-empty set of catalog keys
func (s *RoleService) CreateRole(ctx context.Context, req *CreateRoleRequest) (*RoleWithPermissions, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperrors.Validation("role name field must be filled")
	}
	if len(req.Permissions) == 0 {
		return nil, apperrors.Validation("permissions field must be a non-empty array")
	}
	if err := s.catalog.Validate(req.Permissions); err != nil {
		return nil, err
	}
	keys := reconcile.Dedupe(req.Permissions)

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	role := &repository.Role{Name: name, IsActive: active}
	if req.CreatedBy != "" {
		role.CreatedBy = &req.CreatedBy
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.roles.Create(ctx, role); err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		return s.roles.AddRolePermissions(ctx, role.ID, keys, req.CreatedBy)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("role_id", role.ID).Int("permissions", len(keys)).Msg("Role created successfully")
	return &RoleWithPermissions{Role: role, Permissions: keys}, nil
}

type UpdateRoleRequest struct {
	ID       string
	Name     *string
	IsActive *bool
	// Permissions replaces the role's key set. nil and an empty list both leave it unchanged.
	Permissions *[]string
	UpdatedBy   string
}

// UpdateRole applies the supplied fields and reconciles the permission set in one transaction
func (s *RoleService) UpdateRole(ctx context.Context, req *UpdateRoleRequest) error {
	if req.ID == "" {
		return apperrors.Validation("_id field must be filled")
	}

	var desired []string
	if req.Permissions != nil && len(*req.Permissions) > 0 {
		if err := s.catalog.Validate(*req.Permissions); err != nil {
			return err
		}
		desired = reconcile.Dedupe(*req.Permissions)
	}

	upd := repository.RoleUpdate{IsActive: req.IsActive}
	if name := nonEmpty(req.Name); name != nil {
		trimmed := strings.TrimSpace(*name)
		upd.Name = &trimmed
	}

	var plan reconcile.Plan[string]
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.roles.Update(ctx, req.ID, upd); err != nil {
			return err
		}
		if desired == nil {
			return nil
		}

		current, err := s.roles.ListRolePermissions(ctx, req.ID)
		if err != nil {
			return err
		}
		plan = reconcile.Compute(current, desired)
		if err := s.roles.AddRolePermissions(ctx, req.ID, plan.Insert, req.UpdatedBy); err != nil {
			return err
		}
		return s.roles.RemoveRolePermissions(ctx, req.ID, plan.Delete)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("role_id", req.ID).
		Int("permissions_added", len(plan.Insert)).
		Int("permissions_removed", len(plan.Delete)).
		Msg("Role updated")
	return nil
}

// DeleteRole removes a role and every association referencing it
func (s *RoleService) DeleteRole(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.Validation("_id field must be filled")
	}
	if err := s.roles.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("role_id", id).Msg("Role deleted")
	return nil
}

// GetRole returns a role with its permission keys
func (s *RoleService) GetRole(ctx context.Context, id string) (*RoleWithPermissions, error) {
	role, err := s.roles.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	keys, err := s.roles.ListRolePermissions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RoleWithPermissions{Role: role, Permissions: keys}, nil
}

func (s *RoleService) ListRoles(ctx context.Context) ([]*repository.Role, error) {
	return s.roles.List(ctx)
}

// Catalog exposes the permission catalog for the role_privileges listing
func (s *RoleService) Catalog() *catalog.Catalog {
	return s.catalog
}
