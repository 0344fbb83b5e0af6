package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-plt-twofa/internal/database"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
)

// RoleRepository stores roles and both association tables
type RoleRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

func NewRoleRepository(db *pgxpool.Pool, log *logger.Logger) *RoleRepository {
	return &RoleRepository{
		db:  db,
		log: log,
	}
}

// Create creates a new role
func (r *RoleRepository) Create(ctx context.Context, role *Role) error {
	role.ID = uuid.New().String()
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt

	query := `
		INSERT INTO roles (id, name, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := database.Conn(ctx, r.db).Exec(ctx, query,
		role.ID, role.Name, role.IsActive, role.CreatedBy, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "role", role.Name, "create role")
	}

	return nil
}

// GetByID retrieves a role by ID
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*Role, error) {
	query := `
		SELECT id, name, is_active, created_by::text, created_at, updated_at
		FROM roles
		WHERE id = $1
	`

	role, err := scanRole(database.Conn(ctx, r.db).QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "role", id, "get role")
	}
	return role, nil
}

// List returns every role
func (r *RoleRepository) List(ctx context.Context) ([]*Role, error) {
	query := `
		SELECT id, name, is_active, created_by::text, created_at, updated_at
		FROM roles
		ORDER BY created_at, id
	`

	rows, err := database.Conn(ctx, r.db).Query(ctx, query)
	if err != nil {
		return nil, mapError(err, "role", "", "list roles")
	}
	defer rows.Close()

	roles := []*Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, mapError(err, "role", "", "scan role")
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "role", "", "list roles")
	}

	return roles, nil
}

// ExistingIDs returns the subset of ids that name a role. Malformed ids are simply absent.
func (r *RoleRepository) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := database.Conn(ctx, r.db).Query(ctx,
		`SELECT id::text FROM roles WHERE id::text = ANY($1::text[])`, ids)
	if err != nil {
		return nil, mapError(err, "role", "", "look up roles")
	}
	return collectStrings(rows, "look up roles")
}

// Update applies the non-nil fields of upd
func (r *RoleRepository) Update(ctx context.Context, id string, upd RoleUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	if upd.Name != nil {
		args = append(args, *upd.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if upd.IsActive != nil {
		args = append(args, *upd.IsActive)
		sets = append(sets, fmt.Sprintf("is_active = $%d", len(args)))
	}

	tag, err := database.Conn(ctx, r.db).Exec(ctx,
		`UPDATE roles SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return mapError(err, "role", id, "update role")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("role", id)
	}
	return nil
}

// Delete removes a role together with its user and privilege links
func (r *RoleRepository) Delete(ctx context.Context, id string) error {
	tag, err := database.Conn(ctx, r.db).Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "role", id, "delete role")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("role", id)
	}

	r.log.Debug().Str("role_id", id).Msg("Role deleted")
	return nil
}

// ListRolePermissions returns the permission keys granted to a role
func (r *RoleRepository) ListRolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := database.Conn(ctx, r.db).Query(ctx,
		`SELECT permission FROM role_privileges WHERE role_id = $1 ORDER BY created_at, permission`, roleID)
	if err != nil {
		return nil, mapError(err, "role", roleID, "list role permissions")
	}
	return collectStrings(rows, "list role permissions")
}

// AddRolePermissions grants keys to a role; keys already granted are skipped
func (r *RoleRepository) AddRolePermissions(ctx context.Context, roleID string, keys []string, grantedBy string) error {
	if len(keys) == 0 {
		return nil
	}

	query := `
		INSERT INTO role_privileges (role_id, permission, created_by)
		SELECT $1, k, $3 FROM unnest($2::text[]) AS k
		ON CONFLICT (role_id, permission) DO NOTHING
	`

	if _, err := database.Conn(ctx, r.db).Exec(ctx, query, roleID, keys, nullable(grantedBy)); err != nil {
		return mapError(err, "role", roleID, "grant permissions")
	}
	return nil
}

// RemoveRolePermissions revokes keys from a role
func (r *RoleRepository) RemoveRolePermissions(ctx context.Context, roleID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := database.Conn(ctx, r.db).Exec(ctx,
		`DELETE FROM role_privileges WHERE role_id = $1 AND permission = ANY($2::text[])`, roleID, keys)
	if err != nil {
		return mapError(err, "role", roleID, "revoke permissions")
	}
	return nil
}

// ListUserRoleIDs returns the role IDs assigned to a user
func (r *RoleRepository) ListUserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := database.Conn(ctx, r.db).Query(ctx,
		`SELECT role_id::text FROM user_roles WHERE user_id = $1 ORDER BY created_at, role_id`, userID)
	if err != nil {
		return nil, mapError(err, "user", userID, "list user roles")
	}
	return collectStrings(rows, "list user roles")
}

// AddUserRoles assigns roles to a user; existing assignments are skipped
func (r *RoleRepository) AddUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	if len(roleIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO user_roles (user_id, role_id)
		SELECT $1, rid FROM unnest($2::uuid[]) AS rid
		ON CONFLICT (user_id, role_id) DO NOTHING
	`

	if _, err := database.Conn(ctx, r.db).Exec(ctx, query, userID, roleIDs); err != nil {
		return mapError(err, "role", "", "assign roles")
	}
	return nil
}

// RemoveUserRoles unassigns roles from a user
func (r *RoleRepository) RemoveUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	if len(roleIDs) == 0 {
		return nil
	}

	_, err := database.Conn(ctx, r.db).Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role_id = ANY($2::uuid[])`, userID, roleIDs)
	if err != nil {
		return mapError(err, "role", "", "unassign roles")
	}
	return nil
}

// ListPermissionKeysForRoles returns the distinct keys granted to any of the roles
func (r *RoleRepository) ListPermissionKeysForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	rows, err := database.Conn(ctx, r.db).Query(ctx,
		`SELECT DISTINCT permission FROM role_privileges WHERE role_id = ANY($1::uuid[]) ORDER BY permission`, roleIDs)
	if err != nil {
		return nil, mapError(err, "role", "", "list permissions for roles")
	}
	return collectStrings(rows, "list permissions for roles")
}

func scanRole(row pgx.Row) (*Role, error) {
	role := &Role{}
	err := row.Scan(&role.ID, &role.Name, &role.IsActive, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return role, nil
}

func collectStrings(rows pgx.Rows, op string) ([]string, error) {
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindInternal, "failed to "+op)
	}
	return out, nil
}
