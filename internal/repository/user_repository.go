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

const userColumns = `
	u.id, u.email, u.password_hash, u.is_active, u.first_name, u.last_name,
	u.phone_number, u.otp_state, u.otp_secret, u.otp_auth_url, u.created_at, u.updated_at,
	COALESCE(ARRAY(SELECT ur.role_id::text FROM user_roles ur WHERE ur.user_id = u.id ORDER BY ur.created_at, ur.role_id), '{}')
`

// UserRepository is the credential store
type UserRepository struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

func NewUserRepository(db *pgxpool.Pool, log *logger.Logger) *UserRepository {
	return &UserRepository{
		db:  db,
		log: log,
	}
}

// Count returns the number of users
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := database.Conn(ctx, r.db).QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	if err != nil {
		return 0, mapError(err, "user", "", "count users")
	}
	return n, nil
}

// LockRegistration serialises first-user bootstrap; it must run inside a transaction
func (r *UserRepository) LockRegistration(ctx context.Context) error {
	_, err := database.Conn(ctx, r.db).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('twofa:register'))`)
	if err != nil {
		return mapError(err, "user", "", "lock registration")
	}
	return nil
}

// Create inserts a user, assigning its ID and timestamps
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	user.ID = uuid.New().String()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	if user.OTPState == "" {
		user.OTPState = TOTPDisabled
	}

	query := `
		INSERT INTO users (
			id, email, password_hash, is_active, first_name, last_name,
			phone_number, otp_state, otp_secret, otp_auth_url, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err := database.Conn(ctx, r.db).Exec(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.IsActive, user.FirstName, user.LastName,
		user.PhoneNumber, string(user.OTPState), user.OTPSecret, user.OTPAuthURL, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "user", user.Email, "create user")
	}

	r.log.Debug().Str("user_id", user.ID).Msg("User created")
	return nil
}

// GetByID retrieves a user with its role IDs
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.id = $1`

	user, err := scanUser(database.Conn(ctx, r.db).QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "user", id, "get user")
	}
	return user, nil
}

// GetByEmail retrieves a user by exact email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users u WHERE u.email = $1`

	user, err := scanUser(database.Conn(ctx, r.db).QueryRow(ctx, query, email))
	if err != nil {
		return nil, mapError(err, "user", email, "get user by email")
	}
	return user, nil
}

// List returns all users ordered by creation time
func (r *UserRepository) List(ctx context.Context) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users u ORDER BY u.created_at, u.id`

	rows, err := database.Conn(ctx, r.db).Query(ctx, query)
	if err != nil {
		return nil, mapError(err, "user", "", "list users")
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, mapError(err, "user", "", "scan user")
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "user", "", "list users")
	}

	return users, nil
}

// Update applies the non-nil fields of upd
func (r *UserRepository) Update(ctx context.Context, id string, upd UserUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.PasswordHash != nil {
		add("password_hash", *upd.PasswordHash)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	if upd.FirstName != nil {
		add("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		add("last_name", *upd.LastName)
	}
	if upd.PhoneNumber != nil {
		add("phone_number", *upd.PhoneNumber)
	}

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`

	tag, err := database.Conn(ctx, r.db).Exec(ctx, query, args...)
	if err != nil {
		return mapError(err, "user", id, "update user")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("user", id)
	}
	return nil
}

// Delete removes a user; role links go with it
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	tag, err := database.Conn(ctx, r.db).Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "user", id, "delete user")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("user", id)
	}

	r.log.Debug().Str("user_id", id).Msg("User deleted")
	return nil
}

// SetTOTP stores the second-factor state together with its secret and provisioning URI
func (r *UserRepository) SetTOTP(ctx context.Context, id string, state TOTPState, secret, authURL *string) error {
	query := `
		UPDATE users
		SET otp_state = $2, otp_secret = $3, otp_auth_url = $4, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := database.Conn(ctx, r.db).Exec(ctx, query, id, string(state), secret, authURL)
	if err != nil {
		return mapError(err, "user", id, "update totp state")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("user", id)
	}
	return nil
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	var state string
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.IsActive, &user.FirstName, &user.LastName,
		&user.PhoneNumber, &state, &user.OTPSecret, &user.OTPAuthURL, &user.CreatedAt, &user.UpdatedAt,
		&user.RoleIDs,
	)
	if err != nil {
		return nil, err
	}
	user.OTPState = TOTPState(state)
	return user, nil
}
