package repository

import "time"

// TOTPState is the second-factor enrollment state of a user
type TOTPState string

const (
	TOTPDisabled TOTPState = "disabled"
	TOTPPending  TOTPState = "pending"
	TOTPEnabled  TOTPState = "enabled"
)

// User represents a user account
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool
	FirstName    string
	LastName     string
	PhoneNumber  string
	OTPState     TOTPState
	OTPSecret    *string // set while pending or enabled
	OTPAuthURL   *string
	RoleIDs      []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName joins first and last name
func (u *User) DisplayName() string {
	switch {
	case u.FirstName == "":
		return u.LastName
	case u.LastName == "":
		return u.FirstName
	default:
		return u.FirstName + " " + u.LastName
	}
}

// UserUpdate lists the user fields to change; nil fields are left as they are
type UserUpdate struct {
	PasswordHash *string
	IsActive     *bool
	FirstName    *string
	LastName     *string
	PhoneNumber  *string
}

// Role represents a named permission bundle
type Role struct {
	ID        string
	Name      string
	IsActive  bool
	CreatedBy *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoleUpdate lists the role fields to change; nil fields are left as they are
type RoleUpdate struct {
	Name     *string
	IsActive *bool
}
