package service

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
)

var (
	// ErrInvalidCredentials covers unknown email, wrong password and inactive accounts alike
	ErrInvalidCredentials     = apperrors.Unauthorized("email or password wrong")
	ErrInvalidToken           = apperrors.Unauthorized("invalid token")
	ErrInvalidCode            = apperrors.Unauthorized("invalid verification code")
	ErrInvalidChallenge       = apperrors.Unauthorized("login challenge invalid or expired")
	ErrInsufficientPermission = apperrors.Unauthorized("need permission")
	ErrRegistrationClosed     = apperrors.NotFound("registration", "")
	ErrNoPendingEnrollment    = apperrors.NotFound("pending totp enrollment", "")
)

var validate = validator.New()

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	return validate.Var(email, "required,email") == nil
}

// checkEmail returns a validation error for a missing or malformed email
func checkEmail(email string) error {
	if email == "" {
		return apperrors.Validation("email field must be filled")
	}
	if !validEmail(email) {
		return apperrors.Validation("email field must be an email")
	}
	return nil
}

func checkPassword(password string, minLength int) error {
	if password == "" {
		return apperrors.Validation("password field must be filled")
	}
	if len(password) < minLength {
		return apperrors.Validation("password length must be at least %d", minLength)
	}
	return nil
}

// nonEmpty returns nil for a nil or empty string pointer
func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
