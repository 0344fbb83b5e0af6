package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
	jwtpkg "github.com/pesio-ai/be-plt-twofa/pkg/jwt"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
	"github.com/pesio-ai/be-plt-twofa/pkg/password"
)

// Login outcomes reported to AuthMetrics
const (
	OutcomeSuccess              = "success"
	OutcomeInvalidCredentials   = "invalid_credentials"
	OutcomeSecondFactorRequired = "second_factor_required"
	OutcomeInvalidCode          = "invalid_code"
	OutcomeError                = "error"
)

// Session is an issued bearer token
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *repository.User
}

// challengeTTL bounds the time between the password step and the TOTP step
const challengeTTL = 5 * time.Minute

// SecondFactorRequired is returned by IssuePrimary for users with TOTP enabled.
// Challenge is a short-lived signed token that CompleteSecondFactor redeems.
type SecondFactorRequired struct {
	UserID    string
	Challenge string
	ExpiresAt time.Time
}

// PrimaryResult holds exactly one of Session or Challenge
type PrimaryResult struct {
	Session   *Session
	Challenge *SecondFactorRequired
}

// Principal is the authenticated caller with its effective permissions
type Principal struct {
	UserID      string
	Email       string
	FirstName   string
	LastName    string
	DisplayName string
	Permissions []catalog.Permission
	TokenID     string
	ExpiresAt   time.Time
}

// Has reports whether the principal holds key
func (p *Principal) Has(key string) bool {
	for _, perm := range p.Permissions {
		if perm.Key == key {
			return true
		}
	}
	return false
}

// PermissionKeys lists the principal's keys
func (p *Principal) PermissionKeys() []string {
	keys := make([]string, len(p.Permissions))
	for i, perm := range p.Permissions {
		keys[i] = perm.Key
	}
	return keys
}

// RequirePermission passes when the principal holds at least one of keys.
// An empty key list never passes.
func RequirePermission(p *Principal, keys ...string) error {
	if p == nil {
		return ErrInvalidToken
	}
	for _, k := range keys {
		if p.Has(k) {
			return nil
		}
	}
	return ErrInsufficientPermission
}

// AuthService issues and validates bearer tokens. Tokens carry identity only;
// permissions are resolved from the stores on every Validate, so role and
// privilege changes apply to already-issued tokens immediately.
type AuthService struct {
	users       UserStore
	resolver    *PermissionResolver
	totp        *TOTPService
	tokens      *jwtpkg.Manager
	revocations RevocationStore
	metrics     AuthMetrics
	params      *password.Params
	minPassword int
	now         func() time.Time
	log         *logger.Logger
}

// AuthConfig carries the optional collaborators of AuthService
type AuthConfig struct {
	Revocations       RevocationStore
	Metrics           AuthMetrics
	PasswordParams    *password.Params
	PasswordMinLength int
}

func NewAuthService(
	users UserStore,
	resolver *PermissionResolver,
	totpService *TOTPService,
	tokens *jwtpkg.Manager,
	cfg AuthConfig,
	log *logger.Logger,
) *AuthService {
	s := &AuthService{
		users:       users,
		resolver:    resolver,
		totp:        totpService,
		tokens:      tokens,
		revocations: cfg.Revocations,
		metrics:     cfg.Metrics,
		params:      cfg.PasswordParams,
		minPassword: cfg.PasswordMinLength,
		now:         time.Now,
		log:         log,
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	if s.minPassword <= 0 {
		s.minPassword = 8
	}
	return s
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// burnVerify runs a verification against a throwaway hash so unknown emails cost
// about as much as wrong passwords.
func (s *AuthService) burnVerify(pw string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = password.Hash("twofa-dummy-password", s.params)
	})
	if dummyHash != "" {
		_, _ = password.Verify(pw, dummyHash)
	}
}

// IssuePrimary checks email and password. It returns a Session, or a
// SecondFactorRequired challenge when the user has TOTP enabled. Every failure
// is ErrInvalidCredentials.
func (s *AuthService) IssuePrimary(ctx context.Context, email, pw string) (*PrimaryResult, error) {
	email = normalizeEmail(email)
	if !validEmail(email) || len(pw) < s.minPassword {
		s.metrics.LoginAttempt(OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if apperrors.Is(err, apperrors.KindNotFound) {
		s.burnVerify(pw)
		s.log.Warn().Msg("Login attempt for unknown email")
		s.metrics.LoginAttempt(OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		s.metrics.LoginAttempt(OutcomeError)
		return nil, err
	}

	ok, err := password.Verify(pw, user.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("Password verification failed")
		s.metrics.LoginAttempt(OutcomeError)
		return nil, apperrors.Internal("password verification error", err)
	}
	if !ok || !user.IsActive {
		s.log.Warn().Str("user_id", user.ID).Bool("active", user.IsActive).Msg("Login rejected")
		s.metrics.LoginAttempt(OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	s.upgradeHash(ctx, user, pw)

	if user.OTPState == repository.TOTPEnabled {
		challenge, claims, err := s.tokens.MintChallenge(user.ID, challengeTTL)
		if err != nil {
			s.metrics.LoginAttempt(OutcomeError)
			return nil, apperrors.Internal("failed to mint challenge", err)
		}
		s.metrics.LoginAttempt(OutcomeSecondFactorRequired)
		return &PrimaryResult{Challenge: &SecondFactorRequired{
			UserID:    user.ID,
			Challenge: challenge,
			ExpiresAt: claims.ExpiresAt(),
		}}, nil
	}

	session, err := s.mintFor(user)
	if err != nil {
		s.metrics.LoginAttempt(OutcomeError)
		return nil, err
	}

	s.log.Info().Str("user_id", user.ID).Msg("Login successful")
	s.metrics.LoginAttempt(OutcomeSuccess)
	return &PrimaryResult{Session: session}, nil
}

// upgradeHash replaces legacy or weaker verifiers after a successful password check
func (s *AuthService) upgradeHash(ctx context.Context, user *repository.User, pw string) {
	if !password.NeedsRehash(user.PasswordHash, s.params) {
		return
	}
	hash, err := password.Hash(pw, s.params)
	if err != nil {
		return
	}
	if err := s.users.Update(ctx, user.ID, repository.UserUpdate{PasswordHash: &hash}); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to upgrade password hash")
		return
	}
	user.PasswordHash = hash
}

// IssueSecondFactor completes a login for a user with TOTP enabled
func (s *AuthService) IssueSecondFactor(ctx context.Context, userID, code string) (*Session, error) {
	user, err := s.totp.VerifyLogin(ctx, userID, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCode) {
			s.metrics.SecondFactorAttempt(OutcomeInvalidCode)
		} else {
			s.metrics.SecondFactorAttempt(OutcomeError)
		}
		return nil, err
	}
	if !user.IsActive {
		s.metrics.SecondFactorAttempt(OutcomeInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	session, err := s.mintFor(user)
	if err != nil {
		s.metrics.SecondFactorAttempt(OutcomeError)
		return nil, err
	}

	s.log.Info().Str("user_id", user.ID).Msg("Second factor accepted")
	s.metrics.SecondFactorAttempt(OutcomeSuccess)
	return session, nil
}

// CompleteSecondFactor redeems a challenge from IssuePrimary with a TOTP code.
// A challenge is single use when a revocation store is configured.
func (s *AuthService) CompleteSecondFactor(ctx context.Context, challenge, code string) (*Session, error) {
	claims, err := s.tokens.ValidateChallenge(challenge)
	if err != nil {
		s.log.Debug().Err(err).Msg("Challenge rejected")
		s.metrics.SecondFactorAttempt(OutcomeInvalidCredentials)
		return nil, ErrInvalidChallenge
	}

	if s.revocations != nil {
		used, err := s.revocations.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			s.metrics.SecondFactorAttempt(OutcomeError)
			return nil, err
		}
		if used {
			s.metrics.SecondFactorAttempt(OutcomeInvalidCredentials)
			return nil, ErrInvalidChallenge
		}
	}

	session, err := s.IssueSecondFactor(ctx, claims.UserID, code)
	if err != nil {
		return nil, err
	}

	if s.revocations != nil {
		if err := s.revocations.Revoke(ctx, claims.TokenID, claims.ExpiresAt().Sub(s.now())); err != nil {
			s.log.Warn().Err(err).Str("user_id", claims.UserID).Msg("Failed to retire challenge")
		}
	}
	return session, nil
}

// MintToken signs a token for userID without any checks
func (s *AuthService) MintToken(userID string) (string, time.Time, error) {
	token, claims, err := s.tokens.Mint(userID)
	if err != nil {
		return "", time.Time{}, apperrors.Internal("failed to mint token", err)
	}
	return token, claims.ExpiresAt(), nil
}

func (s *AuthService) mintFor(user *repository.User) (*Session, error) {
	token, exp, err := s.MintToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: exp, User: user}, nil
}

// Validate verifies a bearer token and resolves the caller's current permissions
func (s *AuthService) Validate(ctx context.Context, token string) (*Principal, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		s.log.Debug().Err(err).Msg("Token rejected")
		return nil, ErrInvalidToken
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.TokenID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrInvalidToken
		}
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if apperrors.Is(err, apperrors.KindNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInvalidToken
	}

	perms, err := s.resolver.Resolve(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &Principal{
		UserID:      user.ID,
		Email:       user.Email,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		DisplayName: user.DisplayName(),
		Permissions: perms,
		TokenID:     claims.TokenID,
		ExpiresAt:   claims.ExpiresAt(),
	}, nil
}

// RequirePermission is the any-of check against a validated principal
func (s *AuthService) RequirePermission(p *Principal, keys ...string) error {
	return RequirePermission(p, keys...)
}

// Revoke invalidates the principal's token until it would have expired
func (s *AuthService) Revoke(ctx context.Context, p *Principal) error {
	if s.revocations == nil {
		return apperrors.Internal("token revocation is not configured", nil)
	}
	if err := s.revocations.Revoke(ctx, p.TokenID, p.ExpiresAt.Sub(s.now())); err != nil {
		return err
	}
	s.log.Info().Str("user_id", p.UserID).Msg("Token revoked")
	return nil
}
