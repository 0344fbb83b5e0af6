package service

import (
	"context"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
)

const (
	totpSecretSize = 15 // bytes; 24 base32 characters
	totpPeriod     = 30
	totpSkew       = 1
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Enrollment is what a user needs to configure an authenticator app
type Enrollment struct {
	Secret     string
	OTPAuthURL string
}

// TOTPService drives the second-factor state machine:
// disabled -> pending (BeginEnrollment), pending -> enabled (VerifyEnrollment),
// any -> disabled (Disable).
type TOTPService struct {
	users  UserStore
	issuer string
	now    func() time.Time
	log    *logger.Logger
}

func NewTOTPService(users UserStore, issuer string, log *logger.Logger) *TOTPService {
	return &TOTPService{
		users:  users,
		issuer: issuer,
		now:    time.Now,
		log:    log,
	}
}

// BeginEnrollment generates a fresh secret and moves the user to pending.
// Calling it again, in any state, replaces the secret.
func (s *TOTPService) BeginEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Email,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, apperrors.Internal("failed to generate totp secret", err)
	}

	secret, url := key.Secret(), key.URL()
	if err := s.users.SetTOTP(ctx, user.ID, repository.TOTPPending, &secret, &url); err != nil {
		return nil, err
	}

	s.log.Info().Str("user_id", user.ID).Msg("TOTP enrollment started")

	return &Enrollment{Secret: secret, OTPAuthURL: url}, nil
}

// VerifyEnrollment enables the factor when code matches the pending secret
func (s *TOTPService) VerifyEnrollment(ctx context.Context, userID, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.OTPState != repository.TOTPPending || user.OTPSecret == nil {
		return ErrNoPendingEnrollment
	}

	if !s.check(*user.OTPSecret, code) {
		s.log.Warn().Str("user_id", user.ID).Msg("TOTP enrollment code rejected")
		return ErrInvalidCode
	}

	if err := s.users.SetTOTP(ctx, user.ID, repository.TOTPEnabled, user.OTPSecret, nil); err != nil {
		return err
	}

	s.log.Info().Str("user_id", user.ID).Msg("TOTP enabled")
	return nil
}

// VerifyLogin checks a code for a user with the factor enabled. It never changes state.
// Unknown users and users without an enabled factor get ErrInvalidCode.
func (s *TOTPService) VerifyLogin(ctx context.Context, userID, code string) (*repository.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if apperrors.Is(err, apperrors.KindNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	if user.OTPState != repository.TOTPEnabled || user.OTPSecret == nil {
		return nil, ErrInvalidCode
	}
	if !s.check(*user.OTPSecret, code) {
		return nil, ErrInvalidCode
	}
	return user, nil
}

// Disable turns the factor off and forgets the secret
func (s *TOTPService) Disable(ctx context.Context, userID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.users.SetTOTP(ctx, user.ID, repository.TOTPDisabled, nil, nil); err != nil {
		return err
	}

	s.log.Info().Str("user_id", user.ID).Msg("TOTP disabled")
	return nil
}

// Status returns the user's second-factor state
func (s *TOTPService) Status(ctx context.Context, userID string) (repository.TOTPState, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.OTPState, nil
}

// check accepts the code for the current 30s step and one step either side
func (s *TOTPService) check(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, s.now().UTC(), totpValidateOpts)
	return err == nil && ok
}
