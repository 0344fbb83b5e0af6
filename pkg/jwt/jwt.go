package jwt

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidSecret = errors.New("jwt secret must not be empty")
	ErrInvalidTTL    = errors.New("token ttl out of range")
)

// ExpiryMode selects how the exp claim is computed from the issue time
type ExpiryMode string

const (
	// ExpiryAdditive sets exp = now + ttl.
	ExpiryAdditive ExpiryMode = "additive"
	// ExpiryMultiplicative sets exp = floor(now) * ttl, the formula used by
	// tokens issued before the additive mode existed. Always in the future for ttl >= 2s.
	ExpiryMultiplicative ExpiryMode = "multiplicative"
)

// ParseExpiryMode validates a configured mode name
func ParseExpiryMode(s string) (ExpiryMode, error) {
	switch ExpiryMode(s) {
	case "", ExpiryAdditive:
		return ExpiryAdditive, nil
	case ExpiryMultiplicative:
		return ExpiryMultiplicative, nil
	default:
		return "", fmt.Errorf("unknown token expiry mode %q", s)
	}
}

// Claims carries identity only; permissions are resolved on every validation.
// Claim timestamps are plain integers so the multiplicative expiry survives encoding.
type Claims struct {
	UserID   string `json:"id"`
	Expiry   int64  `json:"exp"`
	IssuedAt int64  `json:"iat,omitempty"`
	TokenID  string `json:"jti,omitempty"`
	Purpose  string `json:"pur,omitempty"`
}

// PurposeSecondFactor marks a challenge token that only proves the password step
const PurposeSecondFactor = "2fa"

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.Expiry == 0 {
		return nil, nil
	}
	return &jwt.NumericDate{Time: time.Unix(c.Expiry, 0)}, nil
}

func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	if c.IssuedAt == 0 {
		return nil, nil
	}
	return &jwt.NumericDate{Time: time.Unix(c.IssuedAt, 0)}, nil
}

func (c *Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (c *Claims) GetIssuer() (string, error)              { return "", nil }
func (c *Claims) GetSubject() (string, error)             { return c.UserID, nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

// ExpiresAt returns the expiry as a time
func (c *Claims) ExpiresAt() time.Time {
	return time.Unix(c.Expiry, 0)
}

// Manager signs and verifies HS256 bearer tokens
type Manager struct {
	secret []byte
	ttl    time.Duration
	mode   ExpiryMode
	now    func() time.Time
}

// Option customises a Manager
type Option func(*Manager)

// WithClock overrides the time source used for issuing and validating
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExpiryMode selects the exp formula
func WithExpiryMode(mode ExpiryMode) Option {
	return func(m *Manager) { m.mode = mode }
}

// CheckTTL reports whether tokens issued at now with ttl expire strictly
// after now. Expiry has whole-second resolution, so ttl must be at least a
// second, and the multiplicative formula needs ttl >= 2s and must not
// overflow int64.
func CheckTTL(mode ExpiryMode, ttl time.Duration, now time.Time) error {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		return fmt.Errorf("%w: %s is below one second", ErrInvalidTTL, ttl)
	}
	unix := now.Unix()
	switch mode {
	case ExpiryMultiplicative:
		if secs < 2 {
			return fmt.Errorf("%w: multiplicative expiry needs at least 2s", ErrInvalidTTL)
		}
		if unix > 0 && secs > math.MaxInt64/unix {
			return fmt.Errorf("%w: %s overflows the multiplicative expiry", ErrInvalidTTL, ttl)
		}
	default:
		if unix > math.MaxInt64-secs {
			return fmt.Errorf("%w: %s overflows the expiry", ErrInvalidTTL, ttl)
		}
	}
	return nil
}

// NewManager creates a token manager
func NewManager(secret string, ttl time.Duration, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, ErrInvalidSecret
	}

	m := &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		mode:   ExpiryAdditive,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := CheckTTL(m.mode, m.ttl, m.now()); err != nil {
		return nil, err
	}
	return m, nil
}

// TTL returns the configured token lifetime
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Mint signs a token for userID
func (m *Manager) Mint(userID string) (string, *Claims, error) {
	if userID == "" {
		return "", nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	now := m.now()
	if err := CheckTTL(m.mode, m.ttl, now); err != nil {
		return "", nil, err
	}
	claims := &Claims{
		UserID:   userID,
		Expiry:   m.expiry(now.Unix()),
		IssuedAt: now.Unix(),
		TokenID:  uuid.New().String(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, claims, nil
}

func (m *Manager) expiry(now int64) int64 {
	ttl := int64(m.ttl / time.Second)
	if m.mode == ExpiryMultiplicative {
		return now * ttl
	}
	return now + ttl
}

// MintChallenge signs a second-factor challenge for userID valid for ttl.
// Challenges are always additive and are rejected by Validate.
func (m *Manager) MintChallenge(userID string, ttl time.Duration) (string, *Claims, error) {
	if userID == "" {
		return "", nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	now := m.now()
	if err := CheckTTL(ExpiryAdditive, ttl, now); err != nil {
		return "", nil, err
	}
	claims := &Claims{
		UserID:   userID,
		Expiry:   now.Unix() + int64(ttl/time.Second),
		IssuedAt: now.Unix(),
		TokenID:  uuid.New().String(),
		Purpose:  PurposeSecondFactor,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign challenge: %w", err)
	}
	return signed, claims, nil
}

// ValidateChallenge verifies a token minted by MintChallenge
func (m *Manager) ValidateChallenge(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != PurposeSecondFactor {
		return nil, fmt.Errorf("%w: not a second-factor challenge", ErrInvalidToken)
	}
	return claims, nil
}

// Validate verifies signature, algorithm and expiry of a bearer token.
// Tokens at or past exp are rejected, as are challenges.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Purpose != "" {
		return nil, fmt.Errorf("%w: unexpected purpose %q", ErrInvalidToken, claims.Purpose)
	}
	return claims, nil
}

func (m *Manager) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	// A token is expired at exp, not one second after.
	if !m.now().Before(claims.ExpiresAt()) {
		return nil, ErrTokenExpired
	}

	return claims, nil
}
