package jwt

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		ttl     time.Duration
		mode    ExpiryMode
		wantErr error
	}{
		{name: "valid", secret: testSecret, ttl: time.Hour},
		{name: "empty secret", secret: "", ttl: time.Hour, wantErr: ErrInvalidSecret},
		{name: "zero ttl", secret: testSecret, ttl: 0, wantErr: ErrInvalidTTL},
		{name: "sub-second ttl", secret: testSecret, ttl: 500 * time.Millisecond, wantErr: ErrInvalidTTL},
		{name: "one second", secret: testSecret, ttl: time.Second},
		{name: "multiplicative one second", secret: testSecret, ttl: time.Second, mode: ExpiryMultiplicative, wantErr: ErrInvalidTTL},
		{name: "multiplicative two seconds", secret: testSecret, ttl: 2 * time.Second, mode: ExpiryMultiplicative},
		{name: "multiplicative overflow", secret: testSecret, ttl: time.Duration(math.MaxInt64), mode: ExpiryMultiplicative, wantErr: ErrInvalidTTL},
		{name: "multiplicative just under overflow", secret: testSecret, ttl: time.Duration(math.MaxInt64/1_700_000_000) * time.Second, mode: ExpiryMultiplicative},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode := tt.mode
			if mode == "" {
				mode = ExpiryAdditive
			}
			m, err := NewManager(tt.secret, tt.ttl, WithExpiryMode(mode), WithClock(fixedClock(time.Unix(1_700_000_000, 0))))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewManager() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && m == nil {
				t.Fatal("NewManager() returned nil manager")
			}
		})
	}
}

func TestMintAndValidate(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	m, err := NewManager(testSecret, 24*time.Hour, WithClock(fixedClock(issued)))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	token, minted, err := m.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("Mint() token is not a compact JWS: %s", token)
	}
	if minted.Expiry != issued.Unix()+86400 {
		t.Errorf("Mint() exp = %d, want %d", minted.Expiry, issued.Unix()+86400)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("Validate() user = %s, want user-1", claims.UserID)
	}
	if claims.TokenID == "" || claims.TokenID != minted.TokenID {
		t.Errorf("Validate() jti = %q, want %q", claims.TokenID, minted.TokenID)
	}
}

func TestMintRejectsEmptySubject(t *testing.T) {
	m, _ := NewManager(testSecret, time.Hour)
	if _, _, err := m.Mint(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Mint(\"\") error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateExpiry(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	ttl := time.Hour

	tests := []struct {
		name    string
		at      time.Time
		wantErr error
	}{
		{name: "one second before exp", at: issued.Add(ttl - time.Second)},
		{name: "exactly at exp", at: issued.Add(ttl), wantErr: ErrTokenExpired},
		{name: "after exp", at: issued.Add(ttl + time.Minute), wantErr: ErrTokenExpired},
	}

	minter, _ := NewManager(testSecret, ttl, WithClock(fixedClock(issued)))
	token, _, err := minter.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := NewManager(testSecret, ttl, WithClock(fixedClock(tt.at)))
			_, err := v.Validate(token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMintedTokenIsFreshAtMinimumTTL(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		ttl  time.Duration
		mode ExpiryMode
	}{
		{name: "additive", ttl: time.Second, mode: ExpiryAdditive},
		{name: "multiplicative", ttl: 2 * time.Second, mode: ExpiryMultiplicative},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(testSecret, tt.ttl, WithExpiryMode(tt.mode), WithClock(fixedClock(issued)))
			if err != nil {
				t.Fatalf("NewManager() error = %v", err)
			}
			token, claims, err := m.Mint("user-1")
			if err != nil {
				t.Fatalf("Mint() error = %v", err)
			}
			if claims.Expiry <= issued.Unix() {
				t.Fatalf("Mint() exp = %d, not after issue time %d", claims.Expiry, issued.Unix())
			}
			if _, err := m.Validate(token); err != nil {
				t.Fatalf("Validate() of a fresh token error = %v", err)
			}
		})
	}
}

func TestMintRejectsOverflowAsClockAdvances(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ttl := time.Duration(math.MaxInt64/now.Unix()) * time.Second
	m, err := NewManager(testSecret, ttl, WithExpiryMode(ExpiryMultiplicative), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	now = now.Add(time.Hour)
	if _, _, err := m.Mint("user-1"); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("Mint() error = %v, want ErrInvalidTTL", err)
	}
}

func TestMultiplicativeExpiry(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	m, _ := NewManager(testSecret, 86400*time.Second,
		WithClock(fixedClock(issued)),
		WithExpiryMode(ExpiryMultiplicative),
	)

	token, claims, err := m.Mint("user-1")
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	if want := issued.Unix() * 86400; claims.Expiry != want {
		t.Fatalf("Mint() exp = %d, want %d", claims.Expiry, want)
	}

	// Far-future expiry still round-trips and validates.
	later, _ := NewManager(testSecret, 86400*time.Second,
		WithClock(fixedClock(issued.Add(365*24*time.Hour))),
		WithExpiryMode(ExpiryMultiplicative),
	)
	if _, err := later.Validate(token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateRejectsTampering(t *testing.T) {
	m, _ := NewManager(testSecret, time.Hour)
	token, _, _ := m.Mint("user-1")

	other, _ := NewManager("different-secret", time.Hour)
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": "user-1"})
	noExpToken, _ := noExp.SignedString([]byte(testSecret))
	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"id": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
	hs512Token, _ := hs512.SignedString([]byte(testSecret))

	tests := []struct {
		name    string
		manager *Manager
		token   string
	}{
		{name: "wrong secret", manager: other, token: token},
		{name: "garbage", manager: m, token: "not.a.jwt"},
		{name: "truncated signature", manager: m, token: token[:len(token)-4]},
		{name: "missing exp", manager: m, token: noExpToken},
		{name: "other algorithm", manager: m, token: hs512Token},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.manager.Validate(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Validate() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestParseExpiryMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ExpiryMode
		wantErr bool
	}{
		{in: "", want: ExpiryAdditive},
		{in: "additive", want: ExpiryAdditive},
		{in: "multiplicative", want: ExpiryMultiplicative},
		{in: "sideways", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseExpiryMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseExpiryMode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseExpiryMode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestChallengeTokens(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0)
	m, _ := NewManager(testSecret, time.Hour, WithClock(fixedClock(issued)))

	challenge, claims, err := m.MintChallenge("user-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("MintChallenge() error = %v", err)
	}
	if claims.Expiry != issued.Unix()+300 {
		t.Errorf("MintChallenge() exp = %d, want %d", claims.Expiry, issued.Unix()+300)
	}

	got, err := m.ValidateChallenge(challenge)
	if err != nil {
		t.Fatalf("ValidateChallenge() error = %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("ValidateChallenge() user = %s, want user-1", got.UserID)
	}

	if _, err := m.Validate(challenge); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Validate(challenge) error = %v, want ErrInvalidToken", err)
	}

	bearer, _, _ := m.Mint("user-1")
	if _, err := m.ValidateChallenge(bearer); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateChallenge(bearer) error = %v, want ErrInvalidToken", err)
	}

	later, _ := NewManager(testSecret, time.Hour, WithClock(fixedClock(issued.Add(5*time.Minute))))
	if _, err := later.ValidateChallenge(challenge); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("ValidateChallenge() after expiry error = %v, want ErrTokenExpired", err)
	}
}
