package service

import (
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	jwtpkg "github.com/pesio-ai/be-plt-twofa/pkg/jwt"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	db          *memDB
	users       *memUsers
	roles       *memRoles
	tx          *memTx
	clock       *fakeClock
	tokens      *jwtpkg.Manager
	revocations *memRevocations
	metrics     *countingMetrics

	resolver *PermissionResolver
	totp     *TOTPService
	auth     *AuthService
	userSvc  *UserService
	roleSvc  *RoleService
}

const testTTL = time.Hour

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newMemDB()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	log := logger.Nop()

	tokens, err := jwtpkg.NewManager("test-secret", testTTL, jwtpkg.WithClock(clock.Now))
	require.NoError(t, err)

	env := &testEnv{
		db:          db,
		users:       &memUsers{db: db},
		roles:       &memRoles{db: db},
		tx:          &memTx{db: db},
		clock:       clock,
		tokens:      tokens,
		revocations: newMemRevocations(),
		metrics:     newCountingMetrics(),
	}

	cat := catalog.Default()
	env.resolver = NewPermissionResolver(env.roles, cat)
	env.totp = NewTOTPService(env.users, "twofa-test", log)
	env.totp.now = clock.Now
	env.auth = NewAuthService(env.users, env.resolver, env.totp, tokens, AuthConfig{
		Revocations:       env.revocations,
		Metrics:           env.metrics,
		PasswordParams:    testParams,
		PasswordMinLength: 8,
	}, log)
	env.auth.now = clock.Now
	env.userSvc = NewUserService(env.users, env.roles, env.tx, cat, testParams, 8, log)
	env.roleSvc = NewRoleService(env.roles, env.tx, cat, log)

	return env
}

// codeAt returns the TOTP code for secret at the env clock shifted by offset steps
func (e *testEnv) codeAt(t *testing.T, secret string, steps int) string {
	t.Helper()
	at := e.clock.Now().Add(time.Duration(steps) * totpPeriod * time.Second)
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}
