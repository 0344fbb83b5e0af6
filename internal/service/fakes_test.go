package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
	"github.com/pesio-ai/be-plt-twofa/pkg/password"
)

var testParams = &password.Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

// memDB backs the fake stores. failOn injects an error the next time an op runs.
type memDB struct {
	mu        sync.Mutex
	seq       int
	users     map[string]repository.User
	roles     map[string]repository.Role
	userRoles map[string][]string
	rolePerms map[string][]string
	failOn    map[string]error
	ops       []string
}

func newMemDB() *memDB {
	return &memDB{
		users:     map[string]repository.User{},
		roles:     map[string]repository.Role{},
		userRoles: map[string][]string{},
		rolePerms: map[string][]string{},
		failOn:    map[string]error{},
	}
}

func (db *memDB) hit(op string) error {
	db.ops = append(db.ops, op)
	if err, ok := db.failOn[op]; ok {
		delete(db.failOn, op)
		return err
	}
	return nil
}

func (db *memDB) nextID(prefix string) string {
	db.seq++
	return fmt.Sprintf("%s-%d", prefix, db.seq)
}

type memSnapshot struct {
	users     map[string]repository.User
	roles     map[string]repository.Role
	userRoles map[string][]string
	rolePerms map[string][]string
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := memSnapshot{
		users:     map[string]repository.User{},
		roles:     map[string]repository.Role{},
		userRoles: map[string][]string{},
		rolePerms: map[string][]string{},
	}
	for k, v := range db.users {
		s.users[k] = v
	}
	for k, v := range db.roles {
		s.roles[k] = v
	}
	for k, v := range db.userRoles {
		s.userRoles[k] = slices.Clone(v)
	}
	for k, v := range db.rolePerms {
		s.rolePerms[k] = slices.Clone(v)
	}
	return s
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users, db.roles, db.userRoles, db.rolePerms = s.users, s.roles, s.userRoles, s.rolePerms
}

// memTx rolls the memDB back when fn fails
type memTx struct {
	db    *memDB
	calls int
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	snap := t.db.snapshot()
	if err := fn(ctx); err != nil {
		t.db.restore(snap)
		return err
	}
	return nil
}

type memUsers struct{ db *memDB }

func (s *memUsers) Count(ctx context.Context) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("users.Count"); err != nil {
		return 0, err
	}
	return len(s.db.users), nil
}

func (s *memUsers) LockRegistration(ctx context.Context) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.hit("users.LockRegistration")
}

func (s *memUsers) Create(ctx context.Context, user *repository.User) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("users.Create"); err != nil {
		return err
	}
	for _, u := range s.db.users {
		if u.Email == user.Email {
			return apperrors.Conflict("user already exists")
		}
	}
	user.ID = s.db.nextID("user")
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	if user.OTPState == "" {
		user.OTPState = repository.TOTPDisabled
	}
	s.db.users[user.ID] = *user
	return nil
}

func (s *memUsers) load(id string) (*repository.User, error) {
	u, ok := s.db.users[id]
	if !ok {
		return nil, apperrors.NotFound("user", id)
	}
	u.RoleIDs = slices.Clone(s.db.userRoles[id])
	return &u, nil
}

func (s *memUsers) GetByID(ctx context.Context, id string) (*repository.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("users.GetByID"); err != nil {
		return nil, err
	}
	return s.load(id)
}

func (s *memUsers) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("users.GetByEmail"); err != nil {
		return nil, err
	}
	for id, u := range s.db.users {
		if u.Email == email {
			return s.load(id)
		}
	}
	return nil, apperrors.NotFound("user", email)
}

func (s *memUsers) List(ctx context.Context) ([]*repository.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := []*repository.User{}
	for id := range s.db.users {
		u, _ := s.load(id)
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b *repository.User) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *memUsers) Update(ctx context.Context, id string, upd repository.UserUpdate) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("users.Update"); err != nil {
		return err
	}
	u, ok := s.db.users[id]
	if !ok {
		return apperrors.NotFound("user", id)
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.PhoneNumber != nil {
		u.PhoneNumber = *upd.PhoneNumber
	}
	s.db.users[id] = u
	return nil
}

func (s *memUsers) Delete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.users[id]; !ok {
		return apperrors.NotFound("user", id)
	}
	delete(s.db.users, id)
	delete(s.db.userRoles, id)
	return nil
}

func (s *memUsers) SetTOTP(ctx context.Context, id string, state repository.TOTPState, secret, authURL *string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("users.SetTOTP"); err != nil {
		return err
	}
	u, ok := s.db.users[id]
	if !ok {
		return apperrors.NotFound("user", id)
	}
	u.OTPState, u.OTPSecret, u.OTPAuthURL = state, secret, authURL
	s.db.users[id] = u
	return nil
}

type memRoles struct{ db *memDB }

func (s *memRoles) Create(ctx context.Context, role *repository.Role) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("roles.Create"); err != nil {
		return err
	}
	role.ID = s.db.nextID("role")
	role.CreatedAt = time.Now()
	s.db.roles[role.ID] = *role
	return nil
}

func (s *memRoles) GetByID(ctx context.Context, id string) (*repository.Role, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.roles[id]
	if !ok {
		return nil, apperrors.NotFound("role", id)
	}
	return &r, nil
}

func (s *memRoles) List(ctx context.Context) ([]*repository.Role, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := []*repository.Role{}
	for _, r := range s.db.roles {
		r := r
		out = append(out, &r)
	}
	slices.SortFunc(out, func(a, b *repository.Role) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *memRoles) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := s.db.roles[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *memRoles) Update(ctx context.Context, id string, upd repository.RoleUpdate) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("roles.Update"); err != nil {
		return err
	}
	r, ok := s.db.roles[id]
	if !ok {
		return apperrors.NotFound("role", id)
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.IsActive != nil {
		r.IsActive = *upd.IsActive
	}
	s.db.roles[id] = r
	return nil
}

func (s *memRoles) Delete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.roles[id]; !ok {
		return apperrors.NotFound("role", id)
	}
	delete(s.db.roles, id)
	delete(s.db.rolePerms, id)
	for uid, rids := range s.db.userRoles {
		s.db.userRoles[uid] = slices.DeleteFunc(rids, func(r string) bool { return r == id })
	}
	return nil
}

func (s *memRoles) ListRolePermissions(ctx context.Context, roleID string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return slices.Clone(s.db.rolePerms[roleID]), nil
}

func (s *memRoles) AddRolePermissions(ctx context.Context, roleID string, keys []string, grantedBy string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	if err := s.db.hit("roles.AddRolePermissions"); err != nil {
		return err
	}
	for _, k := range keys {
		if !slices.Contains(s.db.rolePerms[roleID], k) {
			s.db.rolePerms[roleID] = append(s.db.rolePerms[roleID], k)
		}
	}
	return nil
}

func (s *memRoles) RemoveRolePermissions(ctx context.Context, roleID string, keys []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	if err := s.db.hit("roles.RemoveRolePermissions"); err != nil {
		return err
	}
	s.db.rolePerms[roleID] = slices.DeleteFunc(s.db.rolePerms[roleID], func(k string) bool { return slices.Contains(keys, k) })
	return nil
}

func (s *memRoles) ListUserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.hit("roles.ListUserRoleIDs"); err != nil {
		return nil, err
	}
	return slices.Clone(s.db.userRoles[userID]), nil
}

func (s *memRoles) AddUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if len(roleIDs) == 0 {
		return nil
	}
	if err := s.db.hit("roles.AddUserRoles"); err != nil {
		return err
	}
	for _, r := range roleIDs {
		if !slices.Contains(s.db.userRoles[userID], r) {
			s.db.userRoles[userID] = append(s.db.userRoles[userID], r)
		}
	}
	return nil
}

func (s *memRoles) RemoveUserRoles(ctx context.Context, userID string, roleIDs []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if len(roleIDs) == 0 {
		return nil
	}
	if err := s.db.hit("roles.RemoveUserRoles"); err != nil {
		return err
	}
	s.db.userRoles[userID] = slices.DeleteFunc(s.db.userRoles[userID], func(r string) bool { return slices.Contains(roleIDs, r) })
	return nil
}

func (s *memRoles) ListPermissionKeysForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []string
	for _, r := range roleIDs {
		for _, k := range s.db.rolePerms[r] {
			if !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

// seedRole inserts a role with keys directly
func (db *memDB) seedRole(name string, keys ...string) string {
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextID("role")
	db.roles[id] = repository.Role{ID: id, Name: name, IsActive: true, CreatedAt: time.Now()}
	db.rolePerms[id] = slices.Clone(keys)
	return id
}

// seedUser inserts a user with the given password and roles directly
func (db *memDB) seedUser(email, pw string, roleIDs ...string) string {
	hash, err := password.Hash(pw, testParams)
	if err != nil {
		panic(err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	id := db.nextID("user")
	db.users[id] = repository.User{
		ID: id, Email: email, PasswordHash: hash, IsActive: true,
		OTPState: repository.TOTPDisabled, CreatedAt: time.Now(),
	}
	db.userRoles[id] = slices.Clone(roleIDs)
	return id
}

type memRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Duration
}

func newMemRevocations() *memRevocations {
	return &memRevocations{revoked: map[string]time.Duration{}}
}

func (m *memRevocations) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[tokenID] = ttl
	return nil
}

func (m *memRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[tokenID]
	return ok, nil
}

type countingMetrics struct {
	mu     sync.Mutex
	login  map[string]int
	second map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{login: map[string]int{}, second: map[string]int{}}
}

func (m *countingMetrics) LoginAttempt(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.login[outcome]++
}

func (m *countingMetrics) SecondFactorAttempt(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.second[outcome]++
}
