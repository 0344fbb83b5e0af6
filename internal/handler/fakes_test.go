package handler

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/internal/service"
	"github.com/pesio-ai/be-plt-twofa/pkg/apperrors"
)

// fakeAuth maps bearer tokens to principals
type fakeAuth struct {
	mu         sync.Mutex
	principals map[string]*service.Principal
	validErr   error
	primary    func(email, password string) (*service.PrimaryResult, error)
	second     func(challenge, code string) (*service.Session, error)
	revoked    []string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{principals: map[string]*service.Principal{}}
}

func (f *fakeAuth) grant(token, userID string, keys ...string) *service.Principal {
	p := &service.Principal{
		UserID:      userID,
		Email:       userID + "@example.com",
		Permissions: catalog.Default().Describe(keys),
		TokenID:     "jti-" + token,
		ExpiresAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	f.principals[token] = p
	return p
}

func (f *fakeAuth) IssuePrimary(_ context.Context, email, password string) (*service.PrimaryResult, error) {
	return f.primary(email, password)
}

func (f *fakeAuth) CompleteSecondFactor(_ context.Context, challenge, code string) (*service.Session, error) {
	return f.second(challenge, code)
}

func (f *fakeAuth) Validate(_ context.Context, token string) (*service.Principal, error) {
	if f.validErr != nil {
		return nil, f.validErr
	}
	p, ok := f.principals[token]
	if !ok {
		return nil, service.ErrInvalidToken
	}
	return p, nil
}

func (f *fakeAuth) Revoke(_ context.Context, p *service.Principal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, p.TokenID)
	delete(f.principals, p.TokenID[len("jti-"):])
	return nil
}

type fakeUsers struct {
	registerErr  error
	lastRegister *service.RegisterRequest
	addReq       *service.AddUserRequest
	addErr       error
	updateReq    *service.UpdateUserRequest
	updateErr    error
	deleted      []string
	list         []*repository.User
	listErr      error
}

func (f *fakeUsers) Register(_ context.Context, req *service.RegisterRequest) (*repository.User, error) {
	f.lastRegister = req
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &repository.User{ID: "u-root", Email: req.Email, IsActive: true}, nil
}

func (f *fakeUsers) AddUser(_ context.Context, req *service.AddUserRequest) (*repository.User, error) {
	f.addReq = req
	if f.addErr != nil {
		return nil, f.addErr
	}
	return &repository.User{ID: "u-new", Email: req.Email, RoleIDs: req.Roles}, nil
}

func (f *fakeUsers) UpdateUser(_ context.Context, req *service.UpdateUserRequest) error {
	f.updateReq = req
	return f.updateErr
}

func (f *fakeUsers) DeleteUser(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeUsers) ListUsers(context.Context) ([]*repository.User, error) {
	return f.list, f.listErr
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*repository.User, error) {
	if id == "missing" {
		return nil, apperrors.NotFound("user", id)
	}
	for _, u := range f.list {
		if u.ID == id {
			return u, nil
		}
	}
	return &repository.User{ID: id, Email: id + "@example.com", IsActive: true}, nil
}

type fakeRoles struct {
	createReq *service.CreateRoleRequest
	createErr error
	updateReq *service.UpdateRoleRequest
	deleted   []string
	list      []*repository.Role
}

func (f *fakeRoles) CreateRole(_ context.Context, req *service.CreateRoleRequest) (*service.RoleWithPermissions, error) {
	f.createReq = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &service.RoleWithPermissions{
		Role:        &repository.Role{ID: "r-new", Name: req.Name, IsActive: true, CreatedBy: &req.CreatedBy},
		Permissions: req.Permissions,
	}, nil
}

func (f *fakeRoles) UpdateRole(_ context.Context, req *service.UpdateRoleRequest) error {
	f.updateReq = req
	return nil
}

func (f *fakeRoles) DeleteRole(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRoles) ListRoles(context.Context) ([]*repository.Role, error) {
	return f.list, nil
}

func (f *fakeRoles) GetRole(_ context.Context, id string) (*service.RoleWithPermissions, error) {
	if id == "missing" {
		return nil, apperrors.NotFound("role", id)
	}
	return &service.RoleWithPermissions{
		Role:        &repository.Role{ID: id, Name: "editor", IsActive: true},
		Permissions: []string{catalog.UserView, catalog.UserUpdate},
	}, nil
}

func (f *fakeRoles) Catalog() *catalog.Catalog {
	return catalog.Default()
}

type fakeTOTP struct {
	begun    []string
	verified map[string]string
	disabled []string
	err      error
}

func (f *fakeTOTP) BeginEnrollment(_ context.Context, userID string) (*service.Enrollment, error) {
	f.begun = append(f.begun, userID)
	return &service.Enrollment{Secret: "JBSWY3DPEHPK3PXP", OTPAuthURL: "otpauth://totp/twofa:" + userID}, nil
}

func (f *fakeTOTP) VerifyEnrollment(_ context.Context, userID, code string) error {
	if f.err != nil {
		return f.err
	}
	if f.verified == nil {
		f.verified = map[string]string{}
	}
	f.verified[userID] = code
	return nil
}

func (f *fakeTOTP) Disable(_ context.Context, userID string) error {
	f.disabled = append(f.disabled, userID)
	return nil
}
