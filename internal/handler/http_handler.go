package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pesio-ai/be-plt-twofa/internal/catalog"
	"github.com/pesio-ai/be-plt-twofa/internal/metrics"
	"github.com/pesio-ai/be-plt-twofa/internal/repository"
	"github.com/pesio-ai/be-plt-twofa/internal/service"
	"github.com/pesio-ai/be-plt-twofa/pkg/logger"
)

// AuthAPI is the session surface the HTTP layer needs
type AuthAPI interface {
	IssuePrimary(ctx context.Context, email, password string) (*service.PrimaryResult, error)
	CompleteSecondFactor(ctx context.Context, challenge, code string) (*service.Session, error)
	Validate(ctx context.Context, token string) (*service.Principal, error)
	Revoke(ctx context.Context, p *service.Principal) error
}

type UserAPI interface {
	Register(ctx context.Context, req *service.RegisterRequest) (*repository.User, error)
	AddUser(ctx context.Context, req *service.AddUserRequest) (*repository.User, error)
	UpdateUser(ctx context.Context, req *service.UpdateUserRequest) error
	DeleteUser(ctx context.Context, id string) error
	ListUsers(ctx context.Context) ([]*repository.User, error)
	GetUser(ctx context.Context, id string) (*repository.User, error)
}

type RoleAPI interface {
	CreateRole(ctx context.Context, req *service.CreateRoleRequest) (*service.RoleWithPermissions, error)
	UpdateRole(ctx context.Context, req *service.UpdateRoleRequest) error
	DeleteRole(ctx context.Context, id string) error
	ListRoles(ctx context.Context) ([]*repository.Role, error)
	GetRole(ctx context.Context, id string) (*service.RoleWithPermissions, error)
	Catalog() *catalog.Catalog
}

type TOTPAPI interface {
	BeginEnrollment(ctx context.Context, userID string) (*service.Enrollment, error)
	VerifyEnrollment(ctx context.Context, userID, code string) error
	Disable(ctx context.Context, userID string) error
}

// Services groups the collaborators of HTTPHandler
type Services struct {
	Auth  AuthAPI
	Users UserAPI
	Roles RoleAPI
	TOTP  TOTPAPI
}

// Options tunes the router
type Options struct {
	Metrics       *metrics.Metrics
	AuthRateLimit int // requests per minute per IP on credential endpoints; 0 disables
	Production    bool
	// Ready reports dependency health for /healthz
	Ready func(ctx context.Context) error
}

// HTTPHandler serves the JSON API
type HTTPHandler struct {
	auth    AuthAPI
	users   UserAPI
	roles   RoleAPI
	totp    TOTPAPI
	metrics *metrics.Metrics
	opts    Options
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, opts Options, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		auth:    svc.Auth,
		users:   svc.Users,
		roles:   svc.Roles,
		totp:    svc.TOTP,
		metrics: opts.Metrics,
		opts:    opts,
		log:     log,
	}
}

// Routes builds the chi router
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(h.secureHeaders(h.opts.Production))
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.authLimiter(h.opts.AuthRateLimit))
			r.Post("/users/register", h.Register)
			r.Post("/users/auth", h.Login)
			r.Post("/users/auth/2fa", h.LoginSecondFactor)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)

			r.Get("/me", h.Me)
			r.Post("/users/logout", h.Logout)
			r.Post("/users/otp/generate", h.GenerateOTP)
			r.Post("/users/otp/verify", h.VerifyOTP)
			r.Post("/users/otp/disable", h.DisableOTP)

			r.With(h.RequirePermission(catalog.UserView)).Get("/users", h.ListUsers)
			r.With(h.RequirePermission(catalog.UserView)).Get("/users/{id}", h.GetUser)
			r.With(h.RequirePermission(catalog.UserAdd)).Post("/users/add", h.AddUser)
			r.With(h.RequirePermission(catalog.UserUpdate)).Post("/users/update", h.UpdateUser)
			r.With(h.RequirePermission(catalog.UserDelete)).Post("/users/delete", h.DeleteUser)

			r.With(h.RequirePermission(catalog.RoleView)).Get("/roles", h.ListRoles)
			r.With(h.RequirePermission(catalog.RoleAdd)).Post("/roles/add", h.AddRole)
			r.With(h.RequirePermission(catalog.RoleUpdate)).Post("/roles/update", h.UpdateRole)
			r.With(h.RequirePermission(catalog.RoleDelete)).Post("/roles/delete", h.DeleteRole)
			r.With(h.RequirePermission(catalog.RolePrivilegesView)).Get("/roles/role_privileges", h.RolePrivileges)
			r.With(h.RequirePermission(catalog.RoleView)).Get("/roles/{id}", h.GetRole)
		})
	})

	return r
}

// Health reports liveness plus dependency readiness
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Ready(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userView struct {
	ID          string    `json:"_id"`
	Email       string    `json:"email"`
	IsActive    bool      `json:"is_active"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	OTPEnabled  bool      `json:"otp_enabled"`
	Roles       []string  `json:"roles,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toUserView(u *repository.User) userView {
	return userView{
		ID:          u.ID,
		Email:       u.Email,
		IsActive:    u.IsActive,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		PhoneNumber: u.PhoneNumber,
		OTPEnabled:  u.OTPState == repository.TOTPEnabled,
		Roles:       u.RoleIDs,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

type roleView struct {
	ID          string    `json:"_id"`
	Name        string    `json:"role_name"`
	IsActive    bool      `json:"is_active"`
	CreatedBy   *string   `json:"created_by,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRoleView(r *repository.Role, perms []string) roleView {
	return roleView{
		ID:          r.ID,
		Name:        r.Name,
		IsActive:    r.IsActive,
		CreatedBy:   r.CreatedBy,
		Permissions: perms,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type sessionView struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userView  `json:"user"`
}

type successView struct {
	Success bool   `json:"success"`
	ID      string `json:"_id,omitempty"`
}

// registerRequest carries no validate tags: a closed registration must be
// reported before any field errors. An empty body decodes as the zero request.
type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
}

// Register bootstraps the first administrator
func (h *HTTPHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		h.writeError(w, r, err)
		return
	}

	user, err := h.users.Register(r.Context(), &service.RegisterRequest{
		Email:       req.Email,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, successView{Success: true, ID: user.ID})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Login checks email and password. Users with TOTP enabled get a challenge
// instead of a token.
func (h *HTTPHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, service.ErrInvalidCredentials)
		return
	}

	res, err := h.auth.IssuePrimary(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if res.Challenge != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"otp_enabled":          true,
			"user":                 map[string]string{"_id": res.Challenge.UserID},
			"challenge":            res.Challenge.Challenge,
			"challenge_expires_at": res.Challenge.ExpiresAt,
		})
		return
	}

	writeJSON(w, http.StatusOK, toSessionView(res.Session))
}

func toSessionView(s *service.Session) sessionView {
	return sessionView{Token: s.Token, ExpiresAt: s.ExpiresAt, User: toUserView(s.User)}
}

type secondFactorRequest struct {
	Challenge string `json:"challenge" validate:"required"`
	Code      string `json:"code" validate:"required,numeric"`
}

// LoginSecondFactor completes a login with the challenge from Login and a TOTP code
func (h *HTTPHandler) LoginSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req secondFactorRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.auth.CompleteSecondFactor(r.Context(), req.Challenge, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSessionView(session))
}

// Me returns the caller and its effective permissions
func (h *HTTPHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"_id":          p.UserID,
		"email":        p.Email,
		"first_name":   p.FirstName,
		"last_name":    p.LastName,
		"display_name": p.DisplayName,
		"permissions":  p.Permissions,
		"expires_at":   p.ExpiresAt,
	})
}

// Logout revokes the caller's token
func (h *HTTPHandler) Logout(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if err := h.auth.Revoke(r.Context(), p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successView{Success: true})
}

// GenerateOTP starts (or restarts) TOTP enrollment for the caller
func (h *HTTPHandler) GenerateOTP(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	enr, err := h.totp.BeginEnrollment(r.Context(), p.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"base32":      enr.Secret,
		"otpauth_url": enr.OTPAuthURL,
	})
}

type otpCodeRequest struct {
	Code string `json:"code" validate:"required,numeric"`
}

// VerifyOTP confirms a pending enrollment
func (h *HTTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req otpCodeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.totp.VerifyEnrollment(r.Context(), p.UserID, req.Code); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"otp_verified": true, "otp_enabled": true})
}

// DisableOTP turns the caller's second factor off
func (h *HTTPHandler) DisableOTP(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if err := h.totp.Disable(r.Context(), p.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successView{Success: true})
}

// ListUsers handles list users HTTP requests
func (h *HTTPHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserView(user))
}

func (h *HTTPHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]userView, len(users))
	for i, u := range users {
		out[i] = toUserView(u)
	}
	writeJSON(w, http.StatusOK, out)
}

type addUserRequest struct {
	Email       string   `json:"email" validate:"required"`
	Password    string   `json:"password" validate:"required"`
	IsActive    *bool    `json:"is_active"`
	FirstName   string   `json:"first_name"`
	LastName    string   `json:"last_name"`
	PhoneNumber string   `json:"phone_number"`
	Roles       []string `json:"roles" validate:"required,min=1,dive,required"`
}

// AddUser handles create user HTTP requests
func (h *HTTPHandler) AddUser(w http.ResponseWriter, r *http.Request) {
	var req addUserRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.users.AddUser(r.Context(), &service.AddUserRequest{
		Email:       req.Email,
		Password:    req.Password,
		IsActive:    req.IsActive,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
		Roles:       req.Roles,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, successView{Success: true, ID: user.ID})
}

type updateUserRequest struct {
	ID          string    `json:"_id" validate:"required"`
	Password    *string   `json:"password"`
	IsActive    *bool     `json:"is_active"`
	FirstName   *string   `json:"first_name"`
	LastName    *string   `json:"last_name"`
	PhoneNumber *string   `json:"phone_number"`
	Roles       *[]string `json:"roles"`
}

func (h *HTTPHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := h.users.UpdateUser(r.Context(), &service.UpdateUserRequest{
		ID:          req.ID,
		Password:    req.Password,
		IsActive:    req.IsActive,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
		Roles:       req.Roles,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successView{Success: true})
}

type idRequest struct {
	ID string `json:"_id" validate:"required"`
}

func (h *HTTPHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.users.DeleteUser(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successView{Success: true})
}

func (h *HTTPHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.ListRoles(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]roleView, len(roles))
	for i, role := range roles {
		out[i] = toRoleView(role, nil)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRole returns one role with its granted permission keys
func (h *HTTPHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.roles.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRoleView(role.Role, role.Permissions))
}

type addRoleRequest struct {
	Name        string   `json:"role_name" validate:"required"`
	IsActive    *bool    `json:"is_active"`
	Permissions []string `json:"permissions" validate:"required,min=1"`
}

func (h *HTTPHandler) AddRole(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req addRoleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	role, err := h.roles.CreateRole(r.Context(), &service.CreateRoleRequest{
		Name:        req.Name,
		IsActive:    req.IsActive,
		Permissions: req.Permissions,
		CreatedBy:   p.UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRoleView(role.Role, role.Permissions))
}

type updateRoleRequest struct {
	ID          string    `json:"_id" validate:"required"`
	Name        *string   `json:"role_name"`
	IsActive    *bool     `json:"is_active"`
	Permissions *[]string `json:"permissions"`
}

func (h *HTTPHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req updateRoleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	err := h.roles.UpdateRole(r.Context(), &service.UpdateRoleRequest{
		ID:          req.ID,
		Name:        req.Name,
		IsActive:    req.IsActive,
		Permissions: req.Permissions,
		UpdatedBy:   p.UserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successView{Success: true})
}

func (h *HTTPHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.roles.DeleteRole(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, successView{Success: true})
}

// RolePrivileges returns the permission catalog
func (h *HTTPHandler) RolePrivileges(w http.ResponseWriter, r *http.Request) {
	cat := h.roles.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"privGroups": cat.Groups(),
		"privileges": cat.Permissions(),
	})
}
