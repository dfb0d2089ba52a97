package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/auth/models"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/gateway"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/session"
	"github.com/mauricioascencio-agw/alqvimia-2.0-sub006/internal/token"
)

// Failure codes specific to the auth surface; the gateway's own codes are
// reused where they apply.
const (
	CodeInvalidCredentials gateway.Code = "INVALID_CREDENTIALS"
	CodeAccountLocked      gateway.Code = "ACCOUNT_LOCKED"
	CodeInvalidRequest     gateway.Code = "INVALID_REQUEST"
	CodeWeakPassword       gateway.Code = "WEAK_PASSWORD"
	CodeEmailTaken         gateway.Code = "EMAIL_TAKEN"
)

// Handler exposes the credential flows over HTTP. Protected endpoints are
// wrapped with the middlewares handed to Register, so the handler itself
// never parses the Authorization header.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Middleware is the shape of the pipeline stages the handler composes.
type Middleware func(http.Handler) http.Handler

// Register mounts all auth routes. authenticate must populate the request
// principal; requireAdmin must reject non-administrative callers; limit
// throttles the unauthenticated endpoints.
func (h *Handler) Register(mux *http.ServeMux, authenticate, requireAdmin, limit Middleware) {
	public := func(f http.HandlerFunc) http.Handler { return limit(f) }
	authed := func(f http.HandlerFunc) http.Handler { return authenticate(f) }

	mux.Handle("/auth/login", public(h.handleLogin))
	mux.Handle("/auth/refresh", public(h.handleRefresh))
	mux.Handle("/auth/password/forgot", public(h.handleForgotPassword))
	mux.Handle("/auth/password/reset", public(h.handleResetPassword))
	mux.Handle("/auth/verify-email/confirm", public(h.handleVerifyEmail))

	mux.Handle("/auth/logout", authed(h.handleLogout))
	mux.Handle("/auth/logout-all", authed(h.handleLogoutAll))
	mux.Handle("/auth/sessions", authed(h.handleSessions))
	mux.Handle("/auth/password/change", authed(h.handleChangePassword))
	mux.Handle("/auth/verify-email/request", authed(h.handleRequestVerification))
	mux.Handle("/auth/assert", authed(h.handleAssert))
	mux.Handle("/auth/apikey", authed(h.handleAPIKey))

	mux.Handle("/auth/register", authenticate(requireAdmin(http.HandlerFunc(h.handleRegister))))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	pair, err := h.svc.Login(r.Context(), req.Email, req.Password, metadataFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrUserLocked):
			gateway.WriteError(w, http.StatusForbidden, CodeAccountLocked, "account is temporarily locked")
		case errors.Is(err, ErrInvalidCredentials):
			gateway.WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials")
		default:
			h.internal(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "refresh token required")
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken, metadataFrom(r))
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "invalid token")
			return
		}
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	principal, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "no authenticated principal")
		return
	}

	var req refreshRequest
	json.NewDecoder(r.Body).Decode(&req) // refresh token is optional

	if err := h.svc.Logout(r.Context(), principal, req.RefreshToken); err != nil {
		h.internal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type logoutAllRequest struct {
	KeepCurrent bool `json:"keepCurrent"`
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	principal, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "no authenticated principal")
		return
	}

	var req logoutAllRequest
	json.NewDecoder(r.Body).Decode(&req)

	except := ""
	if req.KeepCurrent {
		except = principal.SessionID
	}
	count, err := h.svc.LogoutEverywhere(r.Context(), principal.UserID, except)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": count})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		gateway.WriteError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
		return
	}
	principal, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "no authenticated principal")
		return
	}

	sessions, err := h.svc.Sessions(r.Context(), principal.UserID)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	principal, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "no authenticated principal")
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	err := h.svc.ChangePassword(r.Context(), principal.UserID, principal.SessionID, req.OldPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			gateway.WriteError(w, http.StatusUnauthorized, CodeInvalidCredentials, "invalid credentials")
		case errors.Is(err, ErrPasswordReused), isPolicyError(err):
			gateway.WriteError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
		default:
			h.internal(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "email required")
		return
	}
	if err := h.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		h.internal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "token and new password required")
		return
	}

	err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidToken):
			gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "invalid token")
		case errors.Is(err, ErrPasswordReused), isPolicyError(err):
			gateway.WriteError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
		default:
			h.internal(w, r, err)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRequestVerification(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	principal, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "no authenticated principal")
		return
	}
	if err := h.svc.RequestEmailVerification(r.Context(), principal.UserID); err != nil {
		h.internal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (h *Handler) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req verifyEmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "token required")
		return
	}
	if err := h.svc.VerifyEmail(r.Context(), req.Token); err != nil {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "invalid token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assertRequest struct {
	Module string `json:"module"`
}

func (h *Handler) handleAssert(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	principal, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "no authenticated principal")
		return
	}

	var req assertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Module == "" {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "module required")
		return
	}

	assertion, err := h.svc.IssueModuleAssertion(principal, req.Module)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assertion": assertion,
		"expiresIn": int(token.ModuleAssertionTTL.Seconds()),
	})
}

func (h *Handler) handleAPIKey(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	principal, ok := gateway.PrincipalFrom(r.Context())
	if !ok {
		gateway.WriteError(w, http.StatusUnauthorized, gateway.CodeInvalidToken, "no authenticated principal")
		return
	}
	key, err := h.svc.IssueAPIKey(r.Context(), principal.UserID)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": key})
}

type registerRequest struct {
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	Password    string   `json:"password"`
	TenantID    string   `json:"tenantId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		gateway.WriteError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = string(models.RoleUser)
	}

	user, err := h.svc.Register(r.Context(), req.Email, req.Name, req.Password,
		req.TenantID, models.Role(req.Role), req.Permissions)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailTaken):
			gateway.WriteError(w, http.StatusConflict, CodeEmailTaken, "email already registered")
		case isPolicyError(err):
			gateway.WriteError(w, http.StatusBadRequest, CodeWeakPassword, err.Error())
		default:
			h.internal(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("auth request failed",
		zap.Error(err),
		zap.String("path", r.URL.Path),
		zap.String("request_id", gateway.RequestIDFrom(r.Context())),
	)
	gateway.WriteError(w, http.StatusInternalServerError, gateway.CodeInternal, "internal error")
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		gateway.WriteError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
		return false
	}
	return true
}

func metadataFrom(r *http.Request) session.Metadata {
	return session.Metadata{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func isPolicyError(err error) bool {
	return errors.Is(err, ErrPasswordTooShort) ||
		errors.Is(err, ErrPasswordTooLong) ||
		errors.Is(err, ErrMissingUppercase) ||
		errors.Is(err, ErrMissingLowercase) ||
		errors.Is(err, ErrMissingNumber) ||
		errors.Is(err, ErrContainsEmail)
}
