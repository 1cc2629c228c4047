package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dkrizan/accountd/internal/account"
	"github.com/dkrizan/accountd/internal/httputil"
	"github.com/dkrizan/accountd/internal/logging"
	"github.com/dkrizan/accountd/internal/ratelimit"
	"github.com/dkrizan/accountd/internal/token"
)

// Handler contains the HTTP handlers for the account endpoints.
type Handler struct {
	service     *Service
	rateLimiter *ratelimit.Limiter
	logger      *logging.Logger
}

func NewHandler(service *Service, rateLimiter *ratelimit.Limiter, logger *logging.Logger) *Handler {
	return &Handler{
		service:     service,
		rateLimiter: rateLimiter,
		logger:      logger,
	}
}

type RegisterRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type FindUsernameRequest struct {
	Email string `json:"email"`
}

type ForgotPasswordRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type AccountResponse struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

type RegisterResponse struct {
	Account AccountResponse `json:"account"`
	Message string          `json:"message"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresIn int64     `json:"expires_in"`
	AccountID uuid.UUID `json:"account_id"`
}

func toAccountResponse(acc *account.Account) AccountResponse {
	return AccountResponse{
		ID:        acc.ID,
		Username:  acc.Username,
		Email:     acc.Email,
		Verified:  acc.Verified,
		CreatedAt: acc.CreatedAt,
	}
}

// Register handles account registration
// @Summary      Register a new account
// @Description  Create an unverified account and send a verification email.
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        request body RegisterRequest true "Registration details"
// @Success      201 {object} RegisterResponse
// @Failure      400 {object} httputil.ErrorResponse "Validation error"
// @Failure      409 {object} httputil.ErrorResponse "Username or email taken"
// @Failure      502 {object} httputil.ErrorResponse "Verification email could not be delivered"
// @Router       /users/register [post]
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	if h.limitByIP(w, r, "register") {
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid registration request body", "error", err.Error())
		httputil.RespondErrorWithCode(w, "invalid request body", httputil.CodeInvalidRequestBody, http.StatusBadRequest)
		return
	}

	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		httputil.RespondErrorWithCode(w, "passwords do not match", httputil.CodeValidationFailed, http.StatusBadRequest)
		return
	}

	logger = logger.WithFields(map[string]any{"username": req.Username})

	newAccount, err := h.service.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrUsernameTaken):
			logger.Warn("registration failed: username or email taken")
			httputil.RespondErrorWithCode(w, "username or email already taken", httputil.CodeUsernameTaken, http.StatusConflict)
		case errors.Is(err, ErrDeliveryFailed):
			// The account row is committed; only the email failed.
			logger.Error("registration committed but email delivery failed", "error", err.Error())
			httputil.RespondErrorWithCode(w, "account created but verification email could not be sent", httputil.CodeDeliveryFailed, http.StatusBadGateway)
		case isValidationError(err):
			logger.Warn("registration failed: validation error", "error", err.Error())
			httputil.RespondErrorWithCode(w, err.Error(), httputil.CodeValidationFailed, http.StatusBadRequest)
		default:
			logger.Error("registration failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to register account", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	logger.Info("account registered", "account_id", newAccount.ID)

	httputil.RespondJSON(w, RegisterResponse{
		Account: toAccountResponse(newAccount),
		Message: "Registration successful. Please check your email to verify your account.",
	}, http.StatusCreated)
}

// VerifyEmail handles email verification
// @Summary      Verify email address
// @Description  Redeem the verification token from the registration email.
// @Tags         users
// @Produce      json
// @Param        token query string true "Verification token"
// @Success      200 {object} map[string]string
// @Failure      400 {object} httputil.ErrorResponse "Invalid, expired, or already used token"
// @Router       /users/verify-email [get]
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		httputil.RespondErrorWithCode(w, "verification token required", httputil.CodeValidationFailed, http.StatusBadRequest)
		return
	}

	if err := h.service.VerifyEmail(r.Context(), tokenStr); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyVerified):
			logger.Warn("email verification failed: already verified")
			httputil.RespondErrorWithCode(w, "this email is already verified, you can login now", httputil.CodeAlreadyVerified, http.StatusBadRequest)
		case errors.Is(err, account.ErrNotFound):
			logger.Warn("email verification failed: account gone")
			httputil.RespondErrorWithCode(w, "account not found", httputil.CodeNotFound, http.StatusNotFound)
		case isTokenError(err):
			// Deliberately the same response for forged and expired tokens.
			logger.Warn("email verification failed: bad token")
			httputil.RespondErrorWithCode(w, "invalid or expired verification link", httputil.CodeInvalidToken, http.StatusBadRequest)
		default:
			logger.Error("email verification failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to verify email", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	logger.Info("email verified")

	httputil.RespondJSON(w, map[string]string{
		"message": "Email verified successfully. You can now login.",
	}, http.StatusOK)
}

// Login handles credential login
// @Summary      Login
// @Description  Authenticate with username and password and receive a session token.
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        request body LoginRequest true "Credentials"
// @Success      200 {object} LoginResponse
// @Failure      401 {object} httputil.ErrorResponse "Wrong password"
// @Failure      403 {object} httputil.ErrorResponse "Email not verified"
// @Failure      404 {object} httputil.ErrorResponse "No such account"
// @Router       /users/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	if h.limitByIP(w, r, "login") {
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid login request body", "error", err.Error())
		httputil.RespondErrorWithCode(w, "invalid request body", httputil.CodeInvalidRequestBody, http.StatusBadRequest)
		return
	}

	logger = logger.WithFields(map[string]any{"username": req.Username})

	sessionToken, acc, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrNotFound):
			logger.Warn("login failed: no such account")
			httputil.RespondErrorWithCode(w, "account does not exist", httputil.CodeNotFound, http.StatusNotFound)
		case errors.Is(err, ErrNotVerified):
			logger.Warn("login failed: email not verified")
			httputil.RespondErrorWithCode(w, "email verification required", httputil.CodeNotVerified, http.StatusForbidden)
		case errors.Is(err, ErrInvalidCredentials):
			logger.Warn("login failed: invalid credentials")
			httputil.RespondErrorWithCode(w, "invalid username or password", httputil.CodeInvalidCredentials, http.StatusUnauthorized)
		default:
			logger.Error("login failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to login", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	logger.Info("login succeeded", "account_id", acc.ID)

	httputil.RespondJSON(w, LoginResponse{
		Token:     sessionToken,
		TokenType: "Bearer",
		ExpiresIn: int64(h.service.sessionTTL.Seconds()),
		AccountID: acc.ID,
	}, http.StatusOK)
}

// FindUsername handles username recovery
// @Summary      Recover username
// @Description  Look up the username registered for an email address.
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        request body FindUsernameRequest true "Email address"
// @Success      200 {object} map[string]string
// @Failure      404 {object} httputil.ErrorResponse "No account for that email"
// @Router       /users/find-username [post]
func (h *Handler) FindUsername(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	var req FindUsernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid find-username request body", "error", err.Error())
		httputil.RespondErrorWithCode(w, "invalid request body", httputil.CodeInvalidRequestBody, http.StatusBadRequest)
		return
	}

	username, err := h.service.FindUsername(r.Context(), req.Email)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrNotFound):
			httputil.RespondErrorWithCode(w, "no account registered for that email", httputil.CodeNotFound, http.StatusNotFound)
		case isValidationError(err):
			httputil.RespondErrorWithCode(w, err.Error(), httputil.CodeValidationFailed, http.StatusBadRequest)
		default:
			logger.Error("find-username failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to look up username", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	httputil.RespondJSON(w, map[string]string{"username": username}, http.StatusOK)
}

// ForgotPassword handles password reset requests
// @Summary      Request a password reset
// @Description  Send a password reset link to the account's email address.
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        request body ForgotPasswordRequest true "Username and email"
// @Success      200 {object} map[string]string
// @Failure      404 {object} httputil.ErrorResponse "No matching account"
// @Failure      429 {object} httputil.ErrorResponse "Too many requests"
// @Failure      502 {object} httputil.ErrorResponse "Reset email could not be delivered"
// @Router       /users/forgot-password [post]
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	var req ForgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid forgot-password request body", "error", err.Error())
		httputil.RespondErrorWithCode(w, "invalid request body", httputil.CodeInvalidRequestBody, http.StatusBadRequest)
		return
	}

	if h.limitByIP(w, r, "forgot-password") {
		return
	}

	onCooldown, err := h.rateLimiter.CheckEmailCooldown(r.Context(), req.Email)
	if err != nil {
		logger.Error("failed to check email cooldown", "error", err.Error())
	} else if onCooldown {
		logger.Warn("forgot-password on cooldown", "email", req.Email)
		httputil.RespondErrorWithCode(w, "please wait before requesting another reset", httputil.CodeCooldownActive, http.StatusTooManyRequests)
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Username, req.Email); err != nil {
		switch {
		case errors.Is(err, account.ErrNotFound):
			httputil.RespondErrorWithCode(w, "no matching account", httputil.CodeNotFound, http.StatusNotFound)
		case errors.Is(err, ErrDeliveryFailed):
			logger.Error("reset email delivery failed", "error", err.Error())
			httputil.RespondErrorWithCode(w, "reset email could not be sent", httputil.CodeDeliveryFailed, http.StatusBadGateway)
		case isValidationError(err):
			httputil.RespondErrorWithCode(w, err.Error(), httputil.CodeValidationFailed, http.StatusBadRequest)
		default:
			logger.Error("forgot-password failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to request password reset", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	if err := h.rateLimiter.SetEmailCooldown(r.Context(), req.Email); err != nil {
		logger.Error("failed to set email cooldown", "error", err.Error())
	}

	httputil.RespondJSON(w, map[string]string{
		"message": "A password reset link has been sent.",
	}, http.StatusOK)
}

// ResetPassword handles password reset confirmation
// @Summary      Reset password
// @Description  Redeem a password reset token and set a new password.
// @Tags         users
// @Accept       json
// @Produce      json
// @Param        request body ResetPasswordRequest true "Reset token and new password"
// @Success      200 {object} map[string]string
// @Failure      400 {object} httputil.ErrorResponse "Invalid request or token"
// @Router       /users/reset-password [post]
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	var req ResetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid reset-password request body", "error", err.Error())
		httputil.RespondErrorWithCode(w, "invalid request body", httputil.CodeInvalidRequestBody, http.StatusBadRequest)
		return
	}

	if err := h.service.ResetPassword(r.Context(), strings.TrimSpace(req.Token), req.NewPassword); err != nil {
		switch {
		case isTokenError(err):
			logger.Warn("password reset failed: bad token")
			httputil.RespondErrorWithCode(w, "invalid or expired reset token", httputil.CodeInvalidToken, http.StatusBadRequest)
		case errors.Is(err, account.ErrNotFound):
			httputil.RespondErrorWithCode(w, "account not found", httputil.CodeNotFound, http.StatusNotFound)
		case isValidationError(err):
			httputil.RespondErrorWithCode(w, err.Error(), httputil.CodeValidationFailed, http.StatusBadRequest)
		default:
			logger.Error("password reset failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to reset password", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	logger.Info("password reset completed")

	httputil.RespondJSON(w, map[string]string{
		"message": "Password reset successfully. You can now login with your new password.",
	}, http.StatusOK)
}

// Me returns the authenticated caller's account
// @Summary      Current account
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} AccountResponse
// @Failure      404 {object} httputil.ErrorResponse "Account no longer exists"
// @Router       /users/me [get]
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	callerID, ok := GetAccountIDFromContext(r.Context())
	if !ok {
		httputil.RespondErrorWithCode(w, "authentication required", httputil.CodeMissingAuth, http.StatusUnauthorized)
		return
	}

	acc, err := h.service.GetAccount(r.Context(), callerID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			httputil.RespondErrorWithCode(w, "account not found", httputil.CodeNotFound, http.StatusNotFound)
			return
		}
		logger.Error("me lookup failed: internal error", "error", err.Error())
		httputil.RespondErrorWithCode(w, "failed to load account", httputil.CodeInternalError, http.StatusInternalServerError)
		return
	}

	httputil.RespondJSON(w, toAccountResponse(acc), http.StatusOK)
}

// List returns all accounts
// @Summary      List accounts
// @Tags         users
// @Produce      json
// @Success      200 {object} map[string][]AccountResponse
// @Router       /users [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		logger.Error("account list failed: internal error", "error", err.Error())
		httputil.RespondErrorWithCode(w, "failed to list accounts", httputil.CodeInternalError, http.StatusInternalServerError)
		return
	}

	responses := make([]AccountResponse, 0, len(accounts))
	for _, acc := range accounts {
		responses = append(responses, toAccountResponse(acc))
	}

	httputil.RespondJSON(w, map[string][]AccountResponse{"accounts": responses}, http.StatusOK)
}

// ChangePassword rotates the caller's own password
// @Summary      Change password
// @Description  Replace the password for the addressed account. Requires the current password.
// @Tags         users
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "Account id"
// @Param        request body ChangePasswordRequest true "Current and new password"
// @Success      200 {object} map[string]string
// @Failure      401 {object} httputil.ErrorResponse "Current password wrong"
// @Failure      403 {object} httputil.ErrorResponse "Not the caller's account"
// @Router       /users/{id} [patch]
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	callerID, targetID, ok := h.selfTarget(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid change-password request body", "error", err.Error())
		httputil.RespondErrorWithCode(w, "invalid request body", httputil.CodeInvalidRequestBody, http.StatusBadRequest)
		return
	}

	if err := h.service.ChangePassword(r.Context(), callerID, targetID, req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			httputil.RespondErrorWithCode(w, "you can only change your own password", httputil.CodeForbidden, http.StatusForbidden)
		case errors.Is(err, ErrInvalidCredentials):
			logger.Warn("change-password failed: wrong current password")
			httputil.RespondErrorWithCode(w, "current password is incorrect", httputil.CodeInvalidCredentials, http.StatusUnauthorized)
		case errors.Is(err, account.ErrNotFound):
			httputil.RespondErrorWithCode(w, "account not found", httputil.CodeNotFound, http.StatusNotFound)
		case isValidationError(err):
			httputil.RespondErrorWithCode(w, err.Error(), httputil.CodeValidationFailed, http.StatusBadRequest)
		default:
			logger.Error("change-password failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to change password", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	logger.Info("password changed", "account_id", targetID)

	httputil.RespondJSON(w, map[string]string{"message": "Password changed successfully."}, http.StatusOK)
}

// Delete removes the caller's own account
// @Summary      Delete account
// @Tags         users
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "Account id"
// @Success      200 {object} map[string]string
// @Failure      403 {object} httputil.ErrorResponse "Not the caller's account"
// @Failure      404 {object} httputil.ErrorResponse "Account already gone"
// @Router       /users/{id} [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	callerID, targetID, ok := h.selfTarget(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteAccount(r.Context(), callerID, targetID); err != nil {
		switch {
		case errors.Is(err, ErrForbidden):
			httputil.RespondErrorWithCode(w, "you can only delete your own account", httputil.CodeForbidden, http.StatusForbidden)
		case errors.Is(err, account.ErrNotFound):
			httputil.RespondErrorWithCode(w, "account not found", httputil.CodeNotFound, http.StatusNotFound)
		default:
			logger.Error("account deletion failed: internal error", "error", err.Error())
			httputil.RespondErrorWithCode(w, "failed to delete account", httputil.CodeInternalError, http.StatusInternalServerError)
		}
		return
	}

	logger.Info("account deleted", "account_id", targetID)

	httputil.RespondJSON(w, map[string]string{"message": "Account deleted."}, http.StatusOK)
}

// selfTarget extracts the authenticated caller and the path-addressed
// target account id.
func (h *Handler) selfTarget(w http.ResponseWriter, r *http.Request) (callerID, targetID uuid.UUID, ok bool) {
	callerID, authed := GetAccountIDFromContext(r.Context())
	if !authed {
		httputil.RespondErrorWithCode(w, "authentication required", httputil.CodeMissingAuth, http.StatusUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}

	targetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.RespondErrorWithCode(w, "invalid account id", httputil.CodeValidationFailed, http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}

	return callerID, targetID, true
}

// limitByIP applies a purpose-scoped fixed-window rate limit. Returns true
// when the request was rejected. Limiter errors are logged and the request
// allowed through, so a redis outage never blocks logins.
func (h *Handler) limitByIP(w http.ResponseWriter, r *http.Request, purpose string) bool {
	logger := logging.GetLoggerFromContext(r.Context())

	ip := getClientIP(r)
	exceeded, err := h.rateLimiter.CheckIPRateLimit(r.Context(), ip, purpose)
	if err != nil {
		logger.Error("failed to check IP rate limit", "error", err.Error())
		return false
	}
	if exceeded {
		logger.Warn("IP rate limit exceeded", "ip", ip, "purpose", purpose)
		httputil.RespondErrorWithCode(w, "too many requests, please try again later", httputil.CodeTooManyRequests, http.StatusTooManyRequests)
		return true
	}

	if err := h.rateLimiter.RecordIPRequest(r.Context(), ip, purpose); err != nil {
		logger.Error("failed to record IP request", "error", err.Error())
	}
	return false
}

func isValidationError(err error) bool {
	return errors.Is(err, ErrUsernameRequired) ||
		errors.Is(err, ErrUsernameTooShort) ||
		errors.Is(err, ErrEmailRequired) ||
		errors.Is(err, ErrInvalidEmailFormat) ||
		errors.Is(err, ErrPasswordRequired) ||
		errors.Is(err, ErrPasswordTooShort)
}

func isTokenError(err error) bool {
	return errors.Is(err, token.ErrInvalidToken) ||
		errors.Is(err, token.ErrTokenExpired) ||
		errors.Is(err, token.ErrPurposeMismatch)
}

// getClientIP extracts the client IP, preferring proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
