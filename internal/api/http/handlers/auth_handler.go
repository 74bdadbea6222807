package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/clinic-service/internal/api/dto"
	"github.com/spec-kit/clinic-service/internal/auth"
	"github.com/spec-kit/clinic-service/internal/domain"
	"github.com/spec-kit/clinic-service/internal/service"
	apperrors "github.com/spec-kit/clinic-service/pkg/util"
)

// Generic acknowledgement texts. The forgot-password and OTP-send messages
// are identical for known and unknown addresses on purpose.
const (
	msgResetRequested  = "If the email exists, a password reset link has been sent"
	msgOTPSent         = "If the email is eligible, a verification code has been sent"
	msgPasswordReset   = "Password reset successfully"
	msgPasswordChanged = "Password changed successfully"
	msgLoggedOut       = "Logged out successfully"
)

// AuthHandler exposes the authentication endpoints.
type AuthHandler struct {
	auth *service.AuthService
}

// NewAuthHandler constructs the handler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: authService}
}

// Signup handles POST /auth/signup.
func (h *AuthHandler) Signup(c *fiber.Ctx) error {
	var req dto.SignupRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	user, token, exp, err := h.auth.Signup(c.UserContext(), service.SignupInput{
		Name:       req.Name,
		Email:      req.Email,
		Password:   req.Password,
		Phone:      req.Phone,
		ClinicName: req.ClinicName,
	})
	if err != nil {
		return mapAuthError(err)
	}

	return c.Status(http.StatusCreated).JSON(authPayload(user, token, exp))
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password required", nil)
	}

	user, token, exp, err := h.auth.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return mapAuthError(err)
	}
	return c.JSON(authPayload(user, token, exp))
}

// ForgotPassword handles POST /auth/forgot-password.
func (h *AuthHandler) ForgotPassword(c *fiber.Ctx) error {
	var req dto.ForgotPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Email == "" {
		return apperrors.NewValidationError("email required", nil)
	}

	if err := h.auth.ForgotPassword(c.UserContext(), req.Email); err != nil {
		return mapAuthError(err)
	}
	return c.JSON(dto.MessageResponse{Message: msgResetRequested})
}

// ResetPassword handles POST /auth/reset-password.
func (h *AuthHandler) ResetPassword(c *fiber.Ctx) error {
	var req dto.ResetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Token == "" {
		return apperrors.NewValidationError("token required", nil)
	}

	if err := h.auth.ResetPassword(c.UserContext(), req.Token, req.NewPassword); err != nil {
		return mapAuthError(err)
	}
	return c.JSON(dto.MessageResponse{Message: msgPasswordReset})
}

// ChangePassword handles POST /auth/change-password.
func (h *AuthHandler) ChangePassword(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}

	var req dto.ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	if err := h.auth.ChangePassword(c.UserContext(), principal.User.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return mapAuthError(err)
	}
	return c.JSON(dto.MessageResponse{Message: msgPasswordChanged})
}

// Logout handles POST /auth/logout.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	if err := h.auth.Logout(c.UserContext(), principal.User.ID); err != nil {
		return mapAuthError(err)
	}
	return c.JSON(dto.MessageResponse{Message: msgLoggedOut})
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	return c.JSON(fiber.Map{"user": dto.NewUserResponse(principal.User)})
}

// SendSignupOTP handles POST /auth/otp/signup/send.
func (h *AuthHandler) SendSignupOTP(c *fiber.Ctx) error {
	var req dto.SendOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := h.auth.SendSignupOTP(c.UserContext(), req.Email); err != nil {
		return mapAuthError(err)
	}
	return c.JSON(dto.MessageResponse{Message: msgOTPSent})
}

// VerifySignupOTP handles POST /auth/otp/signup/verify.
func (h *AuthHandler) VerifySignupOTP(c *fiber.Ctx) error {
	var req dto.VerifySignupOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	user, token, exp, err := h.auth.VerifySignupOTP(c.UserContext(), service.SignupInput{
		Name:       req.Name,
		Email:      req.Email,
		Password:   req.Password,
		Phone:      req.Phone,
		ClinicName: req.ClinicName,
	}, req.OTPCode)
	if err != nil {
		return mapAuthError(err)
	}
	return c.Status(http.StatusCreated).JSON(authPayload(user, token, exp))
}

// SendLoginOTP handles POST /auth/otp/login/send.
func (h *AuthHandler) SendLoginOTP(c *fiber.Ctx) error {
	var req dto.SendOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if err := h.auth.SendLoginOTP(c.UserContext(), req.Email); err != nil {
		return mapAuthError(err)
	}
	return c.JSON(dto.MessageResponse{Message: msgOTPSent})
}

// VerifyLoginOTP handles POST /auth/otp/login/verify.
func (h *AuthHandler) VerifyLoginOTP(c *fiber.Ctx) error {
	var req dto.VerifyLoginOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	user, token, exp, err := h.auth.VerifyLoginOTP(c.UserContext(), req.Email, req.OTPCode)
	if err != nil {
		return mapAuthError(err)
	}
	return c.JSON(authPayload(user, token, exp))
}

func authPayload(user *domain.User, token string, exp time.Time) fiber.Map {
	return fiber.Map{
		"user": dto.NewUserResponse(user),
		"auth": dto.AuthResponse{Token: token, TokenType: "bearer", ExpiresAt: exp},
	}
}

// mapAuthError translates service failure kinds into DomainError responses.
// Everything unmatched becomes a generic internal error.
func mapAuthError(err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return apperrors.NewValidationError(err.Error(), nil)
	case errors.Is(err, service.ErrDuplicateEmail):
		return apperrors.NewConflict("DUPLICATE_EMAIL", "email already registered")
	case errors.Is(err, service.ErrInvalidCredentials):
		return apperrors.NewUnauthorized("invalid email or password")
	case errors.Is(err, service.ErrAccountDisabled):
		return apperrors.NewForbidden("account is inactive")
	case errors.Is(err, service.ErrInvalidOrExpiredToken):
		return apperrors.NewBadRequest("INVALID_OR_EXPIRED_TOKEN", "invalid or expired reset token")
	case errors.Is(err, service.ErrInvalidOTP):
		return apperrors.NewBadRequest("INVALID_OTP", "invalid or expired verification code")
	case errors.Is(err, service.ErrResetFailedAfterTokenConsumed):
		// Operational alarm; callers only see a generic failure.
		return apperrors.NewInternalError(err)
	default:
		return apperrors.ToDomainError(err)
	}
}
