package dto

import (
	"time"

	"github.com/spec-kit/clinic-service/internal/domain"
)

// SignupRequest payload for new accounts.
type SignupRequest struct {
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	Password   string  `json:"password"`
	Phone      *string `json:"phone,omitempty"`
	ClinicName string  `json:"clinic_name,omitempty"`
}

// LoginRequest payload for login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ForgotPasswordRequest payload.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// ResetPasswordRequest payload.
type ResetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// ChangePasswordRequest payload.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// SendOTPRequest payload for both OTP send endpoints.
type SendOTPRequest struct {
	Email string `json:"email"`
}

// VerifySignupOTPRequest carries the signup payload plus the mailed code.
type VerifySignupOTPRequest struct {
	SignupRequest
	OTPCode string `json:"otp_code"`
}

// VerifyLoginOTPRequest payload.
type VerifyLoginOTPRequest struct {
	Email   string `json:"email"`
	OTPCode string `json:"otp_code"`
}

// AuthResponse standard response for token-issuing endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UserResponse is the identity summary. It never carries the password hash.
type UserResponse struct {
	ID        string      `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Phone     *string     `json:"phone,omitempty"`
	Role      domain.Role `json:"role"`
	ClinicID  *string     `json:"clinic_id,omitempty"`
	Active    bool        `json:"is_active"`
	Verified  bool        `json:"is_verified"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// MessageResponse is a generic acknowledgement.
type MessageResponse struct {
	Message string `json:"message"`
}

// NewUserResponse maps the domain model to the public summary.
func NewUserResponse(user *domain.User) UserResponse {
	return UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Phone:     user.Phone,
		Role:      user.Role,
		ClinicID:  user.ClinicID,
		Active:    user.Active,
		Verified:  user.Verified,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
