package events

import (
	"time"

	"github.com/spec-kit/clinic-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventUserRegistered         EventType = "user_registered"
	EventPasswordResetRequested EventType = "password_reset_requested"
	EventPasswordChanged        EventType = "password_changed"
	EventOTPRequested           EventType = "otp_requested"
)

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// UserRegisteredPayload payload.
type UserRegisteredPayload struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	ClinicName string `json:"clinic_name,omitempty"`
}

// PasswordResetRequestedPayload payload. Token is the opaque reset credential
// destined for the mail link; it is never logged.
type PasswordResetRequestedPayload struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PasswordChangedPayload payload.
type PasswordChangedPayload struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// OTPRequestedPayload payload.
type OTPRequestedPayload struct {
	Email   string            `json:"email"`
	Code    string            `json:"code"`
	Purpose domain.OTPPurpose `json:"purpose"`
}
