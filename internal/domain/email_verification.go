package domain

import "time"

// OTPPurpose distinguishes the flows an OTP code can complete.
type OTPPurpose string

const (
	OTPPurposeSignup OTPPurpose = "signup"
	OTPPurposeLogin  OTPPurpose = "login"
)

// EmailVerification is a short-lived one-time code mailed to an address to
// prove the caller controls it.
type EmailVerification struct {
	ID        string
	Email     string
	Code      string
	Purpose   OTPPurpose
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}
