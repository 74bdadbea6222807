package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/clinic-service/internal/auth"
	"github.com/spec-kit/clinic-service/internal/config"
	"github.com/spec-kit/clinic-service/internal/domain"
	"github.com/spec-kit/clinic-service/internal/events"
	"github.com/spec-kit/clinic-service/internal/repository"
)

// Failure kinds surfaced by the auth flows. Unknown email and wrong password
// collapse into ErrInvalidCredentials, and every bad reset token collapses
// into ErrInvalidOrExpiredToken, so callers cannot probe which accounts or
// tokens exist.
var (
	ErrValidation                    = errors.New("validation failed")
	ErrDuplicateEmail                = errors.New("email already registered")
	ErrInvalidCredentials            = errors.New("invalid email or password")
	ErrAccountDisabled               = errors.New("account is inactive")
	ErrInvalidOrExpiredToken         = errors.New("invalid or expired reset token")
	ErrResetFailedAfterTokenConsumed = errors.New("password reset failed after token consumption")
	ErrInvalidOTP                    = errors.New("invalid or expired verification code")
)

const resetTokenBytes = 32

// AuthService coordinates signup, login and the password lifecycle.
type AuthService struct {
	users      repository.UserRepository
	resets     repository.PasswordResetRepository
	otps       repository.EmailVerificationRepository
	tokenMgr   *auth.TokenManager
	dispatcher events.Dispatcher
	logger     *zap.Logger
	bcryptCost int
	resetTTL   time.Duration
	otpTTL     time.Duration
}

// AuthDependencies encapsulates repo requirements for the auth service.
type AuthDependencies struct {
	UserRepo              repository.UserRepository
	PasswordResetRepo     repository.PasswordResetRepository
	EmailVerificationRepo repository.EmailVerificationRepository
}

// NewAuthService builds the service.
func NewAuthService(cfg config.Config, deps AuthDependencies, dispatcher events.Dispatcher, logger *zap.Logger) *AuthService {
	return &AuthService{
		users:      deps.UserRepo,
		resets:     deps.PasswordResetRepo,
		otps:       deps.EmailVerificationRepo,
		tokenMgr:   auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL()),
		dispatcher: dispatcher,
		logger:     logger,
		bcryptCost: cfg.Auth.BcryptCost,
		resetTTL:   cfg.Auth.PasswordResetTTL(),
		otpTTL:     cfg.Auth.OTPTTL(),
	}
}

// SignupInput carries the signup payload. ClinicName is accepted for the
// future clinic workflow but creates no record today.
type SignupInput struct {
	Name       string
	Email      string
	Password   string
	Phone      *string
	ClinicName string
}

// Signup registers a new clinic account and issues a session token. Exactly
// one identity is created on success; duplicate emails fail with
// ErrDuplicateEmail regardless of concurrency, because the store's unique
// constraint is the authority.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (*domain.User, string, time.Time, error) {
	return s.signup(ctx, in, false)
}

func (s *AuthService) signup(ctx context.Context, in SignupInput, verified bool) (*domain.User, string, time.Time, error) {
	if err := validateSignup(in); err != nil {
		return nil, "", time.Time{}, err
	}
	email := normalizeEmail(in.Email)

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, "", time.Time{}, ErrDuplicateEmail
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, "", time.Time{}, err
	}

	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	user := &domain.User{
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(in.Name),
		Phone:        in.Phone,
		Active:       true,
		Verified:     verified,
		Role:         domain.RoleAdmin,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, "", time.Time{}, ErrDuplicateEmail
		}
		return nil, "", time.Time{}, err
	}

	// Token issuance failure does not roll the identity back; the caller can
	// simply log in.
	token, exp, err := s.tokenMgr.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, "", time.Time{}, err
	}

	s.publish(ctx, events.EventUserRegistered, events.UserRegisteredPayload{
		UserID:     user.ID,
		Email:      user.Email,
		Name:       user.Name,
		ClinicName: in.ClinicName,
	})

	return user, token, exp, nil
}

// Login authenticates an account and issues a session token.
func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.User, string, time.Time, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", time.Time{}, ErrInvalidCredentials
		}
		return nil, "", time.Time{}, err
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		s.logger.Error("stored password hash is corrupt", zap.String("user_id", user.ID), zap.Error(err))
		return nil, "", time.Time{}, ErrInvalidCredentials
	}
	if !ok {
		return nil, "", time.Time{}, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, "", time.Time{}, ErrAccountDisabled
	}

	token, exp, err := s.tokenMgr.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return user, token, exp, nil
}

// ForgotPassword issues a reset token and queues the reset mail. The outcome
// is identical whether or not the email is registered; the unknown-email
// branch still burns token generation work to narrow the timing difference.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	normalized := normalizeEmail(email)

	user, err := s.users.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_, _ = generateResetToken()
			return nil
		}
		return err
	}

	reset, err := s.issueResetToken(ctx, user, normalized)
	if err != nil {
		return err
	}

	s.publish(ctx, events.EventPasswordResetRequested, events.PasswordResetRequestedPayload{
		UserID:    user.ID,
		Email:     normalized,
		Token:     reset.Token,
		ExpiresAt: reset.ExpiresAt,
	})
	return nil
}

func (s *AuthService) issueResetToken(ctx context.Context, user *domain.User, email string) (*domain.PasswordReset, error) {
	// Collisions are astronomically unlikely; the retry bound exists so a
	// broken random source cannot spin forever.
	for attempt := 0; attempt < 3; attempt++ {
		token, err := generateResetToken()
		if err != nil {
			return nil, err
		}
		reset := &domain.PasswordReset{
			UserID:    user.ID,
			Email:     email,
			Token:     token,
			ExpiresAt: time.Now().Add(s.resetTTL),
		}
		err = s.resets.Create(ctx, reset)
		if err == nil {
			return reset, nil
		}
		if !errors.Is(err, repository.ErrDuplicateToken) {
			return nil, err
		}
	}
	return nil, repository.ErrDuplicateToken
}

// ResetPassword redeems a reset token. Consumption happens before the hash is
// written, and a token is never un-consumed: a failure between those steps is
// the one unrecoverable partial state, reported as
// ErrResetFailedAfterTokenConsumed and logged for operators.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	reset, err := s.resets.FindValid(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}

	if err := s.resets.Consume(ctx, token); err != nil {
		if errors.Is(err, repository.ErrTokenSpent) {
			return ErrInvalidOrExpiredToken
		}
		return err
	}

	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		s.logger.Error("reset token consumed but hashing failed",
			zap.String("user_id", reset.UserID), zap.Error(err))
		return ErrResetFailedAfterTokenConsumed
	}

	if err := s.users.UpdatePasswordHash(ctx, reset.UserID, hash); err != nil {
		s.logger.Error("reset token consumed but password update failed",
			zap.String("user_id", reset.UserID), zap.Error(err))
		return ErrResetFailedAfterTokenConsumed
	}

	s.publish(ctx, events.EventPasswordChanged, events.PasswordChangedPayload{
		UserID: reset.UserID,
		Email:  reset.Email,
	})
	return nil
}

// ChangePassword verifies the current password before storing the new hash.
// Outstanding session tokens stay valid until their natural expiry.
func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	ok, err := auth.VerifyPassword(currentPassword, user.PasswordHash)
	if err != nil {
		s.logger.Error("stored password hash is corrupt", zap.String("user_id", user.ID), zap.Error(err))
		return ErrInvalidCredentials
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return err
	}

	s.publish(ctx, events.EventPasswordChanged, events.PasswordChangedPayload{
		UserID: user.ID,
		Email:  user.Email,
	})
	return nil
}

// Logout is stateless: session tokens carry their own expiry and there is no
// server-side revocation list. The caller discards the token.
func (s *AuthService) Logout(_ context.Context, _ string) error {
	return nil
}

// GetUserByID loads an account for the authenticated-identity endpoints.
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

// SendSignupOTP mails a one-time code proving control of the address before
// signup completes. Generic success regardless of whether the address is
// already registered.
func (s *AuthService) SendSignupOTP(ctx context.Context, email string) error {
	return s.sendOTP(ctx, email, domain.OTPPurposeSignup)
}

// VerifySignupOTP consumes the code and completes signup with the account
// marked verified. The signup input is checked first so an invalid payload or
// a taken email does not burn a still-valid code.
func (s *AuthService) VerifySignupOTP(ctx context.Context, in SignupInput, code string) (*domain.User, string, time.Time, error) {
	if err := validateSignup(in); err != nil {
		return nil, "", time.Time{}, err
	}
	email := normalizeEmail(in.Email)
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, "", time.Time{}, ErrDuplicateEmail
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, "", time.Time{}, err
	}

	if err := s.otps.Consume(ctx, email, code, domain.OTPPurposeSignup); err != nil {
		if errors.Is(err, repository.ErrTokenSpent) {
			return nil, "", time.Time{}, ErrInvalidOTP
		}
		return nil, "", time.Time{}, err
	}
	return s.signup(ctx, in, true)
}

// SendLoginOTP mails a one-time login code to an existing active account.
// Generic success for unknown or inactive addresses.
func (s *AuthService) SendLoginOTP(ctx context.Context, email string) error {
	normalized := normalizeEmail(email)
	user, err := s.users.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_, _ = generateOTP()
			return nil
		}
		return err
	}
	if !user.Active {
		return nil
	}
	return s.sendOTP(ctx, normalized, domain.OTPPurposeLogin)
}

// VerifyLoginOTP consumes a login code and issues a session token without a
// password.
func (s *AuthService) VerifyLoginOTP(ctx context.Context, email, code string) (*domain.User, string, time.Time, error) {
	normalized := normalizeEmail(email)
	if err := s.otps.Consume(ctx, normalized, code, domain.OTPPurposeLogin); err != nil {
		if errors.Is(err, repository.ErrTokenSpent) {
			return nil, "", time.Time{}, ErrInvalidOTP
		}
		return nil, "", time.Time{}, err
	}

	user, err := s.users.GetByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", time.Time{}, ErrInvalidOTP
		}
		return nil, "", time.Time{}, err
	}
	if !user.Active {
		return nil, "", time.Time{}, ErrAccountDisabled
	}

	token, exp, err := s.tokenMgr.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, "", time.Time{}, err
	}
	return user, token, exp, nil
}

func (s *AuthService) sendOTP(ctx context.Context, email string, purpose domain.OTPPurpose) error {
	normalized := normalizeEmail(email)
	if _, err := mail.ParseAddress(normalized); err != nil {
		return fmt.Errorf("%w: invalid email address", ErrValidation)
	}

	code, err := generateOTP()
	if err != nil {
		return err
	}
	ev := &domain.EmailVerification{
		Email:     normalized,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: time.Now().Add(s.otpTTL),
	}
	if err := s.otps.Create(ctx, ev); err != nil {
		return err
	}

	s.publish(ctx, events.EventOTPRequested, events.OTPRequestedPayload{
		Email:   normalized,
		Code:    code,
		Purpose: purpose,
	})
	return nil
}

// TokenManager exposes the underlying token manager for middleware usage.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}

func (s *AuthService) publish(ctx context.Context, eventType events.EventType, payload interface{}) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateSignup(in SignupInput) error {
	if len(strings.TrimSpace(in.Name)) < 2 {
		return fmt.Errorf("%w: name must be at least 2 characters", ErrValidation)
	}
	if _, err := mail.ParseAddress(normalizeEmail(in.Email)); err != nil {
		return fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	return validatePassword(in.Password)
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return fmt.Errorf("%w: password needs an uppercase letter, a lowercase letter and a digit", ErrValidation)
	}
	return nil
}

func generateResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
