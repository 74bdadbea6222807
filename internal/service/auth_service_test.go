package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/clinic-service/internal/config"
	"github.com/spec-kit/clinic-service/internal/domain"
	"github.com/spec-kit/clinic-service/internal/events"
	"github.com/spec-kit/clinic-service/internal/repository"
)

// --- fakes ---

type fakeUserRepo struct {
	mu            sync.Mutex
	users         map[string]*domain.User
	updateHashErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*domain.User)}
}

func (f *fakeUserRepo) Create(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrDuplicateEmail
		}
	}
	user.ID = uuid.NewString()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	cp := *user
	f.users[user.ID] = &cp
	return nil
}

func (f *fakeUserRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (f *fakeUserRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			cp := *user
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeUserRepo) UpdatePasswordHash(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateHashErr != nil {
		return f.updateHashErr
	}
	user, ok := f.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	user.PasswordHash = hash
	user.UpdatedAt = time.Now()
	return nil
}

type fakeResetRepo struct {
	mu     sync.Mutex
	tokens map[string]*domain.PasswordReset
}

func newFakeResetRepo() *fakeResetRepo {
	return &fakeResetRepo{tokens: make(map[string]*domain.PasswordReset)}
}

func (f *fakeResetRepo) Create(_ context.Context, reset *domain.PasswordReset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.tokens[reset.Token]; exists {
		return repository.ErrDuplicateToken
	}
	reset.ID = uuid.NewString()
	reset.CreatedAt = time.Now()
	cp := *reset
	f.tokens[reset.Token] = &cp
	return nil
}

func (f *fakeResetRepo) FindValid(_ context.Context, token string) (*domain.PasswordReset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reset, ok := f.tokens[token]
	if !ok || !reset.Usable(time.Now()) {
		return nil, repository.ErrTokenNotFound
	}
	cp := *reset
	return &cp, nil
}

func (f *fakeResetRepo) Consume(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	reset, ok := f.tokens[token]
	if !ok || !reset.Usable(time.Now()) {
		return repository.ErrTokenSpent
	}
	reset.Consumed = true
	return nil
}

type fakeOTPRepo struct {
	mu    sync.Mutex
	codes map[string]*domain.EmailVerification
}

func newFakeOTPRepo() *fakeOTPRepo {
	return &fakeOTPRepo{codes: make(map[string]*domain.EmailVerification)}
}

func otpKey(email, code string, purpose domain.OTPPurpose) string {
	return strings.ToLower(email) + "|" + code + "|" + string(purpose)
}

func (f *fakeOTPRepo) Create(_ context.Context, ev *domain.EmailVerification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now()
	cp := *ev
	f.codes[otpKey(ev.Email, ev.Code, ev.Purpose)] = &cp
	return nil
}

func (f *fakeOTPRepo) Consume(_ context.Context, email, code string, purpose domain.OTPPurpose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.codes[otpKey(email, code, purpose)]
	if !ok || ev.Consumed || time.Now().After(ev.ExpiresAt) {
		return repository.ErrTokenSpent
	}
	ev.Consumed = true
	return nil
}

// --- fixture ---

type fixture struct {
	users      *fakeUserRepo
	resets     *fakeResetRepo
	otps       *fakeOTPRepo
	dispatcher events.Dispatcher
	svc        *AuthService

	mu          sync.Mutex
	resetTokens []events.PasswordResetRequestedPayload
	otpCodes    []events.OTPRequestedPayload
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Config{
		Auth: config.AuthConfig{
			JWTSecret:               "test-secret",
			AccessTokenTTLMinutes:   30,
			PasswordResetTTLMinutes: 60,
			OTPTTLMinutes:           10,
			BcryptCost:              bcrypt.MinCost,
		},
	}

	fx := &fixture{
		users:      newFakeUserRepo(),
		resets:     newFakeResetRepo(),
		otps:       newFakeOTPRepo(),
		dispatcher: events.NewInMemoryDispatcher(),
	}
	fx.dispatcher.Subscribe(events.EventPasswordResetRequested, func(_ context.Context, e events.Event) error {
		payload, ok := e.Payload.(events.PasswordResetRequestedPayload)
		if ok {
			fx.mu.Lock()
			fx.resetTokens = append(fx.resetTokens, payload)
			fx.mu.Unlock()
		}
		return nil
	})
	fx.dispatcher.Subscribe(events.EventOTPRequested, func(_ context.Context, e events.Event) error {
		payload, ok := e.Payload.(events.OTPRequestedPayload)
		if ok {
			fx.mu.Lock()
			fx.otpCodes = append(fx.otpCodes, payload)
			fx.mu.Unlock()
		}
		return nil
	})

	fx.svc = NewAuthService(cfg, AuthDependencies{
		UserRepo:              fx.users,
		PasswordResetRepo:     fx.resets,
		EmailVerificationRepo: fx.otps,
	}, fx.dispatcher, zap.NewNop())
	return fx
}

func (fx *fixture) lastResetToken(t *testing.T) events.PasswordResetRequestedPayload {
	t.Helper()
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if len(fx.resetTokens) == 0 {
		t.Fatal("no reset token issued")
	}
	return fx.resetTokens[len(fx.resetTokens)-1]
}

func (fx *fixture) lastOTP(t *testing.T) events.OTPRequestedPayload {
	t.Helper()
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if len(fx.otpCodes) == 0 {
		t.Fatal("no OTP issued")
	}
	return fx.otpCodes[len(fx.otpCodes)-1]
}

var signupAlice = SignupInput{
	Name:       "Alice",
	Email:      "a@x.com",
	Password:   "Password1",
	ClinicName: "Alice Clinic",
}

// --- tests ---

func TestSignup(t *testing.T) {
	t.Run("success issues token for the created identity", func(t *testing.T) {
		fx := newFixture(t)

		user, token, exp, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)
		require.NotEmpty(t, user.ID)
		assert.Equal(t, "a@x.com", user.Email)
		assert.Equal(t, domain.RoleAdmin, user.Role)
		assert.True(t, user.Active)
		assert.False(t, user.Verified)
		assert.True(t, exp.After(time.Now()))

		claims, err := fx.svc.TokenManager().ParseToken(token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.UserID)
	})

	t.Run("email is normalized", func(t *testing.T) {
		fx := newFixture(t)

		in := signupAlice
		in.Email = "  A@X.com "
		user, _, _, err := fx.svc.Signup(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", user.Email)
	})

	t.Run("duplicate email is rejected case-insensitively", func(t *testing.T) {
		fx := newFixture(t)

		_, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		in := signupAlice
		in.Email = "A@X.COM"
		_, _, _, err = fx.svc.Signup(context.Background(), in)
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	})

	t.Run("exactly one of N concurrent signups wins", func(t *testing.T) {
		fx := newFixture(t)

		const n = 8
		errCh := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
				errCh <- err
			}()
		}
		wg.Wait()
		close(errCh)

		var successes, duplicates int
		for err := range errCh {
			switch {
			case err == nil:
				successes++
			default:
				require.ErrorIs(t, err, ErrDuplicateEmail)
				duplicates++
			}
		}
		assert.Equal(t, 1, successes)
		assert.Equal(t, n-1, duplicates)
	})

	t.Run("weak passwords fail validation", func(t *testing.T) {
		fx := newFixture(t)

		for _, password := range []string{"short1A", "alllowercase1", "ALLUPPERCASE1", "NoDigitsHere"} {
			in := signupAlice
			in.Password = password
			_, _, _, err := fx.svc.Signup(context.Background(), in)
			assert.ErrorIs(t, err, ErrValidation, "password %q", password)
		}
	})
}

func TestLogin(t *testing.T) {
	t.Run("correct credentials succeed", func(t *testing.T) {
		fx := newFixture(t)
		created, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		user, token, _, err := fx.svc.Login(context.Background(), "a@x.com", "Password1")
		require.NoError(t, err)
		assert.Equal(t, created.ID, user.ID)

		claims, err := fx.svc.TokenManager().ParseToken(token)
		require.NoError(t, err)
		assert.Equal(t, created.ID, claims.UserID)
	})

	t.Run("unknown email and wrong password are indistinguishable", func(t *testing.T) {
		fx := newFixture(t)
		_, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		_, _, _, unknownErr := fx.svc.Login(context.Background(), "nobody@x.com", "Password1")
		_, _, _, wrongErr := fx.svc.Login(context.Background(), "a@x.com", "WrongPass1")

		assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
		assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
		assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	})

	t.Run("inactive account is rejected after password check", func(t *testing.T) {
		fx := newFixture(t)
		created, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		fx.users.mu.Lock()
		fx.users.users[created.ID].Active = false
		fx.users.mu.Unlock()

		_, _, _, err = fx.svc.Login(context.Background(), "a@x.com", "Password1")
		assert.ErrorIs(t, err, ErrAccountDisabled)
	})
}

func TestForgotPassword(t *testing.T) {
	t.Run("known and unknown emails yield the same outcome", func(t *testing.T) {
		fx := newFixture(t)
		_, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		require.NoError(t, fx.svc.ForgotPassword(context.Background(), "a@x.com"))
		require.NoError(t, fx.svc.ForgotPassword(context.Background(), "nobody@x.com"))

		fx.mu.Lock()
		defer fx.mu.Unlock()
		assert.Len(t, fx.resetTokens, 1, "only the known email gets a token")
	})

	t.Run("issued token is bound to the account", func(t *testing.T) {
		fx := newFixture(t)
		created, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		require.NoError(t, fx.svc.ForgotPassword(context.Background(), "A@X.com"))

		payload := fx.lastResetToken(t)
		assert.Equal(t, created.ID, payload.UserID)
		assert.Equal(t, "a@x.com", payload.Email)
		assert.NotEmpty(t, payload.Token)
		assert.True(t, payload.ExpiresAt.After(time.Now()))
	})
}

func TestResetPassword(t *testing.T) {
	setup := func(t *testing.T) (*fixture, string) {
		fx := newFixture(t)
		_, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)
		require.NoError(t, fx.svc.ForgotPassword(context.Background(), "a@x.com"))
		return fx, fx.lastResetToken(t).Token
	}

	t.Run("flips the password that logs in", func(t *testing.T) {
		fx, token := setup(t)

		require.NoError(t, fx.svc.ResetPassword(context.Background(), token, "NewPassword2"))

		_, _, _, err := fx.svc.Login(context.Background(), "a@x.com", "Password1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, _, _, err = fx.svc.Login(context.Background(), "a@x.com", "NewPassword2")
		assert.NoError(t, err)
	})

	t.Run("token is single use", func(t *testing.T) {
		fx, token := setup(t)

		require.NoError(t, fx.svc.ResetPassword(context.Background(), token, "NewPassword2"))
		err := fx.svc.ResetPassword(context.Background(), token, "NewPassword3")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("unknown token is rejected with the same kind", func(t *testing.T) {
		fx, _ := setup(t)
		err := fx.svc.ResetPassword(context.Background(), "no-such-token", "NewPassword2")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		fx, token := setup(t)

		fx.resets.mu.Lock()
		fx.resets.tokens[token].ExpiresAt = time.Now().Add(-time.Minute)
		fx.resets.mu.Unlock()

		err := fx.svc.ResetPassword(context.Background(), token, "NewPassword2")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken)
	})

	t.Run("exactly one of N concurrent redemptions wins", func(t *testing.T) {
		fx, token := setup(t)

		const n = 8
		errCh := make(chan error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- fx.svc.ResetPassword(context.Background(), token, "NewPassword2")
			}()
		}
		wg.Wait()
		close(errCh)

		var successes, rejected int
		for err := range errCh {
			switch {
			case err == nil:
				successes++
			default:
				require.ErrorIs(t, err, ErrInvalidOrExpiredToken)
				rejected++
			}
		}
		assert.Equal(t, 1, successes)
		assert.Equal(t, n-1, rejected)
	})

	t.Run("failure after consumption leaves the token spent", func(t *testing.T) {
		fx, token := setup(t)
		fx.users.updateHashErr = context.DeadlineExceeded

		err := fx.svc.ResetPassword(context.Background(), token, "NewPassword2")
		require.ErrorIs(t, err, ErrResetFailedAfterTokenConsumed)

		fx.users.updateHashErr = nil
		err = fx.svc.ResetPassword(context.Background(), token, "NewPassword2")
		assert.ErrorIs(t, err, ErrInvalidOrExpiredToken, "token must stay consumed")
	})

	t.Run("weak new password is rejected before touching the token", func(t *testing.T) {
		fx, token := setup(t)

		err := fx.svc.ResetPassword(context.Background(), token, "weak")
		require.ErrorIs(t, err, ErrValidation)

		require.NoError(t, fx.svc.ResetPassword(context.Background(), token, "NewPassword2"))
	})
}

func TestChangePassword(t *testing.T) {
	t.Run("wrong current password leaves the hash untouched", func(t *testing.T) {
		fx := newFixture(t)
		created, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		err = fx.svc.ChangePassword(context.Background(), created.ID, "WrongPass1", "NewPassword2")
		assert.ErrorIs(t, err, ErrInvalidCredentials)

		_, _, _, err = fx.svc.Login(context.Background(), "a@x.com", "Password1")
		assert.NoError(t, err)
	})

	t.Run("unknown account yields the credential failure kind", func(t *testing.T) {
		fx := newFixture(t)

		err := fx.svc.ChangePassword(context.Background(), "no-such-user", "Password1", "NewPassword2")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("correct current password switches which password logs in", func(t *testing.T) {
		fx := newFixture(t)
		created, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		require.NoError(t, fx.svc.ChangePassword(context.Background(), created.ID, "Password1", "NewPassword2"))

		_, _, _, err = fx.svc.Login(context.Background(), "a@x.com", "Password1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, _, _, err = fx.svc.Login(context.Background(), "a@x.com", "NewPassword2")
		assert.NoError(t, err)
	})
}

func TestOTPFlows(t *testing.T) {
	t.Run("signup OTP creates a verified account", func(t *testing.T) {
		fx := newFixture(t)

		require.NoError(t, fx.svc.SendSignupOTP(context.Background(), "a@x.com"))
		code := fx.lastOTP(t)
		require.Equal(t, domain.OTPPurposeSignup, code.Purpose)
		require.Len(t, code.Code, 4)

		user, token, _, err := fx.svc.VerifySignupOTP(context.Background(), signupAlice, code.Code)
		require.NoError(t, err)
		assert.True(t, user.Verified)

		claims, err := fx.svc.TokenManager().ParseToken(token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.UserID)
	})

	t.Run("invalid signup input does not burn the code", func(t *testing.T) {
		fx := newFixture(t)

		require.NoError(t, fx.svc.SendSignupOTP(context.Background(), "a@x.com"))
		code := fx.lastOTP(t)

		weak := signupAlice
		weak.Password = "weak"
		_, _, _, err := fx.svc.VerifySignupOTP(context.Background(), weak, code.Code)
		require.ErrorIs(t, err, ErrValidation)

		// The rejected attempt left the code usable.
		user, _, _, err := fx.svc.VerifySignupOTP(context.Background(), signupAlice, code.Code)
		require.NoError(t, err)
		assert.True(t, user.Verified)
	})

	t.Run("taken email does not burn the code", func(t *testing.T) {
		fx := newFixture(t)
		_, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		require.NoError(t, fx.svc.SendSignupOTP(context.Background(), "a@x.com"))
		code := fx.lastOTP(t)

		_, _, _, err = fx.svc.VerifySignupOTP(context.Background(), signupAlice, code.Code)
		require.ErrorIs(t, err, ErrDuplicateEmail)

		fx.otps.mu.Lock()
		ev := fx.otps.codes[otpKey("a@x.com", code.Code, domain.OTPPurposeSignup)]
		consumed := ev.Consumed
		fx.otps.mu.Unlock()
		assert.False(t, consumed)
	})

	t.Run("signup OTP is single use", func(t *testing.T) {
		fx := newFixture(t)

		require.NoError(t, fx.svc.SendSignupOTP(context.Background(), "a@x.com"))
		code := fx.lastOTP(t)

		_, _, _, err := fx.svc.VerifySignupOTP(context.Background(), signupAlice, code.Code)
		require.NoError(t, err)

		in := signupAlice
		in.Email = "b@x.com"
		_, _, _, err = fx.svc.VerifySignupOTP(context.Background(), in, code.Code)
		assert.ErrorIs(t, err, ErrInvalidOTP)
	})

	t.Run("login OTP signs in without a password", func(t *testing.T) {
		fx := newFixture(t)
		created, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		require.NoError(t, fx.svc.SendLoginOTP(context.Background(), "a@x.com"))
		code := fx.lastOTP(t)
		require.Equal(t, domain.OTPPurposeLogin, code.Purpose)

		user, _, _, err := fx.svc.VerifyLoginOTP(context.Background(), "a@x.com", code.Code)
		require.NoError(t, err)
		assert.Equal(t, created.ID, user.ID)
	})

	t.Run("login OTP for unknown email is generically accepted but unusable", func(t *testing.T) {
		fx := newFixture(t)

		require.NoError(t, fx.svc.SendLoginOTP(context.Background(), "nobody@x.com"))

		fx.mu.Lock()
		issued := len(fx.otpCodes)
		fx.mu.Unlock()
		assert.Zero(t, issued, "no code is stored for unknown addresses")

		_, _, _, err := fx.svc.VerifyLoginOTP(context.Background(), "nobody@x.com", "0000")
		assert.ErrorIs(t, err, ErrInvalidOTP)
	})

	t.Run("wrong code is rejected", func(t *testing.T) {
		fx := newFixture(t)
		_, _, _, err := fx.svc.Signup(context.Background(), signupAlice)
		require.NoError(t, err)

		require.NoError(t, fx.svc.SendLoginOTP(context.Background(), "a@x.com"))
		code := fx.lastOTP(t)
		wrong := "0000"
		if code.Code == wrong {
			wrong = "0001"
		}
		_, _, _, err = fx.svc.VerifyLoginOTP(context.Background(), "a@x.com", wrong)
		assert.ErrorIs(t, err, ErrInvalidOTP)
	})
}

func TestLogoutIsStateless(t *testing.T) {
	fx := newFixture(t)
	created, token, _, err := fx.svc.Signup(context.Background(), signupAlice)
	require.NoError(t, err)

	require.NoError(t, fx.svc.Logout(context.Background(), created.ID))

	// The session token survives logout; it expires on its own.
	claims, err := fx.svc.TokenManager().ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, claims.UserID)
}
