package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/clinic-service/internal/domain"
)

// PasswordResetRepository manages password reset token persistence.
type PasswordResetRepository interface {
	Create(ctx context.Context, reset *domain.PasswordReset) error
	FindValid(ctx context.Context, token string) (*domain.PasswordReset, error)
	Consume(ctx context.Context, token string) error
}

type passwordResetRepository struct {
	db DB
}

// NewPasswordResetRepository constructs the repository.
func NewPasswordResetRepository(db DB) PasswordResetRepository {
	return &passwordResetRepository{db: db}
}

// Create stores a freshly issued token. A collision with an existing token
// value yields ErrDuplicateToken; the caller regenerates and retries.
func (r *passwordResetRepository) Create(ctx context.Context, reset *domain.PasswordReset) error {
	const query = `
        INSERT INTO password_resets (user_id, email, token, expires_at)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at`
	err := r.db.QueryRow(ctx, query,
		reset.UserID,
		reset.Email,
		reset.Token,
		reset.ExpiresAt,
	).Scan(&reset.ID, &reset.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return err
	}
	return nil
}

// FindValid returns the record only while it is unconsumed and unexpired.
// Missing, spent and expired tokens are indistinguishable to the caller.
func (r *passwordResetRepository) FindValid(ctx context.Context, token string) (*domain.PasswordReset, error) {
	const query = `
        SELECT id, user_id, email, token, expires_at, consumed, created_at
        FROM password_resets
        WHERE token=$1 AND consumed=FALSE AND expires_at > NOW()`

	var reset domain.PasswordReset
	if err := r.db.QueryRow(ctx, query, token).Scan(
		&reset.ID,
		&reset.UserID,
		&reset.Email,
		&reset.Token,
		&reset.ExpiresAt,
		&reset.Consumed,
		&reset.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &reset, nil
}

// Consume atomically marks the token spent. The guard makes concurrent
// redemptions resolve to exactly one winner.
func (r *passwordResetRepository) Consume(ctx context.Context, token string) error {
	const query = `
        UPDATE password_resets SET consumed=TRUE
        WHERE token=$1 AND consumed=FALSE AND expires_at > NOW()`

	cmd, err := r.db.Exec(ctx, query, token)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTokenSpent
	}
	return nil
}
