package repository

import (
	"context"

	"github.com/spec-kit/clinic-service/internal/domain"
)

// EmailVerificationRepository manages one-time code persistence for the
// signup and login OTP flows.
type EmailVerificationRepository interface {
	Create(ctx context.Context, ev *domain.EmailVerification) error
	Consume(ctx context.Context, email, code string, purpose domain.OTPPurpose) error
}

type emailVerificationRepository struct {
	db DB
}

// NewEmailVerificationRepository constructs the repository.
func NewEmailVerificationRepository(db DB) EmailVerificationRepository {
	return &emailVerificationRepository{db: db}
}

func (r *emailVerificationRepository) Create(ctx context.Context, ev *domain.EmailVerification) error {
	const query = `
        INSERT INTO email_verifications (email, code, purpose, expires_at)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at`
	return r.db.QueryRow(ctx, query,
		ev.Email,
		ev.Code,
		ev.Purpose,
		ev.ExpiresAt,
	).Scan(&ev.ID, &ev.CreatedAt)
}

// Consume spends the matching unexpired code. Same one-winner guard as the
// password reset tokens.
func (r *emailVerificationRepository) Consume(ctx context.Context, email, code string, purpose domain.OTPPurpose) error {
	const query = `
        UPDATE email_verifications SET consumed=TRUE
        WHERE lower(email)=lower($1) AND code=$2 AND purpose=$3
          AND consumed=FALSE AND expires_at > NOW()`

	cmd, err := r.db.Exec(ctx, query, email, code, purpose)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrTokenSpent
	}
	return nil
}
