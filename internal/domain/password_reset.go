package domain

import "time"

// PasswordReset is a single-use, time-bound credential authorizing one
// password change without prior authentication. Spent tokens are kept as an
// audit trail rather than deleted.
type PasswordReset struct {
	ID        string
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}

// Usable reports whether the token could still be redeemed at the given time.
func (p *PasswordReset) Usable(now time.Time) bool {
	return !p.Consumed && now.Before(p.ExpiresAt)
}
