package domain

import "time"

// Role classifies what a clinic account may do. The set is closed on purpose;
// new roles are added here rather than passed around as free-form strings.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleClinician Role = "clinician"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleClinician, RoleAssistant:
		return true
	}
	return false
}

// User is the domain model for a clinic account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Phone        *string
	Active       bool
	Verified     bool
	Role         Role
	ClinicID     *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
