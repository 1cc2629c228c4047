package account

import (
	"time"

	"github.com/google/uuid"
)

// Account is a single user account. The password hash never leaves the
// service: it is excluded from JSON and only compared, never returned.
type Account struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
