package account

import "errors"

var (
	// ErrNotFound is returned when no account matches the lookup.
	ErrNotFound = errors.New("account not found")

	// ErrUsernameTaken is returned when an insert violates the
	// username or email uniqueness constraint. The database constraint
	// is the source of truth; there is no read-then-insert pre-check.
	ErrUsernameTaken = errors.New("username or email already taken")
)
