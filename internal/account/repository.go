package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/dkrizan/accountd/internal/database"
)

// Store is the persistence contract the lifecycle engine depends on.
// *Repository is the postgres implementation; tests substitute fakes.
type Store interface {
	Create(ctx context.Context, username, email, passwordHash string) (*Account, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByUsername(ctx context.Context, username string) (*Account, error)
	GetByUsernameAndEmail(ctx context.Context, username, email string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	List(ctx context.Context) ([]*Account, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Repository persists accounts in postgres through bun.
type Repository struct {
	db *bun.DB
}

func NewRepository(db *bun.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// Create inserts a new, unverified account. Uniqueness of username and
// email is enforced by the database constraint, which makes concurrent
// registrations of the same handle resolve to exactly one winner.
func (r *Repository) Create(ctx context.Context, username, email, passwordHash string) (*Account, error) {
	dbAccount := &database.Account{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Verified:     false,
	}

	_, err := r.db.NewInsert().
		Model(dbAccount).
		Returning("*").
		Exec(ctx)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return mapDBAccountToModel(dbAccount), nil
}

// GetByID retrieves an account by its id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	dbAccount := new(database.Account)
	err := r.db.NewSelect().
		Model(dbAccount).
		Where("id = ?", id).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by id: %w", err)
	}

	return mapDBAccountToModel(dbAccount), nil
}

// GetByUsername retrieves an account by its handle. The match is
// case-sensitive.
func (r *Repository) GetByUsername(ctx context.Context, username string) (*Account, error) {
	dbAccount := new(database.Account)
	err := r.db.NewSelect().
		Model(dbAccount).
		Where("username = ?", username).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by username: %w", err)
	}

	return mapDBAccountToModel(dbAccount), nil
}

// GetByUsernameAndEmail retrieves the account matching both handle and
// contact address, used by the password reset request flow.
func (r *Repository) GetByUsernameAndEmail(ctx context.Context, username, email string) (*Account, error) {
	dbAccount := new(database.Account)
	err := r.db.NewSelect().
		Model(dbAccount).
		Where("username = ?", username).
		Where("email = ?", email).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by username and email: %w", err)
	}

	return mapDBAccountToModel(dbAccount), nil
}

// GetByEmail retrieves an account by contact address, used for username
// recovery.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	dbAccount := new(database.Account)
	err := r.db.NewSelect().
		Model(dbAccount).
		Where("email = ?", email).
		Scan(ctx)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}

	return mapDBAccountToModel(dbAccount), nil
}

// List returns all accounts ordered by creation time.
func (r *Repository) List(ctx context.Context) ([]*Account, error) {
	var dbAccounts []*database.Account
	err := r.db.NewSelect().
		Model(&dbAccounts).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]*Account, 0, len(dbAccounts))
	for _, dbAccount := range dbAccounts {
		accounts = append(accounts, mapDBAccountToModel(dbAccount))
	}
	return accounts, nil
}

// MarkVerified flips the verification flag for an account.
func (r *Repository) MarkVerified(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.NewUpdate().
		Model((*database.Account)(nil)).
		Set("verified = ?", true).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to mark account verified: %w", err)
	}

	return requireRowsAffected(result)
}

// UpdatePassword overwrites the stored credential hash.
func (r *Repository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	result, err := r.db.NewUpdate().
		Model((*database.Account)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("updated_at = NOW()").
		Where("id = ?", id).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	return requireRowsAffected(result)
}

// Delete removes an account. ErrNotFound is returned when no row was
// removed, so callers can distinguish a repeat delete.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.NewDelete().
		Model((*database.Account)(nil)).
		Where("id = ?", id).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	return requireRowsAffected(result)
}

func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func mapDBAccountToModel(dbAccount *database.Account) *Account {
	return &Account{
		ID:           dbAccount.ID,
		Username:     dbAccount.Username,
		Email:        dbAccount.Email,
		PasswordHash: dbAccount.PasswordHash,
		Verified:     dbAccount.Verified,
		CreatedAt:    dbAccount.CreatedAt,
		UpdatedAt:    dbAccount.UpdatedAt,
	}
}
