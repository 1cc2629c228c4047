package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"

	"github.com/dkrizan/accountd/internal/account"
	"github.com/dkrizan/accountd/internal/logging"
	"github.com/dkrizan/accountd/internal/token"
)

var (
	ErrUsernameRequired   = errors.New("username is required")
	ErrUsernameTooShort   = errors.New("username must be at least 3 characters")
	ErrEmailRequired      = errors.New("email is required")
	ErrInvalidEmailFormat = errors.New("invalid email format")
	ErrPasswordRequired   = errors.New("password is required")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotVerified        = errors.New("email not verified")
	ErrAlreadyVerified    = errors.New("email already verified")
	ErrForbidden          = errors.New("operation not permitted on another account")
	ErrDeliveryFailed     = errors.New("failed to deliver notification email")
)

const (
	minUsernameLen = 3
	minPasswordLen = 8
	maxEmailLen    = 254
)

// EmailService delivers notification mail. Delivery failures are reported
// to callers but never undo state that was already committed.
type EmailService interface {
	SendVerificationEmail(ctx context.Context, toEmail, username, tokenStr string) error
	SendPasswordResetEmail(ctx context.Context, toEmail, username, tokenStr string) error
}

// Service is the account lifecycle engine. It owns no state itself: all
// cross-request coordination is delegated to the store's atomicity
// guarantees, and proof-of-possession is delegated to the token issuer.
type Service struct {
	store        account.Store
	issuer       *token.Issuer
	emailService EmailService
	logger       *logging.Logger
	sessionTTL   time.Duration
	verifyTTL    time.Duration
	resetTTL     time.Duration
}

func NewService(
	store account.Store,
	issuer *token.Issuer,
	emailService EmailService,
	logger *logging.Logger,
	sessionTTL, verifyTTL, resetTTL time.Duration,
) *Service {
	return &Service{
		store:        store,
		issuer:       issuer,
		emailService: emailService,
		logger:       logger,
		sessionTTL:   sessionTTL,
		verifyTTL:    verifyTTL,
		resetTTL:     resetTTL,
	}
}

// Register creates an unverified account and dispatches a verification
// link. The account row is committed before the dispatch attempt; when
// delivery fails the new account is returned together with
// ErrDeliveryFailed so the caller knows the account exists.
func (s *Service) Register(ctx context.Context, username, email, password string) (*account.Account, error) {
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	newAccount, err := s.store.Create(ctx, username, email, passwordHash)
	if err != nil {
		if errors.Is(err, account.ErrUsernameTaken) {
			return nil, account.ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	verifyToken, err := s.issuer.Issue(newAccount.ID, token.PurposeVerifyEmail, s.verifyTTL)
	if err != nil {
		return newAccount, fmt.Errorf("failed to issue verification token: %w", err)
	}

	if err := s.emailService.SendVerificationEmail(ctx, email, username, verifyToken); err != nil {
		s.logger.Warn("verification email dispatch failed", "username", username, "error", err)
		return newAccount, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	return newAccount, nil
}

// VerifyEmail redeems an email-verification token and marks the subject
// account verified. A token whose subject is already verified is rejected
// rather than treated as an idempotent success, so a replayed link within
// the TTL window surfaces as an error.
func (s *Service) VerifyEmail(ctx context.Context, tokenStr string) error {
	claims, err := s.issuer.Verify(tokenStr, token.PurposeVerifyEmail)
	if err != nil {
		return err
	}

	acc, err := s.store.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.ErrNotFound
		}
		return fmt.Errorf("failed to get account: %w", err)
	}

	if acc.Verified {
		return ErrAlreadyVerified
	}

	if err := s.store.MarkVerified(ctx, acc.ID); err != nil {
		return fmt.Errorf("failed to mark account verified: %w", err)
	}

	return nil
}

// Login checks credentials and returns a session token. Verification state
// is checked before the password is compared, so an unverified account
// never reveals whether a password guess was correct.
func (s *Service) Login(ctx context.Context, username, password string) (string, *account.Account, error) {
	if username == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}

	acc, err := s.store.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return "", nil, account.ErrNotFound
		}
		return "", nil, fmt.Errorf("failed to get account: %w", err)
	}

	if !acc.Verified {
		return "", nil, ErrNotVerified
	}

	if !VerifyPassword(acc.PasswordHash, password) {
		return "", nil, ErrInvalidCredentials
	}

	sessionToken, err := s.issuer.Issue(acc.ID, token.PurposeSession, s.sessionTTL)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	return sessionToken, acc, nil
}

// RequestPasswordReset locates the account by handle and address and
// dispatches a reset link. No account state changes here; the credential
// is only rotated when the token comes back through ResetPassword.
func (s *Service) RequestPasswordReset(ctx context.Context, username, email string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	if err := validateEmail(email); err != nil {
		return err
	}

	acc, err := s.store.GetByUsernameAndEmail(ctx, username, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.ErrNotFound
		}
		return fmt.Errorf("failed to get account: %w", err)
	}

	resetToken, err := s.issuer.Issue(acc.ID, token.PurposePasswordReset, s.resetTTL)
	if err != nil {
		return fmt.Errorf("failed to issue reset token: %w", err)
	}

	if err := s.emailService.SendPasswordResetEmail(ctx, acc.Email, acc.Username, resetToken); err != nil {
		s.logger.Warn("password reset email dispatch failed", "username", acc.Username, "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	return nil
}

// ResetPassword redeems a password-reset token and overwrites the stored
// credential.
func (s *Service) ResetPassword(ctx context.Context, tokenStr, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	claims, err := s.issuer.Verify(tokenStr, token.PurposePasswordReset)
	if err != nil {
		return err
	}

	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, claims.Subject, passwordHash); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.ErrNotFound
		}
		return fmt.Errorf("failed to update password: %w", err)
	}

	return nil
}

// ChangePassword rotates the credential for an authenticated caller. The
// caller must be the target account and must prove possession of the
// current secret; on mismatch the stored secret is left untouched.
func (s *Service) ChangePassword(ctx context.Context, callerID, targetID uuid.UUID, currentPassword, newPassword string) error {
	if callerID != targetID {
		return ErrForbidden
	}
	if currentPassword == "" {
		return ErrPasswordRequired
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	acc, err := s.store.GetByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.ErrNotFound
		}
		return fmt.Errorf("failed to get account: %w", err)
	}

	if !VerifyPassword(acc.PasswordHash, currentPassword) {
		return ErrInvalidCredentials
	}

	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, targetID, passwordHash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	return nil
}

// DeleteAccount removes the caller's own account.
func (s *Service) DeleteAccount(ctx context.Context, callerID, targetID uuid.UUID) error {
	if callerID != targetID {
		return ErrForbidden
	}

	if err := s.store.Delete(ctx, targetID); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.ErrNotFound
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}

	return nil
}

// FindUsername recovers the handle registered for a contact address.
func (s *Service) FindUsername(ctx context.Context, email string) (string, error) {
	if err := validateEmail(email); err != nil {
		return "", err
	}

	acc, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return "", account.ErrNotFound
		}
		return "", fmt.Errorf("failed to get account: %w", err)
	}

	return acc.Username, nil
}

// GetAccount looks up a single account by id.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	acc, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ListAccounts returns all accounts.
func (s *Service) ListAccounts(ctx context.Context) ([]*account.Account, error) {
	accounts, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

func validateUsername(username string) error {
	if username == "" {
		return ErrUsernameRequired
	}
	if len(username) < minUsernameLen {
		return ErrUsernameTooShort
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return ErrEmailRequired
	}
	if len(email) > maxEmailLen {
		return ErrInvalidEmailFormat
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmailFormat
	}
	return nil
}

func validatePassword(password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if len(password) < minPasswordLen {
		return ErrPasswordTooShort
	}
	return nil
}
