package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrizan/accountd/internal/account"
	"github.com/dkrizan/accountd/internal/logging"
	"github.com/dkrizan/accountd/internal/token"
)

// --- fakes ---

// fakeStore is an in-memory account.Store that mirrors the database
// uniqueness guarantee.
type fakeStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*account.Account
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: make(map[uuid.UUID]*account.Account)}
}

func (s *fakeStore) Create(_ context.Context, username, email, passwordHash string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.Username == username || acc.Email == email {
			return nil, account.ErrUsernameTaken
		}
	}
	acc := &account.Account{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	s.accounts[acc.ID] = acc
	return acc, nil
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, account.ErrNotFound
	}
	copied := *acc
	return &copied, nil
}

func (s *fakeStore) GetByUsername(_ context.Context, username string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.Username == username {
			copied := *acc
			return &copied, nil
		}
	}
	return nil, account.ErrNotFound
}

func (s *fakeStore) GetByUsernameAndEmail(_ context.Context, username, email string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.Username == username && acc.Email == email {
			copied := *acc
			return &copied, nil
		}
	}
	return nil, account.ErrNotFound
}

func (s *fakeStore) GetByEmail(_ context.Context, email string) (*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.Email == email {
			copied := *acc
			return &copied, nil
		}
	}
	return nil, account.ErrNotFound
}

func (s *fakeStore) List(_ context.Context) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*account.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		copied := *acc
		out = append(out, &copied)
	}
	return out, nil
}

func (s *fakeStore) MarkVerified(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	acc.Verified = true
	return nil
}

func (s *fakeStore) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	acc.PasswordHash = passwordHash
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return account.ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

// fakeEmail records dispatched tokens and can be told to fail.
type fakeEmail struct {
	mu              sync.Mutex
	failNext        error
	lastVerifyToken string
	lastResetToken  string
	sent            int
}

func (e *fakeEmail) SendVerificationEmail(_ context.Context, _, _, tokenStr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext != nil {
		err := e.failNext
		e.failNext = nil
		return err
	}
	e.lastVerifyToken = tokenStr
	e.sent++
	return nil
}

func (e *fakeEmail) SendPasswordResetEmail(_ context.Context, _, _, tokenStr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext != nil {
		err := e.failNext
		e.failNext = nil
		return err
	}
	e.lastResetToken = tokenStr
	e.sent++
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	service *Service
	store   *fakeStore
	email   *fakeEmail
	clock   *fakeClock
	issuer  *token.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	issuer, err := token.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), clock)
	require.NoError(t, err)

	store := newFakeStore()
	emailSvc := &fakeEmail{}
	service := NewService(
		store,
		issuer,
		emailSvc,
		logging.NewLogger(true),
		time.Hour,
		10*time.Minute,
		15*time.Minute,
	)

	return &testEnv{service: service, store: store, email: emailSvc, clock: clock, issuer: issuer}
}

func (env *testEnv) register(t *testing.T, username, email, password string) *account.Account {
	t.Helper()
	acc, err := env.service.Register(context.Background(), username, email, password)
	require.NoError(t, err)
	return acc
}

// --- registration ---

func TestRegister_CreatesUnverifiedAccountAndDispatchesToken(t *testing.T) {
	env := newTestEnv(t)

	acc := env.register(t, "alice", "a@x.com", "secret-one")

	assert.False(t, acc.Verified)
	assert.NotEmpty(t, env.email.lastVerifyToken)

	claims, err := env.issuer.Verify(env.email.lastVerifyToken, token.PurposeVerifyEmail)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, claims.Subject)
}

func TestRegister_DuplicateUsernameYieldsExactlyOneAccount(t *testing.T) {
	env := newTestEnv(t)

	env.register(t, "alice", "a@x.com", "secret-one")

	_, err := env.service.Register(context.Background(), "alice", "other@x.com", "secret-two")
	assert.ErrorIs(t, err, account.ErrUsernameTaken)

	accounts, err := env.store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestRegister_ValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		email    string
		password string
		wantErr  error
	}{
		{"empty username", "", "a@x.com", "secret-one", ErrUsernameRequired},
		{"short username", "al", "a@x.com", "secret-one", ErrUsernameTooShort},
		{"empty email", "alice", "", "secret-one", ErrEmailRequired},
		{"bad email", "alice", "not-an-email", "secret-one", ErrInvalidEmailFormat},
		{"empty password", "alice", "a@x.com", "", ErrPasswordRequired},
		{"short password", "alice", "a@x.com", "short", ErrPasswordTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.Register(ctx, tt.username, tt.email, tt.password)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegister_DeliveryFailureKeepsCommittedAccount(t *testing.T) {
	env := newTestEnv(t)
	env.email.failNext = errors.New("smtp down")

	acc, err := env.service.Register(context.Background(), "alice", "a@x.com", "secret-one")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	require.NotNil(t, acc)

	// The account row survives the failed dispatch.
	stored, err := env.store.GetByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
}

// --- verification ---

func TestVerifyEmail_MarksAccountVerified(t *testing.T) {
	env := newTestEnv(t)
	acc := env.register(t, "alice", "a@x.com", "secret-one")

	err := env.service.VerifyEmail(context.Background(), env.email.lastVerifyToken)
	require.NoError(t, err)

	stored, err := env.store.GetByID(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Verified)
}

func TestVerifyEmail_UnknownSubjectMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "a@x.com", "secret-one")

	ghost, err := env.issuer.Issue(uuid.New(), token.PurposeVerifyEmail, 10*time.Minute)
	require.NoError(t, err)

	err = env.service.VerifyEmail(context.Background(), ghost)
	assert.ErrorIs(t, err, account.ErrNotFound)

	accounts, err := env.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.False(t, accounts[0].Verified)
}

func TestVerifyEmail_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "a@x.com", "secret-one")
	verifyToken := env.email.lastVerifyToken

	env.clock.Advance(10*time.Minute + time.Second)

	err := env.service.VerifyEmail(context.Background(), verifyToken)
	assert.ErrorIs(t, err, token.ErrTokenExpired)
}

func TestVerifyEmail_SessionTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	acc := env.register(t, "alice", "a@x.com", "secret-one")

	sessionToken, err := env.issuer.Issue(acc.ID, token.PurposeSession, time.Hour)
	require.NoError(t, err)

	err = env.service.VerifyEmail(context.Background(), sessionToken)
	assert.ErrorIs(t, err, token.ErrPurposeMismatch)
}

// --- login ---

func TestLogin_UnverifiedAccountBlockedEvenWithCorrectPassword(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "a@x.com", "secret-one")

	_, _, err := env.service.Login(context.Background(), "alice", "secret-one")
	assert.ErrorIs(t, err, ErrNotVerified)

	// The same error for a wrong password: verification is checked first,
	// so an unverified account leaks nothing about password correctness.
	_, _, err = env.service.Login(context.Background(), "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestLogin_UnknownAccountIsDistinctFromUnverified(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.service.Login(context.Background(), "nobody", "whatever")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestLogin_WrongPasswordAfterVerification(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "a@x.com", "secret-one")
	require.NoError(t, env.service.VerifyEmail(context.Background(), env.email.lastVerifyToken))

	_, _, err := env.service.Login(context.Background(), "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// --- password reset ---

func TestPasswordResetFlow_RotatesCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "a@x.com", "secret-one")
	require.NoError(t, env.service.VerifyEmail(ctx, env.email.lastVerifyToken))

	require.NoError(t, env.service.RequestPasswordReset(ctx, "alice", "a@x.com"))
	require.NotEmpty(t, env.email.lastResetToken)

	require.NoError(t, env.service.ResetPassword(ctx, env.email.lastResetToken, "secret-two"))

	_, _, err := env.service.Login(ctx, "alice", "secret-one")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = env.service.Login(ctx, "alice", "secret-two")
	assert.NoError(t, err)
}

func TestRequestPasswordReset_RequiresMatchingHandleAndEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "a@x.com", "secret-one")

	err := env.service.RequestPasswordReset(context.Background(), "alice", "wrong@x.com")
	assert.ErrorIs(t, err, account.ErrNotFound)
	assert.Empty(t, env.email.lastResetToken)
}

func TestResetPassword_VerifyTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "a@x.com", "secret-one")

	err := env.service.ResetPassword(context.Background(), env.email.lastVerifyToken, "secret-two")
	assert.ErrorIs(t, err, token.ErrPurposeMismatch)
}

func TestResetPassword_ExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice", "a@x.com", "secret-one")
	require.NoError(t, env.service.RequestPasswordReset(ctx, "alice", "a@x.com"))
	resetToken := env.email.lastResetToken

	env.clock.Advance(15*time.Minute + time.Second)

	err := env.service.ResetPassword(ctx, resetToken, "secret-two")
	assert.ErrorIs(t, err, token.ErrTokenExpired)
}

// --- change password ---

func TestChangePassword_WrongCurrentLeavesSecretUntouched(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc := env.register(t, "alice", "a@x.com", "secret-one")

	before, err := env.store.GetByID(ctx, acc.ID)
	require.NoError(t, err)

	err = env.service.ChangePassword(ctx, acc.ID, acc.ID, "wrong-password", "secret-two")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	after, err := env.store.GetByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, before.PasswordHash, after.PasswordHash)
}

func TestChangePassword_SubjectMismatchIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	acc := env.register(t, "alice", "a@x.com", "secret-one")
	other := env.register(t, "bob", "b@x.com", "secret-two")

	err := env.service.ChangePassword(context.Background(), other.ID, acc.ID, "secret-one", "secret-three")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestChangePassword_RotatesCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc := env.register(t, "alice", "a@x.com", "secret-one")
	require.NoError(t, env.service.VerifyEmail(ctx, env.email.lastVerifyToken))

	require.NoError(t, env.service.ChangePassword(ctx, acc.ID, acc.ID, "secret-one", "secret-two"))

	_, _, err := env.service.Login(ctx, "alice", "secret-two")
	assert.NoError(t, err)
}

// --- deletion ---

func TestDeleteAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acc := env.register(t, "alice", "a@x.com", "secret-one")
	other := env.register(t, "bob", "b@x.com", "secret-two")

	err := env.service.DeleteAccount(ctx, other.ID, acc.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, env.service.DeleteAccount(ctx, acc.ID, acc.ID))

	_, err = env.store.GetByID(ctx, acc.ID)
	assert.ErrorIs(t, err, account.ErrNotFound)

	// Deleting again reports the absence.
	err = env.service.DeleteAccount(ctx, acc.ID, acc.ID)
	assert.ErrorIs(t, err, account.ErrNotFound)
}

// --- username recovery ---

func TestFindUsername(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice", "a@x.com", "secret-one")

	username, err := env.service.FindUsername(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	_, err = env.service.FindUsername(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

// --- full lifecycle ---

func TestLifecycle_RegisterVerifyLoginReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acc := env.register(t, "alice", "a@x.com", "secret-one")
	assert.False(t, acc.Verified)
	verifyToken := env.email.lastVerifyToken

	// Unverified login is blocked.
	_, _, err := env.service.Login(ctx, "alice", "secret-one")
	assert.ErrorIs(t, err, ErrNotVerified)

	// Verification unlocks login.
	require.NoError(t, env.service.VerifyEmail(ctx, verifyToken))

	sessionToken, loggedIn, err := env.service.Login(ctx, "alice", "secret-one")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, loggedIn.ID)

	claims, err := env.issuer.Verify(sessionToken, token.PurposeSession)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, claims.Subject)

	// Replaying the verification token within its TTL is rejected, not
	// treated as an idempotent success.
	err = env.service.VerifyEmail(ctx, verifyToken)
	assert.ErrorIs(t, err, ErrAlreadyVerified)
}
