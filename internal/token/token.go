package token

import (
	"errors"
	"fmt"
	"time"

	"aidanwoods.dev/go-paseto"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken    = errors.New("token is invalid or malformed")
	ErrTokenExpired    = errors.New("token has expired")
	ErrPurposeMismatch = errors.New("token was issued for a different purpose")
)

// Purpose scopes a token to a single capability. A token issued for one
// purpose never verifies for another.
type Purpose string

const (
	PurposeSession       Purpose = "session"
	PurposeVerifyEmail   Purpose = "verify-email"
	PurposePasswordReset Purpose = "password-reset"
)

const purposeClaim = "purpose"

// Clock supplies the current time. Injectable so expiry behavior is
// testable without the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Claims are the verified contents of a token.
type Claims struct {
	Subject   uuid.UUID
	Purpose   Purpose
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints and verifies PASETO v4.local tokens. It holds no state
// beyond the signing key; every token is self-describing and expires on
// its own, so nothing needs to be stored or garbage collected. The
// tradeoff is that a token cannot be revoked before its expiry, which is
// why all purposes carry short lifetimes.
type Issuer struct {
	key   paseto.V4SymmetricKey
	clock Clock
}

// NewIssuer creates an Issuer from a 32-byte symmetric signing key.
// Pass nil for clock to use the system clock.
func NewIssuer(signingKey []byte, clock Clock) (*Issuer, error) {
	if len(signingKey) != 32 {
		return nil, fmt.Errorf("signing key must be exactly 32 bytes, got %d", len(signingKey))
	}

	key, err := paseto.V4SymmetricKeyFromBytes(signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create symmetric key: %w", err)
	}

	if clock == nil {
		clock = SystemClock()
	}

	return &Issuer{key: key, clock: clock}, nil
}

// Issue mints a token binding the subject to the given purpose, expiring
// ttl from now.
func (i *Issuer) Issue(subject uuid.UUID, purpose Purpose, ttl time.Duration) (string, error) {
	if subject == uuid.Nil {
		return "", fmt.Errorf("subject must not be empty")
	}

	now := i.clock.Now()

	t := paseto.NewToken()
	t.SetSubject(subject.String())
	t.SetIssuedAt(now)
	t.SetExpiration(now.Add(ttl))
	t.SetString(purposeClaim, string(purpose))

	return t.V4Encrypt(i.key, nil), nil
}

// Verify checks the token's authenticity and expiry and returns its claims.
// When expected is non-empty the token's purpose must match, otherwise
// ErrPurposeMismatch is returned. Expiry is evaluated against the injected
// clock rather than the parser's wall clock.
func (i *Issuer) Verify(tokenStr string, expected Purpose) (*Claims, error) {
	parser := paseto.NewParserWithoutExpiryCheck()

	t, err := parser.ParseV4Local(i.key, tokenStr, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	subjectStr, err := t.GetSubject()
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := uuid.Parse(subjectStr)
	if err != nil {
		return nil, ErrInvalidToken
	}

	purposeStr, err := t.GetString(purposeClaim)
	if err != nil {
		return nil, ErrInvalidToken
	}

	issuedAt, err := t.GetIssuedAt()
	if err != nil {
		return nil, ErrInvalidToken
	}

	expiresAt, err := t.GetExpiration()
	if err != nil {
		return nil, ErrInvalidToken
	}

	if i.clock.Now().After(expiresAt) {
		return nil, ErrTokenExpired
	}

	purpose := Purpose(purposeStr)
	if expected != "" && purpose != expected {
		return nil, ErrPurposeMismatch
	}

	return &Claims{
		Subject:   subject,
		Purpose:   purpose,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
