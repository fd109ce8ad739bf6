package codecks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

//go:generate mockgen -destination=mock_credential_store_test.go -package=codecks . CredentialStore

// Credential is an opaque bearer token plus an optional account identifier.
// It is immutable; a refresh replaces it wholesale.
type Credential struct {
	Token   string
	Account string
	// ExpiresAt is zero when unknown.
	ExpiresAt time.Time
}

// ParseCredential builds a Credential and, when token is a JWT, reads its
// exp claim. The signature is not verified: only the server decides whether
// a token is valid; the expiry merely lets the client refresh early.
func ParseCredential(token, account string) Credential {
	cred := Credential{Token: token, Account: account}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil && claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred
}

// IsZero reports whether no token is set.
func (c Credential) IsZero() bool {
	return c.Token == ""
}

// Expired reports whether the credential has a known expiry before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// String never reveals the token.
func (c Credential) String() string {
	if c.Account == "" {
		return "Credential{token:[REDACTED]}"
	}
	return "Credential{account:" + c.Account + ", token:[REDACTED]}"
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account", c.Account),
		slog.String("token", "[REDACTED]"),
		slog.Time("expires_at", c.ExpiresAt),
	)
}

// Refresher obtains a new credential after the service rejected old.
type Refresher func(ctx context.Context, old Credential) (Credential, error)

// ErrNoCredential is returned, possibly wrapped, by CredentialStore.Load
// when nothing has been saved yet. New treats it as an empty store.
var ErrNoCredential = errors.New("codecks: no stored credential")

// CredentialStore persists the credential across sessions. Secure storage
// is the host's business; the client only loads at start and saves after a
// refresh.
type CredentialStore interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, cred Credential) error
}

// MemoryStore is a process-local CredentialStore.
type MemoryStore struct {
	mu   sync.RWMutex
	cred Credential
}

// NewMemoryStore returns a store holding cred.
func NewMemoryStore(cred Credential) *MemoryStore {
	return &MemoryStore{cred: cred}
}

func (s *MemoryStore) Load(context.Context) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, nil
}

func (s *MemoryStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	return nil
}
