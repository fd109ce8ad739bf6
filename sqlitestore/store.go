// Package sqlitestore persists Codecks credentials in a SQLite database so
// a refreshed token survives restarts.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ambiyansyah-risyal/codecks"
)

const schema = `CREATE TABLE IF NOT EXISTS credentials (
	profile    TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	account    TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
)`

// ErrNotFound is returned by Load when the profile has no credential. It
// matches codecks.ErrNoCredential.
var ErrNotFound = fmt.Errorf("sqlitestore: %w", codecks.ErrNoCredential)

// Store is a codecks.CredentialStore backed by SQLite. One database can hold
// credentials for several profiles.
type Store struct {
	sqlDB   *sql.DB
	profile string
}

var _ codecks.CredentialStore = (*Store)(nil)

func toMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and prepares the schema. profile selects
// which credential Load and Save operate on.
func Open(path, profile string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = "default"
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, profile: profile}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load returns the profile's credential, or ErrNotFound.
func (s *Store) Load(ctx context.Context) (codecks.Credential, error) {
	if err := ctx.Err(); err != nil {
		return codecks.Credential{}, err
	}
	var (
		cred      codecks.Credential
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT token, account, expires_at FROM credentials WHERE profile = ?`,
		s.profile,
	).Scan(&cred.Token, &cred.Account, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return codecks.Credential{}, ErrNotFound
	}
	if err != nil {
		return codecks.Credential{}, fmt.Errorf("load credential %s: %w", s.profile, err)
	}
	cred.ExpiresAt = fromMillis(expiresAt)
	return cred, nil
}

// Save upserts the profile's credential.
func (s *Store) Save(ctx context.Context, cred codecks.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cred.IsZero() {
		return fmt.Errorf("token is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO credentials (profile, token, account, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(profile) DO UPDATE SET
		   token = excluded.token,
		   account = excluded.account,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		s.profile,
		cred.Token,
		cred.Account,
		toMillis(cred.ExpiresAt),
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save credential %s: %w", s.profile, err)
	}
	return nil
}

// Delete removes the profile's credential, e.g. on sign-out.
func (s *Store) Delete(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM credentials WHERE profile = ?`, s.profile); err != nil {
		return fmt.Errorf("delete credential %s: %w", s.profile, err)
	}
	return nil
}
