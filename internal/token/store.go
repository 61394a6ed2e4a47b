package token

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoCredentials is returned when no token pair is stored.
var ErrNoCredentials = errors.New("no stored credentials")

// Pair holds an access/refresh token pair. Tokens are opaque strings;
// the store never inspects them.
type Pair struct {
	Access  string
	Refresh string
}

// Store persists the credential pair in a local SQLite database with
// owner-only permissions. Either both tokens are present or neither is:
// writes and clears always touch the pair atomically.
type Store struct {
	db *sql.DB
}

// Open creates the credentials store at the given path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open credentials db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping credentials db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores the pair, replacing any previous one. A read issued after
// Save returns observes the new pair.
func (s *Store) Save(ctx context.Context, p Pair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		p.Access, p.Refresh, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Load returns the stored pair, or ErrNoCredentials if none is stored.
func (s *Store) Load(ctx context.Context) (Pair, error) {
	var p Pair
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM credentials WHERE id = 1`).
		Scan(&p.Access, &p.Refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, ErrNoCredentials
	}
	if err != nil {
		return Pair{}, fmt.Errorf("load credentials: %w", err)
	}
	return p, nil
}

// Access returns the stored access token, or "" if none is stored.
func (s *Store) Access(ctx context.Context) (string, error) {
	p, err := s.Load(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.Access, nil
}

// Refresh returns the stored refresh token, or "" if none is stored.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	p, err := s.Load(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.Refresh, nil
}

// Clear removes the stored pair. Clearing an empty store is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
