// File: internal/profile/store.go
// Description: SQLite-backed credential/profile store. Secrets and
// preferences are keyed by provider; personal info is provider-independent
// and consulted by the gap analysis alongside provider data.
package profile

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/arvyn-ai/arvyn/api/schemas"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS personal_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_fields (
	provider TEXT NOT NULL,
	key      TEXT NOT NULL,
	value    TEXT NOT NULL,
	secret   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (provider, key)
);
`

// Store manages the SQLite database holding the user profile.
type Store struct {
	db     *sql.DB
	dbPath string
}

var _ schemas.ProfileStore = (*Store)(nil)

// NewStore opens (creating if needed) the profile database at dbPath.
// ":memory:" is supported for tests.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create profile directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open profile database: %w", err)
	}

	// busy_timeout must come first so later statements wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure profile database: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize profile schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CredentialsFor returns the secret fields stored for a provider.
func (s *Store) CredentialsFor(ctx context.Context, provider string) (map[string]string, error) {
	return s.queryProviderFields(ctx, provider, true)
}

// PreferencesFor returns the non-secret fields for a provider merged over
// the user's personal info. Provider-specific values win on key collisions.
func (s *Store) PreferencesFor(ctx context.Context, provider string) (map[string]string, error) {
	prefs := make(map[string]string)

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM personal_info`)
	if err != nil {
		return nil, fmt.Errorf("query personal info: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan personal info: %w", err)
		}
		prefs[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	providerPrefs, err := s.queryProviderFields(ctx, provider, false)
	if err != nil {
		return nil, err
	}
	for k, v := range providerPrefs {
		prefs[k] = v
	}
	return prefs, nil
}

// MissingFields performs the gap analysis: which of the required fields are
// stored neither for the provider nor in personal info.
func (s *Store) MissingFields(ctx context.Context, provider string, required []string) ([]string, error) {
	var missing []string
	for _, field := range required {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM (
				SELECT key FROM provider_fields WHERE provider = ? AND key = ?
				UNION ALL
				SELECT key FROM personal_info WHERE key = ?
			)`, provider, field, field).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("gap analysis for %q: %w", field, err)
		}
		if n == 0 {
			missing = append(missing, field)
		}
	}
	return missing, nil
}

// UpdateField upserts a provider field. Provider "" targets personal info.
func (s *Store) UpdateField(ctx context.Context, provider, key, value string) error {
	if provider == "" {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO personal_info (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		if err != nil {
			return fmt.Errorf("update personal info %q: %w", key, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_fields (provider, key, value, secret)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(provider, key) DO UPDATE SET value = excluded.value`, provider, key, value)
	if err != nil {
		return fmt.Errorf("update provider field %q: %w", key, err)
	}
	return nil
}

// SetSecret upserts a secret provider field (credential material).
func (s *Store) SetSecret(ctx context.Context, provider, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_fields (provider, key, value, secret)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(provider, key) DO UPDATE SET value = excluded.value, secret = 1`,
		provider, key, value)
	if err != nil {
		return fmt.Errorf("set secret %q: %w", key, err)
	}
	return nil
}

func (s *Store) queryProviderFields(ctx context.Context, provider string, secret bool) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM provider_fields WHERE provider = ? AND secret = ?`,
		provider, secret)
	if err != nil {
		return nil, fmt.Errorf("query provider fields: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan provider field: %w", err)
		}
		fields[k] = v
	}
	return fields, rows.Err()
}
