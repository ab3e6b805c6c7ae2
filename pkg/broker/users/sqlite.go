// SPDX-License-Identifier: Apache-2.0

package users

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteResolver implements Resolver on a local SQLite database.
type SQLiteResolver struct {
	db *sql.DB
}

var _ Resolver = (*SQLiteResolver)(nil)

// NewSQLiteResolver opens (or creates) the user database at path and
// applies pending migrations.
func NewSQLiteResolver(ctx context.Context, path string) (*SQLiteResolver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY under concurrent callbacks.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteResolver{db: db}, nil
}

// Close closes the underlying database connection.
func (r *SQLiteResolver) Close() error {
	return r.db.Close()
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Resolve looks up the user by email, provisioning a new account on a
// miss. Existing accounts get their profile and last_login_at refreshed.
func (r *SQLiteResolver) Resolve(ctx context.Context, email, _ string, profile Profile) (int64, error) {
	if email == "" {
		return 0, errors.New("email is required")
	}

	id, found, err := r.touchExisting(ctx, email, profile)
	if err != nil {
		return 0, err
	}
	if found {
		return id, nil
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO users (email, name, given_name, family_name, picture, provider)
		VALUES (?, ?, ?, ?, ?, ?)`,
		email, profile.Name, profile.GivenName, profile.FamilyName, profile.Picture, profile.Provider,
	)
	if err != nil {
		// A concurrent callback for the same user can win the insert
		// race; fall back to the row it created.
		if isUniqueViolation(err) {
			id, found, err = r.touchExisting(ctx, email, profile)
			if err != nil {
				return 0, err
			}
			if found {
				return id, nil
			}
		}
		return 0, fmt.Errorf("inserting user: %w", err)
	}

	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting user id: %w", err)
	}
	return id, nil
}

// touchExisting updates the profile and login timestamp of the user with
// the given email and returns its ID, reporting found=false on a miss.
func (r *SQLiteResolver) touchExisting(ctx context.Context, email string, profile Profile) (int64, bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		UPDATE users SET
			name = ?, given_name = ?, family_name = ?, picture = ?, provider = ?,
			last_login_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE email = ?
		RETURNING id`,
		profile.Name, profile.GivenName, profile.FamilyName, profile.Picture, profile.Provider,
		email,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("updating user: %w", err)
	}
	return id, true, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
