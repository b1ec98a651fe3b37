// Package directory provides the SQLite-backed account directory that the
// relay consults when admitting a login. Account creation and verification
// workflows live outside this service; Provision exists so operators and
// tests can seed accounts directly.
package directory

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type Directory struct {
	conn *sql.DB
	log  *zap.Logger
}

// Open opens (creating if necessary) the account database at path.
func Open(path string, log *zap.Logger) (*Directory, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	d := &Directory{conn: conn, log: log}
	if err := d.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return d, nil
}

func (d *Directory) Close() error {
	return d.conn.Close()
}

func (d *Directory) init() error {
	_, err := d.conn.Exec(`CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		verified INTEGER NOT NULL DEFAULT 0
	)`)
	return err
}

// Exists reports whether email names a known account.
func (d *Directory) Exists(ctx context.Context, email string) (bool, error) {
	var count int
	err := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE email = ?`, email,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsVerified reports whether email names an account that completed
// verification. Unknown accounts are reported as unverified.
func (d *Directory) IsVerified(ctx context.Context, email string) (bool, error) {
	var verified bool
	err := d.conn.QueryRowContext(ctx,
		`SELECT verified FROM users WHERE email = ?`, email,
	).Scan(&verified)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return verified, nil
}

// Provision inserts or replaces an account record.
func (d *Directory) Provision(ctx context.Context, email, username string, verified bool) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (email, username, verified) VALUES (?, ?, ?)`,
		email, username, verified,
	)
	if err == nil {
		d.log.Info("account provisioned", zap.String("email", email), zap.Bool("verified", verified))
	}
	return err
}
