package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"heron/internal/crypto"
	"heron/internal/domain"
)

// TrustedIdentity is one row of the local trust store.
type TrustedIdentity struct {
	User        domain.UserID
	Public      domain.Ed25519Public
	Fingerprint domain.Fingerprint
	AddedAt     time.Time
}

// SQLiteDirectory is a persistent domain.TrustStore backed by SQLite.
type SQLiteDirectory struct {
	db *sql.DB
}

// OpenSQLiteDirectory opens (creating if needed) the database at path.
func OpenSQLiteDirectory(path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}
	// one writer keeps Trust's read-then-insert atomic
	db.SetMaxOpenConns(1)

	d := &SQLiteDirectory{db: db}
	if err := d.init(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init trust store: %w", err)
	}
	return d, nil
}

func (d *SQLiteDirectory) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trusted_identities (
		user_id     TEXT PRIMARY KEY,
		public_key  BLOB NOT NULL,
		fingerprint TEXT NOT NULL,
		added_at    INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS registration_tokens (
		user_id      TEXT PRIMARY KEY REFERENCES trusted_identities(user_id),
		token_digest BLOB NOT NULL,
		issued_at    INTEGER NOT NULL
	);`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database.
func (d *SQLiteDirectory) Close() error { return d.db.Close() }

// Trust binds user to pub. Trusting the same key again is a no-op; a
// different key fails with domain.ErrIdentityMismatch and must be revoked
// first.
func (d *SQLiteDirectory) Trust(ctx context.Context, user domain.UserID, pub domain.Ed25519Public) error {
	if user == "" {
		return errors.New("trust: empty user")
	}
	cur, err := d.LookupIdentity(ctx, user)
	switch {
	case err == nil && cur == pub:
		return nil
	case err == nil:
		return fmt.Errorf("%w: %q is already trusted with fingerprint %s",
			domain.ErrIdentityMismatch, user, crypto.Fingerprint(cur[:]))
	case !errors.Is(err, domain.ErrUnknownIdentity):
		return err
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO trusted_identities (user_id, public_key, fingerprint, added_at) VALUES (?, ?, ?, ?)`,
		string(user), pub[:], string(crypto.Fingerprint(pub[:])), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("trust %q: %w", user, err)
	}
	return nil
}

// Revoke forgets user. It reports whether a binding existed.
func (d *SQLiteDirectory) Revoke(ctx context.Context, user domain.UserID) (bool, error) {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM registration_tokens WHERE user_id = ?`, string(user)); err != nil {
		return false, fmt.Errorf("revoke %q: %w", user, err)
	}
	res, err := d.db.ExecContext(ctx, `DELETE FROM trusted_identities WHERE user_id = ?`, string(user))
	if err != nil {
		return false, fmt.Errorf("revoke %q: %w", user, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *SQLiteDirectory) LookupIdentity(ctx context.Context, user domain.UserID) (domain.Ed25519Public, error) {
	var raw []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT public_key FROM trusted_identities WHERE user_id = ?`, string(user)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ed25519Public{}, fmt.Errorf("%w: %q", domain.ErrUnknownIdentity, user)
	}
	if err != nil {
		return domain.Ed25519Public{}, fmt.Errorf("lookup %q: %w", user, err)
	}
	return domain.ParseEd25519Public(raw)
}

// List returns every trusted identity ordered by user.
func (d *SQLiteDirectory) List(ctx context.Context) ([]TrustedIdentity, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT user_id, public_key, fingerprint, added_at FROM trusted_identities ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list trusted identities: %w", err)
	}
	defer rows.Close()

	var out []TrustedIdentity
	for rows.Next() {
		var (
			user, fp string
			raw      []byte
			added    int64
		)
		if err := rows.Scan(&user, &raw, &fp, &added); err != nil {
			return nil, err
		}
		pub, err := domain.ParseEd25519Public(raw)
		if err != nil {
			return nil, fmt.Errorf("row %q: %w", user, err)
		}
		out = append(out, TrustedIdentity{
			User:        domain.UserID(user),
			Public:      pub,
			Fingerprint: domain.Fingerprint(fp),
			AddedAt:     time.Unix(added, 0),
		})
	}
	return out, rows.Err()
}

// SetToken replaces the unregister token digest of a trusted user.
func (d *SQLiteDirectory) SetToken(ctx context.Context, user domain.UserID, digest domain.TokenDigest) error {
	if _, err := d.LookupIdentity(ctx, user); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO registration_tokens (user_id, token_digest, issued_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET token_digest = excluded.token_digest, issued_at = excluded.issued_at`,
		string(user), digest[:], time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set token %q: %w", user, err)
	}
	return nil
}

// Withdraw removes user and its token when digest matches the stored one.
func (d *SQLiteDirectory) Withdraw(ctx context.Context, user domain.UserID, digest domain.TokenDigest) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("withdraw %q: %w", user, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trusted_identities WHERE user_id = ?`, string(user)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("withdraw %q: %w", user, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %q", domain.ErrUnknownIdentity, user)
	}
	var cur []byte
	err = tx.QueryRowContext(ctx, `SELECT token_digest FROM registration_tokens WHERE user_id = ?`, string(user)).Scan(&cur)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: unregister %q", domain.ErrTokenRejected, user)
	case err != nil:
		return fmt.Errorf("withdraw %q: %w", user, err)
	}
	if subtle.ConstantTimeCompare(cur, digest[:]) != 1 {
		return fmt.Errorf("%w: unregister %q", domain.ErrTokenRejected, user)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM registration_tokens WHERE user_id = ?`, string(user)); err != nil {
		return fmt.Errorf("withdraw %q: %w", user, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM trusted_identities WHERE user_id = ?`, string(user)); err != nil {
		return fmt.Errorf("withdraw %q: %w", user, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("withdraw %q: %w", user, err)
	}
	return nil
}

var _ domain.TrustStore = (*SQLiteDirectory)(nil)
