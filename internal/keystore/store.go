// Package keystore implements the SQLite-backed Key Store (spec §4.G): a
// single key_db table keyed conceptually by (selector, sdid, algorithm).
// Grounded on cmd/migrate-db-0.2/migrate.go and internal/table/sql_table.go
// for the database/sql + mattn/go-sqlite3 idiom (create-if-missing,
// PRAGMA tuning, migration-at-open), and on original_source/src/db.rs for
// the query shapes themselves.
package keystore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/smtpd-filters/dkimout/internal/xerrors"
)

// Key is one row of the key_db table (spec §3 Signing Key).
type Key struct {
	Selector      string
	SDID          string
	Algorithm     string
	Creation      int64
	NotAfter      int64
	Revocation    int64
	Published     bool
	PrivateKeyB64 string
	PublicKeyB64  string
}

const schema = `
CREATE TABLE IF NOT EXISTS key_db (
	selector    TEXT NOT NULL,
	sdid        TEXT NOT NULL,
	algorithm   TEXT NOT NULL,
	creation    INTEGER NOT NULL,
	not_after   INTEGER NOT NULL,
	revocation  INTEGER NOT NULL,
	published   BOOLEAN NOT NULL DEFAULT 0,
	private_key TEXT NOT NULL,
	public_key  TEXT NOT NULL,
	PRIMARY KEY (selector, sdid, algorithm)
)`

// Store wraps a *sql.DB opened against a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if missing) the SQLite database at path and applies
// the schema migration. All failures here are StoreUnavailable, which is
// fatal per spec §7.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", xerrors.ErrStoreUnavailable, path, err)
	}
	// SQLite only supports one writer at a time; serialize through a
	// single connection so busy-database errors don't surface to callers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", xerrors.ErrStoreUnavailable, path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set journal mode: %v", xerrors.ErrStoreUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", xerrors.ErrStoreUnavailable, err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewSelector generates a fresh selector in the `dkim-<uuid-no-dashes>`
// shape used throughout spec §8's test vectors.
func NewSelector() string {
	id := uuid.New()
	return "dkim-" + stripDashes(id.String())
}

func stripDashes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// InsertKey stores a newly generated key with published=FALSE.
func (s *Store) InsertKey(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_db (selector, sdid, algorithm, creation, not_after, revocation, published, private_key, public_key)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		k.Selector, k.SDID, k.Algorithm, k.Creation, k.NotAfter, k.Revocation, k.PrivateKeyB64, k.PublicKeyB64)
	if err != nil {
		return fmt.Errorf("%w: insert key: %v", xerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// LatestNotAfter returns the max not_after among unpublished rows for
// (sdid, algorithm), or ok=false if none exist.
func (s *Store) LatestNotAfter(ctx context.Context, sdid, algorithm string) (notAfter int64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(not_after) FROM key_db
		WHERE sdid = ? AND algorithm = ? AND published = 0`, sdid, algorithm)
	var na sql.NullInt64
	if err := row.Scan(&na); err != nil {
		return 0, false, fmt.Errorf("%w: latest not_after: %v", xerrors.ErrStoreUnavailable, err)
	}
	if !na.Valid {
		return 0, false, nil
	}
	return na.Int64, true, nil
}

// LatestSigningKey returns the (selector, private_key) of the current key
// (the unpublished row with the greatest not_after) for (sdid, algorithm).
func (s *Store) LatestSigningKey(ctx context.Context, sdid, algorithm string) (selector, privateKeyB64 string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT selector, private_key FROM key_db
		WHERE sdid = ? AND algorithm = ? AND published = 0
		ORDER BY not_after DESC LIMIT 1`, sdid, algorithm)
	if err := row.Scan(&selector, &privateKeyB64); err != nil {
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("%w: latest signing key: %v", xerrors.ErrStoreUnavailable, err)
	}
	return selector, privateKeyB64, true, nil
}

// ExpiredForPublication returns all unpublished rows with revocation <= now,
// ordered by revocation ascending.
func (s *Store) ExpiredForPublication(ctx context.Context, now int64) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT selector, sdid, algorithm, creation, not_after, revocation, published, private_key, public_key
		FROM key_db
		WHERE published = 0 AND revocation <= ?
		ORDER BY revocation ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("%w: expired for publication: %v", xerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Selector, &k.SDID, &k.Algorithm, &k.Creation, &k.NotAfter, &k.Revocation, &k.Published, &k.PrivateKeyB64, &k.PublicKeyB64); err != nil {
			return nil, fmt.Errorf("%w: scan expired row: %v", xerrors.ErrStoreUnavailable, err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate expired rows: %v", xerrors.ErrStoreUnavailable, err)
	}
	return out, nil
}

// MarkPublished sets published=TRUE for (selector, sdid, algorithm).
func (s *Store) MarkPublished(ctx context.Context, selector, sdid, algorithm string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE key_db SET published = 1
		WHERE selector = ? AND sdid = ? AND algorithm = ?`, selector, sdid, algorithm)
	if err != nil {
		return fmt.Errorf("%w: mark published: %v", xerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// NearestPublication returns the smallest revocation timestamp among all
// unpublished rows, or ok=false if there are none.
func (s *Store) NearestPublication(ctx context.Context) (revocation int64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT MIN(revocation) FROM key_db WHERE published = 0`)
	var rev sql.NullInt64
	if err := row.Scan(&rev); err != nil {
		return 0, false, fmt.Errorf("%w: nearest publication: %v", xerrors.ErrStoreUnavailable, err)
	}
	if !rev.Valid {
		return 0, false, nil
	}
	return rev.Int64, true, nil
}
