// Package sqldir is a scope directory kept in a SQL database. PostgreSQL is
// used in deployments with an existing roll database and SQLite for
// standalone setups.
package sqldir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	// database drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vocdoni/ballot-integrity/types"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrNotFound is returned for unknown voters and wards.
var ErrNotFound = errors.New("not found in roll")

const schema = `
-- Wards and their parent subdivisions
CREATE TABLE IF NOT EXISTS ward (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    settlement_id TEXT NOT NULL DEFAULT '',
    constituency_id TEXT NOT NULL DEFAULT ''
);

-- Voter roll
CREATE TABLE IF NOT EXISTS voter (
    id TEXT PRIMARY KEY,
    ward_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_voter_ward_id ON voter(ward_id);
`

// Directory implements scope.Directory over a SQL database.
type Directory struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and creates the schema if needed.
func Open(driver, dsn string) (*Directory, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported roll database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open roll database: %w", err)
	}
	if driver == DriverSQLite {
		// a single connection keeps in-memory databases shared
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping roll database: %w", err)
	}
	d := &Directory{db: db, driver: driver}
	if err := d.CreateSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// CreateSchema creates the roll tables. Safe to call multiple times.
func (d *Directory) CreateSchema() error {
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// rebind rewrites '?' placeholders to the '$n' form expected by PostgreSQL.
func (d *Directory) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ImportRoll upserts wards and voters in a single transaction.
func (d *Directory) ImportRoll(ctx context.Context, wards []types.Ward, voters []types.Voter) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, w := range wards {
		if w.ID == "" {
			return fmt.Errorf("ward without identifier")
		}
		if _, err := tx.ExecContext(ctx, d.rebind(`
			INSERT INTO ward (id, name, settlement_id, constituency_id) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name,
				settlement_id = excluded.settlement_id, constituency_id = excluded.constituency_id`),
			w.ID, w.Name, w.SettlementID, w.ConstituencyID); err != nil {
			return fmt.Errorf("failed to upsert ward %s: %w", w.ID, err)
		}
	}
	for _, v := range voters {
		if v.ID == "" {
			return fmt.Errorf("voter without identifier")
		}
		if _, err := tx.ExecContext(ctx, d.rebind(`
			INSERT INTO voter (id, ward_id) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET ward_id = excluded.ward_id`),
			v.ID, v.WardID); err != nil {
			return fmt.Errorf("failed to upsert voter %s: %w", v.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit roll import: %w", err)
	}
	return nil
}

// VoterWard implements scope.Directory.
func (d *Directory) VoterWard(ctx context.Context, voterID string) (string, error) {
	var wardID string
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT ward_id FROM voter WHERE id = ?`), voterID).Scan(&wardID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("voter %s: %w", voterID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query voter: %w", err)
	}
	return wardID, nil
}

// Ward implements scope.Directory.
func (d *Directory) Ward(ctx context.Context, wardID string) (*types.Ward, error) {
	w := &types.Ward{}
	err := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT id, name, settlement_id, constituency_id FROM ward WHERE id = ?`), wardID).
		Scan(&w.ID, &w.Name, &w.SettlementID, &w.ConstituencyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ward %s: %w", wardID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ward: %w", err)
	}
	return w, nil
}
