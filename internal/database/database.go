package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"birdbridge/internal/logging"
	"birdbridge/internal/models"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInvalidRecord is returned by Put for records violating the status invariants.
var ErrInvalidRecord = errors.New("invalid migration record")

// DB is the History Store backed by SQLite.
type DB struct {
	*sql.DB
}

// NewDB opens a connection to the SQLite database specified by the path
// and runs any pending migrations.
func NewDB(dataSourceName string) (*DB, error) {
	logging.Info("Opening database connection to: %s", dataSourceName)
	u, err := url.Parse(dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}
	q := u.Query()
	q.Set("_foreign_keys", "1")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	u.RawQuery = q.Encode()

	dbConn, err := sql.Open("sqlite3", u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps read-before/write-after ordering trivially consistent.
	dbConn.SetMaxOpenConns(1)

	if err = dbConn.Ping(); err != nil {
		dbConn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{dbConn}
	if err := db.applyMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return db, nil
}

// applyMigrations applies any pending migrations from the embedded filesystem.
func (db *DB) applyMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// The driver wraps the shared connection; closing it would close db.DB too.
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to initialize migrate instance: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logging.Info("Database schema is up to date.")
	case err != nil:
		return fmt.Errorf("failed to apply migrations: %w", err)
	default:
		logging.Info("Database migrations applied successfully.")
	}

	if err := src.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	logging.Info("Closing database connection.")
	return db.DB.Close()
}

const recordColumns = `item_id, account, status, post_uri, post_cid, root_uri, root_cid, external, reason, created_at`

// Get returns the record for (itemID, account), or nil when none exists.
func (db *DB) Get(ctx context.Context, itemID, account string) (*models.MigrationRecord, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM migration_history WHERE item_id = ? AND account = ?;`,
		itemID, account)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history record %s/%s: %w", account, itemID, err)
	}
	return rec, nil
}

// Put stores a record. Callers insert once per key; an existing row is replaced.
func (db *DB) Put(ctx context.Context, rec *models.MigrationRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO migration_history (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id, account) DO UPDATE SET
			status = excluded.status,
			post_uri = excluded.post_uri,
			post_cid = excluded.post_cid,
			root_uri = excluded.root_uri,
			root_cid = excluded.root_cid,
			external = excluded.external,
			reason = excluded.reason;
	`,
		rec.ItemID, rec.Account, string(rec.Status),
		rec.Post.URI, rec.Post.CID, rec.Root.URI, rec.Root.CID,
		rec.External, rec.Reason, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save history record %s/%s: %w", rec.Account, rec.ItemID, err)
	}
	return nil
}

// ListByAccount returns every record of one destination account keyed by item id.
func (db *DB) ListByAccount(ctx context.Context, account string) (map[string]*models.MigrationRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM migration_history WHERE account = ? ORDER BY created_at;`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for %s: %w", account, err)
	}
	defer rows.Close()

	out := make(map[string]*models.MigrationRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row for %s: %w", account, err)
		}
		out[rec.ItemID] = rec
	}
	return out, rows.Err()
}

// Clear removes every record of one destination account (cache reset).
func (db *DB) Clear(ctx context.Context, account string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM migration_history WHERE account = ?;`, account)
	if err != nil {
		return 0, fmt.Errorf("failed to clear history for %s: %w", account, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		logging.Warn("Could not check rows affected after clearing history for %s: %v", account, err)
	}
	logging.Info("Cleared %d history records for %s", n, account)
	return n, nil
}

// CountByStatus returns per-status record counts for one account.
func (db *DB) CountByStatus(ctx context.Context, account string) (map[models.MigrationStatus]int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM migration_history WHERE account = ? GROUP BY status;`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to count history for %s: %w", account, err)
	}
	defer rows.Close()

	out := make(map[models.MigrationStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.MigrationStatus(status)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.MigrationRecord, error) {
	var rec models.MigrationRecord
	var status string
	err := s.Scan(
		&rec.ItemID,
		&rec.Account,
		&status,
		&rec.Post.URI,
		&rec.Post.CID,
		&rec.Root.URI,
		&rec.Root.CID,
		&rec.External,
		&rec.Reason,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.MigrationStatus(status)
	return &rec, nil
}
