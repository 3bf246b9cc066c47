package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "kabu-trader/internal/errors"
	"kabu-trader/internal/resilience"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry resilience.RetryWithBackoff
}

// Options tunes the lock-contention retry.
type Options struct {
	RetryAttempts     int
	RetryInitialDelay time.Duration
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer avoids most SQLITE_BUSY results inside one process.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	retry := resilience.DefaultRetryWithBackoff()
	if opts.RetryAttempts > 0 {
		retry.MaxAttempts = opts.RetryAttempts
	}
	if opts.RetryInitialDelay > 0 {
		retry.InitialDelay = opts.RetryInitialDelay
	}
	retry.Retryable = func(err error) bool { return errors.Is(err, apperrors.ErrContention) }

	store := &SQLiteStore{db: db, retry: retry}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	PRAGMA foreign_keys = ON;

	-- Broker API accounts
	CREATE TABLE IF NOT EXISTS api_accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_password TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- One row per submission
	CREATE TABLE IF NOT EXISTS batch_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_code TEXT NOT NULL,
		account_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		run_mode TEXT NOT NULL,
		scheduled_at DATETIME,
		eod_close_time TEXT NOT NULL,
		eod_force_close INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (account_id) REFERENCES api_accounts(id)
	);

	-- One row per instrument leg
	CREATE TABLE IF NOT EXISTS batch_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		exchange INTEGER NOT NULL,
		product TEXT NOT NULL,
		side TEXT NOT NULL,
		qty INTEGER NOT NULL,
		entry_type TEXT NOT NULL,
		entry_price TEXT NOT NULL DEFAULT '0',
		tp_offset TEXT NOT NULL,
		sl_offset TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_order_id TEXT NOT NULL DEFAULT '',
		tp_order_id TEXT NOT NULL DEFAULT '',
		sl_order_id TEXT NOT NULL DEFAULT '',
		eod_order_id TEXT NOT NULL DEFAULT '',
		hold_id TEXT NOT NULL DEFAULT '',
		entry_filled_qty INTEGER NOT NULL DEFAULT 0,
		entry_avg_price TEXT NOT NULL DEFAULT '0',
		closed_qty INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (job_id) REFERENCES batch_jobs(id),
		CHECK (closed_qty <= entry_filled_qty)
	);

	-- Broker orders, one row per broker order id
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		api_order_id TEXT NOT NULL UNIQUE,
		side TEXT NOT NULL,
		qty INTEGER NOT NULL,
		order_type TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		trigger_price TEXT NOT NULL DEFAULT '0',
		hold_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		cum_qty INTEGER NOT NULL DEFAULT 0,
		avg_price TEXT NOT NULL DEFAULT '0',
		raw_json TEXT NOT NULL DEFAULT '',
		sent_at DATETIME NOT NULL,
		last_sync_at DATETIME,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (item_id) REFERENCES batch_items(id)
	);

	-- Append-only audit trail
	CREATE TABLE IF NOT EXISTS event_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		level TEXT NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (job_id) REFERENCES batch_jobs(id)
	);

	-- Sync status table
	CREATE TABLE IF NOT EXISTS sync_status (
		data_type TEXT PRIMARY KEY,
		last_sync DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON batch_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_items_job ON batch_items(job_id);
	CREATE INDEX IF NOT EXISTS idx_items_status ON batch_items(status);
	CREATE INDEX IF NOT EXISTS idx_orders_item ON orders(item_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_events_job ON event_logs(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isContention reports SQLITE_BUSY and SQLITE_LOCKED.
func isContention(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// classify marks lock conflicts so the retry loop and callers can tell
// them apart from real failures.
func classify(err error) error {
	if err == nil || errors.Is(err, apperrors.ErrContention) {
		return err
	}
	if isContention(err) {
		return fmt.Errorf("%w: %v", apperrors.ErrContention, err)
	}
	return err
}

// withTx runs fn in a transaction, retrying the whole transaction on lock
// contention.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retry.Execute(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(fmt.Errorf("failed to begin transaction: %w", err))
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return classify(err)
		}

		if err := tx.Commit(); err != nil {
			return classify(fmt.Errorf("failed to commit transaction: %w", err))
		}
		return nil
	})
}

// read runs a read-only query function under the same retry policy.
func (s *SQLiteStore) read(ctx context.Context, fn func() error) error {
	return s.retry.Execute(ctx, func() error {
		return classify(fn())
	})
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// ============================================================================
// Sync Methods
// ============================================================================

// GetLastSync returns when dataType was last read successfully.
func (s *SQLiteStore) GetLastSync(ctx context.Context, dataType SyncDataType) (time.Time, error) {
	var last sql.NullTime
	err := s.read(ctx, func() error {
		err := s.db.QueryRowContext(ctx, `SELECT last_sync FROM sync_status WHERE data_type = ?`, dataType).Scan(&last)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last sync: %w", err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}

// SetLastSync records a successful read of dataType.
func (s *SQLiteStore) SetLastSync(ctx context.Context, dataType SyncDataType, t time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_status (data_type, last_sync) VALUES (?, ?)
			ON CONFLICT(data_type) DO UPDATE SET last_sync = excluded.last_sync
		`, dataType, t)
		if err != nil {
			return fmt.Errorf("failed to set last sync: %w", err)
		}
		return nil
	})
}

// DataFreshness describes how old the last successful read of a feed is.
type DataFreshness struct {
	DataType    SyncDataType
	LastUpdated time.Time
	IsFresh     bool
	Age         time.Duration
}

// Freshness reports whether dataType was read within threshold of now.
func (s *SQLiteStore) Freshness(ctx context.Context, dataType SyncDataType, now time.Time, threshold time.Duration) (DataFreshness, error) {
	last, err := s.GetLastSync(ctx, dataType)
	if err != nil {
		return DataFreshness{DataType: dataType}, err
	}
	f := DataFreshness{DataType: dataType, LastUpdated: last}
	if last.IsZero() {
		return f, nil
	}
	f.Age = now.Sub(last)
	f.IsFresh = f.Age <= threshold
	return f, nil
}

var _ DataStore = (*SQLiteStore)(nil)
