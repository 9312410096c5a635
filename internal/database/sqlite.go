package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cbmmg/painel-centrais/internal/models"
)

// StoreError wraps a local storage failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

type DB struct {
	*sql.DB
}

// InitSQLite opens the local store. Pragmas go in the DSN so that every
// pooled connection gets them, not only the first one.
func InitSQLite(dbPath string, busyTimeout time.Duration) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	return &DB{db}, nil
}

// InitSchema is idempotent.
func InitSchema(db *DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_date TEXT NOT NULL,
		call_time TEXT NOT NULL,
		duration INTEGER NOT NULL DEFAULT 0,
		queue TEXT NOT NULL DEFAULT '',
		hold_time INTEGER NOT NULL DEFAULT 0,
		agent TEXT NOT NULL DEFAULT '',
		outcome INTEGER NOT NULL DEFAULT -1,
		region INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(call_date, call_time, duration, queue, hold_time, agent, outcome, region)
	);

	CREATE INDEX IF NOT EXISTS idx_calls_date ON calls(call_date, call_time);
	CREATE INDEX IF NOT EXISTS idx_calls_region ON calls(region);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		sync_type TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source TEXT NOT NULL,
		records_fetched INTEGER DEFAULT 0,
		records_added INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		details TEXT,
		timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_status ON sync_log(sync_type, status);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// UpsertBatch inserts the records whose natural key is not stored yet and
// appends one sync_log row carrying the inserted count, all in a single
// transaction. It returns the number of rows actually inserted.
func (db *DB) UpsertBatch(ctx context.Context, records []models.CallRecord, entry models.SyncLogEntry) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("upsert", err)
	}
	defer tx.Rollback()

	inserted := 0
	if len(records) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO calls
				(call_date, call_time, duration, queue, hold_time, agent, outcome, region)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return 0, storeErr("upsert", err)
		}
		defer stmt.Close()

		for _, r := range records {
			res, err := stmt.ExecContext(ctx,
				r.Date.Format(models.DateLayout),
				r.Time.String(),
				r.Duration,
				r.Queue,
				r.HoldTime,
				r.Agent,
				int(r.Outcome),
				r.Region,
			)
			if err != nil {
				return 0, storeErr("upsert", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, storeErr("upsert", err)
			}
			inserted += int(n)
		}
	}

	entry.RecordsAdded = inserted
	entry.Status = models.SyncSuccess
	if err := insertSyncLog(ctx, tx, entry); err != nil {
		return 0, storeErr("upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("upsert", err)
	}
	return inserted, nil
}

// AppendSyncLog records a run that did not reach UpsertBatch.
func (db *DB) AppendSyncLog(ctx context.Context, entry models.SyncLogEntry) error {
	return storeErr("append sync log", insertSyncLog(ctx, db, entry))
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSyncLog(ctx context.Context, ex execer, e models.SyncLogEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_log
			(run_id, sync_type, source_kind, source, records_fetched, records_added, status, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.SyncType, e.SourceKind, e.Source, e.RecordsFetched, e.RecordsAdded, e.Status, e.Details, ts.UTC())
	return err
}

const selectCalls = `
	SELECT call_date, call_time, duration, queue, hold_time, agent, outcome, region
	FROM calls
	ORDER BY call_date DESC, call_time DESC, id DESC
`

// LoadAll returns every stored record, most recent first.
func (db *DB) LoadAll(ctx context.Context) ([]models.CallRecord, error) {
	rows, err := db.QueryContext(ctx, selectCalls)
	if err != nil {
		return nil, storeErr("load", err)
	}
	defer rows.Close()

	records, err := scanCalls(rows)
	return records, storeErr("load", err)
}

// Latest returns up to limit records, most recent first.
func (db *DB) Latest(ctx context.Context, limit int) ([]models.CallRecord, error) {
	rows, err := db.QueryContext(ctx, selectCalls+" LIMIT ?", limit)
	if err != nil {
		return nil, storeErr("latest", err)
	}
	defer rows.Close()

	records, err := scanCalls(rows)
	return records, storeErr("latest", err)
}

func scanCalls(rows *sql.Rows) ([]models.CallRecord, error) {
	var records []models.CallRecord
	for rows.Next() {
		var (
			r       models.CallRecord
			date    string
			clock   string
			outcome int
		)
		if err := rows.Scan(&date, &clock, &r.Duration, &r.Queue, &r.HoldTime, &r.Agent, &outcome, &r.Region); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		d, err := time.Parse(models.DateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("bad stored date %q: %w", date, err)
		}
		tod, err := models.ParseTimeOfDay(clock)
		if err != nil {
			return nil, fmt.Errorf("bad stored time %q: %w", clock, err)
		}
		r.Date = d
		r.Time = tod
		r.Outcome = models.Outcome(outcome)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM calls").Scan(&n)
	return n, storeErr("count", err)
}

// HasSuccessfulFullLoad reports whether a full pull ever completed.
func (db *DB) HasSuccessfulFullLoad(ctx context.Context) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_log WHERE sync_type = ? AND status = ?",
		models.SyncFull, models.SyncSuccess,
	).Scan(&n)
	return n > 0, storeErr("full load check", err)
}

// SyncHistory returns the newest sync_log rows first.
func (db *DB) SyncHistory(ctx context.Context, limit int) ([]models.SyncLogEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, run_id, sync_type, source_kind, source, records_fetched, records_added,
		       status, COALESCE(details, ''), timestamp
		FROM sync_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storeErr("sync history", err)
	}
	defer rows.Close()

	var out []models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.SyncType, &e.SourceKind, &e.Source,
			&e.RecordsFetched, &e.RecordsAdded, &e.Status, &e.Details, &e.Timestamp); err != nil {
			return nil, storeErr("sync history", err)
		}
		out = append(out, e)
	}
	return out, storeErr("sync history", rows.Err())
}

// LastSync returns the newest sync_log row, or false when none exists.
func (db *DB) LastSync(ctx context.Context) (models.SyncLogEntry, bool, error) {
	entries, err := db.SyncHistory(ctx, 1)
	if err != nil || len(entries) == 0 {
		return models.SyncLogEntry{}, false, err
	}
	return entries[0], true, nil
}

// Stats returns statistics about stored calls and sync runs
func (db *DB) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	total, err := db.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats["total_records"] = total

	// Records by region
	rows, err := db.QueryContext(ctx, `SELECT region, COUNT(*) FROM calls GROUP BY region ORDER BY region`)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	defer rows.Close()
	byRegion, err := scanCounts(rows, models.RegionName)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	stats["by_region"] = byRegion

	// Records by outcome
	rows, err = db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM calls GROUP BY outcome`)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	defer rows.Close()
	byOutcome, err := scanCounts(rows, func(code int) string { return models.Outcome(code).Label() })
	if err != nil {
		return nil, storeErr("stats", err)
	}
	stats["by_outcome"] = byOutcome

	var first, last sql.NullString
	err = db.QueryRowContext(ctx, `SELECT MIN(call_date), MAX(call_date) FROM calls`).Scan(&first, &last)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	if first.Valid {
		stats["first_date"] = first.String
		stats["last_date"] = last.String
	}

	// Sync runs in the last 24 hours
	var runs, failures int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'failure' THEN 1 ELSE 0 END), 0)
		FROM sync_log
		WHERE timestamp > ?
	`, time.Now().UTC().Add(-24*time.Hour)).Scan(&runs, &failures)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	stats["sync_runs_24h"] = runs
	stats["sync_failures_24h"] = failures

	if last, ok, err := db.LastSync(ctx); err == nil && ok {
		stats["last_sync"] = last
	}

	return stats, nil
}

type countRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanCounts reads (code, count) rows into a map keyed by label(code). An
// iteration error is returned rather than a partial map.
func scanCounts(rows countRows, label func(int) string) (map[string]int, error) {
	counts := make(map[string]int)
	for rows.Next() {
		var code, n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		counts[label(code)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Vacuum performs SQLite VACUUM to reclaim disk space. Neither calls nor
// sync_log rows are deleted.
func (db *DB) Vacuum(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return 0, storeErr("vacuum", err)
	}
	return time.Since(start), nil
}

// IsStoreError reports whether err came from the local store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
