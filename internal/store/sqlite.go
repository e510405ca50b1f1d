package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInUse    = errors.New("save is referenced by a latest pointer")
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS save_files (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			save_name TEXT NOT NULL,
			original_name TEXT NOT NULL,
			storage_key TEXT NOT NULL,
			checksum TEXT NOT NULL,
			size INTEGER NOT NULL,
			stored_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_save_files_slot ON save_files (user_id, save_name, stored_at)`,
		`CREATE TABLE IF NOT EXISTS latest (
			user_id TEXT NOT NULL,
			save_name TEXT NOT NULL,
			save_id TEXT NOT NULL REFERENCES save_files(id),
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, save_name)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time DATETIME NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			save_name TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			remote_addr TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const saveColumns = `id, user_id, save_name, original_name, storage_key, checksum, size, stored_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSave(row scanner) (*SaveRecord, error) {
	var rec SaveRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.SaveName, &rec.OriginalName,
		&rec.StorageKey, &rec.Checksum, &rec.Size, &rec.StoredAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) CommitSave(ctx context.Context, rec *SaveRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	storedAt := rec.StoredAt.UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO save_files (`+saveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.SaveName, rec.OriginalName, rec.StorageKey, rec.Checksum, rec.Size, storedAt)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO latest (user_id, save_name, save_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, save_name) DO UPDATE
		SET save_id = excluded.save_id, updated_at = excluded.updated_at
	`, rec.UserID, rec.SaveName, rec.ID, storedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetLatest(ctx context.Context, userID, saveName string) (*SaveRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.user_id, f.save_name, f.original_name, f.storage_key, f.checksum, f.size, f.stored_at
		FROM latest l JOIN save_files f ON f.id = l.save_id
		WHERE l.user_id = ? AND l.save_name = ?
	`, userID, saveName)

	rec, err := scanSave(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) ListLatest(ctx context.Context, userID string) ([]*SaveSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.user_id, f.save_name, f.original_name, f.storage_key, f.checksum, f.size, f.stored_at,
			(SELECT COUNT(*) FROM save_files v WHERE v.user_id = l.user_id AND v.save_name = l.save_name)
		FROM latest l JOIN save_files f ON f.id = l.save_id
		WHERE l.user_id = ?
		ORDER BY l.save_name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SaveSummary
	for rows.Next() {
		var sum SaveSummary
		rec := &sum.Latest
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SaveName, &rec.OriginalName,
			&rec.StorageKey, &rec.Checksum, &rec.Size, &rec.StoredAt, &sum.Versions); err != nil {
			return nil, err
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListVersions(ctx context.Context, userID, saveName string) ([]*SaveRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saveColumns+` FROM save_files
		WHERE user_id = ? AND save_name = ?
		ORDER BY stored_at DESC, rowid DESC
	`, userID, saveName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSaves(rows)
}

func (s *SQLiteStore) CountSaves(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM save_files WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ListPruneCandidates(ctx context.Context, q PruneQuery) ([]*SaveRecord, error) {
	if q.KeepVersions <= 0 && q.OlderThan.IsZero() {
		return nil, nil
	}
	useAge := !q.OlderThan.IsZero()

	// newer counts the versions of the same slot stored after f.
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.user_id, f.save_name, f.original_name, f.storage_key, f.checksum, f.size, f.stored_at
		FROM save_files f
		WHERE f.id NOT IN (SELECT save_id FROM latest)
			AND (
				(? > 0 AND (
					SELECT COUNT(*) FROM save_files n
					WHERE n.user_id = f.user_id AND n.save_name = f.save_name
						AND (n.stored_at > f.stored_at OR (n.stored_at = f.stored_at AND n.rowid > f.rowid))
				) >= ?)
				OR (? AND f.stored_at < ?)
			)
		ORDER BY f.stored_at
	`, q.KeepVersions, q.KeepVersions, useAge, q.OlderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSaves(rows)
}

func (s *SQLiteStore) DeleteSaveRecord(ctx context.Context, id string) error {
	var refs int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM latest WHERE save_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return ErrInUse
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM save_files WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (time, user_id, user_name, save_name, size, remote_addr, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Time.UTC(), e.UserID, e.UserName, e.SaveName, e.Size, e.RemoteAddr, e.Outcome, e.Reason)
	if err != nil {
		return err
	}
	e.ID, err = result.LastInsertId()
	return err
}

// ListAudit returns the newest entries first. An empty userID lists all users.
func (s *SQLiteStore) ListAudit(ctx context.Context, userID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, time, user_id, user_name, save_name, size, remote_addr, outcome, reason
		FROM audit_log
		WHERE ? = '' OR user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.UserID, &e.UserName, &e.SaveName,
			&e.Size, &e.RemoteAddr, &e.Outcome, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	var oldest, newest string
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(MIN(stored_at), ''),
			COALESCE(MAX(stored_at), '')
		FROM save_files
	`).Scan(&stats.TotalSaves, &stats.TotalBytes, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	stats.OldestSave = parseTime(oldest)
	stats.NewestSave = parseTime(newest)

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(f.size), 0)
		FROM latest l JOIN save_files f ON f.id = l.save_id
	`).Scan(&stats.TotalSlots, &stats.LatestBytes)
	if err != nil {
		return nil, err
	}

	var oldestAudit string
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(MIN(time), '')
		FROM audit_log
	`, OutcomeSuccess, OutcomeFailure).Scan(&stats.UploadsOK, &stats.UploadsFailed, &oldestAudit)
	if err != nil {
		return nil, err
	}
	stats.OldestAuditTime = parseTime(oldestAudit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*), COUNT(DISTINCT save_name), COALESCE(SUM(size), 0)
		FROM save_files
		GROUP BY user_id
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var us UserStats
		if err := rows.Scan(&us.UserID, &us.Saves, &us.Slots, &us.Bytes); err != nil {
			return nil, err
		}
		stats.Users = append(stats.Users, us)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func collectSaves(rows *sql.Rows) ([]*SaveRecord, error) {
	var out []*SaveRecord
	for rows.Next() {
		rec, err := scanSave(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// parseTime handles aggregate results, which the driver returns as text.
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
