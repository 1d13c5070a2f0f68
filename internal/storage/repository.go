package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"booklog/internal/core"
	"booklog/internal/diary"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const entryColumns = `id, user_id, work_key, title, author, cover_id, first_publish_year, notes, status, created_at`

type SQLiteRepository struct {
	db *sql.DB
}

var (
	_ diary.EntryStore    = (*SQLiteRepository)(nil)
	_ diary.SettingsStore = (*SQLiteRepository)(nil)
)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Create implements diary.EntryWriter
func (r *SQLiteRepository) Create(ctx context.Context, userID string, e core.DiaryEntry) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO diary_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, e.WorkKey, e.Title, core.AuthorOrUnknown(e.Author),
		nullInt(e.CoverID), nullInt(e.FirstPublishYear),
		e.Notes, string(e.Status), nullTime(e.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert diary entry: %w", err)
	}

	slog.DebugContext(ctx, "Diary entry saved to SQLite",
		"id", id,
		"user_id", userID,
		"work_key", e.WorkKey,
		"status", e.Status)

	return id, nil
}

// List implements diary.EntryLister
func (r *SQLiteRepository) List(ctx context.Context, userID string) ([]core.DiaryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM diary_entries WHERE user_id = ?
		 ORDER BY created_at IS NULL, created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list diary entries: %w", err)
	}
	return scanEntries(rows)
}

// Get implements diary.EntryGetter
func (r *SQLiteRepository) Get(ctx context.Context, userID, id string) (core.DiaryEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM diary_entries WHERE user_id = ? AND id = ?`, userID, id)
	return scanOne(row)
}

// GetByID loads an entry regardless of owner. Used by the mirror worker,
// which only receives ids from the queue.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (core.DiaryEntry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM diary_entries WHERE id = ?`, id)
	return scanOne(row)
}

// FindByWork implements diary.EntryFinder
func (r *SQLiteRepository) FindByWork(ctx context.Context, userID, workKey string) ([]core.DiaryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM diary_entries WHERE user_id = ? AND work_key = ?
		 ORDER BY created_at IS NULL, created_at, id`, userID, workKey)
	if err != nil {
		return nil, fmt.Errorf("find entries by work: %w", err)
	}
	return scanEntries(rows)
}

// Delete implements diary.EntryDeleter
func (r *SQLiteRepository) Delete(ctx context.Context, userID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM diary_entries WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete diary entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete diary entry: %w", err)
	}
	if n == 0 {
		return diary.ErrNotFound
	}
	return nil
}

// ListUnmirrored returns the oldest entries not yet copied to the sheet.
func (r *SQLiteRepository) ListUnmirrored(ctx context.Context, limit int) ([]core.DiaryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM diary_entries WHERE mirrored_at IS NULL
		 ORDER BY inserted_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmirrored entries: %w", err)
	}
	return scanEntries(rows)
}

// MarkMirrored records that an entry reached the sheet.
func (r *SQLiteRepository) MarkMirrored(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE diary_entries SET mirrored_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark entry mirrored: %w", err)
	}
	return nil
}

// GetSetting implements diary.SettingsStore
func (r *SQLiteRepository) GetSetting(ctx context.Context, userID, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM user_settings WHERE user_id = ? AND key = ?`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting implements diary.SettingsStore
func (r *SQLiteRepository) SetSetting(ctx context.Context, userID, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// AllSettings implements diary.SettingsStore
func (r *SQLiteRepository) AllSettings(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM user_settings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (core.DiaryEntry, error) {
	var (
		e          core.DiaryEntry
		status     string
		cover, fpy sql.NullInt64
		created    sql.NullString
	)
	if err := s.Scan(&e.ID, &e.UserID, &e.WorkKey, &e.Title, &e.Author,
		&cover, &fpy, &e.Notes, &status, &created); err != nil {
		return core.DiaryEntry{}, err
	}
	e.Status = core.Status(status)
	e.CoverID = intFromNull(cover)
	e.FirstPublishYear = intFromNull(fpy)
	if created.Valid {
		t, err := time.Parse(timeLayout, created.String)
		if err != nil {
			return core.DiaryEntry{}, fmt.Errorf("parse created_at of %s: %w", e.ID, err)
		}
		e.CreatedAt = &t
	}
	return e, nil
}

func scanOne(row *sql.Row) (core.DiaryEntry, error) {
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.DiaryEntry{}, diary.ErrNotFound
	}
	if err != nil {
		return core.DiaryEntry{}, fmt.Errorf("get diary entry: %w", err)
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]core.DiaryEntry, error) {
	defer rows.Close()
	var out []core.DiaryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diary entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diary entries: %w", err)
	}
	return out, nil
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}
