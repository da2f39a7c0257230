package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dman/internal/download"
	"dman/internal/icon"
	"dman/internal/logging"
	"dman/internal/settings"
)

// Settings keys in the settings table.
const (
	keyMaxConns   = "max_conns"
	keyCategories = "categories"
	keyNotify     = "notify"
)

// Store is the SQLite snapshot backend.
type Store struct {
	db *sql.DB
}

var _ Backend = (*Store)(nil)

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY,
    state TEXT NOT NULL,
    url TEXT NOT NULL,
    dir TEXT,
    filename TEXT,
    size INTEGER,
    percent REAL,
    written INTEGER,
    icon TEXT,
    error_message TEXT,
    created_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
CREATE TABLE IF NOT EXISTS icons (
    ref TEXT PRIMARY KEY,
    refcount INTEGER NOT NULL,
    data BLOB
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	if _, err := db.Exec(ddl); err != nil {
		return err
	}

	// Columns added after the first release.
	if err := ensureColumn(db, "downloads", "icon", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(db, "downloads", "error_message", "TEXT"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, colType string) error {
	hasCol, err := hasColumn(db, table, column)
	if err != nil {
		return err
	}
	if hasCol {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, colType))
	return err
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot replaces all three records in one transaction.
func (s *Store) SaveSnapshot(ctx context.Context, snap download.Snapshot) (err error) {
	defer func() { logging.LogStoreOperation("save", len(snap.Downloads), err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"downloads", "icons", "settings"} {
		if _, err = tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if err = insertDownloads(ctx, tx, snap.Downloads); err != nil {
		return err
	}
	if err = insertIcons(ctx, tx, snap.Icons); err != nil {
		return err
	}
	if err = insertSettings(ctx, tx, snap.Settings); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertDownloads(ctx context.Context, tx *sql.Tx, downloads []download.Download) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO downloads (id, state, url, dir, filename, size, percent, written, icon, error_message, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare downloads: %w", err)
	}
	defer stmt.Close()

	for _, d := range downloads {
		var (
			percent sql.NullFloat64
			written sql.NullInt64
		)
		if d.Progress != nil {
			percent = sql.NullFloat64{Float64: d.Progress.Percent, Valid: true}
			written = sql.NullInt64{Int64: d.Progress.Written, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			d.ID, string(d.State), d.URL, d.Dir, d.Filename, d.Size,
			percent, written, nullString(string(d.Icon)), nullString(d.Error),
			d.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert download %d: %w", d.ID, err)
		}
	}
	return nil
}

func insertIcons(ctx context.Context, tx *sql.Tx, icons map[icon.Ref]icon.Entry) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO icons (ref, refcount, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare icons: %w", err)
	}
	defer stmt.Close()

	for ref, e := range icons {
		if e.Refcount <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, string(ref), e.Refcount, e.Data); err != nil {
			return fmt.Errorf("insert icon %s: %w", ref, err)
		}
	}
	return nil
}

func insertSettings(ctx context.Context, tx *sql.Tx, s settings.Settings) error {
	values, err := encodeSettings(s)
	if err != nil {
		return err
	}
	for key, value := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("insert setting %s: %w", key, err)
		}
	}
	return nil
}

// LoadSnapshot reads the stored snapshot. found is false on a fresh
// database.
func (s *Store) LoadSnapshot(ctx context.Context) (snap download.Snapshot, found bool, err error) {
	defer func() { logging.LogStoreOperation("load", len(snap.Downloads), err) }()

	values := make(map[string]string)
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return snap, false, fmt.Errorf("query settings: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return snap, false, err
		}
		values[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, false, err
	}

	downloads, err := s.loadDownloads(ctx)
	if err != nil {
		return snap, false, err
	}
	icons, err := s.loadIcons(ctx)
	if err != nil {
		return snap, false, err
	}
	if len(values) == 0 && len(downloads) == 0 && len(icons) == 0 {
		return snap, false, nil
	}

	st, err := decodeSettings(values)
	if err != nil {
		return snap, false, err
	}
	snap = download.Snapshot{Downloads: downloads, Settings: st, Icons: icons}
	return snap, true, nil
}

func (s *Store) loadDownloads(ctx context.Context) ([]download.Download, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, state, url, dir, filename, size, percent, written, icon, error_message, created_at
FROM downloads ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var out []download.Download
	for rows.Next() {
		var (
			d         download.Download
			state     string
			dir       sql.NullString
			filename  sql.NullString
			size      sql.NullInt64
			percent   sql.NullFloat64
			written   sql.NullInt64
			iconRef   sql.NullString
			errorMsg  sql.NullString
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &state, &d.URL, &dir, &filename, &size, &percent, &written, &iconRef, &errorMsg, &createdAt); err != nil {
			return nil, err
		}
		d.State = download.State(state)
		d.Dir = dir.String
		d.Filename = filename.String
		d.Size = size.Int64
		d.Icon = icon.Ref(iconRef.String)
		d.Error = errorMsg.String
		if createdAt.Valid {
			d.CreatedAt = time.UnixMilli(createdAt.Int64)
		}
		if percent.Valid {
			d.Progress = &download.Progress{Percent: percent.Float64, Written: written.Int64}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) loadIcons(ctx context.Context) (map[icon.Ref]icon.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref, refcount, data FROM icons`)
	if err != nil {
		return nil, fmt.Errorf("query icons: %w", err)
	}
	defer rows.Close()

	out := make(map[icon.Ref]icon.Entry)
	for rows.Next() {
		var (
			ref  string
			e    icon.Entry
			data []byte
		)
		if err := rows.Scan(&ref, &e.Refcount, &data); err != nil {
			return nil, err
		}
		e.Data = data
		out[icon.Ref(ref)] = e
	}
	return out, rows.Err()
}

// encodeSettings flattens s into key/value rows. Categories and notify
// flags are JSON.
func encodeSettings(s settings.Settings) (map[string]string, error) {
	notify, err := json.Marshal(s.Notify)
	if err != nil {
		return nil, fmt.Errorf("encode notify: %w", err)
	}
	cats := s.Categories
	if cats == nil {
		cats = []settings.Category{}
	}
	categories, err := json.Marshal(cats)
	if err != nil {
		return nil, fmt.Errorf("encode categories: %w", err)
	}
	return map[string]string{
		keyMaxConns:   strconv.Itoa(s.MaxConns),
		keyCategories: string(categories),
		keyNotify:     string(notify),
	}, nil
}

// decodeCategories reads the JSON form, falling back to the "Name: ext ext"
// text form of older databases.
func decodeCategories(v string) ([]settings.Category, error) {
	if !strings.HasPrefix(strings.TrimSpace(v), "[") {
		return settings.ParseCategories(v), nil
	}
	var cats []settings.Category
	if err := json.Unmarshal([]byte(v), &cats); err != nil {
		return nil, errors.Join(ErrCorruptSnapshot, fmt.Errorf("categories: %w", err))
	}
	return cats, nil
}

// decodeSettings is the inverse of encodeSettings. Missing keys keep their
// defaults.
func decodeSettings(values map[string]string) (settings.Settings, error) {
	s := settings.Default()
	if v, ok := values[keyMaxConns]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return s, fmt.Errorf("%w: max_conns %q", ErrCorruptSnapshot, v)
		}
		s.MaxConns = n
	}
	if v, ok := values[keyCategories]; ok {
		cats, err := decodeCategories(v)
		if err != nil {
			return s, err
		}
		s.Categories = cats
	}
	if v, ok := values[keyNotify]; ok {
		if err := json.Unmarshal([]byte(v), &s.Notify); err != nil {
			return s, errors.Join(ErrCorruptSnapshot, fmt.Errorf("notify: %w", err))
		}
	}
	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
