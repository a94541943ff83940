package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"track-resolver-go/logcolors"
	"track-resolver-go/track"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	cleaned_query_json TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS playlist_cache (
	playlist_id TEXT NOT NULL,
	source TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (playlist_id, source)
);

CREATE INDEX IF NOT EXISTS idx_cache_external_created ON cache(external_id, created_at);
`

// SQLiteStore keeps the two cache tables in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ EntryStore    = (*SQLiteStore)(nil)
	_ PlaylistStore = (*SQLiteStore)(nil)
)

// OpenSQLiteStore opens or creates the database at path
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache tables: %w", err)
	}

	log.Infof("%s SQLite cache opened at %s", logcolors.LogCacheInit, path)
	return &SQLiteStore{db: db}, nil
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var (
		e         Entry
		cleaned   sql.NullString
		createdAt int64
	)
	if err := row.Scan(&e.Key, &e.ExternalID, &cleaned, &createdAt); err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.Unix(0, createdAt)
	if cleaned.Valid && cleaned.String != "" {
		var q track.Query
		if err := json.Unmarshal([]byte(cleaned.String), &q); err != nil {
			return Entry{}, fmt.Errorf("failed to decode cleaned query: %w", err)
		}
		e.Cleaned = &q
	}
	return e, nil
}

// Get reads one entry
func (s *SQLiteStore) Get(key string) (Entry, bool, error) {
	row := s.db.QueryRow(`
		SELECT key, external_id, cleaned_query_json, created_at
		FROM cache
		WHERE key = ?
	`, key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put replaces the entry stored under e.Key
func (s *SQLiteStore) Put(e Entry) error {
	var cleaned sql.NullString
	if e.Cleaned != nil {
		data, err := json.Marshal(e.Cleaned)
		if err != nil {
			return err
		}
		cleaned = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cache (key, external_id, cleaned_query_json, created_at)
		VALUES (?, ?, ?, ?)
	`, e.Key, e.ExternalID, cleaned, e.CreatedAt.UnixNano())
	return err
}

// Delete removes a key
func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM cache WHERE key = ?`, key)
	return err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FindByPrefix returns the newest entry whose key starts with prefix
func (s *SQLiteStore) FindByPrefix(prefix string) (Entry, bool, error) {
	row := s.db.QueryRow(`
		SELECT key, external_id, cleaned_query_json, created_at
		FROM cache
		WHERE key LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, key
		LIMIT 1
	`, likeEscaper.Replace(prefix)+"%")

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// DeleteNegativeBefore removes negative entries created before cutoff
func (s *SQLiteStore) DeleteNegativeBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM cache
		WHERE external_id = ? AND created_at < ?
	`, NegativeID, cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Clear removes every resolution entry
func (s *SQLiteStore) Clear() (int, error) {
	res, err := s.db.Exec(`DELETE FROM cache`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ForEach iterates every entry. fn must not call back into the store while
// the single connection is held by the iteration.
func (s *SQLiteStore) ForEach(fn func(Entry) bool) error {
	rows, err := s.db.Query(`SELECT key, external_id, cleaned_query_json, created_at FROM cache`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if !fn(e) {
			break
		}
	}
	return rows.Err()
}

// GetPlaylist reads one playlist entry
func (s *SQLiteStore) GetPlaylist(ctx context.Context, playlistID, source string) (PlaylistEntry, bool, error) {
	var (
		e         PlaylistEntry
		payload   string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT playlist_id, source, payload_json, created_at
		FROM playlist_cache
		WHERE playlist_id = ? AND source = ?
	`, playlistID, source).Scan(&e.PlaylistID, &e.Source, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PlaylistEntry{}, false, nil
	}
	if err != nil {
		return PlaylistEntry{}, false, err
	}
	e.Payload = json.RawMessage(payload)
	e.CreatedAt = time.Unix(0, createdAt)
	return e, true, nil
}

// PutPlaylist replaces the entry for (PlaylistID, Source)
func (s *SQLiteStore) PutPlaylist(ctx context.Context, e PlaylistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO playlist_cache (playlist_id, source, payload_json, created_at)
		VALUES (?, ?, ?, ?)
	`, e.PlaylistID, e.Source, string(e.Payload), e.CreatedAt.UnixNano())
	return err
}

// SweepPlaylists deletes expired playlist entries
func (s *SQLiteStore) SweepPlaylists(ctx context.Context, expired func(PlaylistEntry) bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT playlist_id, source, created_at FROM playlist_cache`)
	if err != nil {
		return 0, err
	}

	var stale []PlaylistEntry
	for rows.Next() {
		var (
			e         PlaylistEntry
			createdAt int64
		)
		if err := rows.Scan(&e.PlaylistID, &e.Source, &createdAt); err != nil {
			rows.Close()
			return 0, err
		}
		e.CreatedAt = time.Unix(0, createdAt)
		if expired(e) {
			stale = append(stale, e)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	// the single connection must be released before deleting
	rows.Close()

	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, e := range stale {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM playlist_cache WHERE playlist_id = ? AND source = ?`,
			e.PlaylistID, e.Source); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
