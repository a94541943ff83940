package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"track-resolver-go/logcolors"
	"track-resolver-go/normalize"
	"track-resolver-go/track"

	log "github.com/sirupsen/logrus"
)

// DefaultNegativeTTL is how long a remembered failure is trusted
const DefaultNegativeTTL = 7 * 24 * time.Hour

// ErrBackupUnsupported is returned by backup operations on stores that
// cannot snapshot themselves
var ErrBackupUnsupported = errors.New("cache backend does not support backups")

// Options configures a PersistentCache
type Options struct {
	NegativeTTL time.Duration
	Playlist    TTLPolicy
	// FlexibleMatch lets Get fall back to the newest entry, negative or not,
	// with the same title and artist but a different album.
	FlexibleMatch bool
}

// PersistentCache is the resolution cache. Storage failures are logged and
// turned into misses or dropped writes; no method returns them.
type PersistentCache struct {
	entries   EntryStore
	playlists PlaylistStore
	opts      Options
	now       func() time.Time
}

// Stats summarizes the resolution entries
type Stats struct {
	Entries     int `json:"entries"`
	Positive    int `json:"positive"`
	Negative    int `json:"negative"`
	WithCleaned int `json:"with_cleaned"`
}

// New wraps the given stores. Negative entries older than the negative TTL
// are swept immediately.
func New(entries EntryStore, playlists PlaylistStore, opts Options) *PersistentCache {
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.Playlist.Default <= 0 {
		opts.Playlist = DefaultTTLPolicy()
	}

	pc := &PersistentCache{
		entries:   entries,
		playlists: playlists,
		opts:      opts,
		now:       time.Now,
	}

	if removed := pc.SweepNegative(opts.NegativeTTL); removed > 0 {
		log.Infof("%s Removed %d negative entries older than %s", logcolors.LogCacheNegative, removed, opts.NegativeTTL)
	}
	log.Infof("%s Persistent cache ready (flexible match: %v)", logcolors.LogCache, opts.FlexibleMatch)
	return pc
}

func (pc *PersistentCache) logIOError(op, key string, err error) {
	ioErr := &CacheIOError{Op: op, Key: key, Err: err}
	log.Warnf("%s %v", logcolors.LogCache, ioErr)
}

// Get looks q up by its cache key. With flexible matching enabled a miss
// falls back to the newest entry sharing title and artist.
func (pc *PersistentCache) Get(q track.Query) (Entry, bool) {
	key := normalize.CacheKey(q)
	if e, ok := pc.GetKey(key); ok {
		return e, true
	}
	if !pc.opts.FlexibleMatch {
		return Entry{}, false
	}

	prefix := normalize.FlexiblePrefix(q)
	e, ok, err := pc.entries.FindByPrefix(prefix)
	if err != nil {
		pc.logIOError("find", prefix, err)
		return Entry{}, false
	}
	if ok {
		log.Debugf("%s Flexible hit for %s via %s", logcolors.LogCache, key, e.Key)
	}
	return e, ok
}

// GetKey looks up an exact key
func (pc *PersistentCache) GetKey(key string) (Entry, bool) {
	e, ok, err := pc.entries.Get(key)
	if err != nil {
		pc.logIOError("get", key, err)
		return Entry{}, false
	}
	return e, ok
}

// Set stores the outcome for q. An empty externalID stores a negative entry.
func (pc *PersistentCache) Set(q track.Query, externalID string, cleaned *track.Query) {
	pc.SetKey(normalize.CacheKey(q), externalID, cleaned)
}

// SetKey stores the outcome for key, replacing any previous entry
func (pc *PersistentCache) SetKey(key, externalID string, cleaned *track.Query) {
	if externalID == "" {
		externalID = NegativeID
	}
	e := Entry{
		Key:        key,
		ExternalID: externalID,
		Cleaned:    cleaned,
		CreatedAt:  pc.now(),
	}
	if err := pc.entries.Put(e); err != nil {
		pc.logIOError("set", key, err)
		return
	}
	if e.IsNegative() {
		log.Debugf("%s Stored negative entry for %s (cleaned: %v)", logcolors.LogCacheNegative, key, cleaned != nil)
	}
}

// Delete removes the entry for q
func (pc *PersistentCache) Delete(q track.Query) {
	pc.DeleteKey(normalize.CacheKey(q))
}

// DeleteKey removes the entry for key
func (pc *PersistentCache) DeleteKey(key string) {
	if err := pc.entries.Delete(key); err != nil {
		pc.logIOError("delete", key, err)
	}
}

// Clear removes every resolution entry and returns how many were removed.
// Playlist entries are kept.
func (pc *PersistentCache) Clear() int {
	n, err := pc.entries.Clear()
	if err != nil {
		pc.logIOError("clear", "", err)
		return 0
	}
	log.Infof("%s Cleared %d entries", logcolors.LogCacheClear, n)
	return n
}

// SweepNegative removes negative entries older than olderThan. Positive
// entries never expire.
func (pc *PersistentCache) SweepNegative(olderThan time.Duration) int {
	n, err := pc.entries.DeleteNegativeBefore(pc.now().Add(-olderThan))
	if err != nil {
		pc.logIOError("sweep", "", err)
		return 0
	}
	return n
}

// Stats counts entries by kind
func (pc *PersistentCache) Stats() Stats {
	var s Stats
	err := pc.entries.ForEach(func(e Entry) bool {
		s.Entries++
		if e.IsNegative() {
			s.Negative++
		} else {
			s.Positive++
		}
		if e.Cleaned != nil {
			s.WithCleaned++
		}
		return true
	})
	if err != nil {
		pc.logIOError("stats", "", err)
	}
	return s
}

// GetPlaylist returns a cached playlist payload. Expired entries are swept
// before the read so a stale payload is never returned.
func (pc *PersistentCache) GetPlaylist(ctx context.Context, playlistID, source string) (json.RawMessage, bool) {
	if pc.playlists == nil {
		return nil, false
	}

	now := pc.now()
	removed, err := pc.playlists.SweepPlaylists(ctx, func(e PlaylistEntry) bool {
		return pc.opts.Playlist.Expired(e, now)
	})
	if err != nil {
		pc.logIOError("playlist sweep", "", err)
	} else if removed > 0 {
		log.Debugf("%s Swept %d expired playlists", logcolors.LogCacheSweep, removed)
	}

	e, ok, err := pc.playlists.GetPlaylist(ctx, playlistID, source)
	if err != nil {
		pc.logIOError("playlist get", source+":"+playlistID, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// SetPlaylist stores a playlist payload
func (pc *PersistentCache) SetPlaylist(ctx context.Context, playlistID, source string, payload json.RawMessage) {
	if pc.playlists == nil {
		return
	}
	e := PlaylistEntry{
		PlaylistID: playlistID,
		Source:     source,
		Payload:    payload,
		CreatedAt:  pc.now(),
	}
	if err := pc.playlists.PutPlaylist(ctx, e); err != nil {
		pc.logIOError("playlist set", source+":"+playlistID, err)
		return
	}
	log.Debugf("%s Stored %s playlist %s", logcolors.LogCachePlaylist, source, playlistID)
}

func (pc *PersistentCache) backuper() (Backuper, error) {
	b, ok := pc.entries.(Backuper)
	if !ok {
		return nil, ErrBackupUnsupported
	}
	return b, nil
}

// Backup snapshots the database file when the backend supports it
func (pc *PersistentCache) Backup() (string, error) {
	b, err := pc.backuper()
	if err != nil {
		return "", err
	}
	return b.Backup()
}

// BackupAndClear creates a backup and then clears the entries
func (pc *PersistentCache) BackupAndClear() (string, int, error) {
	path, err := pc.Backup()
	if err != nil {
		return "", 0, err
	}
	n := pc.Clear()
	log.Infof("%s Cache cleared successfully (backup: %s)", logcolors.LogCacheClear, path)
	return path, n, nil
}

// ListBackups lists backup files
func (pc *PersistentCache) ListBackups() ([]BackupInfo, error) {
	b, err := pc.backuper()
	if err != nil {
		return nil, err
	}
	return b.ListBackups()
}

// RestoreFromBackup replaces the database with a backup file
func (pc *PersistentCache) RestoreFromBackup(fileName string) error {
	b, err := pc.backuper()
	if err != nil {
		return err
	}
	return b.RestoreFromBackup(fileName)
}

// DeleteBackup removes a backup file
func (pc *PersistentCache) DeleteBackup(fileName string) error {
	b, err := pc.backuper()
	if err != nil {
		return err
	}
	return b.DeleteBackup(fileName)
}

// Close closes the underlying stores
func (pc *PersistentCache) Close() error {
	var errs []error
	if pc.entries != nil {
		errs = append(errs, pc.entries.Close())
	}
	// one store commonly serves both tables
	if pc.playlists != nil && any(pc.playlists) != any(pc.entries) {
		errs = append(errs, pc.playlists.Close())
	}
	return errors.Join(errs...)
}
