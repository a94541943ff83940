package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"track-resolver-go/track"
)

// NegativeID marks a remembered failure: "we looked and found nothing"
const NegativeID = "-1"

// Entry is one resolution result. There is at most one entry per key.
type Entry struct {
	Key        string       `json:"key"`
	ExternalID string       `json:"external_id"`
	Cleaned    *track.Query `json:"cleaned,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// IsNegative reports whether the entry remembers a failed lookup
func (e Entry) IsNegative() bool {
	return e.ExternalID == NegativeID
}

// PlaylistEntry is a cached playlist payload keyed by (PlaylistID, Source)
type PlaylistEntry struct {
	PlaylistID string          `json:"playlist_id"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EntryStore persists resolution entries
type EntryStore interface {
	Get(key string) (Entry, bool, error)
	Put(e Entry) error
	Delete(key string) error
	// FindByPrefix returns the newest entry whose key starts with prefix
	FindByPrefix(prefix string) (Entry, bool, error)
	DeleteNegativeBefore(cutoff time.Time) (int, error)
	Clear() (int, error)
	ForEach(fn func(Entry) bool) error
	Close() error
}

// PlaylistStore persists playlist payloads
type PlaylistStore interface {
	GetPlaylist(ctx context.Context, playlistID, source string) (PlaylistEntry, bool, error)
	PutPlaylist(ctx context.Context, e PlaylistEntry) error
	// SweepPlaylists deletes every entry for which expired returns true
	SweepPlaylists(ctx context.Context, expired func(PlaylistEntry) bool) (int, error)
	Close() error
}

// Backuper is implemented by stores that can snapshot their database file
type Backuper interface {
	Backup() (string, error)
	ListBackups() ([]BackupInfo, error)
	RestoreFromBackup(fileName string) error
	DeleteBackup(fileName string) error
}

// CacheIOError wraps a storage failure. PersistentCache logs these and
// never hands them to callers.
type CacheIOError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheIOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *CacheIOError) Unwrap() error {
	return e.Err
}

// storedEntry is the value layout shared by the key-value backends
type storedEntry struct {
	ExternalID string       `json:"external_id"`
	Cleaned    *track.Query `json:"cleaned,omitempty"`
	CreatedAt  int64        `json:"created_at"`
}

func (s storedEntry) toEntry(key string) Entry {
	return Entry{
		Key:        key,
		ExternalID: s.ExternalID,
		Cleaned:    s.Cleaned,
		CreatedAt:  time.Unix(0, s.CreatedAt),
	}
}

func fromEntry(e Entry) storedEntry {
	return storedEntry{
		ExternalID: e.ExternalID,
		Cleaned:    e.Cleaned,
		CreatedAt:  e.CreatedAt.UnixNano(),
	}
}
