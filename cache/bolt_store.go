package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"track-resolver-go/logcolors"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	entryBucket    = "cache"
	playlistBucket = "playlist_cache"

	// playlistKeySep cannot appear in a source name or a playlist id
	playlistKeySep = "\x1f"
)

var errBucketNotFound = errors.New("bucket not found")

// BoltStore keeps both tables in a single bbolt file with an in-memory
// mirror of the resolution entries for fast reads.
type BoltStore struct {
	mu                 sync.RWMutex
	db                 *bolt.DB
	memCache           sync.Map
	dbPath             string
	backupPath         string
	compressionEnabled bool
}

type storedPlaylist struct {
	PlaylistID string          `json:"playlist_id"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Gzipped    []byte          `json:"gzip,omitempty"` // compressed payload
	CreatedAt  int64           `json:"created_at"`
}

var (
	_ EntryStore    = (*BoltStore)(nil)
	_ PlaylistStore = (*BoltStore)(nil)
	_ Backuper      = (*BoltStore)(nil)
)

// OpenBoltStore opens (or creates) the database file. Playlist payloads are
// gzip compressed when compressionEnabled is set.
func OpenBoltStore(dbPath, backupPath string, compressionEnabled bool) (*BoltStore, error) {
	dir := filepath.Dir(dbPath)
	if info, err := os.Stat(dir); err == nil {
		log.Infof("%s Directory %s exists (IsDir: %v)", logcolors.LogCacheInit, dir, info.IsDir())
	} else {
		log.Infof("%s Directory %s does not exist, creating...", logcolors.LogCacheInit, dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	if backupPath != "" {
		if err := os.MkdirAll(backupPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
		log.Infof("%s Backup directory set to: %s", logcolors.LogCacheInit, backupPath)
	}

	if info, err := os.Stat(dbPath); err == nil {
		log.Infof("%s Found existing database file at: %s (size: %d bytes)", logcolors.LogCacheInit, dbPath, info.Size())
	} else {
		log.Infof("%s Creating new database file at: %s", logcolors.LogCacheInit, dbPath)
	}

	s := &BoltStore{
		dbPath:             dbPath,
		backupPath:         backupPath,
		compressionEnabled: compressionEnabled,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) open() error {
	db, err := bolt.Open(s.dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{entryBucket, playlistBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create cache buckets: %w", err)
	}

	s.db = db
	if err := s.loadToMemory(); err != nil {
		log.Warnf("%s Failed to preload cache to memory: %v", logcolors.LogCache, err)
	}
	return nil
}

// loadToMemory mirrors every resolution entry into memCache
func (s *BoltStore) loadToMemory() error {
	s.memCache.Range(func(k, _ interface{}) bool {
		s.memCache.Delete(k)
		return true
	})

	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				log.Warnf("%s Failed to unmarshal cache entry for key %s: %v", logcolors.LogCache, string(k), err)
				return nil
			}
			s.memCache.Store(string(k), se)
			count++
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Infof("%s Loaded %d entries from disk to memory", logcolors.LogCache, count)
	return nil
}

// Get checks memory first, then disk
func (s *BoltStore) Get(key string) (Entry, bool, error) {
	if v, ok := s.memCache.Load(key); ok {
		return v.(storedEntry).toEntry(key), true, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		se    storedEntry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		if b == nil {
			return errBucketNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &se); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return Entry{}, false, err
	}

	s.memCache.Store(key, se)
	return se.toEntry(key), true, nil
}

// Put replaces the entry stored under e.Key
func (s *BoltStore) Put(e Entry) error {
	se := fromEntry(e)
	data, err := json.Marshal(se)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		if b == nil {
			return errBucketNotFound
		}
		return b.Put([]byte(e.Key), data)
	})
	if err != nil {
		return err
	}
	s.memCache.Store(e.Key, se)
	return nil
}

// Delete removes a key
func (s *BoltStore) Delete(key string) error {
	s.memCache.Delete(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		if b == nil {
			return errBucketNotFound
		}
		return b.Delete([]byte(key))
	})
}

// FindByPrefix seeks to prefix and returns the newest matching entry
func (s *BoltStore) FindByPrefix(prefix string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  Entry
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		if b == nil {
			return errBucketNotFound
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				continue
			}
			e := se.toEntry(string(k))
			if !found || e.CreatedAt.After(best.CreatedAt) {
				best = e
				found = true
			}
		}
		return nil
	})
	return best, found, err
}

// DeleteNegativeBefore removes negative entries created before cutoff
func (s *BoltStore) DeleteNegativeBefore(cutoff time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var removed []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entryBucket))
		if b == nil {
			return errBucketNotFound
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var se storedEntry
			if err := json.Unmarshal(v, &se); err != nil {
				continue
			}
			if se.ExternalID == NegativeID && se.CreatedAt < cutoff.UnixNano() {
				removed = append(removed, string(k))
			}
		}
		for _, k := range removed {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range removed {
		s.memCache.Delete(k)
	}
	return len(removed), nil
}

// Clear removes every resolution entry and returns how many there were
func (s *BoltStore) Clear() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(entryBucket)); b != nil {
			count = b.Stats().KeyN
			if err := tx.DeleteBucket([]byte(entryBucket)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket([]byte(entryBucket))
		return err
	})
	if err != nil {
		return 0, err
	}

	s.memCache.Range(func(k, _ interface{}) bool {
		s.memCache.Delete(k)
		return true
	})
	return count, nil
}

// ForEach iterates the memory mirror
func (s *BoltStore) ForEach(fn func(Entry) bool) error {
	s.memCache.Range(func(k, v interface{}) bool {
		return fn(v.(storedEntry).toEntry(k.(string)))
	})
	return nil
}

func playlistKey(playlistID, source string) []byte {
	return []byte(source + playlistKeySep + playlistID)
}

// GetPlaylist reads one playlist entry
func (s *BoltStore) GetPlaylist(_ context.Context, playlistID, source string) (PlaylistEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sp    storedPlaylist
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(playlistBucket))
		if b == nil {
			return errBucketNotFound
		}
		data := b.Get(playlistKey(playlistID, source))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &sp); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return PlaylistEntry{}, false, err
	}

	e, err := s.decodePlaylist(sp)
	if err != nil {
		return PlaylistEntry{}, false, err
	}
	return e, true, nil
}

// PutPlaylist replaces the entry for (PlaylistID, Source)
func (s *BoltStore) PutPlaylist(_ context.Context, e PlaylistEntry) error {
	sp := storedPlaylist{
		PlaylistID: e.PlaylistID,
		Source:     e.Source,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt.UnixNano(),
	}
	if s.compressionEnabled {
		compressed, err := gzipPayload(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to compress playlist payload: %w", err)
		}
		sp.Payload, sp.Gzipped = nil, compressed
	}

	data, err := json.Marshal(sp)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(playlistBucket))
		if b == nil {
			return errBucketNotFound
		}
		return b.Put(playlistKey(e.PlaylistID, e.Source), data)
	})
}

// SweepPlaylists deletes expired playlist entries
func (s *BoltStore) SweepPlaylists(_ context.Context, expired func(PlaylistEntry) bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(playlistBucket))
		if b == nil {
			return errBucketNotFound
		}

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var sp storedPlaylist
			if err := json.Unmarshal(v, &sp); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			// payload is not needed to decide expiry
			meta := PlaylistEntry{
				PlaylistID: sp.PlaylistID,
				Source:     sp.Source,
				CreatedAt:  time.Unix(0, sp.CreatedAt),
			}
			if expired(meta) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *BoltStore) decodePlaylist(sp storedPlaylist) (PlaylistEntry, error) {
	payload := sp.Payload
	if sp.Gzipped != nil {
		decompressed, err := gunzipPayload(sp.Gzipped)
		if err != nil {
			return PlaylistEntry{}, fmt.Errorf("failed to decompress playlist payload: %w", err)
		}
		payload = decompressed
	}
	return PlaylistEntry{
		PlaylistID: sp.PlaylistID,
		Source:     sp.Source,
		Payload:    payload,
		CreatedAt:  time.Unix(0, sp.CreatedAt),
	}, nil
}

// Size returns the database file size in bytes
func (s *BoltStore) Size() int64 {
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BackupInfo contains metadata about a backup file
type BackupInfo struct {
	FileName  string    `json:"fileName"`
	FilePath  string    `json:"filePath"`
	Size      int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Backup copies the database file into the backup directory and returns
// the backup file path. Readers and writers wait while the file is copied.
func (s *BoltStore) Backup() (string, error) {
	if s.backupPath == "" {
		return "", fmt.Errorf("no backup directory configured")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	backupFilePath := filepath.Join(s.backupPath, fmt.Sprintf("cache_backup_%s.db", timestamp))

	log.Infof("%s Creating backup at: %s", logcolors.LogCacheBackup, backupFilePath)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return "", fmt.Errorf("failed to close database for backup: %w", err)
	}

	if err := copyFile(s.dbPath, backupFilePath); err != nil {
		if reopenErr := s.open(); reopenErr != nil {
			log.Errorf("%s Failed to reopen database: %v", logcolors.LogCacheBackup, reopenErr)
		}
		return "", fmt.Errorf("failed to copy database file: %w", err)
	}

	if err := s.open(); err != nil {
		return "", fmt.Errorf("failed to reopen database after backup: %w", err)
	}

	log.Infof("%s Backup created successfully: %s", logcolors.LogCacheBackup, backupFilePath)
	return backupFilePath, nil
}

// ListBackups returns the available backups, newest first
func (s *BoltStore) ListBackups() ([]BackupInfo, error) {
	var backups []BackupInfo
	if s.backupPath == "" {
		return backups, nil
	}

	entries, err := os.ReadDir(s.backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return backups, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".db" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Warnf("%s Failed to get info for %s: %v", logcolors.LogCacheBackups, entry.Name(), err)
			continue
		}
		backups = append(backups, BackupInfo{
			FileName:  entry.Name(),
			FilePath:  filepath.Join(s.backupPath, entry.Name()),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].FileName > backups[j].FileName
	})
	return backups, nil
}

func validBackupName(name string) error {
	if filepath.Ext(name) != ".db" {
		return fmt.Errorf("invalid backup file: must be a .db file")
	}
	if name != filepath.Base(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid backup file name: %s", name)
	}
	return nil
}

// RestoreFromBackup replaces the current database with a backup. The current
// file is kept aside until the restore succeeds.
func (s *BoltStore) RestoreFromBackup(backupFileName string) error {
	if err := validBackupName(backupFileName); err != nil {
		return err
	}
	backupFilePath := filepath.Join(s.backupPath, backupFileName)
	if _, err := os.Stat(backupFilePath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupFileName)
	}

	log.Infof("%s Starting restore from backup: %s", logcolors.LogCacheRestore, backupFileName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close current database: %w", err)
	}

	preRestore := s.dbPath + ".pre-restore"
	if err := copyFile(s.dbPath, preRestore); err != nil {
		s.open()
		return fmt.Errorf("failed to backup current database: %w", err)
	}

	if err := copyFile(backupFilePath, s.dbPath); err != nil {
		copyFile(preRestore, s.dbPath)
		s.open()
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	os.Remove(preRestore)

	if err := s.open(); err != nil {
		return fmt.Errorf("failed to reopen database after restore: %w", err)
	}

	log.Infof("%s Successfully restored from backup: %s", logcolors.LogCacheRestore, backupFileName)
	return nil
}

// DeleteBackup deletes a specific backup file
func (s *BoltStore) DeleteBackup(backupFileName string) error {
	if err := validBackupName(backupFileName); err != nil {
		return err
	}
	backupFilePath := filepath.Join(s.backupPath, backupFileName)
	if _, err := os.Stat(backupFilePath); os.IsNotExist(err) {
		return fmt.Errorf("backup file not found: %s", backupFileName)
	}
	if err := os.Remove(backupFilePath); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}

	log.Infof("%s Deleted backup: %s", logcolors.LogCacheBackup, backupFileName)
	return nil
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}
	return destFile.Sync()
}
