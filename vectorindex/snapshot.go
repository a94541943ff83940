package vectorindex

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"track-resolver-go/logcolors"
	"track-resolver-go/track"

	log "github.com/sirupsen/logrus"
)

const snapshotVersion = 1

type snapshot struct {
	Version int             `json:"version"`
	Entries []snapshotEntry `json:"entries"`
}

// Only metadata is persisted. Token counts are rebuilt on load so that a
// tokenizer change never leaves stale postings behind.
type snapshotEntry struct {
	ItemID   string      `json:"item_id"`
	Metadata track.Query `json:"metadata"`
}

// SaveFile writes a gzip compressed JSON snapshot of the index.
// The file is replaced atomically.
func (idx *Index) SaveFile(path string) error {
	snap := snapshot{Version: snapshotVersion}
	idx.Each(func(e *Entry) bool {
		snap.Entries = append(snap.Entries, snapshotEntry{ItemID: e.ItemID, Metadata: e.Metadata})
		return true
	})
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ItemID < snap.Entries[j].ItemID })

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		gz.Close()
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	log.Infof("%s Saved %d entries to %s", logcolors.LogLocalIndex, len(snap.Entries), path)
	return nil
}

// LoadFile replaces the index contents with a snapshot written by SaveFile.
// It returns the number of entries indexed.
func (idx *Index) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer gz.Close()

	var snap snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	idx.Reset()
	loaded := 0
	for _, e := range snap.Entries {
		if idx.Add(e.ItemID, e.Metadata) {
			loaded++
		}
	}

	log.Infof("%s Loaded %d/%d entries from %s", logcolors.LogLocalIndex, loaded, len(snap.Entries), path)
	return loaded, nil
}
