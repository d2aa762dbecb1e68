// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// ErrSchemaVersion is returned when a stored match was written with a
// schema this build does not read.
var ErrSchemaVersion = errors.New("unsupported schema version")

const matchesDir = "matches"

// MatchMetadata contains only the fields needed for indexing.
type MatchMetadata struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions"`
	Team1       string      `json:"team1"`
	Team2       string      `json:"team2"`
	Venue       string      `json:"venue"`
	Date        string      `json:"date"`
	Status      string      `json:"status"`
	DeletedAt   int64       `json:"deletedAt"`
}

// MatchStore manages match persistence to disk.
type MatchStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per match id
	cache   sync.Map // latest JSON encoding per match id

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewMatchStore creates a new MatchStore.
func NewMatchStore(dataDir string, s *storage.Storage) *MatchStore {
	return &MatchStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func (ms *MatchStore) lock(id string) *sync.RWMutex {
	m, _ := ms.mu.LoadOrStore(id, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

func matchFiles(id string) (filename, metaFilename string) {
	encoded := url.PathEscape(id)
	return filepath.Join(matchesDir, encoded+".json"), filepath.Join(matchesDir, encoded+".meta.json")
}

// SaveMatch saves the match and its metadata sidecar.
func (ms *MatchStore) SaveMatch(m *Match) error {
	mutex := ms.lock(m.ID)
	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := matchFiles(m.ID)
	if err := ms.storage.SaveDataFile(filename, m); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	if err := ms.storage.SaveDataFile(metaFilename, m.Metadata()); err != nil {
		log.Printf("Warning: Failed to save metadata sidecar for match %s: %v", m.ID, err)
	}
	if b, err := json.Marshal(m); err == nil {
		ms.cache.Store(m.ID, b)
	}

	ms.dirtyMu.Lock()
	delete(ms.dirty, m.ID)
	ms.dirtyMu.Unlock()
	return nil
}

// SaveMatchInMemory updates the cache and marks the match as dirty. With
// forceSync it writes through to disk.
func (ms *MatchStore) SaveMatchInMemory(m *Match, forceSync bool) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ms.cache.Store(m.ID, b)
	if forceSync {
		return ms.SaveMatch(m)
	}
	ms.dirtyMu.Lock()
	ms.dirty[m.ID] = true
	ms.dirtyMu.Unlock()
	return nil
}

// Flush persists a match to disk if it is dirty.
func (ms *MatchStore) Flush(id string) error {
	ms.dirtyMu.Lock()
	isDirty := ms.dirty[id]
	ms.dirtyMu.Unlock()
	if !isDirty {
		return nil
	}

	val, ok := ms.cache.Load(id)
	if !ok {
		ms.dirtyMu.Lock()
		delete(ms.dirty, id)
		ms.dirtyMu.Unlock()
		return fmt.Errorf("match %s marked dirty but not found in cache", id)
	}
	var m Match
	if err := json.Unmarshal(val.([]byte), &m); err != nil {
		return fmt.Errorf("failed to unmarshal match from cache for flush: %w", err)
	}
	return ms.SaveMatch(&m)
}

// FlushAll persists all dirty matches to disk.
func (ms *MatchStore) FlushAll() error {
	for _, id := range ms.dirtyIDs() {
		if err := ms.Flush(id); err != nil {
			return fmt.Errorf("failed to flush match %s: %w", id, err)
		}
	}
	return nil
}

func (ms *MatchStore) dirtyIDs() []string {
	ms.dirtyMu.Lock()
	defer ms.dirtyMu.Unlock()
	ids := make([]string, 0, len(ms.dirty))
	for id := range ms.dirty {
		ids = append(ids, id)
	}
	return ids
}

// LoadMatch loads a match by id. It returns os.ErrNotExist when there is no
// such match and ErrSchemaVersion when the record can't be read by this
// build.
func (ms *MatchStore) LoadMatch(id string) (*Match, error) {
	if val, ok := ms.cache.Load(id); ok {
		var m Match
		if err := json.Unmarshal(val.([]byte), &m); err == nil {
			if ms.Debug {
				log.Printf("[CACHE] Hit for match %s", id)
			}
			m.normalize()
			return &m, nil
		}
		ms.cache.Delete(id)
	}
	if ms.Debug {
		log.Printf("[CACHE] Miss for match %s", id)
	}

	mutex := ms.lock(id)
	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := matchFiles(id)
	var m Match
	if err := ms.storage.ReadDataFile(filename, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if m.SchemaVersion != CurrentSchemaVersion {
		return nil, fmt.Errorf("match %s: %w %d", id, ErrSchemaVersion, m.SchemaVersion)
	}
	m.normalize()

	if b, err := json.Marshal(&m); err == nil {
		ms.cache.Store(id, b)
	}
	return &m, nil
}

// LoadMatchOrEmpty loads a match, falling back to an empty match when the
// record is missing or unreadable.
func (ms *MatchStore) LoadMatchOrEmpty(id string) (*Match, error) {
	m, err := ms.LoadMatch(id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		log.Printf("MatchStore: starting match %s from empty state: %v", id, err)
	}
	return NewEmptyMatch(id), err
}

// DeleteMatch replaces a match with a tombstone.
func (ms *MatchStore) DeleteMatch(id string) error {
	m, err := ms.LoadMatch(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return ms.saveTombstone(id, m.OwnerID, time.Now().UnixNano())
}

func (ms *MatchStore) saveTombstone(id, ownerID string, deletedAt int64) error {
	mutex := ms.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Match{
		ID:            id,
		SchemaVersion: CurrentSchemaVersion,
		Status:        StatusDeleted,
		OwnerID:       ownerID,
		DeletedAt:     deletedAt,
	}
	filename, metaFilename := matchFiles(id)
	if err := ms.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}
	if err := ms.storage.SaveDataFile(metaFilename, tombstone.Metadata()); err != nil {
		log.Printf("Warning: Failed to save metadata tombstone for match %s: %v", id, err)
	}
	if b, err := json.Marshal(tombstone); err == nil {
		ms.cache.Store(id, b)
	}
	ms.dirtyMu.Lock()
	delete(ms.dirty, id)
	ms.dirtyMu.Unlock()
	return nil
}

// PurgeMatch permanently deletes the match files.
func (ms *MatchStore) PurgeMatch(id string) error {
	mutex := ms.lock(id)
	mutex.Lock()
	defer mutex.Unlock()

	ms.cache.Delete(id)
	ms.dirtyMu.Lock()
	delete(ms.dirty, id)
	ms.dirtyMu.Unlock()

	filename, metaFilename := matchFiles(id)
	if err := os.Remove(filepath.Join(ms.DataDir, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not purge match file: %w", err)
	}
	if err := os.Remove(filepath.Join(ms.DataDir, metaFilename)); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not purge meta file for match %s: %v", id, err)
	}
	return nil
}

// ListAllMatchIDs returns the ids of every match on disk or in the dirty
// cache.
func (ms *MatchStore) ListAllMatchIDs() ([]string, error) {
	files, err := os.ReadDir(filepath.Join(ms.DataDir, matchesDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read matches directory: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, file := range files {
		id, ok := matchIDFromFile(file)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	for _, id := range ms.dirtyIDs() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func matchIDFromFile(file os.DirEntry) (string, bool) {
	name := file.Name()
	if file.IsDir() || strings.HasSuffix(name, ".meta.json") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
	if err != nil {
		return "", false
	}
	return id, true
}

// ListAllMatchMetadata returns metadata for all matches without loading
// full action logs. Dirty matches are read from the cache.
func (ms *MatchStore) ListAllMatchMetadata() iter.Seq2[MatchMetadata, error] {
	return func(yield func(MatchMetadata, error) bool) {
		ids, err := ms.ListAllMatchIDs()
		if err != nil {
			yield(MatchMetadata{}, err)
			return
		}
		dirty := make(map[string]bool)
		for _, id := range ms.dirtyIDs() {
			dirty[id] = true
		}
		for _, id := range ids {
			if !dirty[id] {
				_, metaFilename := matchFiles(id)
				var meta MatchMetadata
				if err := ms.storage.ReadDataFile(metaFilename, &meta); err == nil {
					if !yield(meta, nil) {
						return
					}
					continue
				}
			}
			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load match %s: %v", id, err)
				continue
			}
			if !yield(*m.Metadata(), nil) {
				return
			}
		}
	}
}

// ListAllMatches returns an iterator over all matches.
func (ms *MatchStore) ListAllMatches() iter.Seq2[*Match, error] {
	return func(yield func(*Match, error) bool) {
		ids, err := ms.ListAllMatchIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("Warning: could not load match '%s': %v", id, err)
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}
