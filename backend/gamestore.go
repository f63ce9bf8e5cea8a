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
	"fmt"
	"iter"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/c2FmZQ/storage"
)

var counterFile = filepath.Join("sessions", "counter.json")

// sessionCounter is the persisted id allocator.
type sessionCounter struct {
	LastID        uint64 `json:"lastId"`
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

// GameStore manages session persistence to disk.
type GameStore struct {
	DataDir string
	Debug   bool

	// SyncWrites makes PutGame write through to disk. When false, writes stay
	// in the cache until Flush or FlushAll.
	SyncWrites bool

	storage *storage.Storage
	mu      sync.Map // Stores *sync.RWMutex for each game id to protect writes and reads
	cache   sync.Map // Stores the latest []byte (JSON) for each game id

	dirtyMu sync.Mutex
	dirty   map[uint64]bool

	counterMu    sync.Mutex
	counter      sessionCounter
	counterDirty bool
}

// NewGameStore creates a new GameStore and loads the id counter.
func NewGameStore(dataDir string, s *storage.Storage) *GameStore {
	gs := &GameStore{
		DataDir:    dataDir,
		SyncWrites: true,
		storage:    s,
		dirty:      make(map[uint64]bool),
	}
	if err := s.ReadDataFile(counterFile, &gs.counter); err != nil && !os.IsNotExist(err) {
		log.Printf("GameStore Warning: failed to read %s: %v", counterFile, err)
	}
	return gs
}

func gameFilename(id uint64) string {
	return filepath.Join("sessions", fmt.Sprintf("%d.json", id))
}

func (gs *GameStore) lock(id uint64) *sync.RWMutex {
	m, _ := gs.mu.LoadOrStore(id, &sync.RWMutex{})
	return m.(*sync.RWMutex)
}

// LastID returns the most recently allocated session id, or 0.
func (gs *GameStore) LastID() uint64 {
	gs.counterMu.Lock()
	defer gs.counterMu.Unlock()
	return gs.counter.LastID
}

// CounterRaftIndex returns the Raft index of the last session creation.
func (gs *GameStore) CounterRaftIndex() uint64 {
	gs.counterMu.Lock()
	defer gs.counterMu.Unlock()
	return gs.counter.LastRaftIndex
}

func (gs *GameStore) bumpCounter(g *Game) {
	gs.counterMu.Lock()
	defer gs.counterMu.Unlock()
	if g.ID <= gs.counter.LastID {
		return
	}
	gs.counter = sessionCounter{LastID: g.ID, LastRaftIndex: g.LastRaftIndex}
	gs.counterDirty = true
}

func (gs *GameStore) flushCounter() error {
	gs.counterMu.Lock()
	defer gs.counterMu.Unlock()
	if !gs.counterDirty {
		return nil
	}
	if err := gs.storage.SaveDataFile(counterFile, gs.counter); err != nil {
		return fmt.Errorf("storage.SaveDataFile(counter): %w", err)
	}
	gs.counterDirty = false
	return nil
}

// PutGame stores g, advancing the id counter if g is a new session.
func (gs *GameStore) PutGame(g *Game) error {
	return gs.SaveGameInMemory(g, gs.SyncWrites)
}

// SaveGame saves the game data atomically.
func (gs *GameStore) SaveGame(g *Game) error {
	mutex := gs.lock(g.ID)
	mutex.Lock()
	defer mutex.Unlock()

	if err := gs.storage.SaveDataFile(gameFilename(g.ID), g); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	if jsonBytes, err := json.Marshal(g); err == nil {
		gs.cache.Store(g.ID, jsonBytes)
	}
	gs.bumpCounter(g)
	if err := gs.flushCounter(); err != nil {
		return err
	}

	gs.dirtyMu.Lock()
	delete(gs.dirty, g.ID)
	gs.dirtyMu.Unlock()
	return nil
}

// SaveGameInMemory updates the in-memory cache and marks the game as dirty.
// If forceSync is true, it writes to disk immediately (behaving like SaveGame).
func (gs *GameStore) SaveGameInMemory(g *Game, forceSync bool) error {
	jsonBytes, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if forceSync {
		return gs.SaveGame(g)
	}
	gs.cache.Store(g.ID, jsonBytes)
	gs.bumpCounter(g)

	gs.dirtyMu.Lock()
	gs.dirty[g.ID] = true
	gs.dirtyMu.Unlock()
	return nil
}

// Flush persists a specific game to disk if it is dirty.
func (gs *GameStore) Flush(id uint64) error {
	gs.dirtyMu.Lock()
	if !gs.dirty[id] {
		gs.dirtyMu.Unlock()
		return nil
	}
	gs.dirtyMu.Unlock()

	val, ok := gs.cache.Load(id)
	if !ok {
		gs.dirtyMu.Lock()
		delete(gs.dirty, id)
		gs.dirtyMu.Unlock()
		return fmt.Errorf("game %d marked dirty but not found in cache", id)
	}
	var g Game
	if err := json.Unmarshal(val.([]byte), &g); err != nil {
		return fmt.Errorf("failed to unmarshal game from cache for flush: %w", err)
	}
	return gs.SaveGame(&g)
}

// FlushAll persists all dirty games and the id counter to disk.
func (gs *GameStore) FlushAll() error {
	gs.dirtyMu.Lock()
	dirtyIds := make([]uint64, 0, len(gs.dirty))
	for id := range gs.dirty {
		dirtyIds = append(dirtyIds, id)
	}
	gs.dirtyMu.Unlock()
	slices.Sort(dirtyIds)

	for _, id := range dirtyIds {
		if err := gs.Flush(id); err != nil {
			return fmt.Errorf("failed to flush game %d: %w", id, err)
		}
	}
	return gs.flushCounter()
}

// LoadGame loads a game by id. It returns os.ErrNotExist for unknown ids.
func (gs *GameStore) LoadGame(id uint64) (*Game, error) {
	if val, ok := gs.cache.Load(id); ok {
		var g Game
		if err := json.Unmarshal(val.([]byte), &g); err == nil {
			if gs.Debug {
				log.Printf("[CACHE] Hit for game %d", id)
			}
			return &g, nil
		}
		gs.cache.Delete(id)
	}
	if gs.Debug {
		log.Printf("[CACHE] Miss for game %d", id)
	}

	mutex := gs.lock(id)
	mutex.RLock()
	defer mutex.RUnlock()

	var g Game
	if err := gs.storage.ReadDataFile(gameFilename(id), &g); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if g.ID != id {
		return nil, fmt.Errorf("data consistency error: loaded game id %d does not match expected %d", g.ID, id)
	}
	if jsonBytes, err := json.Marshal(&g); err == nil {
		gs.cache.Store(id, jsonBytes)
	}
	return &g, nil
}

// ListAllGameIDs returns the ids of all known games in ascending order,
// including games that only exist in the cache.
func (gs *GameStore) ListAllGameIDs() ([]uint64, error) {
	seen := make(map[uint64]bool)
	files, err := os.ReadDir(filepath.Join(gs.DataDir, "sessions"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read sessions directory: %w", err)
	}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		seen[id] = true
	}
	gs.dirtyMu.Lock()
	for id := range gs.dirty {
		seen[id] = true
	}
	gs.dirtyMu.Unlock()

	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// ListAllGames returns an iterator over all games in id order.
func (gs *GameStore) ListAllGames() iter.Seq2[*Game, error] {
	return func(yield func(*Game, error) bool) {
		ids, err := gs.ListAllGameIDs()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, id := range ids {
			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Warning: could not load game %d: %v", id, err)
				continue
			}
			if !yield(g, nil) {
				return
			}
		}
	}
}

// Reset removes every stored game and the id counter. Used before a snapshot restore.
func (gs *GameStore) Reset() error {
	ids, err := gs.ListAllGameIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		mutex := gs.lock(id)
		mutex.Lock()
		gs.cache.Delete(id)
		err := os.Remove(filepath.Join(gs.DataDir, gameFilename(id)))
		mutex.Unlock()
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("could not remove game %d: %w", id, err)
		}
	}
	gs.dirtyMu.Lock()
	gs.dirty = make(map[uint64]bool)
	gs.dirtyMu.Unlock()

	gs.counterMu.Lock()
	gs.counter = sessionCounter{}
	gs.counterDirty = false
	gs.counterMu.Unlock()
	if err := os.Remove(filepath.Join(gs.DataDir, counterFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove counter: %w", err)
	}
	return nil
}

// RestoreCounter replaces the id counter. Used by snapshot restore.
func (gs *GameStore) RestoreCounter(lastID, lastRaftIndex uint64) error {
	gs.counterMu.Lock()
	gs.counter = sessionCounter{LastID: lastID, LastRaftIndex: lastRaftIndex}
	gs.counterDirty = true
	gs.counterMu.Unlock()
	return gs.flushCounter()
}
