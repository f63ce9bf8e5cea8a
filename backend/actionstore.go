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
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/c2FmZQ/storage"
)

// ActionStore manages the per-session action history.
type ActionStore struct {
	DataDir string

	// SyncWrites makes every append write through to disk.
	SyncWrites bool

	storage *storage.Storage

	mu    sync.RWMutex
	cache map[uint64][]Action
	dirty map[uint64]bool
}

// NewActionStore creates a new ActionStore.
func NewActionStore(dataDir string, s *storage.Storage) *ActionStore {
	return &ActionStore{
		DataDir:    dataDir,
		SyncWrites: true,
		storage:    s,
		cache:      make(map[uint64][]Action),
		dirty:      make(map[uint64]bool),
	}
}

func actionsFilename(id uint64) string {
	return filepath.Join("actions", fmt.Sprintf("%d.json", id))
}

// load returns the cached history for id, reading it from disk on a miss.
// The caller must hold as.mu.
func (as *ActionStore) load(id uint64) ([]Action, error) {
	if actions, ok := as.cache[id]; ok {
		return actions, nil
	}
	var actions []Action
	if err := as.storage.ReadDataFile(actionsFilename(id), &actions); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("ReadDataFile: %w", err)
		}
	}
	if actions == nil {
		actions = make([]Action, 0)
	}
	as.cache[id] = actions
	return actions, nil
}

// LoadActions returns a copy of the history of a session. Unknown sessions
// have an empty history.
func (as *ActionStore) LoadActions(id uint64) ([]Action, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	actions, err := as.load(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(actions), nil
}

// AppendAction writes a at position pos of the history of id. Entries at or
// beyond pos are discarded first, so a replayed append never duplicates a
// record. pos must not be past the end of the history.
func (as *ActionStore) AppendAction(id uint64, pos int, a Action) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	actions, err := as.load(id)
	if err != nil {
		return err
	}
	if pos < 0 || pos > len(actions) {
		return fmt.Errorf("action log for game %d has %d entries, cannot append at %d", id, len(actions), pos)
	}
	if pos < len(actions) {
		actions = actions[:pos:pos]
	}
	return as.set(id, append(actions, a))
}

// TruncateActions shortens the history of id to n entries.
func (as *ActionStore) TruncateActions(id uint64, n int) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	actions, err := as.load(id)
	if err != nil {
		return err
	}
	if n < 0 || n >= len(actions) {
		return nil
	}
	return as.set(id, slices.Clone(actions[:n]))
}

// set replaces the history of id. The caller must hold as.mu.
func (as *ActionStore) set(id uint64, actions []Action) error {
	prev := as.cache[id]
	as.cache[id] = actions
	if as.SyncWrites {
		if err := as.save(id); err != nil {
			as.cache[id] = prev
			return err
		}
		return nil
	}
	as.dirty[id] = true
	return nil
}

// save writes the cached history of id to disk. The caller must hold as.mu.
func (as *ActionStore) save(id uint64) error {
	if err := as.storage.SaveDataFile(actionsFilename(id), as.cache[id]); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	delete(as.dirty, id)
	return nil
}

// RestoreActions replaces the history of id and writes it to disk.
func (as *ActionStore) RestoreActions(id uint64, actions []Action) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if actions == nil {
		actions = make([]Action, 0)
	}
	as.cache[id] = actions
	return as.save(id)
}

// FlushAll persists all dirty histories to disk.
func (as *ActionStore) FlushAll() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	ids := make([]uint64, 0, len(as.dirty))
	for id := range as.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := as.save(id); err != nil {
			return fmt.Errorf("failed to flush actions for game %d: %w", id, err)
		}
	}
	return nil
}

// ListAllActionIDs returns the ids of all sessions with a stored history.
func (as *ActionStore) ListAllActionIDs() ([]uint64, error) {
	seen := make(map[uint64]bool)
	files, err := os.ReadDir(filepath.Join(as.DataDir, "actions"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read actions directory: %w", err)
	}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if id, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64); err == nil {
			seen[id] = true
		}
	}
	as.mu.RLock()
	for id := range as.dirty {
		seen[id] = true
	}
	as.mu.RUnlock()

	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Reset removes every stored history. Used before a snapshot restore.
func (as *ActionStore) Reset() error {
	ids, err := as.ListAllActionIDs()
	if err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, id := range ids {
		if err := os.Remove(filepath.Join(as.DataDir, actionsFilename(id))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("could not remove actions for game %d: %w", id, err)
		}
	}
	as.cache = make(map[uint64][]Action)
	as.dirty = make(map[uint64]bool)
	return nil
}
