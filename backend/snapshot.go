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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// maxSnapshotEntry bounds a single file inside a snapshot archive.
const maxSnapshotEntry = 64 << 20

type snapshotManifest struct {
	NodeMap   map[string]*NodeMeta `json:"nodeMap"`
	RaftIndex uint64               `json:"raftIndex"`
	Counter   sessionCounter       `json:"counter"`
}

// persist writes the state as a gzip-compressed tar archive.
func (f *FSM) persist(w io.Writer) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifest := snapshotManifest{
		NodeMap:   f.nodes(),
		RaftIndex: f.LastAppliedIndex(),
		Counter: sessionCounter{
			LastID:        f.gs.LastID(),
			LastRaftIndex: f.gs.CounterRaftIndex(),
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := writeFileToTar(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}

	gameIDs, err := f.gs.ListAllGameIDs()
	if err != nil {
		return err
	}
	for _, id := range gameIDs {
		g, err := f.gs.LoadGame(id)
		if err != nil {
			log.Printf("Snapshot Warning: failed to load game %d: %v", id, err)
			continue
		}
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("failed to marshal game %d: %w", id, err)
		}
		if err := writeFileToTar(tw, gameFilename(id), data); err != nil {
			return err
		}
	}

	actionIDs, err := f.as.ListAllActionIDs()
	if err != nil {
		return err
	}
	for _, id := range actionIDs {
		actions, err := f.as.LoadActions(id)
		if err != nil {
			return fmt.Errorf("failed to load actions of game %d: %w", id, err)
		}
		data, err := json.Marshal(actions)
		if err != nil {
			return fmt.Errorf("failed to marshal actions of game %d: %w", id, err)
		}
		if err := writeFileToTar(tw, actionsFilename(id), data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// snapshotEntry is one decoded record handed to the restore workers.
type snapshotEntry struct {
	game    *Game
	id      uint64
	actions []Action
}

// entryID extracts the numeric id from "sessions/7.json".
func entryID(name string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSuffix(path.Base(name), ".json"), 10, 64)
	return id, err == nil
}

// restore replaces all state with the content of a snapshot archive. The
// caller must hold f.mu.
func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	if err := f.as.Reset(); err != nil {
		return err
	}
	if err := f.gs.Reset(); err != nil {
		return err
	}

	numWorkers := runtime.NumCPU()
	jobs := make(chan snapshotEntry, numWorkers)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				var err error
				if job.game != nil {
					err = f.gs.SaveGame(job.game)
				} else {
					err = f.as.RestoreActions(job.id, job.actions)
				}
				if err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}
	teardown := func() { close(jobs); wg.Wait() }

	var manifest snapshotManifest
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			teardown()
			return err
		}
		if header.Size > maxSnapshotEntry {
			teardown()
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		var job snapshotEntry
		switch {
		case header.Name == "manifest.json":
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				teardown()
				return fmt.Errorf("invalid snapshot manifest: %w", err)
			}
			continue
		case strings.HasPrefix(header.Name, "sessions/"):
			var g Game
			if err := json.NewDecoder(tr).Decode(&g); err != nil {
				log.Printf("Restore Warning: failed to unmarshal %s: %v", header.Name, err)
				continue
			}
			job.game = &g
		case strings.HasPrefix(header.Name, "actions/"):
			id, ok := entryID(header.Name)
			if !ok {
				continue
			}
			var actions []Action
			if err := json.NewDecoder(tr).Decode(&actions); err != nil {
				teardown()
				return fmt.Errorf("failed to unmarshal %s: %w", header.Name, err)
			}
			job.id, job.actions = id, actions
		default:
			continue
		}

		select {
		case jobs <- job:
		case err := <-errCh:
			teardown()
			return err
		}
	}
	teardown()
	select {
	case err := <-errCh:
		return err
	default:
	}

	f.nodeMap.Clear()
	for k, v := range manifest.NodeMap {
		f.nodeMap.Store(k, v)
	}
	f.saveNodes()
	f.lastAppliedIndex.Store(manifest.RaftIndex)
	return f.gs.RestoreCounter(manifest.Counter.LastID, manifest.Counter.LastRaftIndex)
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
