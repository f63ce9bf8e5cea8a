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
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

const nodesFile = "nodes.json"

// FSM implements the raft.FSM interface on top of the session engine.
type FSM struct {
	gs      *GameStore
	as      *ActionStore
	r       *Registry
	hm      *HubManager
	storage *storage.Storage

	// UseGob selects gob instead of JSON for log entries.
	UseGob bool

	// mu keeps Persist from observing a half-applied command.
	mu    sync.RWMutex
	clock logClock
	query *Engine

	// onSnapshot runs on the FSM goroutine each time a snapshot starts.
	onSnapshot func()

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM. hm may be nil.
func NewFSM(gs *GameStore, as *ActionStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		gs:      gs,
		as:      as,
		r:       r,
		hm:      hm,
		storage: s,
	}
	f.query = NewEngine(gs, as, SystemClock{})
	if s != nil {
		f.loadNodes()
	}
	return f
}

// Engine returns an engine for read-only queries. Mutations must go through
// Apply.
func (f *FSM) Engine() *Engine {
	return f.query
}

// Registry returns the session index.
func (f *FSM) Registry() *Registry {
	return f.r
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile(nodesFile, &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read %s: %v", nodesFile, err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile(nodesFile, f.nodes()); err != nil {
		log.Printf("FSM Error: failed to save %s: %v", nodesFile, err)
	}
}

func (f *FSM) nodes() map[string]*NodeMeta {
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	return nodes
}

// GetNodeCount returns the number of registered nodes.
func (f *FSM) GetNodeCount() int {
	return len(f.nodes())
}

// GetAllNodes returns the HTTP address of every registered node.
func (f *FSM) GetAllNodes() map[string]string {
	out := make(map[string]string)
	for id, meta := range f.nodes() {
		out[id] = meta.HttpAddr
	}
	return out
}

// GetNodeAddr returns the HTTP address of nodeID, or "".
func (f *FSM) GetNodeAddr(nodeID string) string {
	if meta := f.GetNodeMeta(nodeID); meta != nil {
		return meta.HttpAddr
	}
	return ""
}

func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		return val.(*NodeMeta)
	}
	return nil
}

// Apply applies a Raft log entry. It returns an *ApplyResult or an error.
func (f *FSM) Apply(l *raft.Log) any {
	if len(l.Data) == 0 {
		return nil
	}
	cmd, err := decodeCommand(l.Data, f.UseGob)
	if err != nil {
		log.Printf("FSM Apply Error: failed to decode command (gob=%v): %v", f.UseGob, err)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.clock.set(l)
	res := f.applyCommand(cmd, l.Index)
	if l.Index > 0 {
		f.lastAppliedIndex.Store(l.Index)
	}
	return res
}

// indexedSessions stamps every stored session with the index of the entry
// being applied, so that replayed entries can be recognized.
type indexedSessions struct {
	*GameStore
	index uint64
}

func (s indexedSessions) PutGame(g *Game) error {
	if s.index > 0 {
		g.LastRaftIndex = s.index
	}
	return s.GameStore.PutGame(g)
}

func (f *FSM) engine(index uint64) *Engine {
	return NewEngine(indexedSessions{GameStore: f.gs, index: index}, f.as, &f.clock)
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) any {
	switch cmd.Type {
	case CmdCreateGame:
		return f.applyCreate(cmd, index)
	case CmdJoinGame, CmdStartGame, CmdSubmitAction, CmdEndGame:
		return f.applySessionCommand(cmd, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta for leave")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyCreate(cmd RaftCommand, index uint64) any {
	if index > 0 && index <= f.gs.CounterRaftIndex() {
		// Already applied.
		if index == f.gs.CounterRaftIndex() {
			return &ApplyResult{GameID: f.gs.LastID()}
		}
		return &ApplyResult{}
	}
	id, err := f.engine(index).CreateGame(cmd.Player)
	if err != nil {
		log.Printf("FSM Apply Error: create failed: %v", err)
		return err
	}
	f.publish(id, nil)
	return &ApplyResult{GameID: id}
}

func (f *FSM) applySessionCommand(cmd RaftCommand, index uint64) any {
	id := cmd.GameID
	if index > 0 {
		g, err := f.gs.LoadGame(id)
		if err == nil && index <= g.LastRaftIndex {
			return &ApplyResult{GameID: id}
		}
	}

	e := f.engine(index)
	var err error
	var action *Action
	switch cmd.Type {
	case CmdJoinGame:
		err = e.JoinGame(id, cmd.Player)
	case CmdStartGame:
		err = e.StartGame(id)
	case CmdSubmitAction:
		err = e.SubmitAction(id, cmd.ActionHash, cmd.Player)
		action = &Action{Player: cmd.Player, ActionHash: cmd.ActionHash, Timestamp: f.clock.Now()}
	case CmdEndGame:
		err = e.EndGame(id, cmd.Player)
	}
	if err != nil {
		if ErrorCode(err) == "" {
			log.Printf("FSM Apply Error: %s on game %d: %v", cmd.Type, id, err)
		}
		return err
	}
	res := &ApplyResult{GameID: id}
	if g := f.publish(id, action); g != nil {
		res.Game = g.Clone()
	}
	return res
}

// publish updates the registry and live subscribers after a mutation and
// returns the stored session.
func (f *FSM) publish(id uint64, action *Action) *Game {
	g, err := f.gs.LoadGame(id)
	if err != nil {
		log.Printf("FSM Warning: could not reload game %d: %v", id, err)
		return nil
	}
	if f.r != nil {
		f.r.UpdateGame(g)
	}
	if f.hm != nil {
		f.hm.BroadcastToGame(id, HubMessage{Type: MsgUpdate, Game: g, Action: action})
	}
	return g
}

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.fsm.persist(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	start := time.Now()
	if err := f.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flush failed: %v", err)
		return nil, err
	}
	log.Printf("FSM Snapshot: flushed stores in %v", time.Since(start))
	if f.onSnapshot != nil {
		f.onSnapshot()
	}
	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	f.mu.Lock()
	err := f.restore(rc)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.r != nil {
		f.r.Rebuild()
	}
	return nil
}

// FlushAll writes every cached change to disk. Histories are written before
// sessions so that a session on disk never claims more turns than its
// history holds.
func (f *FSM) FlushAll() error {
	if err := f.as.FlushAll(); err != nil {
		return err
	}
	if err := f.gs.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush sessions: %w", err)
	}
	return nil
}
