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
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

type testFSM struct {
	*FSM
	dir   string
	index uint64
}

func newTestFSM(t testing.TB) *testFSM {
	t.Helper()
	dir := t.TempDir()
	s := storage.New(dir, nil)
	gs := NewGameStore(dir, s)
	as := NewActionStore(dir, s)
	return &testFSM{FSM: NewFSM(gs, as, NewRegistry(gs), NewHubManager(gs), s), dir: dir}
}

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// logEntry builds the log entry that raft would hand to the FSM at index.
func logEntry(t *testing.T, cmd RaftCommand, index uint64, useGob bool) *raft.Log {
	t.Helper()
	data, err := encodeCommand(cmd, useGob)
	if err != nil {
		t.Fatalf("encodeCommand failed: %v", err)
	}
	return &raft.Log{
		Index:      index,
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: testEpoch.Add(time.Duration(index) * time.Second),
	}
}

// apply applies cmd at the next index.
func (f *testFSM) apply(t *testing.T, cmd RaftCommand) (*ApplyResult, error) {
	t.Helper()
	f.index++
	return applyResponse(f.Apply(logEntry(t, cmd, f.index, f.UseGob)))
}

func (f *testFSM) mustApply(t *testing.T, cmd RaftCommand) *ApplyResult {
	t.Helper()
	res, err := f.apply(t, cmd)
	if err != nil {
		t.Fatalf("apply %s failed: %v", cmd.Type, err)
	}
	return res
}

func (f *testFSM) state(t *testing.T, id uint64) *Game {
	t.Helper()
	g, err := f.Engine().GetGameState(id)
	if err != nil {
		t.Fatalf("GetGameState(%d) failed: %v", id, err)
	}
	return g
}

// playScript creates a session, seats three players, starts and plays a few turns.
func playScript(t *testing.T, f *testFSM) uint64 {
	t.Helper()
	id := f.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "alice"}).GameID
	f.mustApply(t, RaftCommand{Type: CmdJoinGame, GameID: id, Player: "bob"})
	f.mustApply(t, RaftCommand{Type: CmdJoinGame, GameID: id, Player: "carol"})
	f.mustApply(t, RaftCommand{Type: CmdStartGame, GameID: id, Player: "alice"})
	for i, p := range []string{"alice", "bob", "carol", "alice"} {
		f.mustApply(t, RaftCommand{Type: CmdSubmitAction, GameID: id, Player: p, ActionHash: string(rune('a' + i))})
	}
	return id
}

func TestFSMApply(t *testing.T) {
	for _, useGob := range []bool{false, true} {
		name := "JSON"
		if useGob {
			name = "Gob"
		}
		t.Run(name, func(t *testing.T) {
			f := newTestFSM(t)
			f.UseGob = useGob
			id := playScript(t, f)

			g := f.state(t, id)
			if g.TurnCount != 4 || g.CurrentPlayer() != "bob" {
				t.Errorf("unexpected state: %+v", g)
			}
			if g.LastRaftIndex != f.index {
				t.Errorf("LastRaftIndex = %d, want %d", g.LastRaftIndex, f.index)
			}
			if f.LastAppliedIndex() != f.index {
				t.Errorf("LastAppliedIndex = %d, want %d", f.LastAppliedIndex(), f.index)
			}

			actions, _ := f.Engine().GetGameActions(id)
			if len(actions) != 4 {
				t.Fatalf("got %d actions", len(actions))
			}
			// Timestamps come from the log entry, not the wall clock.
			want := uint64(testEpoch.Add(8 * time.Second).UnixNano())
			if actions[3].Timestamp != want || g.LastActionTimestamp != want {
				t.Errorf("timestamp = %d/%d, want %d", actions[3].Timestamp, g.LastActionTimestamp, want)
			}

			if got, _ := f.Registry().ListGames("player:carol", 0, 0); len(got) != 1 || got[0].TurnCount != 4 {
				t.Errorf("registry not updated: %+v", got)
			}
		})
	}
}

func TestFSMApplyErrors(t *testing.T) {
	f := newTestFSM(t)
	id := f.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "alice"}).GameID

	tests := []struct {
		cmd  RaftCommand
		want error
	}{
		{RaftCommand{Type: CmdStartGame, GameID: id}, ErrInsufficientPlayers},
		{RaftCommand{Type: CmdSubmitAction, GameID: id, Player: "bob", ActionHash: "x"}, ErrWrongTurn},
		{RaftCommand{Type: CmdJoinGame, GameID: 42, Player: "bob"}, ErrNotFound},
	}
	for _, tt := range tests {
		if _, err := f.apply(t, tt.cmd); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.cmd.Type, err, tt.want)
		}
	}

	if _, err := f.apply(t, RaftCommand{Type: "BOGUS"}); err == nil {
		t.Error("unknown command type accepted")
	}
	if resp := f.Apply(&raft.Log{Index: 99, Data: []byte("{not json")}); resp == nil {
		t.Error("undecodable entry accepted")
	}
	if _, err := applyResponse(nil); err != nil {
		t.Errorf("nil response: %v", err)
	}
	if _, err := applyResponse(42); !errors.Is(err, errUnexpectedResponse) {
		t.Errorf("got %v, want errUnexpectedResponse", err)
	}
}

func TestFSMReplayIsIdempotent(t *testing.T) {
	f := newTestFSM(t)
	var entries []*raft.Log
	record := func(cmd RaftCommand) {
		f.index++
		l := logEntry(t, cmd, f.index, false)
		entries = append(entries, l)
		if _, err := applyResponse(f.Apply(l)); err != nil {
			t.Fatalf("apply %s: %v", cmd.Type, err)
		}
	}
	record(RaftCommand{Type: CmdCreateGame, Player: "alice"})
	record(RaftCommand{Type: CmdJoinGame, GameID: 1, Player: "bob"})
	record(RaftCommand{Type: CmdCreateGame, Player: "carol"})
	record(RaftCommand{Type: CmdSubmitAction, GameID: 1, Player: "alice", ActionHash: "h1"})
	record(RaftCommand{Type: CmdSubmitAction, GameID: 1, Player: "bob", ActionHash: "h2"})

	before := f.state(t, 1)
	replayed := make([]*ApplyResult, 0, len(entries))
	for _, l := range entries {
		res, err := applyResponse(f.Apply(l))
		if err != nil {
			t.Fatalf("replay of index %d failed: %v", l.Index, err)
		}
		replayed = append(replayed, res)
	}

	after := f.state(t, 1)
	if after.StateHash != before.StateHash || after.TurnCount != before.TurnCount || len(after.Players) != 2 {
		t.Errorf("replay changed the session:\nbefore %+v\nafter  %+v", before, after)
	}
	if actions, _ := f.Engine().GetGameActions(1); len(actions) != 2 {
		t.Errorf("replay duplicated actions: %d", len(actions))
	}
	if f.gs.LastID() != 2 {
		t.Errorf("replay allocated new ids: LastID = %d", f.gs.LastID())
	}
	if replayed[2].GameID != 2 {
		t.Errorf("replayed create returned id %d, want 2", replayed[2].GameID)
	}
}

func TestFSMNodeMeta(t *testing.T) {
	f := newTestFSM(t)
	f.mustApply(t, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: "n1", HttpAddr: "10.0.0.1:8080"}})
	f.mustApply(t, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: "n2", HttpAddr: "10.0.0.2:8080"}})
	if f.GetNodeCount() != 2 || f.GetNodeAddr("n2") != "10.0.0.2:8080" {
		t.Errorf("nodes = %v", f.GetAllNodes())
	}
	f.mustApply(t, RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: "n1"}})
	if f.GetNodeMeta("n1") != nil || f.GetNodeCount() != 1 {
		t.Errorf("n1 not removed: %v", f.GetAllNodes())
	}
	if _, err := f.apply(t, RaftCommand{Type: CmdNodeMeta}); err == nil {
		t.Error("NODE_META without metadata accepted")
	}

	// Survives a restart of the FSM.
	s := storage.New(f.dir, nil)
	gs := NewGameStore(f.dir, s)
	f2 := NewFSM(gs, NewActionStore(f.dir, s), nil, nil, s)
	if f2.GetNodeAddr("n2") != "10.0.0.2:8080" {
		t.Errorf("reloaded nodes = %v", f2.GetAllNodes())
	}
}

func TestFSMSnapshotRestore(t *testing.T) {
	src := newTestFSM(t)
	id := playScript(t, src)
	src.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "dave"})
	src.mustApply(t, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{NodeID: "n1", HttpAddr: "h:1"}})

	var buf bytes.Buffer
	if err := src.persist(&buf); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	dst := newTestFSM(t)
	// Pre-existing state is replaced.
	dst.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "stale"})
	dst.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "stale"})
	dst.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "stale"})
	if err := dst.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	want, got := src.state(t, id), dst.state(t, id)
	if got.StateHash != want.StateHash || got.TurnCount != want.TurnCount || got.LastRaftIndex != want.LastRaftIndex {
		t.Errorf("restored session differs:\nwant %+v\ngot  %+v", want, got)
	}
	if g := dst.state(t, 2); g.Players[0] != "dave" {
		t.Errorf("session 2 = %+v", g)
	}
	if _, err := dst.Engine().GetGameState(3); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale session 3 survived restore: %v", err)
	}
	srcActions, _ := src.Engine().GetGameActions(id)
	dstActions, _ := dst.Engine().GetGameActions(id)
	if len(dstActions) != len(srcActions) || dstActions[3] != srcActions[3] {
		t.Errorf("restored actions = %+v", dstActions)
	}
	if dst.gs.LastID() != 2 || dst.gs.CounterRaftIndex() != src.gs.CounterRaftIndex() {
		t.Errorf("counter = %d/%d", dst.gs.LastID(), dst.gs.CounterRaftIndex())
	}
	if dst.LastAppliedIndex() != src.index {
		t.Errorf("LastAppliedIndex = %d, want %d", dst.LastAppliedIndex(), src.index)
	}
	if dst.GetNodeAddr("n1") != "h:1" {
		t.Errorf("node map not restored: %v", dst.GetAllNodes())
	}
	if dst.Registry().CountTotalGames() != 2 {
		t.Errorf("registry has %d sessions after restore", dst.Registry().CountTotalGames())
	}

	// Entries after the snapshot continue the id sequence.
	dst.index = src.index
	if res := dst.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "erin"}); res.GameID != 3 {
		t.Errorf("next id after restore = %d, want 3", res.GameID)
	}
}

func TestFSMRestoreRejectsGarbage(t *testing.T) {
	f := newTestFSM(t)
	if err := f.Restore(io.NopCloser(bytes.NewReader([]byte("not a snapshot")))); err == nil {
		t.Error("Restore accepted garbage")
	}
}

func TestFSMFlushAll(t *testing.T) {
	f := newTestFSM(t)
	f.gs.SyncWrites = false
	f.as.SyncWrites = false
	id := playScript(t, f)
	if err := f.FlushAll(); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	s := storage.New(f.dir, nil)
	gs := NewGameStore(f.dir, s)
	as := NewActionStore(f.dir, s)
	g, err := gs.LoadGame(id)
	if err != nil {
		t.Fatalf("session not on disk: %v", err)
	}
	actions, _ := as.LoadActions(id)
	if uint64(len(actions)) != g.TurnCount {
		t.Errorf("disk holds %d actions for %d turns", len(actions), g.TurnCount)
	}
}

func TestFSMApplyReturnsResultingState(t *testing.T) {
	f := newTestFSM(t)
	id := f.mustApply(t, RaftCommand{Type: CmdCreateGame, Player: "alice"}).GameID

	joined := f.mustApply(t, RaftCommand{Type: CmdJoinGame, GameID: id, Player: "bob"})
	if joined.Game == nil || len(joined.Game.Players) != 2 {
		t.Fatalf("join result = %+v", joined.Game)
	}
	started := f.mustApply(t, RaftCommand{Type: CmdStartGame, GameID: id})
	submitted := f.mustApply(t, RaftCommand{Type: CmdSubmitAction, GameID: id, Player: "alice", ActionHash: "h1"})
	f.mustApply(t, RaftCommand{Type: CmdSubmitAction, GameID: id, Player: "bob", ActionHash: "h2"})

	// Each result holds the state right after its own command.
	if joined.Game.IsStarted {
		t.Error("join result shows the later start")
	}
	if !started.Game.IsStarted || started.Game.TurnCount != 0 {
		t.Errorf("start result = %+v", started.Game)
	}
	if submitted.Game.TurnCount != 1 || submitted.Game.CurrentPlayer() != "bob" {
		t.Errorf("submit result = %+v", submitted.Game)
	}
	if cur := f.state(t, id); cur.TurnCount != 2 || cur.StateHash == submitted.Game.StateHash {
		t.Errorf("stored state = %+v", cur)
	}

	submitted.Game.Players[0] = "mallory"
	if f.state(t, id).Players[0] != "alice" {
		t.Error("result aliases the stored session")
	}
}
