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
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/pmezard/go-difflib/difflib"
)

// modelGame is a minimal reference implementation of the session rules.
type modelGame struct {
	players []string
	active  bool
	started bool
	cur     int
	hash    string
	turns   uint64
}

type model struct {
	games []*modelGame // index id-1
}

func (m *model) get(id uint64) *modelGame {
	if id == 0 || id > uint64(len(m.games)) {
		return nil
	}
	return m.games[id-1]
}

func (m *model) apply(cmd RaftCommand) (uint64, error) {
	if cmd.Type == CmdCreateGame {
		id := uint64(len(m.games) + 1)
		m.games = append(m.games, &modelGame{
			players: []string{cmd.Player},
			active:  true,
			hash:    SeedFingerprint(id, cmd.Player),
		})
		return id, nil
	}
	g := m.get(cmd.GameID)
	if g == nil {
		return 0, ErrNotFound
	}
	switch cmd.Type {
	case CmdJoinGame:
		if !g.active {
			return 0, ErrNotActive
		}
		if len(g.players) >= MaxPlayers {
			return 0, ErrFull
		}
		g.players = append(g.players, cmd.Player)
	case CmdStartGame:
		if !g.active {
			return 0, ErrNotActive
		}
		if g.started {
			return 0, ErrAlreadyStarted
		}
		if len(g.players) < 2 {
			return 0, ErrInsufficientPlayers
		}
		g.started = true
		g.hash = SeedFingerprint(cmd.GameID, strings.Join(g.players, ","))
	case CmdSubmitAction:
		if !g.active {
			return 0, ErrNotActive
		}
		if g.players[g.cur] != cmd.Player {
			return 0, ErrWrongTurn
		}
		g.hash = ChainFingerprint(g.hash, cmd.ActionHash)
		g.turns++
		g.cur = (g.cur + 1) % len(g.players)
	case CmdEndGame:
		if !g.active {
			return 0, ErrNotActive
		}
		if g.players[g.cur] != cmd.Player {
			return 0, ErrWrongTurn
		}
		g.active = false
	}
	return cmd.GameID, nil
}

var fuzzPlayers = []string{"alice", "bob", "carol", "dave"}

// randomCommand favors valid moves so that sessions progress.
func randomCommand(r *rand.Rand, m *model) RaftCommand {
	player := fuzzPlayers[r.IntN(len(fuzzPlayers))]
	n := len(m.games)
	if n == 0 || r.IntN(10) == 0 {
		return RaftCommand{Type: CmdCreateGame, Player: player}
	}
	id := uint64(r.IntN(n+2)) // includes 0 and an unknown id
	if g := m.get(id); g != nil && r.IntN(3) > 0 {
		player = g.players[g.cur]
	}
	switch x := r.IntN(20); {
	case x < 5:
		return RaftCommand{Type: CmdJoinGame, GameID: id, Player: player}
	case x < 7:
		return RaftCommand{Type: CmdStartGame, GameID: id, Player: player}
	case x < 19:
		return RaftCommand{Type: CmdSubmitAction, GameID: id, Player: player, ActionHash: fmt.Sprintf("h%d", r.IntN(1000))}
	default:
		return RaftCommand{Type: CmdEndGame, GameID: id, Player: player}
	}
}

func checkAgainstModel(t *testing.T, f *testFSM, m *model, step int) {
	t.Helper()
	for i, want := range m.games {
		id := uint64(i + 1)
		got := f.state(t, id)
		if !slices.Equal(got.Players, want.players) || got.IsActive != want.active || got.IsStarted != want.started ||
			got.CurrentPlayerIndex != want.cur || got.StateHash != want.hash || got.TurnCount != want.turns {
			t.Fatalf("step %d: session %d diverged:\ngot   %+v\nmodel %+v", step, id, got, want)
		}
		if got.CurrentPlayerIndex < 0 || got.CurrentPlayerIndex >= len(got.Players) {
			t.Fatalf("step %d: session %d current index %d out of range", step, id, got.CurrentPlayerIndex)
		}
		if len(got.Players) > MaxPlayers {
			t.Fatalf("step %d: session %d has %d players", step, id, len(got.Players))
		}
		actions, _ := f.Engine().GetGameActions(id)
		if uint64(len(actions)) != got.TurnCount {
			t.Fatalf("step %d: session %d has %d actions for %d turns", step, id, len(actions), got.TurnCount)
		}
	}
}

func TestRandomOperationSequences(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("Seed%d", seed), func(t *testing.T) {
			r := rand.New(rand.NewPCG(seed, 0))
			f := newTestFSM(t)
			m := &model{}
			for step := 0; step < 300; step++ {
				cmd := randomCommand(r, m)
				wantID, wantErr := m.apply(cmd)
				res, err := f.apply(t, cmd)
				switch {
				case wantErr != nil:
					if !errors.Is(err, wantErr) {
						t.Fatalf("step %d: %+v: got %v, want %v", step, cmd, err, wantErr)
					}
				case err != nil:
					t.Fatalf("step %d: %+v: unexpected error %v", step, cmd, err)
				case res.GameID != wantID:
					t.Fatalf("step %d: %+v: id %d, want %d", step, cmd, res.GameID, wantID)
				}
				if step%25 == 0 {
					checkAgainstModel(t, f, m, step)
				}
			}
			checkAgainstModel(t, f, m, 300)
		})
	}
}

// trace renders the observable state after every entry.
func trace(t *testing.T, f *testFSM, entries []*raft.Log) string {
	t.Helper()
	var sb strings.Builder
	for _, l := range entries {
		res, err := applyResponse(f.Apply(l))
		fmt.Fprintf(&sb, "%d %s", l.Index, ErrorCode(err))
		if res != nil && res.GameID != 0 {
			g := f.state(t, res.GameID)
			fmt.Fprintf(&sb, " id=%d hash=%s turns=%d ts=%d", g.ID, g.StateHash, g.TurnCount, g.LastActionTimestamp)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestReplayDeterminism(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	m := &model{}
	var entries []*raft.Log
	for i := uint64(1); i <= 200; i++ {
		cmd := randomCommand(r, m)
		m.apply(cmd)
		entries = append(entries, logEntry(t, cmd, i, false))
	}

	a := trace(t, newTestFSM(t), entries)
	b := trace(t, newTestFSM(t), entries)
	if a != b {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(a),
			B:        difflib.SplitLines(b),
			FromFile: "ReplicaA",
			ToFile:   "ReplicaB",
			Context:  3,
		})
		t.Fatalf("replicas diverged:\n%s", diff)
	}

	// Re-applying the whole log on top of itself changes nothing.
	f := newTestFSM(t)
	trace(t, f, entries)
	var before strings.Builder
	for id := uint64(1); id <= f.gs.LastID(); id++ {
		g := f.state(t, id)
		fmt.Fprintf(&before, "%d %s %d\n", id, g.StateHash, g.TurnCount)
	}
	for _, l := range entries {
		f.Apply(l)
	}
	var after strings.Builder
	for id := uint64(1); id <= f.gs.LastID(); id++ {
		g := f.state(t, id)
		actions, _ := f.Engine().GetGameActions(id)
		if uint64(len(actions)) != g.TurnCount {
			t.Errorf("session %d: %d actions for %d turns after replay", id, len(actions), g.TurnCount)
		}
		fmt.Fprintf(&after, "%d %s %d\n", id, g.StateHash, g.TurnCount)
	}
	if before.String() != after.String() {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(before.String()),
			B:        difflib.SplitLines(after.String()),
			FromFile: "Applied",
			ToFile:   "Replayed",
			Context:  3,
		})
		t.Fatalf("replay changed state:\n%s", diff)
	}
}

// FuzzDecodeCommand feeds arbitrary log data to the FSM to ensure no panics.
func FuzzDecodeCommand(f *testing.F) {
	f.Add([]byte(`{"type":"CREATE_GAME","player":"alice"}`))
	f.Add([]byte(`{"type":"SUBMIT_ACTION","gameId":1,"player":"alice","actionHash":"x"}`))
	f.Add([]byte(`{"type":"NODE_META"}`))
	f.Add([]byte(`invalid json`))
	fsm := newTestFSM(f)
	f.Fuzz(func(t *testing.T, data []byte) {
		_ = fsm.Apply(&raft.Log{Data: data})
	})
}
