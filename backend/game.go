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
	"slices"
)

var (
	ErrNotFound            = errors.New("game not found")
	ErrNotActive           = errors.New("game is not active")
	ErrAlreadyStarted      = errors.New("game already started")
	ErrInsufficientPlayers = errors.New("not enough players")
	ErrFull                = errors.New("game is full")
	ErrWrongTurn           = errors.New("not your turn")
)

// Game is the state of one session.
type Game struct {
	ID                  uint64   `json:"id"`
	Players             []string `json:"players"`
	IsActive            bool     `json:"isActive"`
	CurrentPlayerIndex  int      `json:"currentPlayerIndex"`
	StateHash           string   `json:"stateHash"`
	LastActionTimestamp uint64   `json:"lastActionTimestamp"`
	TurnCount           uint64   `json:"turnCount"`
	DirectionClockwise  bool     `json:"directionClockwise"`
	IsStarted           bool     `json:"isStarted"`

	// LastRaftIndex tracks the index of the last Raft log entry applied to this game.
	// Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

// Clone returns a deep copy of g.
func (g *Game) Clone() *Game {
	c := *g
	c.Players = slices.Clone(g.Players)
	return &c
}

// CurrentPlayer returns the identity whose turn it is.
func (g *Game) CurrentPlayer() string {
	if len(g.Players) == 0 {
		return ""
	}
	return g.Players[g.CurrentPlayerIndex]
}

func (g *Game) isPlayerTurn(player string) bool {
	return len(g.Players) > 0 && g.CurrentPlayer() == player
}

// Action is one accepted turn.
type Action struct {
	Player     string `json:"player"`
	ActionHash string `json:"actionHash"`
	Timestamp  uint64 `json:"timestamp"`
}

// ErrorCode returns the wire code for err, or "" if err is not one of the
// session errors.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrAlreadyStarted):
		return "already_started"
	case errors.Is(err, ErrInsufficientPlayers):
		return "insufficient_players"
	case errors.Is(err, ErrFull):
		return "full"
	case errors.Is(err, ErrWrongTurn):
		return "wrong_turn"
	}
	return ""
}
