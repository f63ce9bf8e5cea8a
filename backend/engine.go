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
	"os"
	"strings"
)

// SessionStore is the keyed collection of sessions plus the id counter.
type SessionStore interface {
	// LastID returns the most recently allocated id, or 0 if none.
	LastID() uint64
	// LoadGame returns os.ErrNotExist for unknown ids.
	LoadGame(id uint64) (*Game, error)
	// PutGame stores g. Storing a game whose id is above LastID allocates it.
	PutGame(g *Game) error
}

// ActionLog is the keyed collection of action histories.
type ActionLog interface {
	LoadActions(id uint64) ([]Action, error)
	AppendAction(id uint64, pos int, a Action) error
	TruncateActions(id uint64, n int) error
}

// Engine implements the session state machine. Calls must be serialized by
// the caller. Each call touches exactly one session.
type Engine struct {
	sessions SessionStore
	actions  ActionLog
	clock    Clock
}

// NewEngine returns an Engine over the given stores.
func NewEngine(sessions SessionStore, actions ActionLog, clock Clock) *Engine {
	return &Engine{
		sessions: sessions,
		actions:  actions,
		clock:    clock,
	}
}

func (e *Engine) load(id uint64) (*Game, error) {
	g, err := e.sessions.LoadGame(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load game %d: %w", id, err)
	}
	return g, nil
}

func (e *Engine) save(g *Game) error {
	if err := e.sessions.PutGame(g); err != nil {
		return fmt.Errorf("failed to save game %d: %w", g.ID, err)
	}
	return nil
}

// CreateGame allocates the next session id and creates a session owned by creator.
func (e *Engine) CreateGame(creator string) (uint64, error) {
	id := e.sessions.LastID() + 1
	g := &Game{
		ID:                  id,
		Players:             []string{creator},
		IsActive:            true,
		CurrentPlayerIndex:  0,
		StateHash:           SeedFingerprint(id, creator),
		LastActionTimestamp: e.clock.Now(),
		TurnCount:           0,
		DirectionClockwise:  true,
		IsStarted:           false,
	}
	if err := e.save(g); err != nil {
		return 0, err
	}
	return id, nil
}

// StartGame marks a session as started and re-seeds its fingerprint from the
// player list.
func (e *Engine) StartGame(id uint64) error {
	g, err := e.load(id)
	if err != nil {
		return err
	}
	if !g.IsActive {
		return ErrNotActive
	}
	if g.IsStarted {
		return ErrAlreadyStarted
	}
	if len(g.Players) < 2 {
		return ErrInsufficientPlayers
	}

	g.IsStarted = true
	g.StateHash = SeedFingerprint(id, strings.Join(g.Players, ","))
	g.LastActionTimestamp = e.clock.Now()
	return e.save(g)
}

// JoinGame appends joinee to the end of the turn rotation.
func (e *Engine) JoinGame(id uint64, joinee string) error {
	g, err := e.load(id)
	if err != nil {
		return err
	}
	if !g.IsActive {
		return ErrNotActive
	}
	if len(g.Players) >= MaxPlayers {
		return ErrFull
	}

	g.Players = append(g.Players, joinee)
	return e.save(g)
}

// SubmitAction records a turn by actor and passes the turn to the next player.
// The session and its history are updated together: if the session cannot be
// saved the appended action is removed again.
func (e *Engine) SubmitAction(id uint64, actionHash, actor string) error {
	g, err := e.load(id)
	if err != nil {
		return err
	}
	if !g.IsActive {
		return ErrNotActive
	}
	if !g.isPlayerTurn(actor) {
		return ErrWrongTurn
	}

	now := e.clock.Now()
	pos := int(g.TurnCount)
	action := Action{
		Player:     actor,
		ActionHash: actionHash,
		Timestamp:  now,
	}
	if err := e.actions.AppendAction(id, pos, action); err != nil {
		return fmt.Errorf("failed to append action to game %d: %w", id, err)
	}

	g.StateHash = ChainFingerprint(g.StateHash, actionHash)
	g.TurnCount++
	g.CurrentPlayerIndex = (g.CurrentPlayerIndex + 1) % len(g.Players)
	g.LastActionTimestamp = now

	if err := e.save(g); err != nil {
		if terr := e.actions.TruncateActions(id, pos); terr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back action log of game %d: %w", id, terr))
		}
		return err
	}
	return nil
}

// EndGame closes a session. Only the player whose turn it is may end it.
func (e *Engine) EndGame(id uint64, actor string) error {
	g, err := e.load(id)
	if err != nil {
		return err
	}
	if !g.IsActive {
		return ErrNotActive
	}
	if !g.isPlayerTurn(actor) {
		return ErrWrongTurn
	}

	g.IsActive = false
	return e.save(g)
}
