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
	"log"
	"slices"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ttbt-io/turnledger/backend/search"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// sessionFlags is the status part of the index.
type sessionFlags struct {
	active  bool
	started bool
}

// Registry is the in-memory index of sessions by player and by status. It is
// derived state: Rebuild recreates it from the GameStore.
type Registry struct {
	gameStore *GameStore

	mu       sync.RWMutex
	flags    map[uint64]sessionFlags
	byPlayer map[string]map[uint64]struct{}

	// Recently touched sessions. Misses fall back to the GameStore.
	games *lru.Cache[uint64, Game]
}

// NewRegistry creates a Registry and indexes every stored session.
func NewRegistry(gs *GameStore) *Registry {
	cache, _ := lru.New[uint64, Game](5000)
	r := &Registry{
		gameStore: gs,
		flags:     make(map[uint64]sessionFlags),
		byPlayer:  make(map[string]map[uint64]struct{}),
		games:     cache,
	}
	r.Rebuild()
	return r
}

// Rebuild drops the index and scans the GameStore.
func (r *Registry) Rebuild() {
	r.mu.Lock()
	r.flags = make(map[uint64]sessionFlags)
	r.byPlayer = make(map[string]map[uint64]struct{})
	r.games.Purge()
	r.mu.Unlock()

	for g, err := range r.gameStore.ListAllGames() {
		if err != nil {
			log.Printf("Registry: Error listing games: %v", err)
			break
		}
		r.UpdateGame(g)
	}
	log.Printf("Registry: Rebuild complete. Indexed %d sessions.", r.CountTotalGames())
}

// UpdateGame indexes the current state of g.
func (r *Registry) UpdateGame(g *Game) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flags[g.ID] = sessionFlags{active: g.IsActive, started: g.IsStarted}
	for _, p := range g.Players {
		key := strings.ToLower(p)
		ids, ok := r.byPlayer[key]
		if !ok {
			ids = make(map[uint64]struct{})
			r.byPlayer[key] = ids
		}
		ids[g.ID] = struct{}{}
	}
	r.games.Add(g.ID, *g.Clone())
}

// CountTotalGames returns the number of indexed sessions.
func (r *Registry) CountTotalGames() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flags)
}

// getGame returns the latest record of id. The caller must hold r.mu.
func (r *Registry) getGame(id uint64) (Game, bool) {
	if g, ok := r.games.Get(id); ok {
		return g, true
	}
	g, err := r.gameStore.LoadGame(id)
	if err != nil {
		return Game{}, false
	}
	r.games.Add(id, *g)
	return *g, true
}

// ListGames returns one page of the sessions matching query in ascending id
// order, and the number of matches across all pages. limit is clamped to
// 1..100 and defaults to 50.
func (r *Registry) ListGames(query string, limit, offset int) ([]Game, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(offset, 0)

	q := search.Parse(query)
	for i, t := range q.FreeText {
		q.FreeText[i] = strings.ToLower(t)
	}
	for i, f := range q.Filters {
		q.Filters[i].Key = strings.ToLower(f.Key)
		q.Filters[i].Value = strings.ToLower(f.Value)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.candidates(q)
	slices.Sort(ids)

	out := make([]Game, 0, min(limit, len(ids)))
	total := 0
	for _, id := range ids {
		if !matchesFlags(r.flags[id], q) {
			continue
		}
		g, ok := r.getGame(id)
		if !ok || !matchesGame(g, q) {
			continue
		}
		total++
		if total > offset && len(out) < limit {
			out = append(out, *g.Clone())
		}
	}
	return out, total
}

// candidates narrows the scan with the player index when the query has a
// player filter. The caller must hold r.mu.
func (r *Registry) candidates(q search.Query) []uint64 {
	for _, f := range q.Filters {
		if f.Key != "player" || f.Operator != search.OpEqual {
			continue
		}
		ids := make([]uint64, 0, len(r.byPlayer[f.Value]))
		for id := range r.byPlayer[f.Value] {
			ids = append(ids, id)
		}
		return ids
	}
	ids := make([]uint64, 0, len(r.flags))
	for id := range r.flags {
		ids = append(ids, id)
	}
	return ids
}

func matchesFlags(fl sessionFlags, q search.Query) bool {
	for _, f := range q.Filters {
		if f.Key != "is" {
			continue
		}
		switch f.Value {
		case "active":
			if !fl.active {
				return false
			}
		case "ended":
			if fl.active {
				return false
			}
		case "started":
			if !fl.started {
				return false
			}
		case "open":
			if fl.started {
				return false
			}
		}
	}
	return true
}

func containsLower(s, substrLower string) bool {
	return strings.Contains(strings.ToLower(s), substrLower)
}

func hasPlayer(g Game, match func(string) bool) bool {
	return slices.ContainsFunc(g.Players, match)
}

func matchesGame(g Game, q search.Query) bool {
	for _, token := range q.FreeText {
		if !hasPlayer(g, func(p string) bool { return containsLower(p, token) }) {
			return false
		}
	}
	for _, f := range q.Filters {
		switch f.Key {
		case "player":
			if !hasPlayer(g, func(p string) bool { return strings.ToLower(p) == f.Value }) {
				return false
			}
		case "turns":
			if !checkCountFilter(g.TurnCount, f) {
				return false
			}
		}
	}
	return true
}

// checkCountFilter compares n against a numeric filter. A value that does
// not parse matches nothing.
func checkCountFilter(n uint64, f search.Filter) bool {
	v, err := strconv.ParseUint(f.Value, 10, 64)
	if err != nil {
		return false
	}
	switch f.Operator {
	case search.OpEqual:
		return n == v
	case search.OpGreater:
		return n > v
	case search.OpGreaterOrEqual:
		return n >= v
	case search.OpLess:
		return n < v
	case search.OpLessOrEqual:
		return n <= v
	case search.OpRange:
		hi, err := strconv.ParseUint(f.MaxValue, 10, 64)
		if err != nil {
			return false
		}
		return n >= v && n <= hi
	}
	return true
}
