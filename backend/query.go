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

// GetGameState returns a copy of the session, or ErrNotFound.
func (e *Engine) GetGameState(id uint64) (*Game, error) {
	g, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

// GetGameActions returns the ordered action history of a session. The result
// is empty, not nil, if nothing was recorded.
func (e *Engine) GetGameActions(id uint64) ([]Action, error) {
	actions, err := e.actions.LoadActions(id)
	if err != nil {
		return nil, err
	}
	if actions == nil {
		actions = make([]Action, 0)
	}
	return actions, nil
}
