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
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Applier totally orders commands and applies them to the state machine.
type Applier interface {
	Apply(cmd RaftCommand) (*ApplyResult, error)
}

// LocalApplier applies commands in-process, one at a time, for standalone
// deployments without a raft cluster.
type LocalApplier struct {
	fsm *FSM

	// Now stamps entries. Defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// NewLocalApplier returns a LocalApplier for fsm.
func NewLocalApplier(fsm *FSM) *LocalApplier {
	return &LocalApplier{fsm: fsm, Now: time.Now}
}

// Apply encodes cmd as a log entry with index 0 and applies it.
func (a *LocalApplier) Apply(cmd RaftCommand) (*ApplyResult, error) {
	data, err := encodeCommand(cmd, a.fsm.UseGob)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	resp := a.fsm.Apply(&raft.Log{
		Type:       raft.LogCommand,
		Data:       data,
		AppendedAt: a.Now(),
	})
	return applyResponse(resp)
}
