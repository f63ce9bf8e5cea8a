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
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType is the operation carried by a log entry.
type CommandType string

const (
	CmdCreateGame   CommandType = "CREATE_GAME"
	CmdJoinGame     CommandType = "JOIN_GAME"
	CmdStartGame    CommandType = "START_GAME"
	CmdSubmitAction CommandType = "SUBMIT_ACTION"
	CmdEndGame      CommandType = "END_GAME"
	CmdNodeMeta     CommandType = "NODE_META"
	CmdNodeLeft     CommandType = "NODE_LEFT"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type       CommandType `json:"type"`
	GameID     uint64      `json:"gameId,omitempty"`
	Player     string      `json:"player,omitempty"`
	ActionHash string      `json:"actionHash,omitempty"`
	NodeMeta   *NodeMeta   `json:"nodeMeta,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}

// ApplyResult is the successful outcome of an applied command.
type ApplyResult struct {
	GameID uint64 `json:"id"`
	// Game is the session as this command left it. Nil for creates and
	// replayed entries.
	Game *Game `json:"-"`
}

var errUnexpectedResponse = errors.New("unexpected apply response")

func encodeCommand(cmd RaftCommand, useGob bool) ([]byte, error) {
	if useGob {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
			return nil, fmt.Errorf("gob encode: %w", err)
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(cmd)
}

func decodeCommand(data []byte, useGob bool) (RaftCommand, error) {
	var cmd RaftCommand
	var err error
	if useGob {
		err = gob.NewDecoder(bytes.NewReader(data)).Decode(&cmd)
	} else {
		err = json.Unmarshal(data, &cmd)
	}
	return cmd, err
}

// applyResponse converts the value returned by FSM.Apply.
func applyResponse(resp any) (*ApplyResult, error) {
	switch v := resp.(type) {
	case nil:
		return &ApplyResult{}, nil
	case *ApplyResult:
		return v, nil
	case error:
		return nil, v
	default:
		return nil, fmt.Errorf("%w: %T", errUnexpectedResponse, resp)
	}
}
