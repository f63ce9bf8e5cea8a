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
	"os"
	"path/filepath"
	"testing"

	"github.com/c2FmZQ/storage"
)

func TestActionStoreAppend(t *testing.T) {
	dir := t.TempDir()
	as := NewActionStore(dir, storage.New(dir, nil))

	actions, err := as.LoadActions(1)
	if err != nil || actions == nil || len(actions) != 0 {
		t.Fatalf("LoadActions on unknown id = %v, %v", actions, err)
	}

	for i, h := range []string{"a", "b", "c"} {
		if err := as.AppendAction(1, i, Action{Player: "p", ActionHash: h, Timestamp: uint64(i)}); err != nil {
			t.Fatalf("AppendAction(%d) failed: %v", i, err)
		}
	}
	if err := as.AppendAction(1, 5, Action{}); err == nil {
		t.Error("append past the end succeeded")
	}

	// Appending at an existing position replaces the tail.
	if err := as.AppendAction(1, 1, Action{ActionHash: "B"}); err != nil {
		t.Fatal(err)
	}
	actions, _ = as.LoadActions(1)
	if len(actions) != 2 || actions[0].ActionHash != "a" || actions[1].ActionHash != "B" {
		t.Errorf("after replacing append: %+v", actions)
	}

	// Other sessions are independent.
	if err := as.AppendAction(2, 0, Action{ActionHash: "x"}); err != nil {
		t.Fatal(err)
	}
	if actions, _ := as.LoadActions(1); len(actions) != 2 {
		t.Errorf("session 1 has %d actions", len(actions))
	}

	as2 := NewActionStore(dir, storage.New(dir, nil))
	actions, err = as2.LoadActions(1)
	if err != nil || len(actions) != 2 {
		t.Errorf("reloaded = %v, %v", actions, err)
	}
	ids, _ := as2.ListAllActionIDs()
	if len(ids) != 2 {
		t.Errorf("ListAllActionIDs = %v", ids)
	}
}

func TestActionStoreLoadReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	as := NewActionStore(dir, storage.New(dir, nil))
	if err := as.AppendAction(1, 0, Action{ActionHash: "a"}); err != nil {
		t.Fatal(err)
	}
	actions, _ := as.LoadActions(1)
	actions[0].ActionHash = "mutated"
	again, _ := as.LoadActions(1)
	if again[0].ActionHash != "a" {
		t.Error("mutating loaded actions changed the store")
	}
}

func TestActionStoreTruncate(t *testing.T) {
	dir := t.TempDir()
	as := NewActionStore(dir, storage.New(dir, nil))
	for i := 0; i < 3; i++ {
		if err := as.AppendAction(1, i, Action{Timestamp: uint64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := as.TruncateActions(1, 5); err != nil {
		t.Fatal(err)
	}
	if actions, _ := as.LoadActions(1); len(actions) != 3 {
		t.Errorf("truncate beyond length changed history: %d", len(actions))
	}
	if err := as.TruncateActions(1, 1); err != nil {
		t.Fatal(err)
	}
	if actions, _ := as.LoadActions(1); len(actions) != 1 {
		t.Errorf("len after truncate = %d, want 1", len(actions))
	}
}

func TestActionStoreDeferredWritesAndReset(t *testing.T) {
	dir := t.TempDir()
	as := NewActionStore(dir, storage.New(dir, nil))
	as.SyncWrites = false

	if err := as.AppendAction(1, 0, Action{ActionHash: "a"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, actionsFilename(1))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("history written before flush: %v", err)
	}
	if err := as.FlushAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("history not flushed: %v", err)
	}

	if err := as.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("history survived reset: %v", err)
	}
	if actions, _ := as.LoadActions(1); len(actions) != 0 {
		t.Errorf("cached history survived reset: %v", actions)
	}
}
