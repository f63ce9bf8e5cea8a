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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialGame(t *testing.T, ts *httptest.Server, user string, gameID uint64) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/api/ws"
	q := u.Query()
	q.Set("gameId", strconv.FormatUint(gameID, 10))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if user != "" {
		header.Add("Cookie", mockAuthCookie+"="+user)
	}
	return websocket.DefaultDialer.Dial(u.String(), header)
}

func readHubMessage(t *testing.T, conn *websocket.Conn) HubMessage {
	t.Helper()
	var msg HubMessage
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	return msg
}

func TestWebSocketUpdates(t *testing.T) {
	ts, srv := newTestServer(t)
	call(t, ts, "POST", "/api/games", "alice", "")

	conn, _, err := dialGame(t, ts, "watcher", 1)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	msg := readHubMessage(t, conn)
	if msg.Type != MsgSnapshot || msg.Game == nil || msg.Game.ID != 1 {
		t.Fatalf("first message = %+v, want SNAPSHOT", msg)
	}

	call(t, ts, "POST", "/api/games/1/join", "bob", "")
	msg = readHubMessage(t, conn)
	if msg.Type != MsgUpdate || msg.GameID != 1 || len(msg.Game.Players) != 2 {
		t.Errorf("join update = %+v", msg)
	}

	call(t, ts, "POST", "/api/games/1/actions", "alice", `{"actionHash":"h1"}`)
	msg = readHubMessage(t, conn)
	if msg.Type != MsgUpdate || msg.Action == nil || msg.Action.ActionHash != "h1" || msg.Game.TurnCount != 1 {
		t.Errorf("submit update = %+v", msg)
	}

	// Rejected commands are not broadcast.
	call(t, ts, "POST", "/api/games/1/actions", "alice", `{"actionHash":"h2"}`)
	if err := conn.WriteJSON(HubMessage{Type: MsgPing}); err != nil {
		t.Fatal(err)
	}
	if msg = readHubMessage(t, conn); msg.Type != MsgPong {
		t.Errorf("got %+v, want PONG", msg)
	}

	if err := conn.WriteJSON(HubMessage{Type: "JUNK"}); err != nil {
		t.Fatal(err)
	}
	if msg = readHubMessage(t, conn); msg.Type != MsgError {
		t.Errorf("got %+v, want ERROR", msg)
	}

	if n := srv.fsm.hm.HubCount(); n != 1 {
		t.Errorf("HubCount = %d, want 1", n)
	}
}

func TestWebSocketRejects(t *testing.T) {
	ts, _ := newTestServer(t)
	call(t, ts, "POST", "/api/games", "alice", "")

	tests := []struct {
		name       string
		user       string
		gameID     uint64
		wantStatus int
	}{
		{"Anonymous", "", 1, http.StatusUnauthorized},
		{"UnknownGame", "alice", 42, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := dialGame(t, ts, tt.user, tt.gameID)
			if err == nil {
				conn.Close()
				t.Fatal("dial succeeded")
			}
			if resp == nil || resp.StatusCode != tt.wantStatus {
				t.Errorf("resp = %v, want status %d", resp, tt.wantStatus)
			}
		})
	}
}

func TestHubIdleExit(t *testing.T) {
	old := hubIdleTimeout
	hubIdleTimeout = 50 * time.Millisecond
	defer func() { hubIdleTimeout = old }()

	hm := NewHubManager(nil)
	hm.GetHub(7)
	if hm.HubCount() != 1 {
		t.Fatalf("HubCount = %d", hm.HubCount())
	}
	deadline := time.Now().Add(2 * time.Second)
	for hm.HubCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle hub did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Broadcasting to a session without subscribers is a no-op.
	hm.BroadcastToGame(7, HubMessage{Type: MsgUpdate})
	if hm.HubCount() != 0 {
		t.Error("broadcast started a hub")
	}
}
