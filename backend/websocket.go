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
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024
)

// hubIdleTimeout is how long a hub without clients stays alive.
var hubIdleTimeout = 5 * time.Minute

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgSnapshot = "SNAPSHOT"
	MsgUpdate   = "UPDATE"
	MsgPing     = "PING"
	MsgPong     = "PONG"
	MsgError    = "ERROR"
)

// HubMessage is a message sent to live subscribers of a session.
type HubMessage struct {
	Type   string  `json:"type"`
	GameID uint64  `json:"gameId,omitempty"`
	Game   *Game   `json:"game,omitempty"`
	Action *Action `json:"action,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Hub fans out the updates of one session to its connected clients.
type Hub struct {
	gameID uint64

	// Registered clients.
	clients map[*wsClient]bool

	// Updates from the FSM.
	updates chan HubMessage

	register   chan *wsClient
	unregister chan *wsClient

	// Closed when run returns.
	done chan struct{}

	hm *HubManager
}

func newHub(id uint64, hm *HubManager) *Hub {
	return &Hub{
		gameID:     id,
		clients:    make(map[*wsClient]bool),
		updates:    make(chan HubMessage, 64), // Buffered so that the FSM never waits
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		hm:         hm,
	}
}

func (h *Hub) run() {
	defer close(h.done)
	idleTimer := time.NewTicker(hubIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.sendSnapshot(client)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		case msg := <-h.updates:
			h.broadcast(msg)
		case <-idleTimer.C:
			if len(h.clients) == 0 {
				h.hm.removeHub(h)
				return
			}
		}
	}
}

func (h *Hub) sendSnapshot(c *wsClient) {
	g, err := h.hm.gs.LoadGame(h.gameID)
	if err != nil {
		log.Printf("Hub: Error loading game %d: %v", h.gameID, err)
		code := "internal"
		if errors.Is(err, os.ErrNotExist) {
			code = ErrorCode(ErrNotFound)
		}
		c.sendJSON(HubMessage{Type: MsgError, GameID: h.gameID, Error: code})
		return
	}
	c.sendJSON(HubMessage{Type: MsgSnapshot, GameID: h.gameID, Game: g})
}

func (h *Hub) broadcast(msg HubMessage) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// HubManager manages the hubs of all sessions with live subscribers.
type HubManager struct {
	gs *GameStore

	mu   sync.Mutex
	hubs map[uint64]*Hub
}

func NewHubManager(gs *GameStore) *HubManager {
	return &HubManager{
		gs:   gs,
		hubs: make(map[uint64]*Hub),
	}
}

// GetHub returns the hub of a session, starting it if needed.
func (hm *HubManager) GetHub(id uint64) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, hm)
	hm.hubs[id] = hub
	go hub.run()
	return hub
}

func (hm *HubManager) removeHub(h *Hub) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.hubs[h.gameID] == h {
		delete(hm.hubs, h.gameID)
	}
}

// Register attaches c to the hub of its session. A hub that exits while c
// is being registered is replaced.
func (hm *HubManager) Register(c *wsClient) {
	for {
		hub := hm.GetHub(c.gameID)
		select {
		case hub.register <- c:
			c.hub = hub
			return
		case <-hub.done:
		}
	}
}

// HubCount returns the number of running hubs.
func (hm *HubManager) HubCount() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return len(hm.hubs)
}

// BroadcastToGame queues msg for the subscribers of a session. It never
// blocks: if the hub is backed up the message is dropped.
func (hm *HubManager) BroadcastToGame(id uint64, msg HubMessage) {
	hm.mu.Lock()
	hub, ok := hm.hubs[id]
	hm.mu.Unlock()
	if !ok {
		return
	}
	msg.GameID = id
	select {
	case hub.updates <- msg:
	default:
		log.Printf("Warning: Hub channel full, dropping broadcast for game %d", id)
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Owned and closed by the hub.
	send chan HubMessage

	// Replies to the client's own requests. Never closed.
	replies chan HubMessage

	identity string
	gameID   uint64
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg HubMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}
		switch msg.Type {
		case MsgPing:
			c.reply(HubMessage{Type: MsgPong})
		default:
			c.reply(HubMessage{Type: MsgError, Error: "unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case message := <-c.replies:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues msg unless the client is backed up. Only the hub
// goroutine may call it.
func (c *wsClient) sendJSON(msg HubMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) reply(msg HubMessage) {
	select {
	case c.replies <- msg:
	default:
	}
}

// ServeWS upgrades the request and subscribes it to a session.
func ServeWS(hm *HubManager, w http.ResponseWriter, r *http.Request) {
	identity := getIdentity(r)
	if identity == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	id, err := strconv.ParseUint(r.URL.Query().Get("gameId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid gameId")
		return
	}
	if _, err := hm.gs.LoadGame(id); err != nil {
		writeEngineError(w, mapLoadError(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	client := &wsClient{
		conn:     conn,
		send:     make(chan HubMessage, 256),
		replies:  make(chan HubMessage, 16),
		identity: identity,
		gameID:   id,
	}
	hm.Register(client)

	go client.writePump()
	go client.readPump()
}
