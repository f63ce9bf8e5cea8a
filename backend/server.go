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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
)

// Options represent server options.
type Options struct {
	Addr        string
	DataDir     string
	UseMockAuth bool
	Debug       bool
	Storage     *storage.Storage
	MasterKey   crypto.MasterKey
	Listener    net.Listener

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftHTTPAdvertise     string // address followers use to forward requests to this node
	RaftSecret            string
	RaftBootstrap         bool
	RaftLogOutput         io.Writer
	UseProductionTimeouts bool // Set to true to use longer timeouts (e.g. for production)

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string
}

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
	fsm        *FSM
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if s.raftMgr != nil {
		if err := s.raftMgr.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("raft: %w", err))
		}
	}
	// Ensure any dirty FSM state is flushed to disk on shutdown
	if err := s.fsm.FlushAll(); err != nil {
		errs = append(errs, fmt.Errorf("fsm flush: %w", err))
	}
	return errors.Join(errs...)
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	srv, err := NewServer(opts)
	if err != nil {
		return nil, err
	}
	if srv.raftMgr != nil {
		// Wait for Raft to replay log and catch up to ensure data consistency
		// before starting the public HTTP server.
		if err := srv.raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	go func() {
		var err error
		if opts.Listener != nil {
			log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
			err = srv.httpServer.Serve(opts.Listener)
		} else {
			log.Printf("Server starting on port %s...", opts.Addr)
			err = srv.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()
	return srv, nil
}

// NewServer wires the stores, the state machine host and the HTTP handler
// without listening.
func NewServer(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, opts.MasterKey)
	}

	gs := NewGameStore(opts.DataDir, opts.Storage)
	gs.Debug = opts.Debug
	as := NewActionStore(opts.DataDir, opts.Storage)
	registry := NewRegistry(gs)
	hm := NewHubManager(gs)
	fsm := NewFSM(gs, as, registry, hm, opts.Storage)

	var raftMgr *RaftManager
	var applier Applier
	if opts.RaftEnabled {
		// Raft replays the log after a crash, so writes can stay in memory
		// until the next snapshot.
		gs.SyncWrites = false
		as.SyncWrites = false

		raftDataDir := filepath.Join(opts.DataDir, "raft")
		if err := os.MkdirAll(raftDataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create Raft data directory: %w", err)
		}
		raftMgr = NewRaftManager(raftDataDir, opts.RaftBind, opts.RaftAdvertise, opts.RaftHTTPAdvertise, opts.RaftSecret, opts.MasterKey, fsm)
		raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		if opts.RaftLogOutput != nil {
			raftMgr.LogOutput = opts.RaftLogOutput
		}
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			return nil, fmt.Errorf("failed to start Raft: %w", err)
		}
		applier = raftMgr
	} else {
		applier = NewLocalApplier(fsm)
	}

	handler := NewHandler(opts, fsm, applier, raftMgr)
	return &Server{
		httpServer: &http.Server{Addr: opts.Addr, Handler: handler},
		raftMgr:    raftMgr,
		fsm:        fsm,
	}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// RaftManager returns the raft node, or nil in standalone mode.
func (s *Server) RaftManager() *RaftManager {
	return s.raftMgr
}

// api serves the session endpoints.
type api struct {
	fsm     *FSM
	applier Applier
	raftMgr *RaftManager
	debugf  func(string, ...any)
}

// NewHandler builds the HTTP handler. raftMgr is nil in standalone mode.
func NewHandler(opts Options, fsm *FSM, applier Applier, raftMgr *RaftManager) http.Handler {
	a := &api{
		fsm:     fsm,
		applier: applier,
		raftMgr: raftMgr,
		debugf:  func(string, ...any) {},
	}
	if opts.Debug {
		a.debugf = func(f string, args ...any) {
			log.Printf("[DEBUG BACKEND] "+f, args...)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/games", a.handleCreate)
	mux.HandleFunc("GET /api/games", a.handleList)
	mux.HandleFunc("GET /api/games/{id}", a.handleGetState)
	mux.HandleFunc("GET /api/games/{id}/actions", a.handleGetActions)
	mux.HandleFunc("POST /api/games/{id}/join", a.handleJoin)
	mux.HandleFunc("POST /api/games/{id}/start", a.handleStart)
	mux.HandleFunc("POST /api/games/{id}/actions", a.handleSubmit)
	mux.HandleFunc("POST /api/games/{id}/end", a.handleEnd)
	mux.HandleFunc("GET /api/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(fsm.hm, w, r)
	})

	cluster := func(h func(*RaftManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if raftMgr == nil {
				http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
				return
			}
			h(raftMgr, w, r)
		}
	}
	mux.HandleFunc("GET /api/cluster/status", cluster((*RaftManager).handleStatus))
	mux.HandleFunc("POST /api/cluster/join", cluster((*RaftManager).handleJoin))
	mux.HandleFunc("POST /api/cluster/remove", cluster((*RaftManager).handleRemove))

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)
	return handler
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// engineStatus maps a session error to its HTTP status.
func engineStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrWrongTurn):
		return http.StatusForbidden
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrAlreadyStarted),
		errors.Is(err, ErrInsufficientPlayers), errors.Is(err, ErrFull):
		return http.StatusConflict
	case errors.Is(err, ErrNotLeader):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := engineStatus(err)
	code := ErrorCode(err)
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNotLeader):
		code = "no_leader"
	case code == "":
		log.Printf("Internal error: %v", err)
		code, msg = "internal", "internal error"
	}
	writeError(w, status, code, msg)
}

// mapLoadError converts a store miss into ErrNotFound.
func mapLoadError(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

// caller returns the validated identity of the request, or writes an error.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := getIdentity(r)
	if id == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", false
	}
	if !validIdentity(id) {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("identity exceeds %d bytes", maxIdentityLen))
		return "", false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid game id")
		return 0, false
	}
	return id, true
}

// forwardIfFollower sends mutations on a follower to the leader. It
// reports whether the request was handled.
func (a *api) forwardIfFollower(w http.ResponseWriter, r *http.Request) bool {
	if a.raftMgr == nil || a.raftMgr.IsLeader() {
		return false
	}
	if a.raftMgr.forwardLoop(r) {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return true
	}
	a.debugf("forwarding %s %s to leader", r.Method, r.URL.Path)
	a.raftMgr.ForwardToLeader(w, r)
	return true
}

// apply runs cmd. On failure it writes the error response and returns nil.
func (a *api) apply(w http.ResponseWriter, r *http.Request, cmd RaftCommand) *ApplyResult {
	res, err := a.applier.Apply(cmd)
	if errors.Is(err, ErrNotLeader) && a.raftMgr != nil {
		// Leadership moved between the check and the proposal.
		if a.forwardIfFollower(w, r) {
			return nil
		}
	}
	if err != nil {
		a.debugf("%s failed for %s: %v", cmd.Type, maskIdentity(cmd.Player), err)
		writeEngineError(w, err)
		return nil
	}
	return res
}

// writeResult writes the session as the applied command left it.
func (a *api) writeResult(w http.ResponseWriter, res *ApplyResult) {
	if res.Game == nil {
		a.writeState(w, res.GameID)
		return
	}
	writeJSON(w, http.StatusOK, res.Game)
}

// writeState writes the current state of session id.
func (a *api) writeState(w http.ResponseWriter, id uint64) {
	g, err := a.fsm.Engine().GetGameState(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *api) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok || a.forwardIfFollower(w, r) {
		return
	}
	if res := a.apply(w, r, RaftCommand{Type: CmdCreateGame, Player: id}); res != nil {
		writeJSON(w, http.StatusCreated, res)
	}
}

func (a *api) sessionCommand(t CommandType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		player, ok := caller(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r)
		if !ok || a.forwardIfFollower(w, r) {
			return
		}
		if res := a.apply(w, r, RaftCommand{Type: t, GameID: id, Player: player}); res != nil {
			a.writeResult(w, res)
		}
	}
}

func (a *api) handleJoin(w http.ResponseWriter, r *http.Request) {
	a.sessionCommand(CmdJoinGame)(w, r)
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	a.sessionCommand(CmdStartGame)(w, r)
}

func (a *api) handleEnd(w http.ResponseWriter, r *http.Request) {
	a.sessionCommand(CmdEndGame)(w, r)
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	player, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok || a.forwardIfFollower(w, r) {
		return
	}
	var body struct {
		ActionHash *string `json:"actionHash"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&body); err != nil || body.ActionHash == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "body must be {\"actionHash\": \"...\"}")
		return
	}
	if len(*body.ActionHash) > maxActionHashLen {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("actionHash exceeds %d bytes", maxActionHashLen))
		return
	}
	cmd := RaftCommand{Type: CmdSubmitAction, GameID: id, Player: player, ActionHash: *body.ActionHash}
	if res := a.apply(w, r, cmd); res != nil {
		a.writeResult(w, res)
	}
}

func (a *api) handleGetState(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.writeState(w, id)
}

func (a *api) handleGetActions(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actions, err := a.fsm.Engine().GetGameActions(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func parsePagination(r *http.Request) (limit, offset int, query string) {
	limit = defaultListLimit
	query = r.URL.Query().Get("q")
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}
	if limit < 1 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(offset, 0)
	return limit, offset, query
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	limit, offset, query := parsePagination(r)
	games, total := a.fsm.Registry().ListGames(query, limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{
		"games":  games,
		"limit":  limit,
		"offset": offset,
		"total":  total,
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
