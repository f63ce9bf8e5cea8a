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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("not leader")

const (
	nodeIDFile       = "node-id"
	raftApplyTimeout = 5 * time.Second
	forwardedHeader  = "X-Raft-Forwarded"
	secretHeader     = "X-Raft-Secret"
)

// RaftManager runs the raft node that orders all session commands.
type RaftManager struct {
	Raft      *raft.Raft
	FSM       *FSM
	DataDir   string
	Bind      string // "host:port" for Raft transport
	Advertise string // "host:port" for advertising to other nodes
	HttpAddr  string // address other nodes use to reach this node's API
	NodeID    string
	Secret    string
	MasterKey crypto.MasterKey
	Bootstrap bool

	UseProductionTimeouts bool
	LogOutput             io.Writer // Optional: Redirect Raft logs
	UseGob                bool      // Optional: Use GOB encoding for log entries

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	httpClient   *http.Client

	logStore    raft.LogStore
	stableStore raft.StableStore
	keyRing     *KeyRing
	transport   *raft.NetworkTransport
}

func NewRaftManager(dataDir, bind, advertise, httpAddr, secret string, masterKey crypto.MasterKey, fsm *FSM) *RaftManager {
	return &RaftManager{
		DataDir:    dataDir,
		Bind:       bind,
		Advertise:  advertise,
		HttpAddr:   httpAddr,
		Secret:     secret,
		MasterKey:  masterKey,
		FSM:        fsm,
		shutdownCh: make(chan struct{}),
		LogOutput:  os.Stderr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// loadOrCreateNodeID returns the persistent id of this node.
func (rm *RaftManager) loadOrCreateNodeID() (string, error) {
	path := filepath.Join(rm.DataDir, nodeIDFile)
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to save node id: %w", err)
	}
	return id, nil
}

func (rm *RaftManager) selfMeta() *NodeMeta {
	return &NodeMeta{
		NodeID:          rm.NodeID,
		HttpAddr:        rm.HttpAddr,
		AppVersion:      CurrentAppVersion,
		ProtocolVersion: CurrentProtocolVersion,
		SchemaVersion:   CurrentSchemaVersion,
	}
}

// Start opens the stores and starts the raft node.
func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap
	if err := os.MkdirAll(rm.DataDir, 0755); err != nil {
		return err
	}
	nodeID, err := rm.loadOrCreateNodeID()
	if err != nil {
		return err
	}
	rm.NodeID = nodeID
	log.Printf("NodeID: %s", rm.NodeID)

	if rm.MasterKey != nil {
		if rm.keyRing, err = loadKeyRing(rm.DataDir, rm.MasterKey); err != nil {
			return err
		}
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	if rm.UseProductionTimeouts {
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		// Faster timeouts for tests
		config.HeartbeatTimeout = 500 * time.Millisecond
		config.ElectionTimeout = 500 * time.Millisecond
		config.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	config.CommitTimeout = 50 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 8192
	config.LogLevel = "INFO"
	config.MaxAppendEntries = 200
	if rm.LogOutput != nil {
		config.LogOutput = rm.LogOutput
	}
	notifyCh := make(chan bool, 1)
	config.NotifyCh = notifyCh

	var advertise net.Addr
	if rm.Advertise != "" {
		if advertise, err = net.ResolveTCPAddr("tcp", rm.Advertise); err != nil {
			return fmt.Errorf("invalid raft advertise address: %w", err)
		}
	}
	transport, err := raft.NewTCPTransport(rm.Bind, advertise, 3, 10*time.Second, rm.LogOutput)
	if err != nil {
		return err
	}
	rm.transport = transport

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt"))
	if err != nil {
		return err
	}
	rm.logStore = logStore // Assign immediately for cleanup
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt"))
	if err != nil {
		return err
	}
	rm.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(rm.DataDir, 2, rm.LogOutput)
	if err != nil {
		return err
	}
	var snapStore raft.SnapshotStore = snapshotStore

	if rm.keyRing != nil {
		rm.logStore = NewEncryptedLogStore(logStore, rm.keyRing)
		rm.stableStore = NewEncryptedStableStore(stableStore, rm.keyRing)
		snapKey, err := loadOrCreateKey(rm.DataDir, rm.MasterKey, snapshotKeyName)
		if err != nil {
			return err
		}
		snapStore = NewEncryptedSnapshotStore(snapshotStore, snapKey)
	}

	rm.FSM.UseGob = rm.UseGob
	rm.FSM.onSnapshot = func() {
		if err := rm.RotateLogKey(); err != nil {
			log.Printf("Warning: failed to rotate log key during snapshot: %v", err)
		}
	}
	r, err := raft.NewRaft(config, rm.FSM, rm.logStore, rm.stableStore, snapStore, transport)
	if err != nil {
		return err
	}
	rm.Raft = r

	if bootstrap {
		log.Printf("Bootstrapping Raft cluster with NodeID: %s", rm.NodeID)
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			log.Printf("Bootstrap error (might be already bootstrapped): %v", err)
		}
	}

	// Known locally before the cluster agrees on it.
	rm.FSM.nodeMap.Store(rm.NodeID, rm.selfMeta())
	go rm.monitorLeadership(notifyCh)
	return nil
}

// monitorLeadership publishes this node's metadata whenever it becomes
// leader, so that followers can forward requests to it.
func (rm *RaftManager) monitorLeadership(notifyCh <-chan bool) {
	for {
		select {
		case <-rm.shutdownCh:
			return
		case isLeader := <-notifyCh:
			if !isLeader {
				log.Printf("Raft: lost leadership")
				continue
			}
			log.Printf("Raft: acquired leadership")
			if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: rm.selfMeta()}); err != nil {
				log.Printf("Failed to propose node metadata: %v", err)
			}
		}
	}
}

// WaitForSync blocks until the Raft FSM has applied all entries currently in the log.
// This prevents serving stale data immediately after a restart while the log is being replayed.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	if rm.Raft == nil {
		return nil
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for Raft sync (applied: %d, last: %d)", rm.Raft.AppliedIndex(), rm.Raft.LastIndex())
		case <-ticker.C:
			if rm.Raft.AppliedIndex() >= rm.Raft.LastIndex() {
				return nil
			}
		}
	}
}

// WaitForLeader blocks until the cluster has a leader.
func (rm *RaftManager) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := rm.Raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.New("timeout waiting for leader")
}

// IsLeader reports whether this node is the raft leader.
func (rm *RaftManager) IsLeader() bool {
	return rm.Raft != nil && rm.Raft.State() == raft.Leader
}

// Propose replicates cmd and returns the result of applying it.
func (rm *RaftManager) Propose(cmd RaftCommand) (*ApplyResult, error) {
	if !rm.IsLeader() {
		return nil, ErrNotLeader
	}
	data, err := encodeCommand(cmd, rm.UseGob)
	if err != nil {
		return nil, err
	}
	f := rm.Raft.Apply(data, raftApplyTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, ErrNotLeader
		}
		return nil, err
	}
	return applyResponse(f.Response())
}

// Apply implements Applier.
func (rm *RaftManager) Apply(cmd RaftCommand) (*ApplyResult, error) {
	return rm.Propose(cmd)
}

// Join adds a new node to the cluster.
func (rm *RaftManager) Join(nodeID, raftAddr, httpAddr string, nonVoter bool) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Printf("Received join request for remote node %s at Raft:%s, HTTP:%s (nonVoter: %v)", nodeID, raftAddr, httpAddr, nonVoter)

	meta := &NodeMeta{NodeID: nodeID, HttpAddr: httpAddr}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: meta}); err != nil {
		return fmt.Errorf("failed to store node metadata: %w", err)
	}

	var f raft.IndexFuture
	if nonVoter {
		f = rm.Raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	} else {
		f = rm.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 0)
	}
	if err := f.Error(); err != nil {
		return err
	}
	log.Printf("Node %s joined successfully", nodeID)
	return nil
}

// Leave removes a node from the cluster.
func (rm *RaftManager) Leave(nodeID string) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Printf("Received leave request for node %s", nodeID)

	if err := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return err
	}
	cmd := RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: nodeID}}
	if _, err := rm.Propose(cmd); err != nil {
		log.Printf("Warning: Failed to broadcast node removal: %v", err)
	}
	log.Printf("Node %s removed successfully", nodeID)
	return nil
}

// GetLeaderHTTPAddr returns the HTTP address of the current leader.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

// RotateLogKey starts sealing new log entries with a fresh key.
// TODO: delete key files once the log no longer holds entries sealed with them.
func (rm *RaftManager) RotateLogKey() error {
	if rm.keyRing == nil {
		return nil
	}
	key, id, err := newKeyFile(rm.MasterKey, filepath.Join(rm.DataDir, keysDirName))
	if err != nil {
		return err
	}
	rm.keyRing.Rotate(key, id)
	log.Printf("Raft log key rotated. New key: %s (%d keys)", id, rm.keyRing.Len())
	return nil
}

func (rm *RaftManager) checkSecret(w http.ResponseWriter, r *http.Request) bool {
	if rm.Secret == "" || r.Header.Get(secretHeader) != rm.Secret {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return false
	}
	return true
}

// forwardLoop reports whether r already passed through this node.
func (rm *RaftManager) forwardLoop(r *http.Request) bool {
	for _, id := range strings.Split(r.Header.Get(forwardedHeader), ",") {
		if strings.TrimSpace(id) == rm.NodeID {
			return true
		}
	}
	return false
}

func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !rm.checkSecret(w, r) {
		return
	}
	_, leaderID := rm.Raft.LeaderWithID()
	status := map[string]any{
		"nodeId":          rm.NodeID,
		"state":           rm.Raft.State().String(),
		"leaderId":        string(leaderID),
		"leaderAddr":      rm.GetLeaderHTTPAddr(),
		"raftAddr":        string(rm.transport.LocalAddr()),
		"appliedIndex":    rm.Raft.AppliedIndex(),
		"lastIndex":       rm.Raft.LastIndex(),
		"sessions":        rm.FSM.Registry().CountTotalGames(),
		"appVersion":      CurrentAppVersion,
		"protocolVersion": CurrentProtocolVersion,
		"schemaVersion":   CurrentSchemaVersion,
	}
	if rm.FSM.hm != nil {
		status["hubs"] = rm.FSM.hm.HubCount()
	}

	configFuture := rm.Raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		var nodes []map[string]any
		for _, s := range configFuture.Configuration().Servers {
			node := map[string]any{
				"id":       string(s.ID),
				"raftAddr": string(s.Address),
				"httpAddr": rm.FSM.GetNodeAddr(string(s.ID)),
				"suffrage": s.Suffrage.String(),
			}
			if meta := rm.FSM.GetNodeMeta(string(s.ID)); meta != nil {
				node["appVersion"] = meta.AppVersion
				node["protocolVersion"] = meta.ProtocolVersion
				node["schemaVersion"] = meta.SchemaVersion
			}
			nodes = append(nodes, node)
		}
		status["nodes"] = nodes
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if rm.forwardLoop(r) {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	if !rm.checkSecret(w, r) {
		return
	}
	if !rm.IsLeader() {
		rm.ForwardToLeader(w, r)
		return
	}

	var data struct {
		NodeID   string `json:"nodeId"`
		RaftAddr string `json:"raftAddr"`
		HttpAddr string `json:"httpAddr"`
		NonVoter bool   `json:"nonVoter"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&data); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if data.NodeID == "" || data.HttpAddr == "" {
		http.Error(w, "Missing required fields: nodeId and httpAddr are required", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(data.RaftAddr); err != nil {
		http.Error(w, "Invalid RaftAddr: must be host:port", http.StatusBadRequest)
		return
	}
	if err := rm.Join(data.NodeID, data.RaftAddr, data.HttpAddr, data.NonVoter); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s joined cluster", data.NodeID)
}

func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	if rm.forwardLoop(r) {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	if !rm.checkSecret(w, r) {
		return
	}
	if !rm.IsLeader() {
		rm.ForwardToLeader(w, r)
		return
	}

	var data struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&data); err != nil || data.NodeID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := rm.Leave(data.NodeID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to remove node: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s removed from cluster", data.NodeID)
}

// ForwardToLeader replays r against the leader and copies its response.
func (rm *RaftManager) ForwardToLeader(w http.ResponseWriter, r *http.Request) {
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" || leaderAddr == rm.HttpAddr {
		writeError(w, http.StatusServiceUnavailable, "no_leader", "no leader available")
		return
	}
	if !strings.HasPrefix(leaderAddr, "http://") && !strings.HasPrefix(leaderAddr, "https://") {
		leaderAddr = "http://" + leaderAddr
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, leaderAddr+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Failed to create forward request", http.StatusInternalServerError)
		return
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	forwarded := req.Header.Get(forwardedHeader)
	if forwarded != "" {
		forwarded += "," + rm.NodeID
	} else {
		forwarded = rm.NodeID
	}
	req.Header.Set(forwardedHeader, forwarded)
	if rm.Secret != "" {
		req.Header.Set(secretHeader, rm.Secret)
	}

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// Shutdown gracefully shuts down the Raft node.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)
	})
	if rm.Raft == nil {
		rm.closeStores()
		return nil
	}

	if rm.IsLeader() {
		log.Printf("Attempting leadership transfer before shutdown...")
		f := rm.Raft.LeadershipTransfer()
		done := make(chan error, 1)
		go func() { done <- f.Error() }()
		select {
		case err := <-done:
			if err != nil {
				log.Printf("Leadership transfer failed (continuing): %v", err)
			}
		case <-time.After(5 * time.Second):
			log.Printf("Leadership transfer timed out (continuing).")
		}
	}

	raftErr := rm.Raft.Shutdown().Error()
	rm.closeStores()
	return raftErr
}

func (rm *RaftManager) closeStores() {
	for _, s := range []any{rm.logStore, rm.stableStore} {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
	}
	rm.logStore, rm.stableStore = nil, nil
	if rm.keyRing != nil {
		rm.keyRing.Wipe()
		rm.keyRing = nil
	}
}
