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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const (
	keysDirName     = "keys"
	snapshotKeyName = "snapshot.key"
)

// KeyInfo wraps an encryption key with the name of the file holding it.
type KeyInfo struct {
	Key crypto.EncryptionKey
	ID  string
}

// KeyRing holds the log encryption keys, newest first. New data is always
// sealed with the newest key. Older keys stay until every entry that used
// them is compacted away.
type KeyRing struct {
	mu   sync.RWMutex
	keys []*KeyInfo
}

// NewKeyRing creates a KeyRing with a single key.
func NewKeyRing(key crypto.EncryptionKey, id string) *KeyRing {
	return &KeyRing{keys: []*KeyInfo{{Key: key, ID: id}}}
}

// Active returns the key used for encryption, or nil.
func (k *KeyRing) Active() *KeyInfo {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.keys) == 0 {
		return nil
	}
	return k.keys[0]
}

// Len returns the number of keys in the ring.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Rotate makes key the active key.
func (k *KeyRing) Rotate(key crypto.EncryptionKey, id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = slices.Insert(k.keys, 0, &KeyInfo{Key: key, ID: id})
}

// Wipe erases every key from memory.
func (k *KeyRing) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, info := range k.keys {
		info.Key.Wipe()
	}
	k.keys = nil
}

// Encrypt seals data with the active key.
func (k *KeyRing) Encrypt(data []byte) ([]byte, error) {
	active := k.Active()
	if active == nil {
		return nil, errors.New("no active key")
	}
	return active.Key.Encrypt(data)
}

// Decrypt opens data with the first key that accepts it.
func (k *KeyRing) Decrypt(data []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, info := range k.keys {
		dec, err := info.Key.Decrypt(data)
		if err == nil {
			return dec, nil
		}
		if !errors.Is(err, crypto.ErrDecryptFailed) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to decrypt with any key: %w", crypto.ErrDecryptFailed)
}

// loadKeyRing reads every log key under dir/keys, generating the first one if
// there is none.
func loadKeyRing(dir string, mk crypto.MasterKey) (*KeyRing, error) {
	keysDir := filepath.Join(dir, keysDirName)
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keys dir: %w", err)
	}
	entries, err := os.ReadDir(keysDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "log-") && strings.HasSuffix(e.Name(), ".key") {
			names = append(names, e.Name())
		}
	}
	// Names embed a fixed-width timestamp, so lexical order is age order.
	slices.Sort(names)
	slices.Reverse(names)

	ring := &KeyRing{}
	for _, name := range names {
		key, err := readKeyFile(mk, filepath.Join(keysDir, name))
		if err != nil {
			ring.Wipe()
			return nil, err
		}
		ring.keys = append(ring.keys, &KeyInfo{Key: key, ID: name})
	}
	if len(ring.keys) == 0 {
		log.Printf("Generating initial Raft encryption key...")
		key, id, err := newKeyFile(mk, keysDir)
		if err != nil {
			return nil, err
		}
		ring.keys = []*KeyInfo{{Key: key, ID: id}}
	}
	return ring, nil
}

// loadOrCreateKey returns the key stored in dir/keys/name, creating it first
// if needed.
func loadOrCreateKey(dir string, mk crypto.MasterKey, name string) (crypto.EncryptionKey, error) {
	path := filepath.Join(dir, keysDirName, name)
	key, err := readKeyFile(mk, path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return key, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if key, err = mk.NewKey(); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := writeKeyFile(key, path); err != nil {
		return nil, err
	}
	return key, nil
}

func newKeyFile(mk crypto.MasterKey, keysDir string) (crypto.EncryptionKey, string, error) {
	key, err := mk.NewKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate new key: %w", err)
	}
	id := fmt.Sprintf("log-%020d.key", time.Now().UnixNano())
	if err := writeKeyFile(key, filepath.Join(keysDir, id)); err != nil {
		return nil, "", err
	}
	return key, id, nil
}

func readKeyFile(mk crypto.MasterKey, path string) (crypto.EncryptionKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	key, err := mk.ReadEncryptedKey(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", path, err)
	}
	return key, nil
}

func writeKeyFile(key crypto.EncryptionKey, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	if err := key.WriteEncryptedKey(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key: %w", err)
	}
	return f.Close()
}

// EncryptedLogStore wraps a raft.LogStore and seals the data of each entry.
type EncryptedLogStore struct {
	inner raft.LogStore
	ring  *KeyRing
}

// NewEncryptedLogStore creates a new encrypted log store.
func NewEncryptedLogStore(inner raft.LogStore, ring *KeyRing) *EncryptedLogStore {
	return &EncryptedLogStore{inner: inner, ring: ring}
}

func (e *EncryptedLogStore) FirstIndex() (uint64, error) { return e.inner.FirstIndex() }
func (e *EncryptedLogStore) LastIndex() (uint64, error)  { return e.inner.LastIndex() }

func (e *EncryptedLogStore) DeleteRange(min, max uint64) error {
	return e.inner.DeleteRange(min, max)
}

func (e *EncryptedLogStore) GetLog(index uint64, l *raft.Log) error {
	if err := e.inner.GetLog(index, l); err != nil {
		return err
	}
	if len(l.Data) == 0 {
		return nil
	}
	dec, err := e.ring.Decrypt(l.Data)
	if err != nil {
		return fmt.Errorf("failed to decrypt log index %d: %w", index, err)
	}
	l.Data = dec
	return nil
}

func (e *EncryptedLogStore) seal(l *raft.Log) (*raft.Log, error) {
	if len(l.Data) == 0 {
		return l, nil
	}
	enc, err := e.ring.Encrypt(l.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt log index %d: %w", l.Index, err)
	}
	sealed := *l
	sealed.Data = enc
	return &sealed, nil
}

func (e *EncryptedLogStore) StoreLog(l *raft.Log) error {
	return e.StoreLogs([]*raft.Log{l})
}

func (e *EncryptedLogStore) StoreLogs(logs []*raft.Log) error {
	sealed := make([]*raft.Log, len(logs))
	for i, l := range logs {
		s, err := e.seal(l)
		if err != nil {
			return err
		}
		sealed[i] = s
	}
	return e.inner.StoreLogs(sealed)
}

func (e *EncryptedLogStore) Close() error {
	if c, ok := e.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// EncryptedStableStore wraps a raft.StableStore and seals every value.
type EncryptedStableStore struct {
	inner raft.StableStore
	ring  *KeyRing
}

// NewEncryptedStableStore creates a new encrypted stable store.
func NewEncryptedStableStore(inner raft.StableStore, ring *KeyRing) *EncryptedStableStore {
	return &EncryptedStableStore{inner: inner, ring: ring}
}

func (e *EncryptedStableStore) Set(key, val []byte) error {
	enc, err := e.ring.Encrypt(val)
	if err != nil {
		return fmt.Errorf("failed to encrypt stable value: %w", err)
	}
	return e.inner.Set(key, enc)
}

func (e *EncryptedStableStore) Get(key []byte) ([]byte, error) {
	val, err := e.inner.Get(key)
	if err != nil || len(val) == 0 {
		return val, err
	}
	dec, err := e.ring.Decrypt(val)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stable value: %w", err)
	}
	return dec, nil
}

// SetUint64 stores val as 8 sealed bytes, since the inner store's own
// integer encoding bypasses Set.
func (e *EncryptedStableStore) SetUint64(key []byte, val uint64) error {
	return e.Set(key, binary.BigEndian.AppendUint64(nil, val))
}

func (e *EncryptedStableStore) GetUint64(key []byte) (uint64, error) {
	val, err := e.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, errors.New("not found")
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("unexpected value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func (e *EncryptedStableStore) Close() error {
	if c, ok := e.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
