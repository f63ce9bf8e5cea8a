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
	"io"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const snapshotCryptoCtx = "raft-snapshot"

// EncryptedSnapshotStore wraps a raft.SnapshotStore so that snapshots are
// sealed on disk. Open returns the plaintext stream.
type EncryptedSnapshotStore struct {
	inner raft.SnapshotStore
	key   crypto.EncryptionKey
}

func NewEncryptedSnapshotStore(inner raft.SnapshotStore, key crypto.EncryptionKey) *EncryptedSnapshotStore {
	return &EncryptedSnapshotStore{inner: inner, key: key}
}

func (e *EncryptedSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := e.inner.Create(version, index, term, configuration, configurationIndex, trans)
	if err != nil {
		return nil, err
	}
	w, err := e.key.StartWriter([]byte(snapshotCryptoCtx), sink)
	if err != nil {
		sink.Cancel()
		return nil, err
	}
	return &sealedSink{SnapshotSink: sink, w: w}, nil
}

func (e *EncryptedSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return e.inner.List()
}

func (e *EncryptedSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := e.inner.Open(id)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.key.StartReader([]byte(snapshotCryptoCtx), rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return meta, &openedSnapshot{inner: rc, r: r}, nil
}

// sealedSink encrypts everything written to the underlying sink.
type sealedSink struct {
	raft.SnapshotSink
	w crypto.StreamWriter
}

func (s *sealedSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close flushes the encryption stream before committing the snapshot.
func (s *sealedSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.SnapshotSink.Cancel()
		return err
	}
	return s.SnapshotSink.Close()
}

func (s *sealedSink) Cancel() error {
	s.w.Close()
	return s.SnapshotSink.Cancel()
}

type openedSnapshot struct {
	inner io.ReadCloser
	r     crypto.StreamReader
}

func (o *openedSnapshot) Read(p []byte) (int, error) {
	return o.r.Read(p)
}

func (o *openedSnapshot) Close() error {
	o.r.Close()
	return o.inner.Close()
}
