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
	"time"

	"github.com/hashicorp/raft"
)

// Clock supplies the logical time stamped on accepted mutations.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock. It is only suitable for a single node.
type SystemClock struct{}

// Now returns the current time in Unix nanoseconds.
func (SystemClock) Now() uint64 {
	return uint64(time.Now().UnixNano())
}

// logClock reports the time at which the leader appended the log entry being
// applied, so that every replica stamps the same value.
type logClock struct {
	now uint64
}

func (c *logClock) Now() uint64 {
	return c.now
}

func (c *logClock) set(l *raft.Log) {
	if l.AppendedAt.IsZero() {
		c.now = l.Index
		return
	}
	c.now = uint64(l.AppendedAt.UnixNano())
}
