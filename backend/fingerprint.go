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
	"crypto/md5"
	"encoding/hex"
	"strconv"
)

// SeedFingerprint returns the fingerprint that starts a chain for the given
// session. It is used at creation (text is the creator) and again at start
// (text is the comma-joined player list).
func SeedFingerprint(id uint64, text string) string {
	return digest(strconv.FormatUint(id, 10) + text)
}

// ChainFingerprint links input to the prior fingerprint.
func ChainFingerprint(prior, input string) string {
	return digest(prior + input)
}

func digest(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
