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
	"net/http"
	"strings"
)

type contextKey struct{}

// identityKey is the context key for the authenticated caller identity.
// The associated value is always a string.
var identityKey contextKey

// getIdentity returns the caller identity from the request context, if present.
func getIdentity(r *http.Request) string {
	if val := r.Context().Value(identityKey); val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func withIdentity(r *http.Request, identity string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), identityKey, identity))
}

// normalizeIdentity trims surrounding whitespace. Identities are otherwise
// compared byte for byte.
func normalizeIdentity(id string) string {
	return strings.TrimSpace(id)
}

// validIdentity reports whether id can be used as a player identity.
func validIdentity(id string) bool {
	return id != "" && len(id) <= maxIdentityLen
}

// maskIdentity obscures an identity for safe logging.
// e.g. "alice.near" -> "a***r", "user@example.com" -> "u***@example.com"
func maskIdentity(id string) string {
	if id == "" {
		return "<empty>"
	}
	if local, domain, ok := strings.Cut(id, "@"); ok {
		if local == "" {
			return "****"
		}
		return local[:1] + "***@" + domain
	}
	if len(id) < 3 {
		return "****"
	}
	return id[:1] + "***" + id[len(id)-1:]
}
