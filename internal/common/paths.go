// Copyright 2025 The depotfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"path"
	"strings"
	"time"
)

// Sep is the canonical path separator. Catalog paths are always stored
// slash-separated and rooted at "/", regardless of host platform.
const Sep = "/"

// LikeSep is Sep run through the LIKE escaper, for building prefix patterns.
var LikeSep = EscapeLike(Sep)

// CanonicalPath resolves a raw request path into canonical catalog form:
// rooted at "/", cleaned, no trailing slash (except the root itself).
// Rooted cleaning cannot escape the managed root, so traversal segments
// collapse harmlessly.
func CanonicalPath(raw string) string {
	p := path.Clean("/" + strings.ReplaceAll(raw, "\\", "/"))
	return p
}

// EscapeLike escapes backslash, percent and underscore so a path can be
// embedded in a SQL LIKE pattern (with ESCAPE '\'). Literal wildcard
// characters in user-supplied names must never widen a prefix match.
func EscapeLike(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	p = strings.ReplaceAll(p, `%`, `\%`)
	p = strings.ReplaceAll(p, `_`, `\_`)
	return p
}

// DescendantPattern returns the LIKE pattern matching strict descendants of p.
// Callers pair it with an exact-match clause; a bare prefix pattern would
// also match siblings like "/ab" for "/a".
func DescendantPattern(p string) string {
	if p == "/" {
		return LikeSep + "%"
	}
	return EscapeLike(p) + LikeSep + "%"
}

// IsWithin reports whether child is a strict descendant of parent.
func IsWithin(parent, child string) bool {
	if parent == "/" {
		return child != "/"
	}
	return strings.HasPrefix(child, parent+Sep)
}

// ParentPath returns the parent of a canonical path ("/" for top-level
// entries, "" for the root itself).
func ParentPath(p string) string {
	if p == "/" {
		return ""
	}
	return path.Dir(p)
}

// BaseName returns the last element of a canonical path.
func BaseName(p string) string {
	return path.Base(p)
}

// RelPath returns child relative to parent ("" when equal). Both must be
// canonical and child must be within parent.
func RelPath(parent, child string) string {
	if parent == child {
		return ""
	}
	if parent == "/" {
		return strings.TrimPrefix(child, "/")
	}
	return strings.TrimPrefix(child, parent+Sep)
}

// Ancestors returns every strict ancestor of p, nearest first, ending at "/".
func Ancestors(p string) []string {
	var out []string
	for p != "/" && p != "" {
		p = ParentPath(p)
		if p == "" {
			break
		}
		out = append(out, p)
	}
	return out
}

// BaseURL computes the common ancestor of a request URL path and the
// resource path it addresses. WebDAV Destination headers are resolved
// against it, since clients may send them absolute or relative.
func BaseURL(requestPath, resourcePath string) string {
	req := strings.TrimSuffix(requestPath, "/")
	res := strings.Trim(resourcePath, "/")
	if res == "" {
		return req
	}
	suffix := "/" + res
	if strings.HasSuffix(req, suffix) {
		return strings.TrimSuffix(req, suffix)
	}
	return req
}

// RFC1123 formats a timestamp the way WebDAV getlastmodified requires.
func RFC1123(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}
