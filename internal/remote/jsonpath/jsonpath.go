// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package jsonpath renders a dotted unique-key path into the Postgres
// JSON-path operator syntax used by the remote gateway's query language.
// This is the only place the gateway's query syntax is allowed to leak
// out of the adapter packages.
package jsonpath

import "strings"

// Render turns a dotted path such as "a.b.c", rooted at column "a", into
// the Postgres JSON accessor expression "a->'b'->>'c'": every segment
// after the root but the last uses the "object" operator (->), the last
// uses the "text" operator (->>) so that comparisons against a scalar
// value work as expected, and each of those segments is single-quoted.
// For a path with no dots ("a") column is returned as is, since it
// addresses a plain column.
func Render(column string, path string) string {
	segments := strings.Split(path, ".")
	if len(segments) == 1 {
		return column
	}
	var b strings.Builder
	b.WriteString(column)
	for i, seg := range segments[1:] {
		if i == len(segments)-2 {
			b.WriteString("->>")
		} else {
			b.WriteString("->")
		}
		b.WriteString(quoteIfNeeded(seg))
	}
	return b.String()
}

// Column returns the root column name of a dotted path: "a.b.c" -> "a".
func Column(path string) string {
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// Tail returns the path traversed after the root column: "a.b.c" ->
// "b.c". If path has no dots, Tail returns "".
func Tail(path string) string {
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		return path[idx+1:]
	}
	return ""
}

func quoteIfNeeded(segment string) string {
	return "'" + segment + "'"
}
