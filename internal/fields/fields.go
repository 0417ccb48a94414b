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

// Package fields contains pure helpers used by the Local Data Accessor:
// name-style-tolerant field reads, timestamp coercion, and JSON-path
// unique-key value extraction. None of these functions perform I/O,
// which keeps them unit-testable independently of any database.
package fields

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ToCamel converts a snake_case name to camelCase. Names that contain no
// underscore are returned unchanged.
func ToCamel(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) == 1 {
		return name
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// ToSnake converts a camelCase name to snake_case. Names that are already
// snake_case are returned unchanged.
func ToSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Lookup reads name from m, falling back to its camelCase and snake_case
// spellings. The map values are tried in this order: the exact name,
// ToCamel(name), ToSnake(name).
func Lookup(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	if camel := ToCamel(name); camel != name {
		if v, ok := m[camel]; ok {
			return v, true
		}
	}
	if snake := ToSnake(name); snake != name {
		if v, ok := m[snake]; ok {
			return v, true
		}
	}
	return nil, false
}

// ToMillis coerces a number, numeric string, or time.Time into integer
// milliseconds since the epoch. Anything else yields 0.
func ToMillis(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(f)
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli()
		}
		return 0
	case time.Time:
		return t.UnixMilli()
	default:
		return 0
	}
}

// ISOToMillis parses an ISO-8601 timestamp (as stored in a remote
// timestamp field) into integer milliseconds. A malformed or empty
// string yields 0.
func ISOToMillis(s string) int64 {
	if s == "" {
		return 0
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UnixMilli()
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UnixMilli()
	}
	return 0
}

// MillisToISO renders integer milliseconds as the ISO-8601 string form
// used for remote timestamp filters and payload fields.
func MillisToISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// IsSoftDeleted reads the soft-delete flag (default field name
// "is_deleted") off a row-shaped map; true iff the value is boolean
// true.
func IsSoftDeleted(m map[string]any, field string) bool {
	v, ok := Lookup(m, field)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// ExtractUniqueValue reads a (possibly dotted) path out of a row-shaped
// map. A dotted path "head.tail..." reads head from the record; if its
// value is a JSON-text-encoded string, it is parsed before the remaining
// path segments are traversed into it. Missing or unparseable paths
// return (nil, false).
func ExtractUniqueValue(m map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	cur, ok := Lookup(m, segments[0])
	if !ok {
		return nil, false
	}
	for _, seg := range segments[1:] {
		next, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = Lookup(next, seg)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asMap coerces v into a map[string]any, parsing it as JSON text first
// if it is a string.
func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(t), &parsed); err != nil {
			return nil, false
		}
		return parsed, true
	default:
		return nil, false
	}
}

// SerializeKey renders an ordered list of extracted unique-key values
// into a total, deterministic string, suitable for use as a map key. The
// same function must be used on both sides of any comparison. This
// implementation uses JSON-array encoding.
func SerializeKey(values []any) (string, error) {
	b, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
