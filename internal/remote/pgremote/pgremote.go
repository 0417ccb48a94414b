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

// Package pgremote implements syncengine.RemoteGateway against a
// CockroachDB or Postgres target using pgx/v5 and pgxpool. The gateway
// wraps a *pgxpool.Pool; a single connection or transaction cannot be
// handed to it. This is the default remote driver for the CLI harness.
package pgremote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/synctable/syncengine"
	"github.com/synctable/syncengine/internal/remote/jsonpath"
)

// Gateway adapts a Postgres-family database to syncengine.RemoteGateway
// via pgx/v5, mirroring the pgx.Rows/pgxpool.Pool usage style of
// internal/types.StagingQuerier in the reference implementation.
type Gateway struct {
	pool *pgxpool.Pool
}

var _ syncengine.RemoteGateway = (*Gateway)(nil)

// New wraps an already-constructed pgxpool.Pool.
func New(pool *pgxpool.Pool) *Gateway {
	return &Gateway{pool: pool}
}

func whereClause(filter syncengine.RemoteFilter, startAt int) (string, []any) {
	var clauses []string
	var args []any
	n := startAt
	if filter.ScopeField != "" {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", jsonpath.Column(filter.ScopeField), n))
		args = append(args, filter.ScopeValue)
		n++
	}
	if filter.Since != nil {
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", jsonpath.Column(filter.TimestampField), n))
		args = append(args, *filter.Since)
		n++
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

// SelectPage implements syncengine.RemoteGateway.
func (g *Gateway) SelectPage(ctx context.Context, table string, filter syncengine.RemoteFilter, from, limit int) ([]syncengine.RemoteRow, error) {
	where, args := whereClause(filter, 1)
	var statement strings.Builder
	fmt.Fprintf(&statement, "SELECT * FROM %s", table)
	if where != "" {
		fmt.Fprintf(&statement, " WHERE %s", where)
	}
	if filter.TimestampField != "" {
		fmt.Fprintf(&statement, " ORDER BY %s", jsonpath.Column(filter.TimestampField))
	}
	fmt.Fprintf(&statement, " LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, from)

	rows, err := g.pool.Query(ctx, statement.String(), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "selecting page of %s", table)
	}
	defer rows.Close()
	return scanRows(rows)
}

// SelectByPK implements syncengine.RemoteGateway.
func (g *Gateway) SelectByPK(ctx context.Context, table, pkColumn string, pk any) (syncengine.RemoteRow, bool, error) {
	rows, err := g.pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, pkColumn), pk)
	if err != nil {
		return nil, false, errors.Wrapf(err, "selecting %s by pk", table)
	}
	defer rows.Close()
	return firstRow(rows)
}

// SelectByUniqueKey implements syncengine.RemoteGateway, rendering each
// eq key through internal/remote/jsonpath so a dotted unique-key path
// becomes a `col->>'field'` expression rather than a literal column.
func (g *Gateway) SelectByUniqueKey(ctx context.Context, table string, eq map[string]any, softDeleteField string) (syncengine.RemoteRow, bool, error) {
	if len(eq) == 0 {
		return nil, false, errors.New("pgremote: SelectByUniqueKey requires at least one key")
	}
	var clauses []string
	var args []any
	i := 1
	for path, value := range eq {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", jsonpath.Render(jsonpath.Column(path), path), i))
		args = append(args, value)
		i++
	}
	if softDeleteField != "" {
		clauses = append(clauses, fmt.Sprintf("%s = false", softDeleteField))
	}
	rows, err := g.pool.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE %s", table, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, false, errors.Wrapf(err, "selecting %s by unique key", table)
	}
	defer rows.Close()
	return firstRow(rows)
}

// Update implements syncengine.RemoteGateway.
func (g *Gateway) Update(ctx context.Context, table, pkColumn string, pk any, set map[string]any) (syncengine.RemoteRow, error) {
	if len(set) > 0 {
		var statement strings.Builder
		fmt.Fprintf(&statement, "UPDATE %s SET ", table)
		args := make([]any, 0, len(set)+1)
		i := 1
		for name, value := range set {
			if i > 1 {
				fmt.Fprint(&statement, ", ")
			}
			fmt.Fprintf(&statement, "%s = $%d", name, i)
			args = append(args, value)
			i++
		}
		fmt.Fprintf(&statement, " WHERE %s = $%d", pkColumn, i)
		args = append(args, pk)
		if _, err := g.pool.Exec(ctx, statement.String(), args...); err != nil {
			return nil, errors.Wrapf(err, "updating %s", table)
		}
	}
	row, ok, err := g.SelectByPK(ctx, table, pkColumn, pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("pgremote: %s row %v vanished after update", table, pk)
	}
	return row, nil
}

// Insert implements syncengine.RemoteGateway.
func (g *Gateway) Insert(ctx context.Context, table string, values map[string]any) (syncengine.RemoteRow, error) {
	var statement strings.Builder
	fmt.Fprintf(&statement, "INSERT INTO %s (", table)
	args := make([]any, 0, len(values))
	i := 0
	for name, value := range values {
		if i > 0 {
			fmt.Fprint(&statement, ", ")
		}
		fmt.Fprint(&statement, name)
		args = append(args, value)
		i++
	}
	fmt.Fprint(&statement, ") VALUES (")
	for i := range args {
		if i > 0 {
			fmt.Fprint(&statement, ", ")
		}
		fmt.Fprintf(&statement, "$%d", i+1)
	}
	fmt.Fprint(&statement, ") RETURNING *")

	rows, err := g.pool.Query(ctx, statement.String(), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "inserting into %s", table)
	}
	defer rows.Close()
	row, ok, err := firstRow(rows)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("pgremote: insert into %s returned no row", table)
	}
	return row, nil
}

// SoftDelete implements syncengine.RemoteGateway.
func (g *Gateway) SoftDelete(ctx context.Context, table, pkColumn string, pk any, softDeleteField, timestampField string) error {
	statement := fmt.Sprintf("UPDATE %s SET %s = true, %s = now() WHERE %s = $1",
		table, softDeleteField, timestampField, pkColumn)
	_, err := g.pool.Exec(ctx, statement, pk)
	return errors.Wrapf(err, "soft-deleting from %s", table)
}

// ServerNow implements syncengine.RemoteGateway.
func (g *Gateway) ServerNow(ctx context.Context) (int64, error) {
	var ms int64
	err := g.pool.QueryRow(ctx, "SELECT (extract(epoch from now()) * 1000)::bigint").Scan(&ms)
	return ms, errors.Wrap(err, "reading server time")
}

// Subscribe implements syncengine.RemoteGateway using Postgres/CRDB
// LISTEN/NOTIFY over a dedicated pgx connection acquired from the pool,
// the pgx/v5 equivalent of pqremote's pq.Listener-based subscription.
func (g *Gateway) Subscribe(ctx context.Context, table string, filter *syncengine.RemoteFilter) (<-chan syncengine.RemoteChange, func(), error) {
	channel := table + "_changed"
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "acquiring listen connection")
	}
	if _, err := conn.Exec(ctx, "LISTEN \""+channel+"\""); err != nil {
		conn.Release()
		return nil, nil, errors.Wrapf(err, "listening on %s", channel)
	}

	out := make(chan syncengine.RemoteChange, 16)
	listenCtx, cancelListen := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				return
			}
			row, ok := decodeNotification(notification.Payload)
			if !ok {
				continue
			}
			if filter != nil && filter.ScopeField != "" {
				if v, ok := row[filter.ScopeField]; !ok || fmt.Sprint(v) != filter.ScopeValue {
					continue
				}
			}
			select {
			case out <- syncengine.RemoteChange{Table: table, Row: row}:
			case <-listenCtx.Done():
				return
			}
		}
	}()

	return out, cancelListen, nil
}

func scanRows(rows pgx.Rows) ([]syncengine.RemoteRow, error) {
	fields := rows.FieldDescriptions()
	var result []syncengine.RemoteRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, "reading row values")
		}
		result = append(result, rowFromValues(fields, values))
	}
	return result, rows.Err()
}

func firstRow(rows pgx.Rows) (syncengine.RemoteRow, bool, error) {
	fields := rows.FieldDescriptions()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, false, errors.Wrap(err, "reading row values")
	}
	return rowFromValues(fields, values), true, nil
}

func rowFromValues(fields []pgx.FieldDescription, values []any) syncengine.RemoteRow {
	row := make(syncengine.RemoteRow, len(fields))
	for i, f := range fields {
		row[string(f.Name)] = values[i]
	}
	return row
}

// decodeNotification parses a LISTEN/NOTIFY payload as a JSON object
// shaped like syncengine.RemoteRow. A malformed payload is ignored
// rather than surfaced as an error, since one bad notification should
// not tear down the whole subscription.
func decodeNotification(payload string) (syncengine.RemoteRow, bool) {
	var row syncengine.RemoteRow
	if err := json.Unmarshal([]byte(payload), &row); err != nil {
		return nil, false
	}
	return row, true
}
