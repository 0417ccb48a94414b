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

// Package pqremote implements syncengine.RemoteGateway on top of
// database/sql and lib/pq, adapted from the original sink's dynamic
// upsert/delete statement builder (sink.go) and its resolved-timestamp
// watermark table (resolved_table.go) in the reference cdc-sink
// implementation. Realtime change notification is implemented with
// lib/pq's LISTEN/NOTIFY support (pq.Listener) rather than the
// original's webhook-driven resolved-line ingestion, since this
// gateway is pulled from, not pushed into.
package pqremote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/synctable/syncengine"
	"github.com/synctable/syncengine/internal/remote/jsonpath"
)

// Gateway adapts a Postgres-family database (CockroachDB, Postgres
// itself) to syncengine.RemoteGateway.
type Gateway struct {
	db         *sql.DB
	connString string
	logger     log.FieldLogger
}

// New wraps an already-open *sql.DB. connString is only used to open
// the separate LISTEN/NOTIFY connection Subscribe needs; pass "" to
// disable realtime subscriptions (Subscribe then always errors).
func New(db *sql.DB, connString string) *Gateway {
	return &Gateway{db: db, connString: connString, logger: log.StandardLogger()}
}

var _ syncengine.RemoteGateway = (*Gateway)(nil)

// whereClause renders a syncengine.RemoteFilter into a SQL WHERE clause
// (without the WHERE keyword) and its positional arguments, starting
// placeholder numbering at startAt.
func whereClause(filter syncengine.RemoteFilter, startAt int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
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

	g.logger.WithField("statement", statement.String()).Trace("pqremote: select page")
	rows, err := g.db.QueryContext(ctx, statement.String(), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "selecting page of %s", table)
	}
	defer rows.Close()
	return scanRows(rows)
}

// SelectByPK implements syncengine.RemoteGateway.
func (g *Gateway) SelectByPK(ctx context.Context, table, pkColumn string, pk interface{}) (syncengine.RemoteRow, bool, error) {
	statement := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, pkColumn)
	rows, err := g.db.QueryContext(ctx, statement, pk)
	if err != nil {
		return nil, false, errors.Wrapf(err, "selecting %s by pk", table)
	}
	defer rows.Close()
	return firstRow(rows)
}

// SelectByUniqueKey implements syncengine.RemoteGateway. Keys of eq are
// JSON-paths in the gateway's dotted syntax (e.g. "profile.email"),
// rendered through internal/remote/jsonpath.
func (g *Gateway) SelectByUniqueKey(ctx context.Context, table string, eq map[string]interface{}, softDeleteField string) (syncengine.RemoteRow, bool, error) {
	if len(eq) == 0 {
		return nil, false, errors.New("pqremote: SelectByUniqueKey requires at least one key")
	}
	var clauses []string
	var args []interface{}
	i := 1
	for path, value := range eq {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", jsonpath.Render(jsonpath.Column(path), path), i))
		args = append(args, value)
		i++
	}
	if softDeleteField != "" {
		clauses = append(clauses, fmt.Sprintf("%s = false", softDeleteField))
	}
	statement := fmt.Sprintf("SELECT * FROM %s WHERE %s", table, strings.Join(clauses, " AND "))
	rows, err := g.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, false, errors.Wrapf(err, "selecting %s by unique key", table)
	}
	defer rows.Close()
	return firstRow(rows)
}

// Update implements syncengine.RemoteGateway, building a dynamic SET
// clause the way the original upsertRow built its column list, and
// returns the row as it exists after the update.
func (g *Gateway) Update(ctx context.Context, table, pkColumn string, pk interface{}, set map[string]interface{}) (syncengine.RemoteRow, error) {
	if len(set) == 0 {
		return g.reselect(ctx, table, pkColumn, pk)
	}
	var statement strings.Builder
	fmt.Fprintf(&statement, "UPDATE %s SET ", table)
	args := make([]interface{}, 0, len(set)+1)
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

	g.logger.WithField("statement", statement.String()).Trace("pqremote: update")
	if _, err := g.db.ExecContext(ctx, statement.String(), args...); err != nil {
		return nil, errors.Wrapf(err, "updating %s", table)
	}
	return g.reselect(ctx, table, pkColumn, pk)
}

// Insert implements syncengine.RemoteGateway, building a dynamic
// column/value list the way the original upsertRow did, and returns
// the row as inserted, including its assigned primary key.
func (g *Gateway) Insert(ctx context.Context, table string, values map[string]interface{}) (syncengine.RemoteRow, error) {
	var statement strings.Builder
	fmt.Fprintf(&statement, "INSERT INTO %s (", table)
	args := make([]interface{}, 0, len(values))
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

	g.logger.WithField("statement", statement.String()).Trace("pqremote: insert")
	rows, err := g.db.QueryContext(ctx, statement.String(), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "inserting into %s", table)
	}
	defer rows.Close()
	row, ok, err := firstRow(rows)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("pqremote: insert into %s returned no row", table)
	}
	return row, nil
}

// SoftDelete implements syncengine.RemoteGateway: rather than the
// original's hard DELETE (deleteRow), it flips the soft-delete column
// and stamps timestampField, preserving the row for other subscribers
// still catching up.
func (g *Gateway) SoftDelete(ctx context.Context, table, pkColumn string, pk interface{}, softDeleteField, timestampField string) error {
	statement := fmt.Sprintf("UPDATE %s SET %s = true, %s = now() WHERE %s = $1",
		table, softDeleteField, timestampField, pkColumn)
	g.logger.WithField("statement", statement).Trace("pqremote: soft delete")
	_, err := g.db.ExecContext(ctx, statement, pk)
	return errors.Wrapf(err, "soft-deleting from %s", table)
}

// ServerNow implements syncengine.RemoteGateway, returning the
// database's clock so cycleStart isn't subject to local clock skew.
func (g *Gateway) ServerNow(ctx context.Context) (int64, error) {
	var ms int64
	err := g.db.QueryRowContext(ctx, "SELECT (extract(epoch from now()) * 1000)::bigint").Scan(&ms)
	return ms, errors.Wrap(err, "reading server time")
}

// Subscribe implements syncengine.RemoteGateway using lib/pq's
// LISTEN/NOTIFY support. The remote side is expected to NOTIFY on a
// channel named "<table>_changed" with a JSON payload matching
// syncengine.RemoteRow; this mirrors the original's CDC changefeed
// webhook but adapted to a pull-side subscriber instead of a push-side
// HTTP handler (sink.go's HandleRequest).
func (g *Gateway) Subscribe(ctx context.Context, table string, filter *syncengine.RemoteFilter) (<-chan syncengine.RemoteChange, func(), error) {
	if g.connString == "" {
		return nil, nil, errors.New("pqremote: subscriptions disabled, no connString configured")
	}
	channel := table + "_changed"

	listener := pq.NewListener(g.connString, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			g.logger.WithError(err).Warn("pqremote: listener event")
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, nil, errors.Wrapf(err, "listening on %s", channel)
	}

	out := make(chan syncengine.RemoteChange, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case notification, ok := <-listener.Notify:
				if !ok {
					return
				}
				if notification == nil {
					continue
				}
				var row syncengine.RemoteRow
				if err := json.Unmarshal([]byte(notification.Extra), &row); err != nil {
					g.logger.WithError(err).Warn("pqremote: malformed notification payload")
					continue
				}
				if filter != nil && filter.ScopeField != "" {
					if v, ok := row[filter.ScopeField]; !ok || fmt.Sprint(v) != filter.ScopeValue {
						continue
					}
				}
				select {
				case out <- syncengine.RemoteChange{Table: table, Row: row}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		listener.Close()
	}
	return out, cancel, nil
}

func (g *Gateway) reselect(ctx context.Context, table, pkColumn string, pk interface{}) (syncengine.RemoteRow, error) {
	row, ok, err := g.SelectByPK(ctx, table, pkColumn, pk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("pqremote: %s row %v vanished after write", table, pk)
	}
	return row, nil
}

func scanRows(rows *sql.Rows) ([]syncengine.RemoteRow, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var result []syncengine.RemoteRow
	for rows.Next() {
		row, err := scanOneRow(rows, cols)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func firstRow(rows *sql.Rows) (syncengine.RemoteRow, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row, err := scanOneRow(rows, cols)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func scanOneRow(rows *sql.Rows, cols []string) (syncengine.RemoteRow, error) {
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, errors.Wrap(err, "scanning row")
	}
	row := make(syncengine.RemoteRow, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
		} else {
			row[col] = values[i]
		}
	}
	return row, nil
}
