// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
//
// Every query run against a "fakedb" connection returns the rows
// installed by the innermost Run call, and is recorded so tests can
// inspect the statement and its arguments.
package fakedb // import "github.com/go-lpc/tpm/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"sync"
)

var query struct {
	mu   sync.Mutex
	rows Rows
	log  []Query
}

// Query is a statement executed against the fake DB.
type Query struct {
	Stmt string
	Args []driver.Value
}

// Run installs rows as the result of every query issued while f runs,
// and returns the queries f issued together with f's error.
func Run(ctx context.Context, rows Rows, f func(ctx context.Context) error) ([]Query, error) {
	query.mu.Lock()
	defer query.mu.Unlock()
	query.rows = rows
	query.log = nil

	err := f(ctx)
	return query.log, err
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare returns a prepared statement, bound to this connection.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return &Stmt{query: query}, nil
}

func (c *Conn) Close() error {
	return nil
}

// Begin starts and returns a new transaction.
//
// Deprecated: Drivers should implement ConnBeginTx instead (or additionally).
func (c *Conn) Begin() (driver.Tx, error) {
	panic("not implemented")
}

type Stmt struct {
	query string
}

func (stmt *Stmt) Close() error {
	return nil
}

// NumInput returns -1: argument counts are not checked.
func (stmt *Stmt) NumInput() int {
	return -1
}

// Exec executes a query that doesn't return rows.
//
// Deprecated: Drivers should implement StmtExecContext instead (or additionally).
func (stmt *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	panic("not implemented")
}

// Query executes a query that may return rows, such as a
// SELECT.
//
// Deprecated: Drivers should implement StmtQueryContext instead (or additionally).
func (stmt *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	query.log = append(query.log, Query{
		Stmt: stmt.query,
		Args: append([]driver.Value(nil), args...),
	})
	if query.rows.Err != nil {
		return nil, query.rows.Err
	}
	return &query.rows, nil
}

// Rows is the canned result of a query.
type Rows struct {
	Names  []string
	Values [][]driver.Value
	Err    error // returned by the query instead of the rows, if not nil
}

func (rows *Rows) Columns() []string {
	return rows.Names
}

func (rows *Rows) Close() error {
	return nil
}

// Next populates dest with the next row of data.
// Next returns io.EOF when there are no more rows.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver = (*Driver)(nil)
	_ driver.Conn   = (*Conn)(nil)
	_ driver.Stmt   = (*Stmt)(nil)
	_ driver.Rows   = (*Rows)(nil)
)
