package persistence

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirstore/internal/platform/db"
)

// response is the scripted answer to one QueryRow or Query call. An empty
// rows slice makes QueryRow report pgx.ErrNoRows.
type response struct {
	rows [][]any
	err  error
}

type call struct {
	sql  string
	args []any
}

// fakeQuerier answers reads from a script in call order. Exec and
// SendBatch panic through the nil embedded interface.
type fakeQuerier struct {
	db.Querier
	mu        sync.Mutex
	responses []response
	calls     []call
}

func (f *fakeQuerier) next(sql string, args []any) response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{sql: sql, args: args})
	if len(f.responses) == 0 {
		return response{err: fmt.Errorf("unexpected query: %s", sql)}
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r
}

func (f *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	r := f.next(sql, args)
	if r.err != nil {
		return fakeRow{err: r.err}
	}
	if len(r.rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: r.rows[0]}
}

func (f *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	r := f.next(sql, args)
	if r.err != nil {
		return nil, r.err
	}
	return &fakeRows{rows: r.rows, i: -1}, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type fakeRows struct {
	pgx.Rows
	rows [][]any
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error { return assign(r.rows[r.i], dest) }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 {}

func assign(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("scan: %d values into %d targets", len(values), len(dest))
	}
	for i, v := range values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}
