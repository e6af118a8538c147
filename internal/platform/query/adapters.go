package query

import "errors"

// The adapters below form a fluent chain over one Select. Each call returns
// the adapter positioned for the next call. A chain owns its Select
// exclusively; Build hands out a copy so the returned statement is never
// changed by further calls on the chain.

var (
	errSubEndWithoutStart = errors.New("SubEnd called outside a sub-query")
	errSubQueryBuilt      = errors.New("sub-query must be closed with SubEnd, not built standalone")
)

// chain carries the statement under construction and, for sub-queries, the
// adapter the sub-query returns to when it ends.
type chain struct {
	sel    *Select
	parent *FromAdapter
}

// SelectAdapter starts a statement.
type SelectAdapter struct{ chain }

// NewSelect starts a new statement with the given select list. An empty
// list renders as *.
func NewSelect(columns ...string) *SelectAdapter {
	return &SelectAdapter{chain{sel: &Select{columns: append([]string(nil), columns...)}}}
}

// NewSelectDistinct starts a new SELECT DISTINCT statement.
func NewSelectDistinct(columns ...string) *SelectAdapter {
	a := NewSelect(columns...)
	a.sel.distinct = true
	return a
}

// From adds a source table.
func (a *SelectAdapter) From(table string) *FromAdapter {
	return a.fromAdapter().From(table)
}

// FromAlias adds a source table with an alias.
func (a *SelectAdapter) FromAlias(table string, alias Alias) *FromAdapter {
	return a.fromAdapter().FromAlias(table, alias)
}

// SubStart opens a sub-query that becomes a source of this statement.
func (a *SelectAdapter) SubStart(columns ...string) *FromAdapter {
	return a.fromAdapter().SubStart(columns...)
}

func (a *SelectAdapter) fromAdapter() *FromAdapter {
	return &FromAdapter{a.chain}
}

// FromAdapter adds sources and opens the WHERE clause.
type FromAdapter struct{ chain }

func (a *FromAdapter) From(table string) *FromAdapter {
	a.sel.sources = append(a.sel.sources, source{table: table})
	return a
}

func (a *FromAdapter) FromAlias(table string, alias Alias) *FromAdapter {
	a.sel.sources = append(a.sel.sources, source{table: table, alias: alias})
	return a
}

func (a *FromAdapter) InnerJoin(table string, alias Alias, on ExpNode) *FromAdapter {
	a.sel.sources = append(a.sel.sources, source{kind: JoinInner, table: table, alias: alias, on: on})
	return a
}

func (a *FromAdapter) LeftOuterJoin(table string, alias Alias, on ExpNode) *FromAdapter {
	a.sel.sources = append(a.sel.sources, source{kind: JoinLeftOuter, table: table, alias: alias, on: on})
	return a
}

// SubStart opens a nested sub-query. The returned adapter works on the
// sub-select; SubEnd attaches it here as a source.
func (a *FromAdapter) SubStart(columns ...string) *FromAdapter {
	return &FromAdapter{chain{
		sel:    &Select{columns: append([]string(nil), columns...)},
		parent: a,
	}}
}

// Where appends raw predicate text with ? bind markers.
func (a *FromAdapter) Where(predicate string, args ...interface{}) *WhereAdapter {
	return a.WhereExp(Raw(predicate, args...))
}

// WhereColumn appends the equality alias.column = value.
func (a *FromAdapter) WhereColumn(alias Alias, column string, value interface{}) *WhereAdapter {
	return a.WhereExp(Eq(Col(alias, column), Bind(value)))
}

// WhereExp appends a pre-built predicate tree.
func (a *FromAdapter) WhereExp(predicate ExpNode) *WhereAdapter {
	a.whereClause().add(predicate)
	return &WhereAdapter{a.chain}
}

// WhereAdapter extends the WHERE clause. Every Where call appends a
// conjunct to the single clause of the statement.
type WhereAdapter struct{ chain }

func (a *WhereAdapter) Where(predicate string, args ...interface{}) *WhereAdapter {
	return a.And(Raw(predicate, args...))
}

func (a *WhereAdapter) WhereColumn(alias Alias, column string, value interface{}) *WhereAdapter {
	return a.And(Eq(Col(alias, column), Bind(value)))
}

func (a *WhereAdapter) WhereExp(predicate ExpNode) *WhereAdapter {
	return a.And(predicate)
}

// And appends a conjunct.
func (a *WhereAdapter) And(predicate ExpNode) *WhereAdapter {
	a.whereClause().add(predicate)
	return a
}

// Or combines predicate with the most recently added conjunct.
func (a *WhereAdapter) Or(predicate ExpNode) *WhereAdapter {
	a.whereClause().orLast(predicate)
	return a
}

// GroupByAdapter follows GroupBy.
type GroupByAdapter struct{ chain }

// OrderByAdapter follows OrderBy.
type OrderByAdapter struct{ chain }

// GroupBy sets the GROUP BY list. A later call replaces it.
func (c chain) GroupBy(exprs ...string) *GroupByAdapter {
	c.sel.groupBy = &GroupByClause{exprs: append([]string(nil), exprs...)}
	return &GroupByAdapter{c}
}

// OrderBy appends to the ORDER BY list.
func (c chain) OrderBy(exprs ...string) *OrderByAdapter {
	if c.sel.orderBy == nil {
		c.sel.orderBy = &OrderByClause{}
	}
	c.sel.orderBy.exprs = append(c.sel.orderBy.exprs, exprs...)
	return &OrderByAdapter{c}
}

// Pagination limits the statement to rows rows starting at offset.
func (c chain) Pagination(offset, rows int) *PaginationAdapter {
	c.sel.pagination = &Pagination{Offset: offset, Rows: rows}
	return &PaginationAdapter{c}
}

// SubEnd closes a sub-query, attaching it as an aliased source of the
// enclosing statement, and returns the enclosing adapter.
func (c chain) SubEnd(alias Alias) *FromAdapter {
	if c.parent == nil {
		c.sel.err = errSubEndWithoutStart
		return &FromAdapter{c}
	}
	c.parent.sel.sources = append(c.parent.sel.sources, source{sub: c.sel.clone(), alias: alias})
	return c.parent
}

// Build returns the finished statement.
func (c chain) Build() *Select {
	if c.parent != nil {
		return &Select{err: errSubQueryBuilt}
	}
	return c.sel.clone()
}

func (c chain) whereClause() *WhereClause {
	if c.sel.where == nil {
		c.sel.where = &WhereClause{}
	}
	return c.sel.where
}

// PaginationAdapter follows Pagination.
type PaginationAdapter struct{ chain }
