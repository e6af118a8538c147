package query

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// JoinKind says how a source is combined with the sources before it.
type JoinKind int

const (
	JoinNone JoinKind = iota
	JoinInner
	JoinLeftOuter
)

type source struct {
	kind  JoinKind
	table string
	sub   *Select
	alias Alias
	on    ExpNode
}

// WhereClause holds the conjunctive terms of a statement's WHERE.
type WhereClause struct {
	terms []ExpNode
}

func (w *WhereClause) add(node ExpNode) {
	w.terms = append(w.terms, node)
}

// orLast replaces the most recent conjunct with (last OR node).
func (w *WhereClause) orLast(node ExpNode) {
	if len(w.terms) == 0 {
		w.terms = append(w.terms, node)
		return
	}
	last := len(w.terms) - 1
	w.terms[last] = Or(w.terms[last], node)
}

// GroupByClause is the GROUP BY expression list.
type GroupByClause struct {
	exprs []string
}

// OrderByClause is the ORDER BY expression list.
type OrderByClause struct {
	exprs []string
}

// Pagination renders as LIMIT/OFFSET with bound values.
type Pagination struct {
	Offset int
	Rows   int
}

// Select is the intermediate representation of a SELECT statement. A Select
// returned from Build is never modified by the adapters that produced it.
type Select struct {
	distinct   bool
	columns    []string
	sources    []source
	where      *WhereClause
	groupBy    *GroupByClause
	orderBy    *OrderByClause
	pagination *Pagination

	// set when the adapter chain was misused; surfaced by ToSql
	err error
}

// ToSql renders the statement with PostgreSQL $n placeholders. It satisfies
// squirrel's Sqlizer so a Select can be embedded in squirrel builders.
func (s *Select) ToSql() (string, []interface{}, error) {
	return s.ToSqlFormat(sq.Dollar)
}

// ToSqlFormat renders the statement with the given placeholder format.
func (s *Select) ToSqlFormat(format sq.PlaceholderFormat) (string, []interface{}, error) {
	r := &renderer{}
	s.render(r)
	if r.err != nil {
		return "", nil, r.err
	}
	text, err := format.ReplacePlaceholders(r.sb.String())
	if err != nil {
		return "", nil, fmt.Errorf("replace placeholders: %w", err)
	}
	return text, r.args, nil
}

// String renders the statement for logging. Errors render as a comment.
func (s *Select) String() string {
	text, _, err := s.ToSql()
	if err != nil {
		return "/* " + err.Error() + " */"
	}
	return text
}

func (s *Select) render(r *renderer) {
	if s.err != nil {
		r.fail(s.err)
		return
	}
	if len(s.sources) == 0 {
		r.fail(errors.New("select has no source tables"))
		return
	}

	r.write("SELECT ")
	if s.distinct {
		r.write("DISTINCT ")
	}
	if len(s.columns) == 0 {
		r.write("*")
	} else {
		r.write(strings.Join(s.columns, ", "))
	}

	r.write(" FROM ")
	for i, src := range s.sources {
		switch src.kind {
		case JoinInner:
			r.write(" INNER JOIN ")
		case JoinLeftOuter:
			r.write(" LEFT OUTER JOIN ")
		default:
			if i > 0 {
				r.write(", ")
			}
		}
		if src.sub != nil {
			r.write("(")
			src.sub.render(r)
			r.write(")")
		} else {
			r.write(src.table)
		}
		if src.alias != "" {
			r.write(" AS ")
			r.write(string(src.alias))
		}
		if src.kind != JoinNone {
			r.write(" ON ")
			if src.on == nil {
				r.fail(fmt.Errorf("join on %q has no predicate", src.table))
				return
			}
			src.on.render(r)
		}
	}

	if s.where != nil && len(s.where.terms) > 0 {
		r.write(" WHERE ")
		for i, t := range s.where.terms {
			if i > 0 {
				r.write(" AND ")
			}
			t.render(r)
		}
	}
	if s.groupBy != nil && len(s.groupBy.exprs) > 0 {
		r.write(" GROUP BY ")
		r.write(strings.Join(s.groupBy.exprs, ", "))
	}
	if s.orderBy != nil && len(s.orderBy.exprs) > 0 {
		r.write(" ORDER BY ")
		r.write(strings.Join(s.orderBy.exprs, ", "))
	}
	if s.pagination != nil {
		r.write(" LIMIT ? OFFSET ?")
		r.bind(s.pagination.Rows, s.pagination.Offset)
	}
}

// clone deep-copies the statement structure. Expression nodes are values
// and never modified once created, so they are shared.
func (s *Select) clone() *Select {
	if s == nil {
		return nil
	}
	c := &Select{
		distinct: s.distinct,
		columns:  append([]string(nil), s.columns...),
		err:      s.err,
	}
	c.sources = make([]source, len(s.sources))
	for i, src := range s.sources {
		src.sub = src.sub.clone()
		c.sources[i] = src
	}
	if s.where != nil {
		c.where = &WhereClause{terms: append([]ExpNode(nil), s.where.terms...)}
	}
	if s.groupBy != nil {
		c.groupBy = &GroupByClause{exprs: append([]string(nil), s.groupBy.exprs...)}
	}
	if s.orderBy != nil {
		c.orderBy = &OrderByClause{exprs: append([]string(nil), s.orderBy.exprs...)}
	}
	if s.pagination != nil {
		p := *s.pagination
		c.pagination = &p
	}
	return c
}

type renderer struct {
	sb   strings.Builder
	args []interface{}
	err  error
}

func (r *renderer) write(s string) {
	if r.err == nil {
		r.sb.WriteString(s)
	}
}

func (r *renderer) bind(args ...interface{}) {
	if r.err == nil {
		r.args = append(r.args, args...)
	}
}

func (r *renderer) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
