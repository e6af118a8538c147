package query

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// ExpNode is a node in a predicate or expression tree. Values only ever
// reach the rendered text as bind markers.
type ExpNode interface {
	render(r *renderer)
}

// Alias names a table or sub-query source.
type Alias string

type colRef struct {
	alias Alias
	name  string
}

// Col references a column, optionally qualified by a table alias.
func Col(alias Alias, name string) ExpNode {
	return colRef{alias: alias, name: name}
}

func (c colRef) render(r *renderer) {
	if c.alias != "" {
		r.write(string(c.alias))
		r.write(".")
	}
	r.write(c.name)
}

type bindNode struct{ value interface{} }

// Bind adds a bind value to the statement.
func Bind(value interface{}) ExpNode {
	return bindNode{value: value}
}

func (b bindNode) render(r *renderer) {
	r.write("?")
	r.bind(b.value)
}

type rawNode struct {
	text string
	args []interface{}
}

// Raw wraps predicate text using ? markers for each of args.
func Raw(text string, args ...interface{}) ExpNode {
	return rawNode{text: text, args: args}
}

func (n rawNode) render(r *renderer) {
	if got := strings.Count(n.text, "?") - 2*strings.Count(n.text, "??"); got != len(n.args) {
		r.fail(fmt.Errorf("predicate %q has %d bind markers but %d args", n.text, got, len(n.args)))
		return
	}
	r.write(n.text)
	r.bind(n.args...)
}

type binaryNode struct {
	op          string
	left, right ExpNode
}

func (n binaryNode) render(r *renderer) {
	n.left.render(r)
	r.write(" ")
	r.write(n.op)
	r.write(" ")
	n.right.render(r)
}

func Eq(left, right ExpNode) ExpNode   { return binaryNode{op: "=", left: left, right: right} }
func Neq(left, right ExpNode) ExpNode  { return binaryNode{op: "<>", left: left, right: right} }
func Lt(left, right ExpNode) ExpNode   { return binaryNode{op: "<", left: left, right: right} }
func Lte(left, right ExpNode) ExpNode  { return binaryNode{op: "<=", left: left, right: right} }
func Gt(left, right ExpNode) ExpNode   { return binaryNode{op: ">", left: left, right: right} }
func Gte(left, right ExpNode) ExpNode  { return binaryNode{op: ">=", left: left, right: right} }
func Like(left, right ExpNode) ExpNode { return binaryNode{op: "LIKE", left: left, right: right} }

type logicalNode struct {
	op    string
	terms []ExpNode
}

// And joins terms conjunctively. Nested ANDs are flattened.
func And(terms ...ExpNode) ExpNode { return newLogical("AND", terms) }

// Or joins terms disjunctively. Nested ORs are flattened.
func Or(terms ...ExpNode) ExpNode { return newLogical("OR", terms) }

func newLogical(op string, terms []ExpNode) ExpNode {
	flat := make([]ExpNode, 0, len(terms))
	for _, t := range terms {
		if t == nil {
			continue
		}
		if l, ok := t.(logicalNode); ok && l.op == op {
			flat = append(flat, l.terms...)
			continue
		}
		flat = append(flat, t)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return logicalNode{op: op, terms: flat}
}

func (n logicalNode) render(r *renderer) {
	if len(n.terms) == 0 {
		if n.op == "AND" {
			r.write("1=1")
		} else {
			r.write("1=0")
		}
		return
	}
	r.write("(")
	for i, t := range n.terms {
		if i > 0 {
			r.write(" ")
			r.write(n.op)
			r.write(" ")
		}
		t.render(r)
	}
	r.write(")")
}

type notNode struct{ inner ExpNode }

func Not(inner ExpNode) ExpNode { return notNode{inner: inner} }

func (n notNode) render(r *renderer) {
	r.write("NOT (")
	n.inner.render(r)
	r.write(")")
}

type isNullNode struct {
	inner ExpNode
	not   bool
}

func IsNull(inner ExpNode) ExpNode    { return isNullNode{inner: inner} }
func IsNotNull(inner ExpNode) ExpNode { return isNullNode{inner: inner, not: true} }

func (n isNullNode) render(r *renderer) {
	n.inner.render(r)
	if n.not {
		r.write(" IS NOT NULL")
	} else {
		r.write(" IS NULL")
	}
}

type inNode struct {
	inner  ExpNode
	values []interface{}
}

// In binds each value into an IN list. An empty list matches nothing.
func In(inner ExpNode, values ...interface{}) ExpNode {
	return inNode{inner: inner, values: values}
}

func (n inNode) render(r *renderer) {
	if len(n.values) == 0 {
		r.write("1=0")
		return
	}
	n.inner.render(r)
	r.write(" IN (")
	for i, v := range n.values {
		if i > 0 {
			r.write(", ")
		}
		r.write("?")
		r.bind(v)
	}
	r.write(")")
}

type existsNode struct{ sub *Select }

// Exists renders EXISTS over a built sub-select.
func Exists(sub *Select) ExpNode { return existsNode{sub: sub} }

func (n existsNode) render(r *renderer) {
	if n.sub == nil {
		r.fail(fmt.Errorf("exists over nil select"))
		return
	}
	r.write("EXISTS (")
	n.sub.render(r)
	r.write(")")
}

type sqlizerNode struct{ s sq.Sqlizer }

// Sqlizer embeds a squirrel expression such as sq.Eq or sq.Like. The
// expression must use the default ? placeholder format.
func Sqlizer(s sq.Sqlizer) ExpNode { return sqlizerNode{s: s} }

func (n sqlizerNode) render(r *renderer) {
	if sel, ok := n.s.(*Select); ok {
		sel.render(r)
		return
	}
	text, args, err := n.s.ToSql()
	if err != nil {
		r.fail(fmt.Errorf("render squirrel predicate: %w", err))
		return
	}
	r.write(text)
	r.bind(args...)
}
