package query

import (
	"reflect"
	"testing"

	sq "github.com/Masterminds/squirrel"
)

func mustSQL(t *testing.T, s *Select) (string, []interface{}) {
	t.Helper()
	text, args, err := s.ToSql()
	if err != nil {
		t.Fatalf("ToSql: %v", err)
	}
	return text, args
}

func TestSelect_FromWhereGroupOrder(t *testing.T) {
	sel := NewSelect("lr.logical_id", "COUNT(*)").
		FromAlias("patient_logical_resources", "lr").
		Where("lr.is_deleted = ?", "N").
		GroupBy("lr.logical_id").
		OrderBy("lr.logical_id").
		Build()

	text, args := mustSQL(t, sel)
	want := "SELECT lr.logical_id, COUNT(*) FROM patient_logical_resources AS lr WHERE lr.is_deleted = $1 GROUP BY lr.logical_id ORDER BY lr.logical_id"
	if text != want {
		t.Errorf("sql =\n  %s\nwant\n  %s", text, want)
	}
	if !reflect.DeepEqual(args, []interface{}{"N"}) {
		t.Errorf("args = %v, want [N]", args)
	}
}

func TestSelect_WhereOverloadsShareOneClause(t *testing.T) {
	sel := NewSelect("a.id").
		FromAlias("t", "a").
		Where("a.x = ?", 1).
		WhereColumn("a", "y", 2).
		WhereExp(Gt(Col("a", "z"), Bind(3))).
		Build()

	text, args := mustSQL(t, sel)
	want := "SELECT a.id FROM t AS a WHERE a.x = $1 AND a.y = $2 AND a.z > $3"
	if text != want {
		t.Errorf("sql = %q, want %q", text, want)
	}
	if !reflect.DeepEqual(args, []interface{}{1, 2, 3}) {
		t.Errorf("args = %v", args)
	}
}

func TestSelect_WhereCalledTwiceFromFromAdapter(t *testing.T) {
	from := NewSelect().From("t")
	from.Where("a = ?", 1)
	from.Where("b = ?", 2)

	text, _ := mustSQL(t, from.Build())
	if text != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("sql = %q", text)
	}
}

func TestSelect_Or(t *testing.T) {
	sel := NewSelect().
		FromAlias("t", "a").
		Where("a.x = ?", 1).
		Or(Eq(Col("a", "x"), Bind(2))).
		WhereColumn("a", "y", 3).
		Build()

	text, args := mustSQL(t, sel)
	want := "SELECT * FROM t AS a WHERE (a.x = $1 OR a.x = $2) AND a.y = $3"
	if text != want {
		t.Errorf("sql = %q, want %q", text, want)
	}
	if len(args) != 3 {
		t.Errorf("args = %v", args)
	}
}

func TestSelect_Joins(t *testing.T) {
	sel := NewSelect("p.logical_id").
		FromAlias("patient_logical_resources", "p").
		InnerJoin("patient_str_values", "s",
			Eq(Col("s", "logical_resource_id"), Col("p", "logical_resource_id"))).
		LeftOuterJoin("patient_date_values", "d", And(
			Eq(Col("d", "logical_resource_id"), Col("p", "logical_resource_id")),
			Eq(Col("d", "parameter_name_id"), Bind(7)),
		)).
		WhereColumn("s", "str_value", "Smith").
		Build()

	text, args := mustSQL(t, sel)
	want := "SELECT p.logical_id FROM patient_logical_resources AS p" +
		" INNER JOIN patient_str_values AS s ON s.logical_resource_id = p.logical_resource_id" +
		" LEFT OUTER JOIN patient_date_values AS d ON (d.logical_resource_id = p.logical_resource_id AND d.parameter_name_id = $1)" +
		" WHERE s.str_value = $2"
	if text != want {
		t.Errorf("sql =\n  %s\nwant\n  %s", text, want)
	}
	if !reflect.DeepEqual(args, []interface{}{7, "Smith"}) {
		t.Errorf("args = %v", args)
	}
}

func TestSelect_SubQuerySource(t *testing.T) {
	sel := NewSelect("x.logical_id").
		SubStart("lr.logical_id", "lr.logical_resource_id").
		FromAlias("patient_logical_resources", "lr").
		WhereColumn("lr", "is_deleted", "N").
		SubEnd("x").
		WhereColumn("x", "logical_id", "p1").
		Build()

	text, args := mustSQL(t, sel)
	want := "SELECT x.logical_id FROM (SELECT lr.logical_id, lr.logical_resource_id FROM patient_logical_resources AS lr WHERE lr.is_deleted = $1) AS x WHERE x.logical_id = $2"
	if text != want {
		t.Errorf("sql =\n  %s\nwant\n  %s", text, want)
	}
	if !reflect.DeepEqual(args, []interface{}{"N", "p1"}) {
		t.Errorf("args = %v", args)
	}
}

func TestSelect_ExistsAndPagination(t *testing.T) {
	sub := NewSelect("1").
		FromAlias("patient_str_values", "s").
		WhereExp(Eq(Col("s", "logical_resource_id"), Col("lr", "logical_resource_id"))).
		WhereColumn("s", "parameter_name_id", int32(3)).
		Build()

	sel := NewSelect("lr.logical_id").
		FromAlias("patient_logical_resources", "lr").
		WhereColumn("lr", "is_deleted", "N").
		WhereExp(Exists(sub)).
		Pagination(10, 5).
		Build()

	text, args := mustSQL(t, sel)
	want := "SELECT lr.logical_id FROM patient_logical_resources AS lr WHERE lr.is_deleted = $1" +
		" AND EXISTS (SELECT 1 FROM patient_str_values AS s WHERE s.logical_resource_id = lr.logical_resource_id AND s.parameter_name_id = $2)" +
		" LIMIT $3 OFFSET $4"
	if text != want {
		t.Errorf("sql =\n  %s\nwant\n  %s", text, want)
	}
	if !reflect.DeepEqual(args, []interface{}{"N", int32(3), 5, 10}) {
		t.Errorf("args = %v", args)
	}
}

func TestSelect_BuildIsNotMutatedByLaterCalls(t *testing.T) {
	w := NewSelect("a").From("t").Where("x = ?", 1)
	first := w.Build()
	w.Where("y = ?", 2).OrderBy("a")

	text, args := mustSQL(t, first)
	if text != "SELECT a FROM t WHERE x = $1" {
		t.Errorf("first build changed: %q", text)
	}
	if len(args) != 1 {
		t.Errorf("first build args changed: %v", args)
	}

	second, _ := mustSQL(t, w.Build())
	if second != "SELECT a FROM t WHERE x = $1 AND y = $2 ORDER BY a" {
		t.Errorf("second build = %q", second)
	}
}

func TestSelect_RenderingIsDeterministic(t *testing.T) {
	build := func() *Select {
		return NewSelect("lr.logical_id").
			FromAlias("observation_logical_resources", "lr").
			WhereColumn("lr", "is_deleted", "N").
			WhereExp(Or(Eq(Col("lr", "logical_id"), Bind("a")), Eq(Col("lr", "logical_id"), Bind("b")))).
			GroupBy("lr.logical_id").
			OrderBy("lr.logical_id DESC").
			OrderBy("lr.logical_resource_id").
			Build()
	}

	t1, a1 := mustSQL(t, build())
	t2, a2 := mustSQL(t, build())
	if t1 != t2 {
		t.Errorf("sql differs:\n  %s\n  %s", t1, t2)
	}
	if !reflect.DeepEqual(a1, a2) {
		t.Errorf("args differ: %v vs %v", a1, a2)
	}
	want := "SELECT lr.logical_id FROM observation_logical_resources AS lr WHERE lr.is_deleted = $1" +
		" AND (lr.logical_id = $2 OR lr.logical_id = $3) GROUP BY lr.logical_id ORDER BY lr.logical_id DESC, lr.logical_resource_id"
	if t1 != want {
		t.Errorf("sql =\n  %s\nwant\n  %s", t1, want)
	}
}

func TestSelect_GroupBySetOnce(t *testing.T) {
	sel := NewSelect("a").From("t").GroupBy("a", "b").GroupBy("a").Build()
	text, _ := mustSQL(t, sel)
	if text != "SELECT a FROM t GROUP BY a" {
		t.Errorf("sql = %q", text)
	}
}

func TestSelect_SquirrelPredicate(t *testing.T) {
	sel := NewSelect().
		From("t").
		WhereExp(Sqlizer(sq.Eq{"code": []string{"a", "b"}})).
		Build()

	text, args := mustSQL(t, sel)
	if text != "SELECT * FROM t WHERE code IN ($1,$2)" {
		t.Errorf("sql = %q", text)
	}
	if !reflect.DeepEqual(args, []interface{}{"a", "b"}) {
		t.Errorf("args = %v", args)
	}
}

func TestSelect_QuestionPlaceholders(t *testing.T) {
	sel := NewSelectDistinct("a").From("t").WhereColumn("", "b", 1).Build()
	text, _, err := sel.ToSqlFormat(sq.Question)
	if err != nil {
		t.Fatalf("ToSqlFormat: %v", err)
	}
	if text != "SELECT DISTINCT a FROM t WHERE b = ?" {
		t.Errorf("sql = %q", text)
	}
}

func TestSelect_ExpressionNodes(t *testing.T) {
	sel := NewSelect().
		FromAlias("t", "a").
		WhereExp(Not(IsNull(Col("a", "x")))).
		WhereExp(IsNotNull(Col("a", "y"))).
		WhereExp(In(Col("a", "z"), 1, 2)).
		WhereExp(In(Col("a", "w"))).
		WhereExp(Like(Col("a", "s"), Bind("ab%"))).
		Build()

	text, args := mustSQL(t, sel)
	want := "SELECT * FROM t AS a WHERE NOT (a.x IS NULL) AND a.y IS NOT NULL AND a.z IN ($1, $2) AND 1=0 AND a.s LIKE $3"
	if text != want {
		t.Errorf("sql =\n  %s\nwant\n  %s", text, want)
	}
	if !reflect.DeepEqual(args, []interface{}{1, 2, "ab%"}) {
		t.Errorf("args = %v", args)
	}
}

func TestSelect_Errors(t *testing.T) {
	tests := []struct {
		name string
		sel  *Select
	}{
		{"no source", NewSelect("a").Build()},
		{"bind marker mismatch", NewSelect().From("t").Where("a = ? AND b = ?", 1).Build()},
		{"sub-query built standalone", NewSelect().From("t").SubStart().From("u").Build()},
		{"SubEnd without SubStart", NewSelect().From("t").SubEnd("x").Build()},
		{"join without predicate", NewSelect().From("t").InnerJoin("u", "u", nil).Build()},
		{"exists over nil", NewSelect().From("t").WhereExp(Exists(nil)).Build()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := tt.sel.ToSql(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestSelect_IndependentChainsDoNotAlias(t *testing.T) {
	a := NewSelect("x").From("t")
	b := NewSelect("x").From("t")
	a.Where("x = ?", 1)

	text, _ := mustSQL(t, b.Build())
	if text != "SELECT x FROM t" {
		t.Errorf("independent chain was modified: %q", text)
	}
}
