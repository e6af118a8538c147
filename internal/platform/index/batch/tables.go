package batch

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirstore/internal/platform/index"
)

// statement is a prepared INSERT text with its column count.
type statement struct {
	sql  string
	cols int
}

func insert(table string, cols ...string) statement {
	values := make([]interface{}, len(cols))
	text, _, err := sq.Insert(table).Columns(cols...).Values(values...).PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		// only reachable with an empty column list
		panic(err)
	}
	return statement{sql: text, cols: len(cols)}
}

// tableSet holds the insert statements of one writer, one per parameter
// kind.
type tableSet map[index.Kind]statement

const systemWriter = "whole-system"

// tableNames lists the parameter tables for a table prefix. An empty prefix
// yields the whole-system tables.
func tableNames(prefix string) map[index.Kind]string {
	if prefix == "" {
		return map[index.Kind]string{
			index.KindString:   "str_values",
			index.KindNumber:   "number_values",
			index.KindDate:     "date_values",
			index.KindQuantity: "quantity_values",
			index.KindLocation: "latlng_values",
			index.KindToken:    "resource_token_refs",
			index.KindTag:      "logical_resource_tags",
			index.KindProfile:  "logical_resource_profiles",
			index.KindSecurity: "logical_resource_security",
		}
	}
	return map[index.Kind]string{
		index.KindString:   prefix + "_str_values",
		index.KindNumber:   prefix + "_number_values",
		index.KindDate:     prefix + "_date_values",
		index.KindQuantity: prefix + "_quantity_values",
		index.KindLocation: prefix + "_latlng_values",
		index.KindToken:    prefix + "_resource_token_refs",
		index.KindTag:      prefix + "_tags",
		index.KindProfile:  prefix + "_profiles",
		index.KindSecurity: prefix + "_security",
	}
}

// TablePrefix is the lower-cased resource type used to name its tables.
func TablePrefix(resourceType string) string {
	return strings.ToLower(resourceType)
}

// ParameterTables returns every parameter table owned by a resource type,
// in a fixed order.
func ParameterTables(resourceType string) []string {
	names := tableNames(TablePrefix(resourceType))
	out := make([]string, 0, len(kindOrder))
	for _, k := range kindOrder {
		out = append(out, names[k])
	}
	return out
}

// ParameterTable returns the table holding one kind of parameter for a
// resource type.
func ParameterTable(resourceType string, kind index.Kind) string {
	return tableNames(TablePrefix(resourceType))[kind]
}

// SystemTables returns the whole-system parameter tables in a fixed order.
func SystemTables() []string {
	names := tableNames("")
	out := make([]string, 0, len(kindOrder))
	for _, k := range kindOrder {
		out = append(out, names[k])
	}
	return out
}

var kindOrder = []index.Kind{
	index.KindString, index.KindNumber, index.KindDate, index.KindQuantity,
	index.KindLocation, index.KindToken, index.KindTag, index.KindProfile,
	index.KindSecurity,
}

func newTableSet(prefix string) tableSet {
	names := tableNames(prefix)
	return tableSet{
		index.KindString: insert(names[index.KindString],
			"parameter_name_id", "str_value", "str_value_lcase", "logical_resource_id", "composite_id", "shard_key"),
		index.KindNumber: insert(names[index.KindNumber],
			"parameter_name_id", "number_value", "number_value_low", "number_value_high", "logical_resource_id", "composite_id", "shard_key"),
		index.KindDate: insert(names[index.KindDate],
			"parameter_name_id", "date_start", "date_end", "logical_resource_id", "composite_id", "shard_key"),
		index.KindQuantity: insert(names[index.KindQuantity],
			"parameter_name_id", "code_system_id", "code", "quantity_value", "quantity_value_low", "quantity_value_high", "logical_resource_id", "composite_id", "shard_key"),
		index.KindLocation: insert(names[index.KindLocation],
			"parameter_name_id", "latitude_value", "longitude_value", "logical_resource_id", "composite_id", "shard_key"),
		index.KindToken: insert(names[index.KindToken],
			"parameter_name_id", "common_token_value_id", "ref_version_id", "logical_resource_id", "composite_id", "shard_key"),
		index.KindTag: insert(names[index.KindTag],
			"parameter_name_id", "common_token_value_id", "logical_resource_id", "shard_key"),
		index.KindProfile: insert(names[index.KindProfile],
			"parameter_name_id", "canonical_id", "version", "fragment", "logical_resource_id", "shard_key"),
		index.KindSecurity: insert(names[index.KindSecurity],
			"parameter_name_id", "common_token_value_id", "logical_resource_id", "shard_key"),
	}
}

// DeleteParameters removes every parameter row of a logical resource, from
// the resource-type tables and the whole-system tables, in one round trip.
func DeleteParameters(ctx context.Context, conn batchSender, resourceType string, logicalResourceID int64) error {
	b := &pgx.Batch{}
	tables := append(ParameterTables(resourceType), SystemTables()...)
	for _, t := range tables {
		b.Queue(fmt.Sprintf(`DELETE FROM %s WHERE logical_resource_id = $1`, t), logicalResourceID)
	}
	br := conn.SendBatch(ctx, b)
	for _, t := range tables {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("delete parameters from %s: %w", t, err)
		}
	}
	return br.Close()
}
