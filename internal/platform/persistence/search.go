package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/platform/index"
	"github.com/ehr/fhirstore/internal/platform/index/batch"
	"github.com/ehr/fhirstore/internal/platform/index/resolve"
	"github.com/ehr/fhirstore/internal/platform/query"
)

// ErrInvalidSearch covers unknown parameters, unsupported modifiers and
// malformed values.
var ErrInvalidSearch = errors.New("invalid search")

// ParameterNames looks up parameter name ids without creating them.
type ParameterNames interface {
	LookupParameterName(ctx context.Context, name string) (int32, bool, error)
}

// SearchParam is one query parameter. Values are ORed; repeating the
// parameter ANDs.
type SearchParam struct {
	Name     string
	Modifier SearchModifier
	Values   []string
}

// SortSpec orders search results.
type SortSpec struct {
	Field string
	Desc  bool
}

// SearchRequest is a parsed search over one resource type.
type SearchRequest struct {
	ResourceType string
	Params       []SearchParam
	Sort         []SortSpec
	Page         Page
}

// ParseSearchRequest reads search parameters, _sort, _page and _count from
// a query string. Other control parameters (_format, _pretty, ...) are
// ignored.
func ParseSearchRequest(resourceType string, q url.Values, defaultCount, maxCount int) (SearchRequest, error) {
	req := SearchRequest{ResourceType: resourceType, Page: Page{Number: 1, Size: defaultCount}}

	if v := q.Get("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return req, fmt.Errorf("%w: _count %q", ErrInvalidSearch, v)
		}
		if n > maxCount {
			n = maxCount
		}
		req.Page.Size = n
	}
	if v := q.Get("_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("%w: _page %q", ErrInvalidSearch, v)
		}
		req.Page.Number = n
	}
	for _, v := range q["_sort"] {
		for _, field := range strings.Split(v, ",") {
			if field == "" {
				continue
			}
			s := SortSpec{Field: strings.TrimPrefix(field, "-"), Desc: strings.HasPrefix(field, "-")}
			req.Sort = append(req.Sort, s)
		}
	}

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name, mod := ParseParamModifier(k)
		if strings.HasPrefix(name, "_") && !searchableControl[name] {
			continue
		}
		for _, v := range q[k] {
			req.Params = append(req.Params, SearchParam{Name: name, Modifier: mod, Values: strings.Split(v, ",")})
		}
	}
	return req, nil
}

var searchableControl = map[string]bool{
	"_id": true, "_lastUpdated": true, "_tag": true, "_profile": true, "_security": true,
}

// SearchMatch is one matching logical resource at its current version.
type SearchMatch struct {
	LogicalResourceID int64
	LogicalID         string
	VersionID         int
	LastUpdated       time.Time
	Data              json.RawMessage
}

// SearchResult is one page of matches.
type SearchResult struct {
	Matches []SearchMatch
	Total   int
	Page    Page
}

// SearchRepository answers searches over the parameter tables. Every
// parameter becomes an EXISTS sub-select against its table.
type SearchRepository struct {
	pool     db.Querier
	names    ParameterNames
	registry *Registry
	logger   zerolog.Logger
}

func NewSearchRepository(pool db.Querier, names ParameterNames, registry *Registry, logger zerolog.Logger) *SearchRepository {
	return &SearchRepository{
		pool:     pool,
		names:    names,
		registry: registry,
		logger:   logger.With().Str("component", "search").Logger(),
	}
}

const lrAlias query.Alias = "lr"

// Search runs req. A parameter name that has never been indexed matches
// nothing, so the result is empty rather than an error.
func (r *SearchRepository) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if !index.ValidResourceType(req.ResourceType) {
		return nil, fmt.Errorf("%w: resource type %q", ErrInvalidSearch, req.ResourceType)
	}
	prefix := batch.TablePrefix(req.ResourceType)

	conds := []query.ExpNode{query.Eq(query.Col(lrAlias, "is_deleted"), query.Bind("N"))}
	for _, p := range req.Params {
		cond, ok, err := r.predicate(ctx, req.ResourceType, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.logger.Debug().Str("parameter", p.Name).Msg("parameter never indexed, empty result")
			if err := req.Page.Check(0); err != nil {
				return nil, err
			}
			return &SearchResult{Page: req.Page}, nil
		}
		conds = append(conds, cond)
	}
	where := query.And(conds...)

	orderBy, err := sortColumns(req.Sort)
	if err != nil {
		return nil, err
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := scanOne(ctx, q, query.NewSelect("COUNT(*)").
		FromAlias(prefix+"_logical_resources", lrAlias).
		WhereExp(where).
		Build(), &total); err != nil {
		return nil, fmt.Errorf("count %s: %w", req.ResourceType, err)
	}

	offset, limit, err := req.Page.Bounds(total)
	if err != nil {
		return nil, err
	}
	result := &SearchResult{Total: total, Page: req.Page}
	if total == 0 {
		return result, nil
	}

	sel := query.NewSelect("lr.logical_resource_id", "lr.logical_id", "lr.version_id", "lr.last_updated", "r.data").
		FromAlias(prefix+"_logical_resources", lrAlias).
		InnerJoin(prefix+"_resources", "r", query.And(
			query.Eq(query.Col("r", "logical_resource_id"), query.Col(lrAlias, "logical_resource_id")),
			query.Eq(query.Col("r", "version_id"), query.Col(lrAlias, "version_id")),
		)).
		WhereExp(where).
		OrderBy(orderBy...).
		Pagination(offset, limit).
		Build()
	text, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", req.ResourceType, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m SearchMatch
		if err := rows.Scan(&m.LogicalResourceID, &m.LogicalID, &m.VersionID, &m.LastUpdated, &m.Data); err != nil {
			return nil, fmt.Errorf("scan %s match: %w", req.ResourceType, err)
		}
		result.Matches = append(result.Matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", req.ResourceType, err)
	}
	return result, nil
}

func sortColumns(specs []SortSpec) ([]string, error) {
	var cols []string
	for _, s := range specs {
		var col string
		switch s.Field {
		case "_lastUpdated":
			col = "lr.last_updated"
		case "_id":
			col = "lr.logical_id"
		default:
			return nil, fmt.Errorf("%w: cannot sort by %q", ErrInvalidSearch, s.Field)
		}
		if s.Desc {
			col += " DESC"
		}
		cols = append(cols, col)
	}
	return append(cols, "lr.logical_resource_id"), nil
}

// predicate builds the condition for one parameter. ok is false when the
// parameter name has never been indexed.
func (r *SearchRepository) predicate(ctx context.Context, resourceType string, p SearchParam) (query.ExpNode, bool, error) {
	switch p.Name {
	case "_id":
		values := make([]interface{}, len(p.Values))
		for i, v := range p.Values {
			values[i] = v
		}
		return query.In(query.Col(lrAlias, "logical_id"), values...), true, nil
	case "_lastUpdated":
		var terms []query.ExpNode
		for _, v := range p.Values {
			c, err := dateCondition(query.Col(lrAlias, "last_updated"), query.Col(lrAlias, "last_updated"), v)
			if err != nil {
				return nil, false, err
			}
			terms = append(terms, c)
		}
		return query.Or(terms...), true, nil
	}

	kind, ok := r.registry.Kind(resourceType, p.Name)
	if !ok {
		return nil, false, fmt.Errorf("%w: unknown parameter %q for %s", ErrInvalidSearch, p.Name, resourceType)
	}
	nameID, ok, err := r.names.LookupParameterName(ctx, p.Name)
	if err != nil {
		return nil, false, fmt.Errorf("look up parameter %q: %w", p.Name, err)
	}
	if !ok {
		// nothing was ever indexed under this name
		switch p.Modifier {
		case ModifierMissing:
			return missingCondition(p.Values)
		case ModifierNot:
			return query.And(), true, nil
		}
		return nil, false, nil
	}

	from := query.NewSelect("1").FromAlias(batch.ParameterTable(resourceType, kind), "p")
	joinIdentities(from, kind)
	where := from.
		WhereExp(query.Eq(query.Col("p", "logical_resource_id"), query.Col(lrAlias, "logical_resource_id"))).
		WhereColumn("p", "parameter_name_id", nameID)

	if p.Modifier == ModifierMissing {
		exists := query.Exists(where.Build())
		missing, err := parseBool(p.Values)
		if err != nil {
			return nil, false, err
		}
		if missing {
			return query.Not(exists), true, nil
		}
		return exists, true, nil
	}

	var terms []query.ExpNode
	for _, v := range p.Values {
		t, err := valueCondition(kind, p.Modifier, v)
		if err != nil {
			return nil, false, fmt.Errorf("parameter %q: %w", p.Name, err)
		}
		terms = append(terms, t)
	}
	where.WhereExp(query.Or(terms...))
	exists := query.Exists(where.Build())
	if p.Modifier == ModifierNot {
		return query.Not(exists), true, nil
	}
	return exists, true, nil
}

func missingCondition(values []string) (query.ExpNode, bool, error) {
	missing, err := parseBool(values)
	if err != nil {
		return nil, false, err
	}
	if missing {
		return query.And(), true, nil
	}
	return nil, false, nil
}

func parseBool(values []string) (bool, error) {
	if len(values) != 1 {
		return false, fmt.Errorf("%w: :missing takes true or false", ErrInvalidSearch)
	}
	b, err := strconv.ParseBool(values[0])
	if err != nil {
		return false, fmt.Errorf("%w: :missing takes true or false", ErrInvalidSearch)
	}
	return b, nil
}

// joinIdentities joins the identity tables a kind's values are stored
// through.
func joinIdentities(from *query.FromAdapter, kind index.Kind) {
	switch kind {
	case index.KindToken, index.KindTag, index.KindSecurity:
		from.InnerJoin("common_token_values", "ctv",
			query.Eq(query.Col("ctv", "common_token_value_id"), query.Col("p", "common_token_value_id"))).
			InnerJoin("code_systems", "cs",
				query.Eq(query.Col("cs", "code_system_id"), query.Col("ctv", "code_system_id")))
	case index.KindQuantity:
		from.InnerJoin("code_systems", "cs",
			query.Eq(query.Col("cs", "code_system_id"), query.Col("p", "code_system_id")))
	case index.KindProfile:
		from.InnerJoin("common_canonical_values", "ccv",
			query.Eq(query.Col("ccv", "canonical_id"), query.Col("p", "canonical_id")))
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func valueCondition(kind index.Kind, mod SearchModifier, v string) (query.ExpNode, error) {
	switch kind {
	case index.KindString:
		switch mod {
		case ModifierExact:
			return query.Eq(query.Col("p", "str_value"), query.Bind(v)), nil
		case ModifierContains:
			return query.Like(query.Col("p", "str_value_lcase"), query.Bind("%"+likeEscaper.Replace(index.NormalizeString(v))+"%")), nil
		case "":
			return query.Like(query.Col("p", "str_value_lcase"), query.Bind(likeEscaper.Replace(index.NormalizeString(v))+"%")), nil
		}
	case index.KindToken, index.KindTag, index.KindSecurity:
		if mod != "" && mod != ModifierNot {
			break
		}
		return tokenCondition(v), nil
	case index.KindDate:
		if mod != "" {
			break
		}
		return dateCondition(query.Col("p", "date_start"), query.Col("p", "date_end"), v)
	case index.KindNumber:
		if mod != "" {
			break
		}
		return numberCondition(query.Col("p", "number_value"), v)
	case index.KindQuantity:
		if mod != "" {
			break
		}
		return quantityCondition(v)
	case index.KindProfile:
		if mod != "" {
			break
		}
		url, version, _ := strings.Cut(v, "|")
		c := query.Eq(query.Col("ccv", "url"), query.Bind(url))
		if version != "" {
			c = query.And(c, query.Eq(query.Col("p", "version"), query.Bind(version)))
		}
		return c, nil
	case index.KindLocation:
		if mod != "" {
			break
		}
		return nearCondition(v)
	}
	return nil, fmt.Errorf("%w: modifier %q not supported for %s parameters", ErrInvalidSearch, mod, kind)
}

// tokenCondition matches "system|code", "|code" (no system), "system|" or
// "code".
func tokenCondition(v string) query.ExpNode {
	system, code, hasSystem := strings.Cut(v, "|")
	if !hasSystem {
		return query.Eq(query.Col("ctv", "token_value"), query.Bind(v))
	}
	if system == "" {
		system = resolve.DefaultTokenSystem
	}
	sys := query.Eq(query.Col("cs", "code_system_name"), query.Bind(system))
	if code == "" {
		return sys
	}
	return query.And(sys, query.Eq(query.Col("ctv", "token_value"), query.Bind(code)))
}

// dateCondition compares the stored range [start, end] with the implicit
// range of the search value.
func dateCondition(start, end query.ExpNode, raw string) (query.ExpNode, error) {
	parsed := ParseSearchValue(raw)
	rng, err := ParseDateRange(parsed.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearch, err)
	}
	lo, hi := query.Bind(rng.Start), query.Bind(rng.End)

	switch parsed.Prefix {
	case PrefixNe:
		return query.Not(query.And(query.Gte(start, lo), query.Lte(end, hi))), nil
	case PrefixGt:
		return query.Gt(end, hi), nil
	case PrefixLt:
		return query.Lt(start, lo), nil
	case PrefixGe:
		return query.Gte(end, lo), nil
	case PrefixLe:
		return query.Lte(start, hi), nil
	case PrefixSa:
		return query.Gt(start, hi), nil
	case PrefixEb:
		return query.Lt(end, lo), nil
	case PrefixAp:
		day := 24 * time.Hour
		return query.And(
			query.Lte(start, query.Bind(rng.End.Add(day))),
			query.Gte(end, query.Bind(rng.Start.Add(-day))),
		), nil
	default:
		return query.And(query.Gte(start, lo), query.Lte(end, hi)), nil
	}
}

func numberCondition(col query.ExpNode, raw string) (query.ExpNode, error) {
	parsed := ParseSearchValue(raw)
	n, err := ParseNumberRange(parsed.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSearch, err)
	}
	switch parsed.Prefix {
	case PrefixNe:
		return query.Not(query.And(query.Gte(col, query.Bind(n.Low)), query.Lt(col, query.Bind(n.High)))), nil
	case PrefixGt, PrefixSa:
		return query.Gt(col, query.Bind(n.Value)), nil
	case PrefixLt, PrefixEb:
		return query.Lt(col, query.Bind(n.Value)), nil
	case PrefixGe:
		return query.Gte(col, query.Bind(n.Value)), nil
	case PrefixLe:
		return query.Lte(col, query.Bind(n.Value)), nil
	case PrefixAp:
		d := math.Abs(n.Value) * 0.1
		return query.And(query.Gte(col, query.Bind(n.Value-d)), query.Lte(col, query.Bind(n.Value+d))), nil
	default:
		return query.And(query.Gte(col, query.Bind(n.Low)), query.Lt(col, query.Bind(n.High))), nil
	}
}

// quantityCondition matches "[prefix]number|system|code".
func quantityCondition(raw string) (query.ExpNode, error) {
	parts := strings.SplitN(raw, "|", 3)
	c, err := numberCondition(query.Col("p", "quantity_value"), parts[0])
	if err != nil {
		return nil, err
	}
	terms := []query.ExpNode{c}
	if len(parts) == 3 {
		if parts[1] != "" {
			terms = append(terms, query.Eq(query.Col("cs", "code_system_name"), query.Bind(parts[1])))
		}
		if parts[2] != "" {
			terms = append(terms, query.Eq(query.Col("p", "code"), query.Bind(parts[2])))
		}
	}
	return query.And(terms...), nil
}

// nearCondition matches "lat|lng|distance[|km]" with a bounding box.
func nearCondition(raw string) (query.ExpNode, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: near takes lat|lng|distance", ErrInvalidSearch)
	}
	lat, err1 := strconv.ParseFloat(parts[0], 64)
	lng, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("%w: invalid coordinates %q", ErrInvalidSearch, raw)
	}
	km := 10.0
	if len(parts) > 2 && parts[2] != "" {
		d, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: invalid distance %q", ErrInvalidSearch, parts[2])
		}
		km = d
	}
	dLat := km / 111.0
	dLng := km / (111.0 * math.Max(math.Cos(lat*math.Pi/180), 0.01))
	return query.And(
		query.Gte(query.Col("p", "latitude_value"), query.Bind(lat-dLat)),
		query.Lte(query.Col("p", "latitude_value"), query.Bind(lat+dLat)),
		query.Gte(query.Col("p", "longitude_value"), query.Bind(lng-dLng)),
		query.Lte(query.Col("p", "longitude_value"), query.Bind(lng+dLng)),
	), nil
}
