package persistence

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SearchPrefix is a FHIR comparison prefix for ordered values.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa" // starts after
	PrefixEb SearchPrefix = "eb" // ends before
	PrefixAp SearchPrefix = "ap" // approximately
)

// SearchModifier is a FHIR search modifier.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierNot      SearchModifier = "not"
	ModifierMissing  SearchModifier = "missing"
)

// ParsedSearch holds a search value with its prefix split off.
type ParsedSearch struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the prefix from a search value.
// Examples: "gt2023-01-01" -> (gt, "2023-01-01"), "100" -> (eq, "100")
func ParseSearchValue(raw string) ParsedSearch {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedSearch{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedSearch{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits a parameter name from its modifier.
// Examples: "name:exact" -> ("name", "exact"), "code" -> ("code", "")
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// DateRange is the implicit range of a date search value: [Start, End].
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ParseDateRange parses a date at any FHIR precision and widens it to the
// range that precision covers, e.g. "2023-02" covers all of February.
func ParseDateRange(s string) (DateRange, error) {
	layouts := []struct {
		layout string
		next   func(time.Time) time.Time
	}{
		{time.RFC3339Nano, func(t time.Time) time.Time { return t.Add(time.Nanosecond) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04", func(t time.Time) time.Time { return t.Add(time.Minute) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, l := range layouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		t = t.UTC()
		return DateRange{Start: t, End: l.next(t).Add(-time.Nanosecond)}, nil
	}
	return DateRange{}, fmt.Errorf("unable to parse date: %s", s)
}

// NumberRange is the implicit range of a number search value given its
// significant digits: "100" covers [99.5, 100.5).
type NumberRange struct {
	Value float64
	Low   float64
	High  float64
}

// ParseNumberRange parses a decimal search value.
func ParseNumberRange(s string) (NumberRange, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return NumberRange{}, fmt.Errorf("invalid number %q", s)
	}
	decimals := 0
	mantissa := strings.ToLower(s)
	exp := 0
	if i := strings.IndexByte(mantissa, 'e'); i >= 0 {
		exp, _ = strconv.Atoi(mantissa[i+1:])
		mantissa = mantissa[:i]
	}
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		decimals = len(mantissa) - i - 1
	}
	half := 0.5 * math.Pow(10, float64(exp-decimals))
	return NumberRange{Value: v, Low: v - half, High: v + half}, nil
}
