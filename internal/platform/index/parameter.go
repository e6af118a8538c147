package index

import (
	"fmt"
	"regexp"
	"time"
)

// Kind identifies a parameter variant.
type Kind string

const (
	KindString   Kind = "string"
	KindNumber   Kind = "number"
	KindDate     Kind = "date"
	KindToken    Kind = "token"
	KindQuantity Kind = "quantity"
	KindLocation Kind = "location"
	KindProfile  Kind = "profile"
	KindTag      Kind = "tag"
	KindSecurity Kind = "security"
)

// Parameter is one indexable facet extracted from a resource. The set of
// implementations is closed; consumers dispatch with a type switch.
type Parameter interface {
	Kind() Kind
	Base() ParameterBase
	sealed()
}

// ParameterBase is embedded by every parameter variant.
type ParameterBase struct {
	Name string `json:"name"`
	// CompositeID correlates values extracted from the same repeating
	// element so composite predicates match within one occurrence.
	CompositeID *int `json:"compositeId,omitempty"`
	// SystemParam marks values that also go to the whole-system index.
	SystemParam bool `json:"systemParam,omitempty"`
}

func (b ParameterBase) Base() ParameterBase { return b }
func (ParameterBase) sealed()               {}

type StringParameter struct {
	ParameterBase
	Value string `json:"value"`
}

type NumberParameter struct {
	ParameterBase
	Value float64  `json:"value"`
	Low   *float64 `json:"low,omitempty"`
	High  *float64 `json:"high,omitempty"`
}

type DateParameter struct {
	ParameterBase
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type TokenParameter struct {
	ParameterBase
	CodeSystem   string `json:"codeSystem"`
	Value        string `json:"value"`
	RefVersionID *int   `json:"refVersionId,omitempty"`
}

type QuantityParameter struct {
	ParameterBase
	CodeSystem string   `json:"codeSystem"`
	Code       string   `json:"code"`
	Value      float64  `json:"value"`
	Low        *float64 `json:"low,omitempty"`
	High       *float64 `json:"high,omitempty"`
}

type LocationParameter struct {
	ParameterBase
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ProfileParameter is a canonical reference (meta.profile and friends).
type ProfileParameter struct {
	ParameterBase
	URL      string `json:"url"`
	Version  string `json:"version,omitempty"`
	Fragment string `json:"fragment,omitempty"`
}

type TagParameter struct {
	ParameterBase
	CodeSystem string `json:"codeSystem"`
	Value      string `json:"value"`
}

type SecurityParameter struct {
	ParameterBase
	CodeSystem string `json:"codeSystem"`
	Value      string `json:"value"`
}

func (StringParameter) Kind() Kind   { return KindString }
func (NumberParameter) Kind() Kind   { return KindNumber }
func (DateParameter) Kind() Kind     { return KindDate }
func (TokenParameter) Kind() Kind    { return KindToken }
func (QuantityParameter) Kind() Kind { return KindQuantity }
func (LocationParameter) Kind() Kind { return KindLocation }
func (ProfileParameter) Kind() Kind  { return KindProfile }
func (TagParameter) Kind() Kind      { return KindTag }
func (SecurityParameter) Kind() Kind { return KindSecurity }

// Value is a parameter bound to the logical resource it was extracted from.
// Values are created during decomposition and never modified.
type Value struct {
	ResourceType      string
	LogicalID         string
	LogicalResourceID int64
	Parameter         Parameter
}

var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9]*$`)

// ValidResourceType reports whether name is safe to use as a table prefix.
func ValidResourceType(name string) bool {
	return resourceTypePattern.MatchString(name)
}

// Validate checks the fields a writer relies on.
func (v Value) Validate() error {
	if !ValidResourceType(v.ResourceType) {
		return fmt.Errorf("invalid resource type %q", v.ResourceType)
	}
	if v.Parameter == nil {
		return fmt.Errorf("%s/%s: nil parameter", v.ResourceType, v.LogicalID)
	}
	if v.Parameter.Base().Name == "" {
		return fmt.Errorf("%s/%s: %s parameter without a name", v.ResourceType, v.LogicalID, v.Parameter.Kind())
	}
	return nil
}
