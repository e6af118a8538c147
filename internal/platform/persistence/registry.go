package persistence

import (
	"sync"

	"github.com/ehr/fhirstore/internal/platform/index"
)

// Registry knows the kind of every searchable parameter. Parameters
// registered under the empty resource type apply to all types.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]map[string]index.Kind
}

func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]map[string]index.Kind)}
	r.Register("", "_tag", index.KindTag)
	r.Register("", "_security", index.KindSecurity)
	r.Register("", "_profile", index.KindProfile)
	return r
}

// Register records the kind of a parameter. Registering again replaces it.
func (r *Registry) Register(resourceType, name string, kind index.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.kinds[resourceType]
	if !ok {
		m = make(map[string]index.Kind)
		r.kinds[resourceType] = m
	}
	m[name] = kind
}

// Kind looks up a parameter, falling back to the resource-agnostic ones.
func (r *Registry) Kind(resourceType, name string) (index.Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.kinds[resourceType][name]; ok {
		return k, true
	}
	k, ok := r.kinds[""][name]
	return k, ok
}

// DefaultRegistry covers the commonly searched parameters of the core
// clinical resource types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	defs := map[string]map[string]index.Kind{
		"Patient": {
			"family": index.KindString, "given": index.KindString, "name": index.KindString,
			"address": index.KindString, "address-city": index.KindString,
			"birthdate": index.KindDate, "death-date": index.KindDate,
			"gender": index.KindToken, "identifier": index.KindToken, "active": index.KindToken,
		},
		"Practitioner": {
			"family": index.KindString, "given": index.KindString, "name": index.KindString,
			"identifier": index.KindToken,
		},
		"Organization": {
			"name": index.KindString, "identifier": index.KindToken, "type": index.KindToken,
		},
		"Observation": {
			"code": index.KindToken, "category": index.KindToken, "status": index.KindToken,
			"date": index.KindDate, "value-quantity": index.KindQuantity,
			"value-string": index.KindString,
		},
		"Condition": {
			"code": index.KindToken, "clinical-status": index.KindToken,
			"onset-date": index.KindDate, "recorded-date": index.KindDate,
		},
		"Encounter": {
			"class": index.KindToken, "status": index.KindToken, "date": index.KindDate,
			"length": index.KindQuantity,
		},
		"Location": {
			"name": index.KindString, "near": index.KindLocation, "address": index.KindString,
		},
		"RiskAssessment": {
			"probability": index.KindNumber, "date": index.KindDate,
		},
		"MolecularSequence": {
			"variant-start": index.KindNumber, "variant-end": index.KindNumber,
		},
	}
	for rt, params := range defs {
		for name, kind := range params {
			r.Register(rt, name, kind)
		}
	}
	return r
}
