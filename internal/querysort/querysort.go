// Package querysort compiles declarative multi-key sort specifications into
// comparators. Field names resolve against a per-type accessor registry, with
// an entity's free-form extra-data map taking precedence so server-defined
// custom sort fields work without code changes.
package querysort

import (
	"sort"
	"strings"
	"time"
)

// Direction of a sort key.
type Direction int

const (
	Asc  Direction = 1
	Desc Direction = -1
)

// SortParam is the wire form of one sort key, sent to the server-side sort.
type SortParam struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

type spec struct {
	field     string
	direction Direction
}

// FieldGetter extracts a sortable value from an entity. Returning nil means
// the value is absent for that entity.
type FieldGetter[T any] func(T) any

// Sorter builds and applies composite comparators over T.
type Sorter[T any] struct {
	specs  []spec
	fields map[string]FieldGetter[T]
	extra  func(T) map[string]any
}

// New creates an empty sorter for T.
func New[T any]() *Sorter[T] {
	return &Sorter[T]{fields: make(map[string]FieldGetter[T])}
}

// Register maps a field name to a typed accessor. Field names are matched
// case-insensitively, the way the server treats sort keys.
func (s *Sorter[T]) Register(field string, get FieldGetter[T]) *Sorter[T] {
	s.fields[strings.ToLower(field)] = get
	return s
}

// WithExtraData installs a lookup into the entity's free-form attribute map.
// Extra-data values win over registered accessors for the same field name.
func (s *Sorter[T]) WithExtraData(fn func(T) map[string]any) *Sorter[T] {
	s.extra = fn
	return s
}

// Asc appends an ascending sort key.
func (s *Sorter[T]) Asc(field string) *Sorter[T] {
	s.specs = append(s.specs, spec{field: strings.ToLower(field), direction: Asc})
	return s
}

// Desc appends a descending sort key.
func (s *Sorter[T]) Desc(field string) *Sorter[T] {
	s.specs = append(s.specs, spec{field: strings.ToLower(field), direction: Desc})
	return s
}

// resolve returns the entity's value for field, and whether the field is
// supported at all for this entity.
func (s *Sorter[T]) resolve(item T, field string) (any, bool) {
	if s.extra != nil {
		if m := s.extra(item); m != nil {
			if v, ok := m[field]; ok {
				return v, true
			}
		}
	}
	if get, ok := s.fields[field]; ok {
		return get(item), true
	}
	return nil, false
}

// Compare applies the sort keys left to right; the first non-zero comparison
// wins. Unknown fields contribute zero, so sorting by an unrecognized key is
// a stable no-op rather than a runtime error.
func (s *Sorter[T]) Compare(a, b T) int {
	for _, sp := range s.specs {
		va, oka := s.resolve(a, sp.field)
		vb, okb := s.resolve(b, sp.field)
		if !oka && !okb {
			continue
		}
		if c := compareValues(va, vb, sp.direction); c != 0 {
			return c
		}
	}
	return 0
}

// Sort stably sorts items in place under the compiled comparator.
func (s *Sorter[T]) Sort(items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return s.Compare(items[i], items[j]) < 0
	})
}

// ToDTO emits the ordered key list for transmission to the server.
func (s *Sorter[T]) ToDTO() []SortParam {
	out := make([]SortParam, 0, len(s.specs))
	for _, sp := range s.specs {
		out = append(out, SortParam{Field: sp.field, Direction: int(sp.direction)})
	}
	return out
}

// FromDTO appends the wire-form keys in order. A ToDTO/FromDTO round trip
// preserves key and direction order exactly.
func (s *Sorter[T]) FromDTO(params []SortParam) *Sorter[T] {
	for _, p := range params {
		if p.Direction < 0 {
			s.Desc(p.Field)
		} else {
			s.Asc(p.Field)
		}
	}
	return s
}

// compareValues orders two values under direction d. Nulls sort first
// ascending and last descending:
//
//	nil, nil      -> 0
//	nil, non-nil  -> -d
//	non-nil, nil  -> +d
//	else          -> cmp(a, b) * d
func compareValues(a, b any, d Direction) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1 * int(d)
	case b == nil:
		return 1 * int(d)
	}
	return rawCompare(a, b) * int(d)
}

func rawCompare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case !av && bv:
				return -1
			case av && !bv:
				return 1
			}
			return 0
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	}
	// Incomparable or mismatched types never panic; they just don't order.
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
