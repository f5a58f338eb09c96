package shape

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownBreakdown = errors.New("unknown breakdown")

// Registry holds the breakdown shapes known to the process. It is built once
// at start-up and read-only afterwards, so it needs no locking.
type Registry struct {
	shapes map[registryKey]*Shape
}

type registryKey struct {
	entity EntityType
	id     string
}

// NewRegistry validates and registers shapes. Duplicate (entity, id) pairs
// are rejected.
func NewRegistry(shapes ...Shape) (*Registry, error) {
	r := &Registry{shapes: make(map[registryKey]*Shape, len(shapes))}
	for i := range shapes {
		if err := r.add(shapes[i]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry for static shape tables.
func MustRegistry(shapes ...Shape) *Registry {
	r, err := NewRegistry(shapes...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) add(s Shape) error {
	if err := s.Validate(); err != nil {
		return err
	}
	k := registryKey{entity: s.Entity, id: s.ID}
	if _, dup := r.shapes[k]; dup {
		return fmt.Errorf("%w: duplicate breakdown %s", ErrInvalidShape, s.String())
	}
	levels := make([]Level, len(s.Levels))
	copy(levels, s.Levels)
	s.Levels = levels
	r.shapes[k] = &s
	return nil
}

// With returns a new registry holding r's shapes plus extra.
func (r *Registry) With(extra ...Shape) (*Registry, error) {
	out := &Registry{shapes: make(map[registryKey]*Shape, len(r.shapes)+len(extra))}
	for k, v := range r.shapes {
		out.shapes[k] = v
	}
	for i := range extra {
		if err := out.add(extra[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Lookup returns the shape registered for (entity, id).
func (r *Registry) Lookup(entity EntityType, id string) (*Shape, error) {
	s, ok := r.shapes[registryKey{entity: entity, id: id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownBreakdown, entity, id)
	}
	return s, nil
}

// Shapes lists the shapes for one entity type, sorted by id.
func (r *Registry) Shapes(entity EntityType) []*Shape {
	var out []*Shape
	for k, s := range r.shapes {
		if k.entity == entity {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultShapes is the built-in breakdown table.
func DefaultShapes() []Shape {
	country := Level{Dim: DimCountry, Combine: Intersecting}
	return []Shape{
		{ID: "country-institution", Entity: EntityInstitution, Levels: []Level{
			country,
			{Dim: DimInstitution, Combine: Intersecting, NormIndex: 1},
		}},
		{ID: "subfield-country", Entity: EntityInstitution, Levels: []Level{
			{Dim: DimSubfield, Combine: Disjunctive},
			{Dim: DimCountry, Combine: Intersecting, NormIndex: 1},
		}},
		// Country shares under an institution are normalized by the
		// grandparent subfield, not the parent institution.
		{ID: "subfield-institution-country", Entity: EntityInstitution, Levels: []Level{
			{Dim: DimSubfield, Combine: Disjunctive},
			{Dim: DimInstitution, Combine: Intersecting, NormIndex: 1},
			{Dim: DimCountry, Combine: Intersecting, NormIndex: 1},
		}},
		{ID: "own-subfield-source", Entity: EntityInstitution, Levels: []Level{
			{Dim: DimSubfield, Combine: Disjunctive, SourceSide: true},
			{Dim: DimSource, Combine: Disjunctive, NormIndex: 1},
		}},
		{ID: "topic", Entity: EntityInstitution, Levels: []Level{
			{Dim: DimTopic, Combine: Intersecting},
		}},
		{ID: "institution", Entity: EntityCountry, Levels: []Level{
			{Dim: DimInstitution, Combine: Intersecting},
		}},
		{ID: "field-subfield-institution", Entity: EntityCountry, Levels: []Level{
			{Dim: DimField, Combine: Disjunctive},
			{Dim: DimSubfield, Combine: Disjunctive, NormIndex: 1},
			{Dim: DimInstitution, Combine: Intersecting, NormIndex: 2},
		}},
		{ID: "country", Entity: EntityAuthor, Levels: []Level{country}},
		{ID: "subfield-author", Entity: EntityAuthor, Levels: []Level{
			{Dim: DimSubfield, Combine: Disjunctive},
			{Dim: DimAuthor, Combine: Intersecting, NormIndex: 1},
		}},
		{ID: "country", Entity: EntitySource, Levels: []Level{country}},
		{ID: "country", Entity: EntityTopic, Levels: []Level{country}},
	}
}

// DefaultRegistry registers DefaultShapes.
func DefaultRegistry() *Registry {
	return MustRegistry(DefaultShapes()...)
}
