package shape

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape_ValidateNormIndex(t *testing.T) {
	s := Shape{ID: "x", Entity: EntityInstitution, Levels: []Level{
		{Dim: DimCountry},
		{Dim: DimInstitution, NormIndex: 2},
	}}
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidShape))

	s.Levels[1].NormIndex = 1
	assert.NoError(t, s.Validate())
	s.Levels[1].NormIndex = -1
	assert.Error(t, s.Validate())
}

func TestShape_ValidateDepth(t *testing.T) {
	s := Shape{ID: "x", Entity: EntityInstitution}
	assert.Error(t, s.Validate(), "empty shape")

	for i := 0; i <= MaxLevels; i++ {
		s.Levels = append(s.Levels, Level{Dim: DimCountry})
	}
	assert.Error(t, s.Validate(), "too deep")
}

func TestShape_NeedsCiting(t *testing.T) {
	s := Shape{ID: "x", Entity: EntityInstitution, Levels: []Level{
		{Dim: DimSubfield, Combine: Disjunctive},
		{Dim: DimCountry, Combine: Intersecting},
		{Dim: DimSource, Combine: Disjunctive},
	}}
	assert.Equal(t, []bool{false, false, true, true}, s.NeedsCiting())
}

func TestRegistry_Lookup(t *testing.T) {
	r := DefaultRegistry()

	s, err := r.Lookup(EntityInstitution, "country-institution")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Depth())

	_, err = r.Lookup(EntityCountry, "country-institution")
	assert.True(t, errors.Is(err, ErrUnknownBreakdown))

	ids := []string{}
	for _, s := range r.Shapes(EntityInstitution) {
		ids = append(ids, s.ID)
	}
	assert.IsNonDecreasing(t, ids)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	s := Shape{ID: "dup", Entity: EntityAuthor, Levels: []Level{{Dim: DimCountry}}}
	_, err := NewRegistry(s, s)
	assert.Error(t, err)

	r := MustRegistry(s)
	_, err = r.With(s)
	assert.Error(t, err)

	r2, err := r.With(Shape{ID: "other", Entity: EntityAuthor, Levels: []Level{{Dim: DimTopic}}})
	require.NoError(t, err)
	assert.Len(t, r2.Shapes(EntityAuthor), 2)
	assert.Len(t, r.Shapes(EntityAuthor), 1)
}

func TestParseNames(t *testing.T) {
	k, err := ParseDimensionKind("Country")
	require.NoError(t, err)
	assert.Equal(t, DimCountry, k)

	e, err := ParseEntityType("institution")
	require.NoError(t, err)
	assert.Equal(t, EntityInstitution, e)

	_, err = ParseEntityType("any")
	assert.Error(t, err)
}

func TestLevelBasis(t *testing.T) {
	assert.Equal(t, BasisCiting, Level{Dim: DimCountry, Combine: Intersecting}.Basis())
	assert.Equal(t, BasisCitingFirst, Level{Dim: DimSubfield, Combine: Disjunctive}.Basis())
	assert.Equal(t, BasisSourceFirst, Level{Dim: DimSubfield, Combine: Disjunctive, SourceSide: true}.Basis())
	assert.Equal(t, BasisSource, Level{Dim: DimSubfield, Combine: Intersecting, SourceSide: true}.Basis())
}
