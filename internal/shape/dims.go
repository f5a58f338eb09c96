package shape

import (
	"fmt"
	"math"
	"strings"
)

// Unknown is the dimension value used when a work has no resolvable attribute.
const Unknown uint32 = math.MaxUint32

// DimensionKind identifies one attribute universe. Values are only unique
// within a kind.
type DimensionKind uint8

const (
	DimCountry DimensionKind = iota + 1
	DimInstitution
	DimField
	DimSubfield
	DimSource
	DimTopic
	DimAuthor
)

var dimNames = map[DimensionKind]string{
	DimCountry:     "country",
	DimInstitution: "institution",
	DimField:       "field",
	DimSubfield:    "subfield",
	DimSource:      "source",
	DimTopic:       "topic",
	DimAuthor:      "author",
}

// Dimensions lists every known kind in declaration order.
func Dimensions() []DimensionKind {
	return []DimensionKind{DimCountry, DimInstitution, DimField, DimSubfield, DimSource, DimTopic, DimAuthor}
}

func (k DimensionKind) String() string {
	if s, ok := dimNames[k]; ok {
		return s
	}
	return fmt.Sprintf("dim(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k DimensionKind) Valid() bool {
	_, ok := dimNames[k]
	return ok
}

// ParseDimensionKind resolves a dimension name such as "country".
func ParseDimensionKind(s string) (DimensionKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range dimNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown dimension %q", s)
}

// EntityType is the kind of a tree's root entity. Zero means "any" and is
// used as the fallback key of corpus-wide baselines.
type EntityType uint8

const (
	EntityAny EntityType = iota
	EntityInstitution
	EntityCountry
	EntityAuthor
	EntitySource
	EntityTopic
	EntitySubfield
)

var entityNames = map[EntityType]string{
	EntityAny:         "any",
	EntityInstitution: "institution",
	EntityCountry:     "country",
	EntityAuthor:      "author",
	EntitySource:      "source",
	EntityTopic:       "topic",
	EntitySubfield:    "subfield",
}

func (e EntityType) String() string {
	if s, ok := entityNames[e]; ok {
		return s
	}
	return fmt.Sprintf("entity(%d)", uint8(e))
}

// ParseEntityType resolves an entity name such as "institution".
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for e, name := range entityNames {
		if name == s && e != EntityAny {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", s)
}
