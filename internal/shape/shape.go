package shape

import (
	"errors"
	"fmt"
)

// MaxLevels bounds the depth of a breakdown. Records carry a fixed-size
// dimension array of this length.
const MaxLevels = 4

// Combine selects how a level's children relate to the links below them.
type Combine uint8

const (
	// Disjunctive levels attribute every link to exactly one child.
	Disjunctive Combine = iota
	// Intersecting levels may attribute one link to several children
	// (e.g. a citing work with two affiliated countries).
	Intersecting
)

func (c Combine) String() string {
	if c == Intersecting {
		return "intersecting"
	}
	return "disjunctive"
}

// Level describes the children of the nodes at one depth. Level i groups the
// children of depth-i nodes; the root is depth 0.
type Level struct {
	Dim     DimensionKind
	Combine Combine
	// NormIndex is the depth of the ancestor whose link count normalizes
	// specificity at this level. Must be in [0, i] for level i.
	NormIndex int
	// SourceSide reads the attribute from the root's own work instead of the
	// citing work.
	SourceSide bool
}

// Basis is how a level reads its dimension off a link: from the citing or the
// source work, and every value or only the first. Baselines are kept per
// basis so a level is compared against shares counted the same way.
type Basis uint8

const (
	BasisCiting Basis = iota
	BasisCitingFirst
	BasisSource
	BasisSourceFirst
)

// Bases lists every basis.
func Bases() []Basis {
	return []Basis{BasisCiting, BasisCitingFirst, BasisSource, BasisSourceFirst}
}

func (b Basis) SourceSide() bool { return b == BasisSource || b == BasisSourceFirst }

func (b Basis) FirstOnly() bool { return b == BasisCitingFirst || b == BasisSourceFirst }

func (b Basis) String() string {
	switch b {
	case BasisCiting:
		return "citing"
	case BasisCitingFirst:
		return "citing-first"
	case BasisSource:
		return "source"
	case BasisSourceFirst:
		return "source-first"
	}
	return fmt.Sprintf("basis(%d)", uint8(b))
}

// Basis returns how l reads its dimension. A disjunctive level attributes
// each link to exactly one child, so it keeps only the first value.
func (l Level) Basis() Basis {
	b := BasisCiting
	if l.Combine == Disjunctive {
		b = BasisCitingFirst
	}
	if l.SourceSide {
		b += BasisSource
	}
	return b
}

// Shape is a registered breakdown: an ordered list of levels for one root
// entity type.
type Shape struct {
	ID     string
	Entity EntityType
	Levels []Level
}

var ErrInvalidShape = errors.New("invalid breakdown shape")

// Depth is the number of levels, which equals the tree depth.
func (s *Shape) Depth() int { return len(s.Levels) }

// Validate checks the structural rules once, at registration.
func (s *Shape) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidShape)
	}
	if s.Entity == EntityAny {
		return fmt.Errorf("%w: %s: no root entity type", ErrInvalidShape, s.ID)
	}
	if len(s.Levels) == 0 || len(s.Levels) > MaxLevels {
		return fmt.Errorf("%w: %s: depth %d outside 1..%d", ErrInvalidShape, s.ID, len(s.Levels), MaxLevels)
	}
	for i, l := range s.Levels {
		if !l.Dim.Valid() {
			return fmt.Errorf("%w: %s: level %d: unknown dimension %d", ErrInvalidShape, s.ID, i, l.Dim)
		}
		if l.Combine != Disjunctive && l.Combine != Intersecting {
			return fmt.Errorf("%w: %s: level %d: unknown combination %d", ErrInvalidShape, s.ID, i, l.Combine)
		}
		if l.NormIndex < 0 || l.NormIndex > i {
			return fmt.Errorf("%w: %s: level %d: normalization index %d must reference a prior level (0..%d)",
				ErrInvalidShape, s.ID, i, l.NormIndex, i)
		}
	}
	return nil
}

// NeedsCiting reports, for each depth 0..Depth(), whether nodes at that depth
// must keep their citing-work lists. A node needs them when any level above it
// is intersecting, since the intersecting merge deduplicates links.
func (s *Shape) NeedsCiting() []bool {
	need := make([]bool, len(s.Levels)+1)
	seen := false
	for d := 1; d <= len(s.Levels); d++ {
		if s.Levels[d-1].Combine == Intersecting {
			seen = true
		}
		need[d] = seen
	}
	return need
}

func (s *Shape) String() string {
	return fmt.Sprintf("%s/%s", s.Entity, s.ID)
}
