package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/agentic-research/citefold/internal/shape"
)

// Record is one flat (dim_0..dim_{k-1}, source, citing) tuple. Unused dims
// past the shape depth are zero.
type Record struct {
	Dims   [shape.MaxLevels]uint32
	Source uint32
	Citing uint32
}

// Dim implements the fold's SortedRecord contract.
func (r *Record) Dim(level int) uint32 { return r.Dims[level] }

// Leaf returns the source work, which is the fold's leaf id.
func (r *Record) Leaf() uint32 { return r.Source }

// CitingWork returns the citing side of the link.
func (r *Record) CitingWork() uint32 { return r.Citing }

// Compare orders records lexicographically by (dims[:depth], source, citing).
func Compare(a, b *Record, depth int) int {
	for i := 0; i < depth; i++ {
		if a.Dims[i] != b.Dims[i] {
			if a.Dims[i] < b.Dims[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case a.Source < b.Source:
		return -1
	case a.Source > b.Source:
		return 1
	case a.Citing < b.Citing:
		return -1
	case a.Citing > b.Citing:
		return 1
	}
	return 0
}

// Sink receives produced records.
type Sink func(Record) error

// Filter restricts production to records whose leading dims equal Prefix.
// An empty filter keeps everything.
type Filter struct {
	Prefix []uint32
}

// ParseFilter reads a comma-separated prefix such as "30,10".
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > shape.MaxLevels {
		return Filter{}, fmt.Errorf("filter %q: more than %d values", s, shape.MaxLevels)
	}
	f := Filter{Prefix: make([]uint32, 0, len(parts))}
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return Filter{}, fmt.Errorf("filter %q: %w", s, err)
		}
		f.Prefix = append(f.Prefix, uint32(v))
	}
	return f, nil
}

// Empty reports whether the filter keeps everything.
func (f Filter) Empty() bool { return len(f.Prefix) == 0 }

// Allows reports whether value may appear at level.
func (f Filter) Allows(level int, value uint32) bool {
	return level >= len(f.Prefix) || f.Prefix[level] == value
}

// String renders the filter in ParseFilter syntax.
func (f Filter) String() string {
	parts := make([]string, len(f.Prefix))
	for i, v := range f.Prefix {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}
