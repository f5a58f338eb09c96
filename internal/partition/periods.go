package partition

import (
	"errors"
	"fmt"
	"sort"
)

// MaxPeriods bounds the number of time periods.
const MaxPeriods = 16

// DefaultBreakpoints are the period start years. Period 0 covers all time.
var DefaultBreakpoints = []uint16{0, 1990, 2000, 2005, 2010, 2013, 2016, 2018, 2020, 2022, 2024}

var ErrInvalidPeriods = errors.New("invalid period breakpoints")

// Periods is an ascending list of period start years beginning at 0.
type Periods struct {
	starts []uint16
}

// NewPeriods validates starts: 1..MaxPeriods strictly ascending years, the
// first of which is 0.
func NewPeriods(starts []uint16) (Periods, error) {
	if len(starts) == 0 || len(starts) > MaxPeriods {
		return Periods{}, fmt.Errorf("%w: %d periods, want 1..%d", ErrInvalidPeriods, len(starts), MaxPeriods)
	}
	if starts[0] != 0 {
		return Periods{}, fmt.Errorf("%w: first period starts at %d, want 0", ErrInvalidPeriods, starts[0])
	}
	for i := 1; i < len(starts); i++ {
		if starts[i] <= starts[i-1] {
			return Periods{}, fmt.Errorf("%w: %d does not follow %d", ErrInvalidPeriods, starts[i], starts[i-1])
		}
	}
	return Periods{starts: append([]uint16(nil), starts...)}, nil
}

// DefaultPeriods returns the periods of DefaultBreakpoints.
func DefaultPeriods() Periods {
	p, err := NewPeriods(DefaultBreakpoints)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of periods.
func (p Periods) Len() int { return len(p.starts) }

// Start returns the first year of period i.
func (p Periods) Start(i int) uint16 { return p.starts[i] }

// Starts returns a copy of the start years.
func (p Periods) Starts() []uint16 { return append([]uint16(nil), p.starts...) }

// Of returns the last period whose start is at or before year.
func (p Periods) Of(year uint16) int {
	return sort.Search(len(p.starts), func(i int) bool { return p.starts[i] > year }) - 1
}

// Valid reports whether i names a period.
func (p Periods) Valid(i int) bool { return i >= 0 && i < len(p.starts) }
