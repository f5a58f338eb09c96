package breakdown

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/agentic-research/citefold/api"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/partition"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = 5

// fixture: work 0 of institution 5 is cited by works 1, 2 and 3, all from
// country 30; works 1 and 2 are affiliated with institution 10, work 3 with
// institution 11.
func fixture() (*graph.MemoryGraph, *graph.BaselineTable) {
	g := graph.NewMemoryGraph()
	for w, y := range []uint16{2000, 2011, 2015, 2021} {
		g.AddWork(uint32(w), y)
	}
	g.AddEntityWork(shape.EntityInstitution, testRoot, 0)
	for _, c := range []uint32{1, 2, 3} {
		g.AddCitation(0, c)
		g.SetAttributes(shape.DimCountry, c, 30)
	}
	g.SetAttributes(shape.DimInstitution, 1, 10)
	g.SetAttributes(shape.DimInstitution, 2, 10)
	g.SetAttributes(shape.DimInstitution, 3, 11)
	g.SetLabel(shape.DimCountry, 30, "Norway")
	g.SetLabel(shape.DimInstitution, 10, "University of Bergen")

	base := graph.NewBaselineTable()
	base.Set(shape.EntityAny, shape.DimCountry, shape.BasisCiting, 30, 0.5)
	return g, base
}

type harness struct {
	graph  *graph.MemoryGraph
	base   *graph.BaselineTable
	full   store.Store
	pruned store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	g, base := fixture()
	dir := t.TempDir()
	full, err := store.NewFileStore(filepath.Join(dir, "full"))
	require.NoError(t, err)
	pruned, err := store.NewFileStore(filepath.Join(dir, "pruned"))
	require.NoError(t, err)
	return &harness{graph: g, base: base, full: full, pruned: pruned}
}

func (h *harness) service(t *testing.T, cfg Config) *Service {
	t.Helper()
	s, err := New(Deps{
		Registry:  shape.DefaultRegistry(),
		Graph:     h.graph,
		Labels:    h.graph,
		Baselines: h.base,
		Full:      h.full,
		Pruned:    h.pruned,
	}, cfg)
	require.NoError(t, err)
	return s
}

func query() api.Query {
	return api.Query{Entity: "institution", Breakdown: "country-institution", Root: testRoot}
}

func TestTree_EndToEnd(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	resp, err := s.Tree(context.Background(), query())
	require.NoError(t, err)

	assert.Equal(t, "institution", resp.Entity)
	assert.Equal(t, "country-institution", resp.Breakdown)
	assert.Equal(t, uint16(0), resp.PeriodStart)
	require.Len(t, resp.Levels, 2)
	assert.Equal(t, "country", resp.Levels[0].Dimension)
	assert.Equal(t, "intersecting", resp.Levels[0].Combine)

	tree := resp.Tree
	assert.Equal(t, api.KindInternal, tree.Kind)
	assert.Equal(t, uint32(3), tree.LinkCount)
	require.Contains(t, tree.Children, "30")
	country := tree.Children["30"]
	assert.Equal(t, uint32(3), country.LinkCount)
	require.Len(t, country.Children, 2)
	assert.Equal(t, uint32(2), country.Children["10"].LinkCount)
	assert.Equal(t, uint32(1), country.Children["11"].LinkCount)
	assert.Equal(t, api.KindLeaf, country.Children["10"].Kind)
	assert.Equal(t, uint32(1), tree.SourceCount)
	assert.Equal(t, uint32(0), tree.TopSourceID)
	assert.Equal(t, uint32(3), tree.TopSourceLinks)

	assert.Equal(t, "Norway", resp.Labels["country"]["30"])
	assert.Equal(t, "University of Bergen", resp.Labels["institution"]["10"])
	assert.NotContains(t, resp.Labels["institution"], "11")
	assert.InDelta(t, 0.5, resp.Baselines["country"]["30"], 1e-9)

	assert.Equal(t, int64(1), s.Stats().Computations)
}

func TestTree_PeriodsShareOneComputation(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())
	ctx := context.Background()

	_, err := s.Tree(ctx, query())
	require.NoError(t, err)

	q := query()
	q.Period = s.Periods().Of(2016)
	resp, err := s.Tree(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, uint16(2016), resp.PeriodStart)
	assert.Equal(t, uint32(1), resp.Tree.LinkCount, "only the 2021 citation")
	assert.Equal(t, uint32(1), resp.Tree.Children["30"].Children["11"].LinkCount)
	assert.NotContains(t, resp.Tree.Children["30"].Children, "10")

	q.Period = s.Periods().Len() - 1
	resp, err = s.Tree(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), resp.Tree.LinkCount)
	assert.Empty(t, resp.Tree.Children)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Computations)
	assert.Equal(t, int64(2), stats.Loads)
}

func TestTree_NotFound(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	q := query()
	q.Root = 99
	_, err := s.Tree(context.Background(), q)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, graph.ErrNotFound)

	q = query()
	q.Breakdown = "no-such-breakdown"
	_, err = s.Tree(context.Background(), q)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, shape.ErrUnknownBreakdown)

	// Breakdown ids are scoped to their entity type.
	q = query()
	q.Entity = "country"
	_, err = s.Tree(context.Background(), q)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, int64(0), s.Stats().Computations)
}

func TestTree_InvalidQuery(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	for name, mutate := range map[string]func(q *api.Query){
		"missing breakdown": func(q *api.Query) { q.Breakdown = "" },
		"unknown entity":    func(q *api.Query) { q.Entity = "planet" },
		"negative period":   func(q *api.Query) { q.Period = -1 },
		"period past end":   func(q *api.Query) { q.Period = 11 },
		"filter too long":   func(q *api.Query) { q.Filter = []uint32{30, 10, 1} },
		"bad selector":      func(q *api.Query) { q.Select = "$[" },
	} {
		t.Run(name, func(t *testing.T) {
			q := query()
			mutate(&q)
			_, err := s.Tree(context.Background(), q)
			assert.ErrorIs(t, err, ErrInvalidQuery)
		})
	}
}

func TestTree_Filter(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	q := query()
	q.Filter = []uint32{30, 11}
	resp, err := s.Tree(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), resp.Tree.LinkCount)
	require.Len(t, resp.Tree.Children, 1)
	assert.Equal(t, []string{"11"}, keys(resp.Tree.Children["30"].Children))

	_, err = s.Tree(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Stats().Computations, "filtered and unfiltered trees are separate keys")
}

func TestTree_Select(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	q := query()
	q.Select = "$.children['30'].children['10'].linkCount"
	resp, err := s.Tree(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, resp.Selection, 1)
	assert.EqualValues(t, 2, resp.Selection[0])
}

func TestTree_SpillMatchesInMemory(t *testing.T) {
	ctx := context.Background()
	inMemory, err := newHarness(t).service(t, DefaultConfig()).Tree(ctx, query())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Partition.SpillDir = t.TempDir()
	cfg.Compress = true
	q := query()
	q.ForceSpill = true
	spilled, err := newHarness(t).service(t, cfg).Tree(ctx, q)
	require.NoError(t, err)

	want, err := json.Marshal(inMemory.Tree)
	require.NoError(t, err)
	got, err := json.Marshal(spilled.Tree)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
}

func TestTree_ConcurrentCallersComputeOnce(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	const callers = 12
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q := query()
			q.Period = i % 3
			_, errs[i] = s.Tree(context.Background(), q)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), s.Stats().Computations)
}

func TestTree_RestartLoadsPersistedTrees(t *testing.T) {
	h := newHarness(t)
	_, err := h.service(t, DefaultConfig()).Tree(context.Background(), query())
	require.NoError(t, err)

	s := h.service(t, DefaultConfig())
	resp, err := s.Tree(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), resp.Tree.LinkCount)
	assert.Equal(t, int64(0), s.Stats().Computations)
	assert.Equal(t, int64(1), s.Stats().Recovered)
}

func TestWarm(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	roots, err := s.Roots("institution")
	require.NoError(t, err)
	assert.Equal(t, []uint32{testRoot}, roots)

	report, err := s.Warm(context.Background(), "institution", "country-institution", append(roots, 99))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Roots)
	assert.Equal(t, 1, report.Warmed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	_, err = s.Tree(context.Background(), query())
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Stats().Computations)

	_, err = s.Warm(context.Background(), "institution", "no-such-breakdown", roots)
	assert.True(t, errors.Is(err, shape.ErrUnknownBreakdown))

	_, err = s.Roots("planet")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

// countingGraph counts citation enumerations.
type countingGraph struct {
	*graph.MemoryGraph
	citing atomic.Int32
}

func (g *countingGraph) CitingWorks(work uint32) ([]uint32, error) {
	g.citing.Add(1)
	return g.MemoryGraph.CitingWorks(work)
}

func TestWarmAll_SharesOneEnumeration(t *testing.T) {
	h := newHarness(t)
	cg := &countingGraph{MemoryGraph: h.graph}
	s, err := New(Deps{
		Registry:  shape.DefaultRegistry(),
		Graph:     cg,
		Labels:    h.graph,
		Baselines: h.base,
		Full:      h.full,
		Pruned:    h.pruned,
	}, DefaultConfig())
	require.NoError(t, err)
	shapes := shape.DefaultRegistry().Shapes(shape.EntityInstitution)
	require.Greater(t, len(shapes), 1)

	report, err := s.WarmAll(context.Background(), "institution", []uint32{testRoot, 99})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warmed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, int64(len(shapes)), s.Stats().Computations)
	// One estimate and one enumeration of the root's single work.
	assert.Equal(t, int32(2), cg.citing.Load())

	// Every tree matches one computed on its own.
	single := newHarness(t).service(t, DefaultConfig())
	for _, sh := range shapes {
		for _, period := range []int{0, 3, 8} {
			q := api.Query{Entity: "institution", Breakdown: sh.ID, Root: testRoot, Period: period}
			want, err := single.Tree(context.Background(), q)
			require.NoError(t, err)
			got, err := s.Tree(context.Background(), q)
			require.NoError(t, err)
			wantJSON, err := json.Marshal(want.Tree)
			require.NoError(t, err)
			gotJSON, err := json.Marshal(got.Tree)
			require.NoError(t, err)
			assert.JSONEq(t, string(wantJSON), string(gotJSON), "%s period %d", sh.ID, period)
		}
	}
	assert.Equal(t, int64(len(shapes)), s.Stats().Computations, "trees load without recompute")

	report, err = s.WarmAll(context.Background(), "institution", []uint32{testRoot})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warmed)
	assert.Equal(t, int64(len(shapes)), s.Stats().Computations)
	assert.Equal(t, int32(2), cg.citing.Load())
}

func TestWarmAll_Errors(t *testing.T) {
	s := newHarness(t).service(t, DefaultConfig())

	_, err := s.WarmAll(context.Background(), "planet", []uint32{testRoot})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.WarmAll(context.Background(), "subfield", []uint32{testRoot})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t)
	s, err := New(Deps{Registry: shape.DefaultRegistry(), Graph: h.graph, Full: h.full, Pruned: h.pruned}, Config{})
	require.NoError(t, err)
	assert.Equal(t, partition.DefaultPeriods().Len(), s.Periods().Len())

	resp, err := s.Tree(context.Background(), query())
	require.NoError(t, err)
	assert.Empty(t, resp.Labels)
	assert.Empty(t, resp.Baselines)

	_, err = New(Deps{Graph: h.graph, Full: h.full, Pruned: h.pruned}, Config{})
	assert.Error(t, err)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
