package tests

import (
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/agentic-research/citefold/api"
	"github.com/agentic-research/citefold/internal/breakdown"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testFixture bundles a random corpus held twice: in memory and in a SQLite
// database written from it, each behind its own breakdown service.
type testFixture struct {
	mem      *graph.MemoryGraph
	memSvc   *breakdown.Service
	sqlSvc   *breakdown.Service
	roots    []uint32
	registry *shape.Registry
}

// randomCorpus builds 300 works over 1985..2025. Works 0..29 belong to
// three institutions and are cited by works 30..299, which carry countries,
// institutions and subfields with some values missing.
func randomCorpus(seed int64) (*graph.MemoryGraph, []uint32) {
	rng := rand.New(rand.NewSource(seed))
	g := graph.NewMemoryGraph()
	for w := uint32(0); w < 300; w++ {
		g.AddWork(w, uint16(1985+rng.Intn(41)))
	}
	roots := []uint32{1, 2, 3}
	for w := uint32(0); w < 30; w++ {
		g.AddEntityWork(shape.EntityInstitution, roots[rng.Intn(len(roots))], w)
		g.SetAttributes(shape.DimSubfield, w, 200+uint32(rng.Intn(3)))
		for i := rng.Intn(20); i > 0; i-- {
			g.AddCitation(w, 30+uint32(rng.Intn(270)))
		}
	}
	for w := uint32(30); w < 300; w++ {
		if rng.Intn(10) > 0 {
			g.SetAttributes(shape.DimCountry, w, 1+uint32(rng.Intn(3)), 1+uint32(rng.Intn(3)))
		}
		if rng.Intn(8) > 0 {
			g.SetAttributes(shape.DimInstitution, w, 100+uint32(rng.Intn(10)), 100+uint32(rng.Intn(10)))
		}
		if rng.Intn(6) > 0 {
			g.SetAttributes(shape.DimSubfield, w, 200+uint32(rng.Intn(5)))
		}
	}
	for v := uint32(1); v <= 3; v++ {
		g.SetLabel(shape.DimCountry, v, "country-"+string(rune('A'+v-1)))
	}
	return g, roots
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	mem, roots := randomCorpus(42)
	base, err := graph.ComputeBaselines(context.Background(), mem, shape.Dimensions())
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "graph.db")
	require.NoError(t, graph.WriteMemoryGraph(dbPath, mem, base))
	sg, err := graph.OpenSQLiteGraph(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sg.Close() })
	sqlBase, err := sg.LoadBaselines(context.Background())
	require.NoError(t, err)

	registry := shape.DefaultRegistry()

	dir := t.TempDir()
	full, err := store.NewFileStore(filepath.Join(dir, "full"))
	require.NoError(t, err)
	pruned, err := store.NewFileStore(filepath.Join(dir, "pruned"))
	require.NoError(t, err)
	memSvc, err := breakdown.New(breakdown.Deps{
		Registry: registry, Graph: mem, Labels: mem, Baselines: base, Full: full, Pruned: pruned,
	}, breakdown.DefaultConfig())
	require.NoError(t, err)

	db, err := store.OpenBadger(store.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cfg := breakdown.DefaultConfig()
	cfg.Compress = true
	cfg.Partition.SpillThreshold = 1
	cfg.Partition.SpillDir = t.TempDir()
	sqlSvc, err := breakdown.New(breakdown.Deps{
		Registry: registry, Graph: sg, Labels: sg, Baselines: sqlBase,
		Full: store.NewPrefixed(db, "full"), Pruned: store.NewPrefixed(db, "pruned"),
	}, cfg)
	require.NoError(t, err)

	return &testFixture{mem: mem, memSvc: memSvc, sqlSvc: sqlSvc, roots: roots, registry: registry}
}

// distinctLinks counts the (source, citing) pairs of root whose citing work
// was published in or after year.
func distinctLinks(t *testing.T, g *graph.MemoryGraph, root uint32, year uint16) uint32 {
	t.Helper()
	works, err := g.WorksOf(shape.EntityInstitution, root)
	require.NoError(t, err)
	var n uint32
	for _, w := range works {
		citing, err := g.CitingWorks(w)
		require.NoError(t, err)
		for _, c := range citing {
			y, err := g.Year(c)
			require.NoError(t, err)
			if y >= year {
				n++
			}
		}
	}
	return n
}

// checkInvariants walks a tree narrow enough that pruning kept every child.
func checkInvariants(t *testing.T, tree *api.Tree, levels []api.Level, path string) {
	t.Helper()
	assert.LessOrEqual(t, tree.SourceCount, tree.LinkCount, path)
	assert.LessOrEqual(t, tree.TopSourceLinks, tree.LinkCount, path)
	if len(levels) == 0 {
		assert.Equal(t, api.KindLeaf, tree.Kind, path)
		return
	}

	var sum, most uint32
	for id, c := range tree.Children {
		sum += c.LinkCount
		most = max(most, c.LinkCount)
		checkInvariants(t, c, levels[1:], path+"/"+id)
	}
	if levels[0].Combine == shape.Disjunctive.String() {
		assert.Equal(t, sum, tree.LinkCount, "disjunctive sum at %s", path)
	} else {
		assert.LessOrEqual(t, tree.LinkCount, sum, "intersecting bound at %s", path)
		assert.GreaterOrEqual(t, tree.LinkCount, most, "intersecting bound at %s", path)
	}
}

func TestBreakdown_SQLiteMatchesMemory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, sh := range f.registry.Shapes(shape.EntityInstitution) {
		for _, root := range f.roots {
			for _, period := range []int{0, 4, 8} {
				q := api.Query{Entity: "institution", Breakdown: sh.ID, Root: root, Period: period}
				want, err := f.memSvc.Tree(ctx, q)
				require.NoError(t, err, "%s root %d", sh.ID, root)
				got, err := f.sqlSvc.Tree(ctx, q)
				require.NoError(t, err, "%s root %d", sh.ID, root)

				wantJSON, err := json.Marshal(want)
				require.NoError(t, err)
				gotJSON, err := json.Marshal(got)
				require.NoError(t, err)
				assert.JSONEq(t, string(wantJSON), string(gotJSON), "%s root %d period %d", sh.ID, root, period)
			}
		}
	}
	assert.Equal(t, int64(len(f.registry.Shapes(shape.EntityInstitution))*len(f.roots)), f.sqlSvc.Stats().Computations)
}

func TestBreakdown_TreeInvariants(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, sh := range f.registry.Shapes(shape.EntityInstitution) {
		for _, root := range f.roots {
			var prev uint32
			for period := f.memSvc.Periods().Len() - 1; period >= 0; period-- {
				resp, err := f.memSvc.Tree(ctx, api.Query{Entity: "institution", Breakdown: sh.ID, Root: root, Period: period})
				require.NoError(t, err)

				start := f.memSvc.Periods().Start(period)
				assert.Equal(t, distinctLinks(t, f.mem, root, start), resp.Tree.LinkCount,
					"%s root %d period %d", sh.ID, root, period)
				assert.GreaterOrEqual(t, resp.Tree.LinkCount, prev, "earlier periods cover later ones")
				prev = resp.Tree.LinkCount

				checkInvariants(t, resp.Tree, resp.Levels, sh.ID)
			}
		}
	}
}

func TestBreakdown_DrillDown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	q := api.Query{Entity: "institution", Breakdown: "subfield-institution-country", Root: f.roots[0]}
	whole, err := f.memSvc.Tree(ctx, q)
	require.NoError(t, err)

	for subfield, sub := range whole.Tree.Children {
		for inst, node := range sub.Children {
			s, err := strconv.ParseUint(subfield, 10, 32)
			require.NoError(t, err)
			i, err := strconv.ParseUint(inst, 10, 32)
			require.NoError(t, err)

			q.Filter = []uint32{uint32(s), uint32(i)}
			drilled, err := f.memSvc.Tree(ctx, q)
			require.NoError(t, err)
			require.Len(t, drilled.Tree.Children, 1)
			got := drilled.Tree.Children[subfield].Children[inst]
			assert.Equal(t, node.LinkCount, got.LinkCount, "filter %v", q.Filter)
			assert.Equal(t, len(node.Children), len(got.Children), "filter %v", q.Filter)
		}
	}
}

func TestBreakdown_WarmAllMatchesSingleBuilds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	shapes := f.registry.Shapes(shape.EntityInstitution)

	report, err := f.sqlSvc.WarmAll(ctx, "institution", f.roots)
	require.NoError(t, err)
	assert.Equal(t, len(f.roots), report.Warmed)
	assert.Equal(t, int64(len(shapes)*len(f.roots)), f.sqlSvc.Stats().Computations)

	for _, sh := range shapes {
		for _, root := range f.roots {
			for _, period := range []int{0, 5, 9} {
				q := api.Query{Entity: "institution", Breakdown: sh.ID, Root: root, Period: period}
				want, err := f.memSvc.Tree(ctx, q)
				require.NoError(t, err)
				got, err := f.sqlSvc.Tree(ctx, q)
				require.NoError(t, err)

				wantJSON, err := json.Marshal(want)
				require.NoError(t, err)
				gotJSON, err := json.Marshal(got)
				require.NoError(t, err)
				assert.JSONEq(t, string(wantJSON), string(gotJSON), "%s root %d period %d", sh.ID, root, period)
			}
		}
	}
	assert.Equal(t, int64(len(shapes)*len(f.roots)), f.sqlSvc.Stats().Computations)
}
