package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyFor(breakdown string) Key {
	return Key{Entity: "institution", Breakdown: breakdown, Root: 42}
}

// recordingBatch answers every request with result() and records the keys of
// each call.
type recordingBatch struct {
	calls [][]Key
}

func (b *recordingBatch) compute(_ context.Context, reqs []Request) ([]*Result, error) {
	keys := make([]Key, len(reqs))
	out := make([]*Result, len(reqs))
	for i, r := range reqs {
		keys[i] = r.Key
		out[i] = result()
	}
	b.calls = append(b.calls, keys)
	return out, nil
}

func TestGetTrees_ComputesAbsentKeysTogether(t *testing.T) {
	full, pruned := newStores(t)
	c := NewController(full, pruned, func(context.Context, Request) (*Result, error) {
		return result(), nil
	}, Options{Periods: testPeriods})
	ctx := context.Background()

	_, err := c.GetTree(ctx, Request{Key: keyFor("a")})
	require.NoError(t, err)

	var b recordingBatch
	reqs := []Request{
		{Key: keyFor("a"), Period: 1},
		{Key: keyFor("b"), Period: 0},
		{Key: keyFor("c"), Period: 2},
		{Key: keyFor("c"), Period: 1},
		{Key: keyFor("d"), Period: testPeriods},
	}
	trees, errs := c.GetTrees(ctx, reqs, b.compute)

	require.Len(t, b.calls, 1)
	assert.Equal(t, []Key{keyFor("b"), keyFor("c")}, b.calls[0])
	for i, want := range []uint32{9, 10, 8, 9} {
		require.NoError(t, errs[i], "request %d", i)
		assert.Equal(t, want, trees[i].LinkCount, "request %d", i)
	}
	assert.ErrorIs(t, errs[4], ErrInvalidPeriod)
	assert.Nil(t, trees[4])
	assert.Equal(t, int64(3), c.Stats().Computations)

	// Persisted keys are now served without another batch.
	trees, errs = c.GetTrees(ctx, reqs[1:3], b.compute)
	require.Len(t, b.calls, 1)
	assert.NoError(t, errors.Join(errs...))
	assert.Equal(t, uint32(8), trees[1].LinkCount)
}

func TestGetTrees_BatchErrorFailsEveryKey(t *testing.T) {
	full, pruned := newStores(t)
	c := NewController(full, pruned, nil, Options{Periods: testPeriods, ErrorTTL: time.Minute})
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	failing := func(context.Context, []Request) ([]*Result, error) {
		calls++
		return nil, boom
	}
	reqs := []Request{{Key: keyFor("a")}, {Key: keyFor("b")}}
	_, errs := c.GetTrees(ctx, reqs, failing)
	for _, err := range errs {
		var ce *ComputeError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int64(2), c.Stats().Failures)

	// Failed keys keep their error until the TTL passes.
	_, errs = c.GetTrees(ctx, reqs, failing)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, errs[1], boom)
	_, err := c.GetTree(ctx, reqs[0])
	assert.ErrorIs(t, err, boom)
}

func TestGetTrees_ShortOrPanickingBatch(t *testing.T) {
	full, pruned := newStores(t)
	c := NewController(full, pruned, nil, Options{Periods: testPeriods})
	ctx := context.Background()

	short := func(context.Context, []Request) ([]*Result, error) {
		return []*Result{result()}, nil
	}
	_, errs := c.GetTrees(ctx, []Request{{Key: keyFor("a")}, {Key: keyFor("b")}}, short)
	assert.ErrorContains(t, errs[0], "1 results for 2 requests")
	assert.Error(t, errs[1])

	panicking := func(context.Context, []Request) ([]*Result, error) {
		panic("bucket exploded")
	}
	_, errs = c.GetTrees(ctx, []Request{{Key: keyFor("c")}}, panicking)
	assert.ErrorIs(t, errs[0], ErrComputePanic)
	assert.ErrorContains(t, errs[0], "bucket exploded")
}

func TestGetTrees_RecoversPersistedKeys(t *testing.T) {
	full, pruned := newStores(t)
	ctx := context.Background()
	reqs := []Request{{Key: keyFor("a"), Period: 2}, {Key: keyFor("b"), Period: 2}}

	var first recordingBatch
	c := NewController(full, pruned, nil, Options{Periods: testPeriods, Compress: true})
	_, errs := c.GetTrees(ctx, reqs, first.compute)
	require.NoError(t, errors.Join(errs...))

	var second recordingBatch
	restarted := NewController(full, pruned, nil, Options{Periods: testPeriods, Compress: true})
	trees, errs := restarted.GetTrees(ctx, reqs, second.compute)
	require.NoError(t, errors.Join(errs...))
	assert.Empty(t, second.calls)
	assert.Equal(t, uint32(8), trees[0].LinkCount)
	assert.Equal(t, uint32(8), trees[1].LinkCount)
	assert.Equal(t, int64(2), restarted.Stats().Recovered)
	assert.Equal(t, int64(0), restarted.Stats().Computations)
}
