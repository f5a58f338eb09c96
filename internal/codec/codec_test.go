package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/agentic-research/citefold/api"
	"github.com/agentic-research/citefold/internal/fold"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() *fold.Node {
	sh := &shape.Shape{ID: "ci", Entity: shape.EntityInstitution, Levels: []shape.Level{
		{Dim: shape.DimCountry, Combine: shape.Intersecting},
		{Dim: shape.DimInstitution, Combine: shape.Intersecting, NormIndex: 1},
	}}
	return fold.New(sh).Fold([]stream.Record{
		{Dims: [shape.MaxLevels]uint32{30, 10}, Source: 0, Citing: 1},
		{Dims: [shape.MaxLevels]uint32{30, 10}, Source: 0, Citing: 2},
		{Dims: [shape.MaxLevels]uint32{30, 11}, Source: 0, Citing: 3},
		{Dims: [shape.MaxLevels]uint32{shape.Unknown, 300}, Source: 70000, Citing: 4},
	})
}

func TestMarshal_RoundTrip(t *testing.T) {
	tree := sampleTree()
	for _, compress := range []bool{false, true} {
		data, err := Marshal(tree, 2, compress)
		require.NoError(t, err)

		h, err := DecodeHeader(data)
		require.NoError(t, err)
		assert.Equal(t, compress, h.Flags&FlagZstd != 0)

		got, depth, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, 2, depth)
		assert.True(t, fold.Equal(tree, got), "compress=%v", compress)
		assert.True(t, got.Children[30].Children[10].IsLeaf())
	}
}

func TestMarshal_EmptyTree(t *testing.T) {
	empty := &fold.Node{Children: map[uint32]*fold.Node{}}
	data, err := Marshal(empty, 3, true)
	require.NoError(t, err)
	got, depth, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
	assert.True(t, fold.Equal(empty, got))
}

func TestMarshal_DepthMismatch(t *testing.T) {
	_, err := Marshal(sampleTree(), 3, false)
	assert.Error(t, err)
	_, err = Marshal(sampleTree(), 1, false)
	assert.Error(t, err)
}

func TestUnmarshal_Corrupt(t *testing.T) {
	data, err := Marshal(sampleTree(), 2, false)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	truncated := data[:len(data)-2]
	badMagic := append([]byte("XXXX"), data[4:]...)

	for name, in := range map[string][]byte{
		"checksum":  flipped,
		"truncated": truncated,
		"magic":     badMagic,
		"short":     data[:5],
	} {
		_, _, err := Unmarshal(in)
		assert.True(t, errors.Is(err, ErrCorrupt), name)
	}
}

func TestProject(t *testing.T) {
	p := Project(sampleTree(), 2)
	assert.Equal(t, api.KindInternal, p.Kind)
	assert.Equal(t, uint32(4), p.LinkCount)
	require.Contains(t, p.Children, "30")
	leaf := p.Children["30"].Children["10"]
	assert.Equal(t, api.KindLeaf, leaf.Kind)
	assert.Nil(t, leaf.Children)
	assert.Equal(t, uint32(2), leaf.LinkCount)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"topSourceId":70000`)

	ids := ChildIDs(p, 2)
	assert.Len(t, ids[0], 2)
	assert.Contains(t, ids[0], shape.Unknown)
	assert.Contains(t, ids[1], uint32(300))
}

func TestSelect(t *testing.T) {
	p := Project(sampleTree(), 2)

	got, err := Select(p, "$.children['30'].children['11'].linkCount")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 1, got[0])

	got, err = Select(p, "$.children.*.kind")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = Select(p, "$[")
	assert.Error(t, err)
}
