// Package codec encodes collapsed trees for storage and projects them to
// JSON for responses.
//
// The compact form is a 16 byte header followed by a depth-typed body:
//
//	[Magic:4][Version:1][Flags:1][Depth:1][Reserved:1][Checksum:4][Length:4]
//
// Every node in the body is four uvarint aggregate fields; nodes above full
// depth follow with a uvarint child count and (uvarint id, node) pairs in
// ascending id order. Full-depth nodes carry no child count, so the depth in
// the header fixes the shape of every entry. The checksum and length cover
// the uncompressed body.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/agentic-research/citefold/internal/fold"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic      = "CFT1"
	Version    = 1
	HeaderSize = 16

	// FlagZstd marks a zstd-compressed body.
	FlagZstd = 1 << 0
)

var ErrCorrupt = errors.New("corrupt tree encoding")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// Header is the fixed prefix of an encoded tree.
type Header struct {
	Magic    [4]byte
	Version  uint8
	Flags    uint8
	Depth    uint8
	Checksum uint32
	Length   uint32
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	buf[4] = h.Version
	buf[5] = h.Flags
	buf[6] = h.Depth
	binary.LittleEndian.PutUint32(buf[8:12], h.Checksum)
	binary.LittleEndian.PutUint32(buf[12:16], h.Length)
	return buf
}

// DecodeHeader validates and returns the header of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short: %d bytes", ErrCorrupt, len(data))
	}
	var h Header
	copy(h.Magic[:], data[0:4])
	if string(h.Magic[:]) != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrCorrupt, h.Magic[:])
	}
	h.Version = data[4]
	h.Flags = data[5]
	h.Depth = data[6]
	h.Checksum = binary.LittleEndian.Uint32(data[8:12])
	h.Length = binary.LittleEndian.Uint32(data[12:16])
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, h.Version)
	}
	if int(h.Depth) > shape.MaxLevels {
		return Header{}, fmt.Errorf("%w: depth %d", ErrCorrupt, h.Depth)
	}
	return h, nil
}

// Marshal encodes n, a tree of the given depth. Retained source lists are
// not encoded.
func Marshal(n *fold.Node, depth int, compress bool) ([]byte, error) {
	if depth < 0 || depth > shape.MaxLevels {
		return nil, fmt.Errorf("marshal tree: depth %d out of range", depth)
	}
	body, err := appendNode(nil, n, depth)
	if err != nil {
		return nil, err
	}

	h := Header{
		Version:  Version,
		Depth:    uint8(depth),
		Checksum: crc32.ChecksumIEEE(body),
		Length:   uint32(len(body)),
	}
	copy(h.Magic[:], Magic)
	if compress {
		h.Flags |= FlagZstd
		body = encoder.EncodeAll(body, nil)
	}
	return append(encodeHeader(h), body...), nil
}

// Unmarshal decodes data produced by Marshal and returns the tree and its
// depth.
func Unmarshal(data []byte) (*fold.Node, int, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, 0, err
	}
	body := data[HeaderSize:]
	if h.Flags&FlagZstd != 0 {
		body, err = decoder.DecodeAll(body, make([]byte, 0, h.Length))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
		}
	}
	if uint32(len(body)) != h.Length {
		return nil, 0, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorrupt, len(body), h.Length)
	}
	if sum := crc32.ChecksumIEEE(body); sum != h.Checksum {
		return nil, 0, fmt.Errorf("%w: checksum %08x, want %08x", ErrCorrupt, sum, h.Checksum)
	}

	r := reader{buf: body}
	n, err := r.node(int(h.Depth))
	if err != nil {
		return nil, 0, err
	}
	if r.pos != len(body) {
		return nil, 0, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(body)-r.pos)
	}
	return n, int(h.Depth), nil
}

func appendNode(buf []byte, n *fold.Node, depth int) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(n.LinkCount))
	buf = binary.AppendUvarint(buf, uint64(n.SourceCount))
	buf = binary.AppendUvarint(buf, uint64(n.TopSource))
	buf = binary.AppendUvarint(buf, uint64(n.TopSourceLinks))
	if depth == 0 {
		if !n.IsLeaf() && len(n.Children) > 0 {
			return nil, fmt.Errorf("marshal tree: children below full depth")
		}
		return buf, nil
	}
	if n.IsLeaf() {
		return nil, fmt.Errorf("marshal tree: leaf %d levels above full depth", depth)
	}

	ids := make([]uint32, 0, len(n.Children))
	for id := range n.Children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	buf = binary.AppendUvarint(buf, uint64(len(ids)))
	var err error
	for _, id := range ids {
		buf = binary.AppendUvarint(buf, uint64(id))
		if buf, err = appendNode(buf, n.Children[id], depth-1); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrCorrupt, r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if v > 1<<32-1 {
		return 0, fmt.Errorf("%w: value %d overflows 32 bits", ErrCorrupt, v)
	}
	return uint32(v), nil
}

func (r *reader) node(depth int) (*fold.Node, error) {
	n := &fold.Node{}
	for _, f := range []*uint32{&n.LinkCount, &n.SourceCount, &n.TopSource, &n.TopSourceLinks} {
		v, err := r.uint32()
		if err != nil {
			return nil, err
		}
		*f = v
	}
	if depth == 0 {
		return n, nil
	}

	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	// Every child takes at least five bytes.
	if int(count) > (len(r.buf)-r.pos)/5 {
		return nil, fmt.Errorf("%w: child count %d exceeds remaining input", ErrCorrupt, count)
	}
	n.Children = make(map[uint32]*fold.Node, count)
	prev := -1
	for i := uint32(0); i < count; i++ {
		id, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if int(id) <= prev {
			return nil, fmt.Errorf("%w: child id %d not ascending", ErrCorrupt, id)
		}
		prev = int(id)
		c, err := r.node(depth - 1)
		if err != nil {
			return nil, err
		}
		n.Children[id] = c
	}
	return n, nil
}
