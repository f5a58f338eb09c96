package partition

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/stream"
	"github.com/klauspost/compress/zstd"
)

// recordSize is the on-disk size of one spilled record: dims, source and
// citing as little-endian uint32.
const recordSize = 4 * (shape.MaxLevels + 2)

// spiller writes records to one zstd-compressed temporary file per year.
type spiller struct {
	dir   string
	files map[uint16]*spillFile
}

type spillFile struct {
	path  string
	f     *os.File
	enc   *zstd.Encoder
	count int
}

func newSpiller(dir string) *spiller {
	return &spiller{dir: dir, files: make(map[uint16]*spillFile)}
}

func (s *spiller) write(year uint16, r *stream.Record) error {
	sf, ok := s.files[year]
	if !ok {
		f, err := os.CreateTemp(s.dir, fmt.Sprintf("citefold-%d-*.spill", year))
		if err != nil {
			return fmt.Errorf("create spill file: %w", err)
		}
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return fmt.Errorf("create spill encoder: %w", err)
		}
		sf = &spillFile{path: f.Name(), f: f, enc: enc}
		s.files[year] = sf
	}

	var buf [recordSize]byte
	encodeRecord(buf[:], r)
	if _, err := sf.enc.Write(buf[:]); err != nil {
		return fmt.Errorf("write spill file %s: %w", sf.path, err)
	}
	sf.count++
	return nil
}

// closeWriters flushes every encoder and closes the files for writing.
func (s *spiller) closeWriters() error {
	var errs []error
	for _, sf := range s.files {
		if sf.enc != nil {
			if err := sf.enc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("flush spill file %s: %w", sf.path, err))
			}
			sf.enc = nil
		}
		if sf.f != nil {
			if err := sf.f.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close spill file %s: %w", sf.path, err))
			}
			sf.f = nil
		}
	}
	return errors.Join(errs...)
}

// years returns the spilled years, ascending.
func (s *spiller) years() []uint16 {
	ys := make([]uint16, 0, len(s.files))
	for y := range s.files {
		ys = append(ys, y)
	}
	sort.Slice(ys, func(i, j int) bool { return ys[i] < ys[j] })
	return ys
}

func (s *spiller) count(year uint16) int {
	if sf, ok := s.files[year]; ok {
		return sf.count
	}
	return 0
}

// read streams the records of one year into fn.
func (s *spiller) read(year uint16, fn func(stream.Record)) error {
	sf, ok := s.files[year]
	if !ok {
		return nil
	}
	f, err := os.Open(sf.path)
	if err != nil {
		return fmt.Errorf("open spill file: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("open spill decoder: %w", err)
	}
	defer dec.Close()

	var buf [recordSize]byte
	for n := 0; n < sf.count; n++ {
		if _, err := io.ReadFull(dec, buf[:]); err != nil {
			return fmt.Errorf("read spill file %s: record %d: %w", sf.path, n, err)
		}
		fn(decodeRecord(buf[:]))
	}
	return nil
}

// cleanup closes and removes every spill file.
func (s *spiller) cleanup() {
	_ = s.closeWriters()
	for _, sf := range s.files {
		_ = os.Remove(sf.path)
	}
}

func encodeRecord(buf []byte, r *stream.Record) {
	for i, d := range r.Dims {
		binary.LittleEndian.PutUint32(buf[4*i:], d)
	}
	binary.LittleEndian.PutUint32(buf[4*shape.MaxLevels:], r.Source)
	binary.LittleEndian.PutUint32(buf[4*shape.MaxLevels+4:], r.Citing)
}

func decodeRecord(buf []byte) stream.Record {
	var r stream.Record
	for i := range r.Dims {
		r.Dims[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	r.Source = binary.LittleEndian.Uint32(buf[4*shape.MaxLevels:])
	r.Citing = binary.LittleEndian.Uint32(buf[4*shape.MaxLevels+4:])
	return r
}
