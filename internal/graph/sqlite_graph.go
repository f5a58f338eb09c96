package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/citefold/internal/shape"
	_ "modernc.org/sqlite"
)

// SQLiteGraph implements Getters over a SQLite database written by
// SQLiteWriter. Edge and membership sets are stored as serialized roaring
// bitmaps, so every lookup is one primary-key read plus a bitmap decode.
//
// The database is opened read-only; graph data is immutable while trees are
// computed from it.
type SQLiteGraph struct {
	db     *sql.DB
	dbPath string

	stmtWorksOf *sql.Stmt
	stmtCiting  *sql.Stmt
	stmtAttrs   *sql.Stmt
	stmtYear    *sql.Stmt

	// Labels are small and hot during response assembly.
	labelOnce sync.Once
	labelErr  error
	labels    map[shape.DimensionKind]map[uint32]string
}

// OpenSQLiteGraph opens dbPath read-only and prepares the lookup statements.
func OpenSQLiteGraph(dbPath string) (*SQLiteGraph, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)

	g := &SQLiteGraph{db: db, dbPath: dbPath}
	prep := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&g.stmtWorksOf, "SELECT bitmap FROM entity_works WHERE entity = ? AND entity_id = ?"},
		{&g.stmtCiting, "SELECT bitmap FROM citing WHERE work_id = ?"},
		{&g.stmtAttrs, "SELECT bitmap FROM attributes WHERE dim = ? AND work_id = ?"},
		{&g.stmtYear, "SELECT year FROM works WHERE id = ?"},
	}
	for _, p := range prep {
		stmt, err := db.Prepare(p.query)
		if err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("prepare %q: %w", p.query, err)
		}
		*p.dst = stmt
	}
	return g, nil
}

func (g *SQLiteGraph) bitmapRow(stmt *sql.Stmt, args ...any) ([]uint32, bool, error) {
	var blob []byte
	err := stmt.QueryRow(args...).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vals, err := decodeBitmap(blob)
	if err != nil {
		return nil, false, err
	}
	return vals, true, nil
}

// WorksOf implements Getters.
func (g *SQLiteGraph) WorksOf(entity shape.EntityType, id uint32) ([]uint32, error) {
	vals, ok, err := g.bitmapRow(g.stmtWorksOf, int(entity), int64(id))
	if err != nil {
		return nil, fmt.Errorf("works of %s %d: %w", entity, id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return vals, nil
}

// CitingWorks implements Getters.
func (g *SQLiteGraph) CitingWorks(work uint32) ([]uint32, error) {
	vals, _, err := g.bitmapRow(g.stmtCiting, int64(work))
	if err != nil {
		return nil, fmt.Errorf("citing works of %d: %w", work, err)
	}
	return vals, nil
}

// Attributes implements Getters.
func (g *SQLiteGraph) Attributes(dim shape.DimensionKind, work uint32) ([]uint32, error) {
	vals, _, err := g.bitmapRow(g.stmtAttrs, int(dim), int64(work))
	if err != nil {
		return nil, fmt.Errorf("%s of %d: %w", dim, work, err)
	}
	return vals, nil
}

// Year implements Getters.
func (g *SQLiteGraph) Year(work uint32) (uint16, error) {
	var year int
	err := g.stmtYear.QueryRow(int64(work)).Scan(&year)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("year of %d: %w", work, err)
	}
	return uint16(year), nil
}

// EachWork implements Corpus. Ids are collected first so fn can issue its
// own queries without holding a cursor open.
func (g *SQLiteGraph) EachWork(fn func(work uint32) error) error {
	rows, err := g.db.Query("SELECT id FROM works ORDER BY id")
	if err != nil {
		return fmt.Errorf("query works: %w", err)
	}
	ids := roaring.New()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan work: %w", err)
		}
		ids.Add(uint32(id))
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate works: %w", err)
	}
	_ = rows.Close()

	it := ids.Iterator()
	for it.HasNext() {
		if err := fn(it.Next()); err != nil {
			return err
		}
	}
	return nil
}

// Entities implements EntityLister.
func (g *SQLiteGraph) Entities(entity shape.EntityType) ([]uint32, error) {
	rows, err := g.db.Query("SELECT entity_id FROM entity_works WHERE entity = ? ORDER BY entity_id", int(entity))
	if err != nil {
		return nil, fmt.Errorf("query %s entities: %w", entity, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uint32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s entity: %w", entity, err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, rows.Err()
}

// Label implements Labels. The labels table is loaded on first use.
func (g *SQLiteGraph) Label(dim shape.DimensionKind, value uint32) (string, bool) {
	g.labelOnce.Do(func() {
		g.labels, g.labelErr = g.loadLabels()
	})
	if g.labelErr != nil {
		return "", false
	}
	s, ok := g.labels[dim][value]
	return s, ok
}

func (g *SQLiteGraph) loadLabels() (map[shape.DimensionKind]map[uint32]string, error) {
	rows, err := g.db.Query("SELECT dim, value, label FROM labels")
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[shape.DimensionKind]map[uint32]string)
	for rows.Next() {
		var dim int
		var value int64
		var label string
		if err := rows.Scan(&dim, &value, &label); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		d := shape.DimensionKind(dim)
		if out[d] == nil {
			out[d] = make(map[uint32]string)
		}
		out[d][uint32(value)] = label
	}
	return out, rows.Err()
}

// LoadBaselines reads the baselines table.
func (g *SQLiteGraph) LoadBaselines(ctx context.Context) (*BaselineTable, error) {
	rows, err := g.db.QueryContext(ctx, "SELECT entity, dim, basis, value, share FROM baselines")
	if err != nil {
		return nil, fmt.Errorf("query baselines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	t := NewBaselineTable()
	for rows.Next() {
		var entity, dim, basis int
		var value int64
		var share float64
		if err := rows.Scan(&entity, &dim, &basis, &value, &share); err != nil {
			return nil, fmt.Errorf("scan baseline: %w", err)
		}
		t.Set(shape.EntityType(entity), shape.DimensionKind(dim), shape.Basis(basis), uint32(value), share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate baselines: %w", err)
	}
	return t, nil
}

// Close releases statements and the connection pool.
func (g *SQLiteGraph) Close() error {
	for _, s := range []*sql.Stmt{g.stmtWorksOf, g.stmtCiting, g.stmtAttrs, g.stmtYear} {
		if s != nil {
			_ = s.Close()
		}
	}
	return g.db.Close()
}

func decodeBitmap(blob []byte) ([]uint32, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(blob); err != nil {
		return nil, fmt.Errorf("decode bitmap: %w", err)
	}
	return bm.ToArray(), nil
}

var (
	_ Corpus       = (*SQLiteGraph)(nil)
	_ Labels       = (*SQLiteGraph)(nil)
	_ EntityLister = (*SQLiteGraph)(nil)
)
