package graph

import (
	"bytes"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/citefold/internal/shape"
	_ "modernc.org/sqlite"
)

const graphSchema = `
CREATE TABLE IF NOT EXISTS works (
	id INTEGER PRIMARY KEY,
	year INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS citing (
	work_id INTEGER PRIMARY KEY,
	bitmap BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS attributes (
	dim INTEGER NOT NULL,
	work_id INTEGER NOT NULL,
	bitmap BLOB NOT NULL,
	PRIMARY KEY (dim, work_id)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS entity_works (
	entity INTEGER NOT NULL,
	entity_id INTEGER NOT NULL,
	bitmap BLOB NOT NULL,
	PRIMARY KEY (entity, entity_id)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS labels (
	dim INTEGER NOT NULL,
	value INTEGER NOT NULL,
	label TEXT NOT NULL,
	PRIMARY KEY (dim, value)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS baselines (
	entity INTEGER NOT NULL,
	dim INTEGER NOT NULL,
	basis INTEGER NOT NULL,
	value INTEGER NOT NULL,
	share REAL NOT NULL,
	PRIMARY KEY (entity, dim, basis, value)
) WITHOUT ROWID;
`

// SQLiteWriter bulk-loads a graph into the layout SQLiteGraph reads.
// Writes are batched into transactions of batchSize statements.
type SQLiteWriter struct {
	db        *sql.DB
	tx        *sql.Tx
	stmts     map[string]*sql.Stmt
	batchSize int
	count     int
	mu        sync.Mutex
}

var writerStatements = map[string]string{
	"work":     "INSERT OR REPLACE INTO works (id, year) VALUES (?, ?)",
	"citing":   "INSERT OR REPLACE INTO citing (work_id, bitmap) VALUES (?, ?)",
	"attr":     "INSERT OR REPLACE INTO attributes (dim, work_id, bitmap) VALUES (?, ?, ?)",
	"entity":   "INSERT OR REPLACE INTO entity_works (entity, entity_id, bitmap) VALUES (?, ?, ?)",
	"label":    "INSERT OR REPLACE INTO labels (dim, value, label) VALUES (?, ?, ?)",
	"baseline": "INSERT OR REPLACE INTO baselines (entity, dim, basis, value, share) VALUES (?, ?, ?, ?, ?)",
}

// NewSQLiteWriter opens (or creates) dbPath and ensures the schema exists.
func NewSQLiteWriter(dbPath string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	// Performance tuning for bulk insert
	if _, err := db.Exec("PRAGMA synchronous = OFF"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = MEMORY"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(graphSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &SQLiteWriter{db: db, batchSize: 10000}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	w.stmts = make(map[string]*sql.Stmt, len(writerStatements))
	for name, q := range writerStatements {
		stmt, err := w.tx.Prepare(q)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", name, err)
		}
		w.stmts[name] = stmt
	}
	return nil
}

func (w *SQLiteWriter) commitTx() error {
	for _, s := range w.stmts {
		_ = s.Close()
	}
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (w *SQLiteWriter) exec(name string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.stmts[name].Exec(args...); err != nil {
		return fmt.Errorf("insert %s: %w", name, err)
	}
	w.count++
	if w.count >= w.batchSize {
		if err := w.commitTx(); err != nil {
			return err
		}
		if err := w.beginTx(); err != nil {
			return err
		}
		w.count = 0
	}
	return nil
}

// AddWork writes one works row.
func (w *SQLiteWriter) AddWork(work uint32, year uint16) error {
	return w.exec("work", int64(work), int(year))
}

// SetCiting writes the citing set of work.
func (w *SQLiteWriter) SetCiting(work uint32, citing *roaring.Bitmap) error {
	blob, err := encodeBitmap(citing)
	if err != nil {
		return err
	}
	return w.exec("citing", int64(work), blob)
}

// SetAttributes writes the values of one dimension for work.
func (w *SQLiteWriter) SetAttributes(dim shape.DimensionKind, work uint32, values []uint32) error {
	blob, err := encodeBitmap(roaring.BitmapOf(values...))
	if err != nil {
		return err
	}
	return w.exec("attr", int(dim), int64(work), blob)
}

// SetEntityWorks writes the works of one root entity.
func (w *SQLiteWriter) SetEntityWorks(entity shape.EntityType, id uint32, works *roaring.Bitmap) error {
	blob, err := encodeBitmap(works)
	if err != nil {
		return err
	}
	return w.exec("entity", int(entity), int64(id), blob)
}

// SetLabel writes one display label.
func (w *SQLiteWriter) SetLabel(dim shape.DimensionKind, value uint32, label string) error {
	return w.exec("label", int(dim), int64(value), label)
}

// WriteBaselines writes every row of t.
func (w *SQLiteWriter) WriteBaselines(t *BaselineTable) error {
	return t.Each(func(k BaselineKey, share float64) error {
		return w.exec("baseline", int(k.Entity), int(k.Dim), int(k.Basis), int64(k.Value), share)
	})
}

// Close commits the pending batch and closes the database.
func (w *SQLiteWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}
	return w.db.Close()
}

// WriteMemoryGraph persists g (and optional baselines) into dbPath.
func WriteMemoryGraph(dbPath string, g *MemoryGraph, base *BaselineTable) (err error) {
	w, err := NewSQLiteWriter(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	g.mu.RLock()
	defer g.mu.RUnlock()

	it := g.present.Iterator()
	for it.HasNext() {
		work := it.Next()
		if err := w.AddWork(work, g.years[work]); err != nil {
			return err
		}
	}
	for _, work := range sortedKeys(g.citing) {
		if err := w.SetCiting(work, g.citing[work]); err != nil {
			return err
		}
	}
	for dim, m := range g.attrs {
		for _, work := range sortedKeys(m) {
			if err := w.SetAttributes(dim, work, m[work]); err != nil {
				return err
			}
		}
	}
	for entity, m := range g.entities {
		for _, id := range sortedKeys(m) {
			if err := w.SetEntityWorks(entity, id, m[id]); err != nil {
				return err
			}
		}
	}
	for dim, m := range g.labels {
		for _, v := range sortedKeys(m) {
			if err := w.SetLabel(dim, v, m[v]); err != nil {
				return err
			}
		}
	}
	if base != nil {
		if err := w.WriteBaselines(base); err != nil {
			return err
		}
	}
	return nil
}

func encodeBitmap(bm *roaring.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	bm = bm.Clone()
	bm.RunOptimize()
	if _, err := bm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize bitmap: %w", err)
	}
	return buf.Bytes(), nil
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
