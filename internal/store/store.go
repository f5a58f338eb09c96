// Package store persists encoded trees. Every backend maps slash-separated
// keys of the form <entity>/<breakdown>/<period>/<root>[~filter] to blobs.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("store: not found")

// Store is a flat blob store keyed by slash-separated paths.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// TreeKey builds the persisted key of one period tree. Breakdown ids are
// only unique per entity type, so the entity leads the key. filter is the
// connection filter in its "30,10" text form, or empty.
func TreeKey(entity, breakdown string, period int, root uint32, filter string) string {
	var b strings.Builder
	b.WriteString(entity)
	b.WriteByte('/')
	b.WriteString(breakdown)
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(period))
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(uint64(root), 10))
	if filter != "" {
		b.WriteByte('~')
		b.WriteString(filter)
	}
	return b.String()
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	return nil
}

// Prefixed namespaces every key of an underlying store.
type Prefixed struct {
	s      Store
	prefix string
}

func NewPrefixed(s Store, prefix string) *Prefixed {
	return &Prefixed{s: s, prefix: strings.TrimSuffix(prefix, "/") + "/"}
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.s.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Put(ctx context.Context, key string, data []byte) error {
	return p.s.Put(ctx, p.prefix+key, data)
}

func (p *Prefixed) Exists(ctx context.Context, key string) (bool, error) {
	return p.s.Exists(ctx, p.prefix+key)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.s.Delete(ctx, p.prefix+key)
}

// Backend names a store implementation.
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendBadger Backend = "badger"
	BackendS3     Backend = "s3"
)

// Config selects and configures the backend holding the full and pruned
// tree stores.
type Config struct {
	Backend   Backend
	FullDir   string
	PrunedDir string
	Badger    BadgerConfig
	S3        S3Config
	Logger    *slog.Logger
}

// Stores is the pair of tree stores the cache writes to.
type Stores struct {
	Full    Store
	Pruned  Store
	closers []io.Closer
}

// Open builds the full and pruned stores for cfg. Badger and S3 hold both in
// one database or bucket under the "full/" and "pruned/" prefixes.
func Open(ctx context.Context, cfg Config) (*Stores, error) {
	switch cfg.Backend {
	case BackendFS, "":
		full, err := NewFileStore(cfg.FullDir)
		if err != nil {
			return nil, err
		}
		pruned, err := NewFileStore(cfg.PrunedDir)
		if err != nil {
			return nil, err
		}
		return &Stores{Full: full, Pruned: pruned}, nil

	case BackendBadger:
		bcfg := cfg.Badger
		if bcfg.Logger == nil {
			bcfg.Logger = cfg.Logger
		}
		db, err := OpenBadger(bcfg)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Full:    NewPrefixed(db, "full"),
			Pruned:  NewPrefixed(db, "pruned"),
			closers: []io.Closer{db},
		}, nil

	case BackendS3:
		s3s, err := NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return &Stores{Full: NewPrefixed(s3s, "full"), Pruned: NewPrefixed(s3s, "pruned")}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Close releases backend resources.
func (s *Stores) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
