// Package breakdown answers tree queries. It validates a query against the
// shape registry and the graph, obtains the pruned period tree from the
// cache controller (computing it on first use), and assembles the JSON
// response with its label and baseline side tables.
package breakdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/agentic-research/citefold/api"
	"github.com/agentic-research/citefold/internal/cache"
	"github.com/agentic-research/citefold/internal/codec"
	"github.com/agentic-research/citefold/internal/graph"
	"github.com/agentic-research/citefold/internal/partition"
	"github.com/agentic-research/citefold/internal/prune"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/store"
	"github.com/agentic-research/citefold/internal/stream"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound wraps unknown roots and unregistered breakdowns.
	ErrNotFound     = errors.New("breakdown: not found")
	ErrInvalidQuery = errors.New("breakdown: invalid query")
)

var queryValidate = validator.New()

// Config tunes the compute pipeline.
type Config struct {
	Partition partition.Config
	// Workers bounds concurrent computations during Warm.
	Workers int
	// Compress zstd-compresses persisted trees.
	Compress bool
	// ErrorTTL is how long a failed key keeps returning its error.
	ErrorTTL time.Duration
	// ByLinks and BySpecificity override the pruning limits when positive.
	ByLinks       int
	BySpecificity int
}

// DefaultConfig returns the default partitioning and pruning settings.
func DefaultConfig() Config {
	return Config{
		Partition:     partition.DefaultConfig(),
		Workers:       4,
		ErrorTTL:      time.Minute,
		ByLinks:       prune.DefaultByLinks,
		BySpecificity: prune.DefaultBySpecificity,
	}
}

// Deps are the collaborators of a Service. Labels and Baselines may be nil.
type Deps struct {
	Registry  *shape.Registry
	Graph     graph.Getters
	Labels    graph.Labels
	Baselines graph.Baselines
	Full      store.Store
	Pruned    store.Store
	Logger    *slog.Logger
}

// Service is the query entry point.
type Service struct {
	registry  *shape.Registry
	graph     graph.Getters
	labels    graph.Labels
	baselines graph.Baselines
	producer  *stream.Producer
	cache     *cache.Controller
	cfg       Config
	logger    *slog.Logger
}

func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Registry == nil || deps.Graph == nil {
		return nil, fmt.Errorf("new breakdown service: registry and graph are required")
	}
	if deps.Full == nil || deps.Pruned == nil {
		return nil, fmt.Errorf("new breakdown service: full and pruned stores are required")
	}
	if cfg.Partition.Periods.Len() == 0 {
		cfg.Partition.Periods = partition.DefaultPeriods()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ByLinks <= 0 {
		cfg.ByLinks = prune.DefaultByLinks
	}
	if cfg.BySpecificity <= 0 {
		cfg.BySpecificity = prune.DefaultBySpecificity
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		registry:  deps.Registry,
		graph:     deps.Graph,
		labels:    deps.Labels,
		baselines: deps.Baselines,
		producer:  stream.NewProducer(deps.Graph, stream.WithLogger(logger)),
		cfg:       cfg,
		logger:    logger,
	}
	s.cache = cache.NewController(deps.Full, deps.Pruned, s.compute, cache.Options{
		Periods:  cfg.Partition.Periods.Len(),
		Compress: cfg.Compress,
		ErrorTTL: cfg.ErrorTTL,
		Logger:   logger,
	})
	return s, nil
}

// Periods returns the configured period breakpoints.
func (s *Service) Periods() partition.Periods { return s.cfg.Partition.Periods }

// Stats returns the cache controller's counters.
func (s *Service) Stats() cache.Stats { return s.cache.Stats() }

// Tree answers one query.
func (s *Service) Tree(ctx context.Context, q api.Query) (*api.Response, error) {
	sh, key, err := s.resolve(q)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Partition.Periods.Valid(q.Period) {
		return nil, fmt.Errorf("%w: period %d not in [0, %d)", ErrInvalidQuery, q.Period, s.cfg.Partition.Periods.Len())
	}
	if _, err := s.graph.WorksOf(sh.Entity, q.Root); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s %d: %w", ErrNotFound, sh.Entity, q.Root, err)
		}
		return nil, fmt.Errorf("look up %s %d: %w", sh.Entity, q.Root, err)
	}

	n, err := s.cache.GetTree(ctx, cache.Request{Key: key, Period: q.Period, ForceSpill: q.ForceSpill})
	if err != nil {
		return nil, err
	}

	tree := codec.Project(n, sh.Depth())
	resp := &api.Response{
		Entity:      sh.Entity.String(),
		Breakdown:   sh.ID,
		Root:        q.Root,
		Period:      q.Period,
		PeriodStart: s.cfg.Partition.Periods.Start(q.Period),
		Levels:      levels(sh),
		Tree:        tree,
	}
	resp.Labels, resp.Baselines = s.sideTables(sh, tree)

	if q.Select != "" {
		sel, err := codec.Select(tree, q.Select)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
		}
		resp.Selection = sel
	}
	return resp, nil
}

// resolve validates q and maps it to its shape and cache key.
func (s *Service) resolve(q api.Query) (*shape.Shape, cache.Key, error) {
	if err := queryValidate.Struct(q); err != nil {
		return nil, cache.Key{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	entity, err := shape.ParseEntityType(q.Entity)
	if err != nil {
		return nil, cache.Key{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	sh, err := s.registry.Lookup(entity, q.Breakdown)
	if err != nil {
		return nil, cache.Key{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if len(q.Filter) > sh.Depth() {
		return nil, cache.Key{}, fmt.Errorf("%w: filter has %d values, breakdown %s has %d levels",
			ErrInvalidQuery, len(q.Filter), sh.ID, sh.Depth())
	}
	key := cache.Key{
		Entity:    sh.Entity.String(),
		Breakdown: sh.ID,
		Root:      q.Root,
		Filter:    stream.Filter{Prefix: q.Filter}.String(),
	}
	return sh, key, nil
}

func levels(sh *shape.Shape) []api.Level {
	out := make([]api.Level, len(sh.Levels))
	for i, l := range sh.Levels {
		out[i] = api.Level{
			Dimension:  l.Dim.String(),
			Combine:    l.Combine.String(),
			NormIndex:  l.NormIndex,
			SourceSide: l.SourceSide,
		}
	}
	return out
}

// sideTables resolves labels and baselines for every dimension value in the
// tree. Values without a label or baseline are omitted.
func (s *Service) sideTables(sh *shape.Shape, tree *api.Tree) (map[string]map[string]string, map[string]map[string]float64) {
	labels := make(map[string]map[string]string)
	baselines := make(map[string]map[string]float64)
	for level, ids := range codec.ChildIDs(tree, sh.Depth()) {
		dim, basis := sh.Levels[level].Dim, sh.Levels[level].Basis()
		name := dim.String()
		for id := range ids {
			key := strconv.FormatUint(uint64(id), 10)
			if s.labels != nil {
				if label, ok := s.labels.Label(dim, id); ok {
					if labels[name] == nil {
						labels[name] = make(map[string]string)
					}
					labels[name][key] = label
				}
			}
			if s.baselines != nil {
				if share, ok := s.baselines.Baseline(sh.Entity, dim, basis, id); ok {
					if baselines[name] == nil {
						baselines[name] = make(map[string]float64)
					}
					baselines[name][key] = share
				}
			}
		}
	}
	return labels, baselines
}
