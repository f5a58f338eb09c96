// Package config loads citefold's settings. Values come from defaults, then
// an optional YAML file, then CITEFOLD_* environment variables (a .env file
// in the working directory is loaded first), and are validated before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentic-research/citefold/internal/breakdown"
	"github.com/agentic-research/citefold/internal/partition"
	"github.com/agentic-research/citefold/internal/prune"
	"github.com/agentic-research/citefold/internal/shape"
	"github.com/agentic-research/citefold/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CITEFOLD_"

var configValidate = validator.New()

type Config struct {
	Graph      GraphConfig     `yaml:"graph"`
	Cache      CacheConfig     `yaml:"cache"`
	Partition  PartitionConfig `yaml:"partition"`
	Compute    ComputeConfig   `yaml:"compute"`
	Log        LogConfig       `yaml:"log"`
	Breakdowns []ShapeConfig   `yaml:"breakdowns" validate:"dive"`
}

type GraphConfig struct {
	// Path is the SQLite graph database.
	Path string `yaml:"path" validate:"required"`
}

type CacheConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=fs badger s3"`
	FullDir   string        `yaml:"full_dir" validate:"required_if=Backend fs"`
	PrunedDir string        `yaml:"pruned_dir" validate:"required_if=Backend fs"`
	BadgerDir string        `yaml:"badger_dir" validate:"required_if=Backend badger"`
	S3        S3Config      `yaml:"s3"`
	Compress  bool          `yaml:"compress"`
	ErrorTTL  time.Duration `yaml:"error_ttl" validate:"gte=0"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint" validate:"omitempty,url"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type PartitionConfig struct {
	// Breakpoints are ascending period start years; the first must be 0.
	Breakpoints    []uint16 `yaml:"breakpoints" validate:"omitempty,min=1,max=16"`
	SpillThreshold int      `yaml:"spill_threshold" validate:"gte=0"`
	SpillDir       string   `yaml:"spill_dir"`
	Workers        int      `yaml:"workers" validate:"gte=1,lte=256"`
}

type ComputeConfig struct {
	// Workers bounds concurrent tree computations during cache warming.
	Workers       int `yaml:"workers" validate:"gte=1,lte=256"`
	ByLinks       int `yaml:"prune_by_links" validate:"gte=1"`
	BySpecificity int `yaml:"prune_by_specificity" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// ShapeConfig declares an extra breakdown shape.
type ShapeConfig struct {
	ID     string        `yaml:"id" validate:"required"`
	Entity string        `yaml:"entity" validate:"required"`
	Levels []LevelConfig `yaml:"levels" validate:"required,min=1,max=4,dive"`
}

type LevelConfig struct {
	Dimension  string `yaml:"dimension" validate:"required"`
	Combine    string `yaml:"combine" validate:"oneof=disjunctive intersecting"`
	NormIndex  int    `yaml:"norm_index" validate:"gte=0"`
	SourceSide bool   `yaml:"source_side"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Graph: GraphConfig{Path: "citefold.db"},
		Cache: CacheConfig{
			Backend:   string(store.BackendFS),
			FullDir:   "trees/full",
			PrunedDir: "trees/pruned",
			BadgerDir: "trees/badger",
			Compress:  true,
			ErrorTTL:  time.Minute,
		},
		Partition: PartitionConfig{
			Breakpoints:    append([]uint16(nil), partition.DefaultBreakpoints...),
			SpillThreshold: partition.DefaultSpillThreshold,
			Workers:        4,
		},
		Compute: ComputeConfig{
			Workers:       4,
			ByLinks:       prune.DefaultByLinks,
			BySpecificity: prune.DefaultBySpecificity,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load merges defaults, the YAML file at path (skipped when path is empty)
// and the environment, then validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type binding struct {
	name string
	set  func(string) error
}

func (c *Config) bindings() []binding {
	return []binding{
		{"GRAPH_PATH", setString(&c.Graph.Path)},
		{"CACHE_BACKEND", setString(&c.Cache.Backend)},
		{"CACHE_FULL_DIR", setString(&c.Cache.FullDir)},
		{"CACHE_PRUNED_DIR", setString(&c.Cache.PrunedDir)},
		{"CACHE_BADGER_DIR", setString(&c.Cache.BadgerDir)},
		{"CACHE_COMPRESS", setBool(&c.Cache.Compress)},
		{"CACHE_ERROR_TTL", setDuration(&c.Cache.ErrorTTL)},
		{"S3_BUCKET", setString(&c.Cache.S3.Bucket)},
		{"S3_PREFIX", setString(&c.Cache.S3.Prefix)},
		{"S3_REGION", setString(&c.Cache.S3.Region)},
		{"S3_ENDPOINT", setString(&c.Cache.S3.Endpoint)},
		{"S3_ACCESS_KEY", setString(&c.Cache.S3.AccessKey)},
		{"S3_SECRET_KEY", setString(&c.Cache.S3.SecretKey)},
		{"BREAKPOINTS", setBreakpoints(&c.Partition.Breakpoints)},
		{"SPILL_THRESHOLD", setInt(&c.Partition.SpillThreshold)},
		{"SPILL_DIR", setString(&c.Partition.SpillDir)},
		{"FOLD_WORKERS", setInt(&c.Partition.Workers)},
		{"COMPUTE_WORKERS", setInt(&c.Compute.Workers)},
		{"LOG_LEVEL", setString(&c.Log.Level)},
		{"LOG_FORMAT", setString(&c.Log.Format)},
	}
}

// ApplyEnv overrides fields from CITEFOLD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range c.bindings() {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("parse %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

func setString(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func setInt(p *int) func(string) error {
	return func(v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = i
		return nil
	}
}

func setBool(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func setDuration(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
		return nil
	}
}

func setBreakpoints(p *[]uint16) func(string) error {
	return func(v string) error {
		var out []uint16
		for _, part := range strings.Split(v, ",") {
			y, err := strconv.ParseUint(strings.TrimSpace(part), 10, 16)
			if err != nil {
				return err
			}
			out = append(out, uint16(y))
		}
		*p = out
		return nil
	}
}

// Validate checks field constraints, the period breakpoints and the extra
// breakdown shapes.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cache.Backend == string(store.BackendS3) && c.Cache.S3.Bucket == "" {
		return fmt.Errorf("invalid config: cache.s3.bucket is required for the s3 backend")
	}
	if _, err := c.Periods(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Periods builds the configured period breakpoints.
func (c *Config) Periods() (partition.Periods, error) {
	if len(c.Partition.Breakpoints) == 0 {
		return partition.DefaultPeriods(), nil
	}
	return partition.NewPeriods(c.Partition.Breakpoints)
}

// Shapes converts the extra breakdown declarations.
func (c *Config) Shapes() ([]shape.Shape, error) {
	out := make([]shape.Shape, 0, len(c.Breakdowns))
	for _, sc := range c.Breakdowns {
		entity, err := shape.ParseEntityType(sc.Entity)
		if err != nil {
			return nil, fmt.Errorf("breakdown %s: %w", sc.ID, err)
		}
		sh := shape.Shape{ID: sc.ID, Entity: entity}
		for i, lc := range sc.Levels {
			dim, err := shape.ParseDimensionKind(lc.Dimension)
			if err != nil {
				return nil, fmt.Errorf("breakdown %s level %d: %w", sc.ID, i, err)
			}
			combine := shape.Disjunctive
			if lc.Combine == "intersecting" {
				combine = shape.Intersecting
			}
			sh.Levels = append(sh.Levels, shape.Level{
				Dim:        dim,
				Combine:    combine,
				NormIndex:  lc.NormIndex,
				SourceSide: lc.SourceSide,
			})
		}
		out = append(out, sh)
	}
	return out, nil
}

// Registry returns the built-in shapes plus the configured ones.
func (c *Config) Registry() (*shape.Registry, error) {
	extra, err := c.Shapes()
	if err != nil {
		return nil, err
	}
	return shape.DefaultRegistry().With(extra...)
}

// LogLevel parses Log.Level; unknown levels fall back to info.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Store returns the tree store settings.
func (c *Config) Store(logger *slog.Logger) store.Config {
	return store.Config{
		Backend:   store.Backend(c.Cache.Backend),
		FullDir:   c.Cache.FullDir,
		PrunedDir: c.Cache.PrunedDir,
		Badger:    store.DefaultBadgerConfig(c.Cache.BadgerDir),
		S3: store.S3Config{
			Bucket:    c.Cache.S3.Bucket,
			Prefix:    c.Cache.S3.Prefix,
			Region:    c.Cache.S3.Region,
			Endpoint:  c.Cache.S3.Endpoint,
			AccessKey: c.Cache.S3.AccessKey,
			SecretKey: c.Cache.S3.SecretKey,
		},
		Logger: logger,
	}
}

// Breakdown returns the compute pipeline settings. Call after Validate.
func (c *Config) Breakdown() breakdown.Config {
	periods, err := c.Periods()
	if err != nil {
		periods = partition.DefaultPeriods()
	}
	return breakdown.Config{
		Partition: partition.Config{
			Periods:        periods,
			SpillThreshold: c.Partition.SpillThreshold,
			SpillDir:       c.Partition.SpillDir,
			Workers:        c.Partition.Workers,
		},
		Workers:       c.Compute.Workers,
		Compress:      c.Cache.Compress,
		ErrorTTL:      c.Cache.ErrorTTL,
		ByLinks:       c.Compute.ByLinks,
		BySpecificity: c.Compute.BySpecificity,
	}
}
