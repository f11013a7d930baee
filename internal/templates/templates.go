// Package templates resolves curated manufacturer field mappings. Mappings live
// in YAML files or in Postgres, optionally behind a Redis read-through cache.
package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoreg/api/schemas"
	"github.com/xkilldash9x/autoreg/internal/config"
)

// Source resolves a manufacturer's template. A nil mapping with a nil error
// means there is none.
type Source interface {
	Lookup(ctx context.Context, manufacturer string) (*schemas.FieldMapping, error)
}

// New builds the source selected by cfg. db backs the postgres source and rdb
// the cache; either may be nil when cfg does not need it. A nil Source is
// returned when templates are disabled.
func New(cfg config.TemplatesConfig, db Source, rdb *redis.Client, logger *zap.Logger) (Source, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	var src Source
	switch cfg.Source {
	case config.TemplateSourceNone, "":
		return nil, nil
	case config.TemplateSourceFile:
		c, err := LoadDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded field templates.", zap.String("dir", cfg.Dir), zap.Int("count", c.Len()))
		src = c
	case config.TemplateSourcePostgres:
		if db == nil {
			return nil, errors.New("postgres template source requires a database")
		}
		src = db
	default:
		return nil, fmt.Errorf("unknown template source %q", cfg.Source)
	}

	if cfg.Cache {
		if rdb == nil {
			return nil, errors.New("template cache requires a redis client")
		}
		src = NewCache(src, rdb, cfg.CacheTTL, logger)
	}
	return src, nil
}

// Catalog is an immutable in-memory set of templates keyed by manufacturer.
type Catalog struct {
	byKey map[string]*schemas.FieldMapping
}

var _ Source = (*Catalog)(nil)

// NewCatalog indexes mappings. Two templates for the same manufacturer are an error.
func NewCatalog(mappings ...*schemas.FieldMapping) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]*schemas.FieldMapping, len(mappings))}
	for _, m := range mappings {
		key := schemas.ManufacturerKey(m.Manufacturer)
		if _, dup := c.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate template for manufacturer %q", m.Manufacturer)
		}
		c.byKey[key] = m
	}
	return c, nil
}

// LoadFiles parses and validates each file.
func LoadFiles(paths ...string) (*Catalog, error) {
	var (
		all  []*schemas.FieldMapping
		errs []error
	)
	for _, p := range paths {
		ms, err := loadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, ms...)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return NewCatalog(all...)
}

// LoadDir loads every .yaml and .yml file directly under dir. A missing
// directory yields an empty catalog.
func LoadDir(dir string) (*Catalog, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand template dir %q: %w", dir, err)
	}
	entries, err := os.ReadDir(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return NewCatalog()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read template dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		paths = append(paths, filepath.Join(expanded, e.Name()))
	}
	sort.Strings(paths)
	return LoadFiles(paths...)
}

func loadFile(path string) ([]*schemas.FieldMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open template file: %w", err)
	}
	defer f.Close()
	return Parse(f, filepath.Base(path))
}

func (c *Catalog) Lookup(_ context.Context, manufacturer string) (*schemas.FieldMapping, error) {
	return c.byKey[schemas.ManufacturerKey(manufacturer)], nil
}

func (c *Catalog) Len() int { return len(c.byKey) }

// Mappings returns every template ordered by manufacturer key.
func (c *Catalog) Mappings() []*schemas.FieldMapping {
	keys := make([]string, 0, len(c.byKey))
	for k := range c.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*schemas.FieldMapping, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.byKey[k])
	}
	return out
}
