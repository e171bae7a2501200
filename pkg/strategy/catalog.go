// Package strategy validates submitted strategy names against the
// strategy files present in the strategies directory.
package strategy

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultPatterns matches freqtrade strategy files.
var DefaultPatterns = []string{"**/*.py"}

// Catalog holds the set of known strategy names, derived from file base
// names under the strategies directory. Refresh rescans; lookups are
// cheap and concurrent.
type Catalog struct {
	dir      string
	patterns []string
	log      *zap.Logger

	mu    sync.RWMutex
	names map[string]struct{}
}

// New validates the patterns and performs the initial scan.
func New(dir string, patterns []string, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid strategy pattern %q", p)
		}
	}
	c := &Catalog{dir: dir, patterns: patterns, log: log, names: map[string]struct{}{}}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh rescans the strategies directory. A missing directory yields an
// empty catalog rather than an error; strategies may be mounted later.
func (c *Catalog) Refresh() error {
	found := make(map[string]struct{})

	root := os.DirFS(c.dir)
	err := fs.WalkDir(root, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			// Skip dot directories the same way freqtrade ignores them.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		for _, p := range c.patterns {
			ok, merr := doublestar.Match(p, path)
			if merr != nil {
				return merr
			}
			if ok {
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				found[name] = struct{}{}
				break
			}
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Warn("strategies directory missing", zap.String("dir", c.dir))
			err = nil
		} else {
			return fmt.Errorf("scan strategies: %w", err)
		}
	}

	c.mu.Lock()
	c.names = found
	c.mu.Unlock()

	c.log.Info("strategy catalog refreshed",
		zap.String("dir", c.dir),
		zap.Int("strategies", len(found)))
	return nil
}

// Has reports whether a strategy name is known.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.names[name]
	return ok
}

// Names returns the known strategy names sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.names))
	for n := range c.names {
		out = append(out, n)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
