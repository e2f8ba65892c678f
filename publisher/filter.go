package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// StoreFilter selects which log stores a sink tails. An empty pattern
// list matches every store.
type StoreFilter struct {
	globs []glob.Glob
}

// NewStoreFilter compiles the given glob patterns.
func NewStoreFilter(patterns []string) (*StoreFilter, error) {
	f := &StoreFilter{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid store glob %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

// Matches reports whether the store name passes the filter.
func (f *StoreFilter) Matches(name string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}
