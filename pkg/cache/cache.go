// Package cache memoizes kernel operations by content hash.
//
// Every entry is keyed by kernel.OpHash of the operation kind and its
// arguments, so structurally identical sub-expressions share one entry no
// matter how the script built them. Entries carry a used mark that is
// reset by BeginPass; EndPass evicts whatever the pass did not touch.
package cache

import (
	"errors"
	"fmt"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/chazu/cadscript/pkg/kernel"
)

// ErrNilShape is returned when a compute function reports success without
// producing a shape.
var ErrNilShape = errors.New("compute returned no shape")

type entry struct {
	kind  string
	shape kernel.Shape
	used  bool
}

// Stats describes the cache after the most recent pass. Hits, Misses and
// Computes count only the current (or last finished) pass.
type Stats struct {
	Entries  int            `json:"entries"`
	Hits     int            `json:"hits"`
	Misses   int            `json:"misses"`
	Evicted  int            `json:"evicted"`
	Computes map[string]int `json:"computes"`
}

// Cache is a content-addressed memo table. It is not safe for concurrent
// use; the execution host owns it from a single goroutine.
type Cache struct {
	entries map[kernel.Hash]*entry
	stats   Stats
	log     *logrus.Entry

	// OnCompute, when set, is called with the operation kind before every
	// cache miss is computed.
	OnCompute func(kind string)
}

// New creates an empty cache. A nil logger disables logging.
func New(log *logrus.Entry) *Cache {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Cache{
		entries: make(map[kernel.Hash]*entry),
		stats:   Stats{Computes: map[string]int{}},
		log:     log.WithField("component", "cache"),
	}
}

// Key returns the cache key for an operation.
func Key(kind string, args ...any) (kernel.Hash, error) {
	return kernel.OpHash(kind, args...)
}

// GetOrCompute returns the cached shape for (kind, args) and marks it used.
// On a miss it calls compute and stores the result. If compute fails
// nothing is stored and the error is returned unchanged.
func (c *Cache) GetOrCompute(kind string, args []any, compute func() (kernel.Shape, error)) (kernel.Shape, error) {
	key, err := Key(kind, args...)
	if err != nil {
		return nil, fmt.Errorf("cache key: %w", err)
	}
	if e, ok := c.entries[key]; ok {
		e.used = true
		c.stats.Hits++
		return e.shape, nil
	}

	c.stats.Misses++
	c.stats.Computes[kind]++
	if c.OnCompute != nil {
		c.OnCompute(kind)
	}
	s, err := compute()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%s: %w", kind, ErrNilShape)
	}
	c.entries[key] = &entry{kind: kind, shape: s, used: true}
	c.log.WithFields(logrus.Fields{"kind": kind, "key": key}).Debug("computed")
	return s, nil
}

// BeginPass clears the used marks and the per-pass counters.
func (c *Cache) BeginPass() {
	for _, e := range c.entries {
		e.used = false
	}
	c.stats = Stats{Computes: map[string]int{}}
}

// EndPass evicts every entry that was not used since BeginPass and returns
// the number of evicted entries.
func (c *Cache) EndPass() int {
	stale := lo.PickBy(c.entries, func(_ kernel.Hash, e *entry) bool { return !e.used })
	for key, e := range stale {
		delete(c.entries, key)
		c.log.WithFields(logrus.Fields{"kind": e.kind, "key": key}).Debug("evicted")
	}
	c.stats.Evicted = len(stale)
	return len(stale)
}

// AbortPass ends a pass without evicting. Results computed before a fault
// stay available to the next attempt.
func (c *Cache) AbortPass() {
	for _, e := range c.entries {
		e.used = false
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Entries = len(c.entries)
	s.Computes = lo.Assign(c.stats.Computes)
	return s
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Contains reports whether key is cached.
func (c *Cache) Contains(key kernel.Hash) bool {
	_, ok := c.entries[key]
	return ok
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.entries = make(map[kernel.Hash]*entry)
	c.stats = Stats{Computes: map[string]int{}}
}
