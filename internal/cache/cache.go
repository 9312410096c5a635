// Package cache holds the in-memory snapshot of call records served to
// readers. A snapshot is immutable once published; Replace swaps in a new
// one atomically with respect to every reader.
package cache

import (
	"sync"
	"time"

	"github.com/cbmmg/painel-centrais/internal/models"
)

const DefaultTTL = 300 * time.Second

// Clock returns the current time. Tests inject a fake one.
type Clock func() time.Time

// Snapshot is a published, read-only set of records. Generation increases
// by one with every publish.
type Snapshot struct {
	Records    []models.CallRecord
	LoadedAt   time.Time
	Generation uint64
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

type Cache struct {
	ttl   time.Duration
	clock Clock
	mu    sync.Locker

	current *Snapshot
	gen     uint64
}

type Option func(*Cache)

func WithClock(clock Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLocker replaces the default mutex, for example with a no-op locker
// in single-threaded tools.
func WithLocker(l sync.Locker) Option {
	return func(c *Cache) { c.mu = l }
}

func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:   ttl,
		clock: time.Now,
		mu:    &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// GetOrNone returns the current snapshot and its age. ok is false when
// nothing was ever published.
func (c *Cache) GetOrNone() (snap *Snapshot, age time.Duration, ok bool) {
	c.mu.Lock()
	snap = c.current
	c.mu.Unlock()

	if snap == nil {
		return nil, 0, false
	}
	return snap, c.clock().Sub(snap.LoadedAt), true
}

// IsFresh reports whether a snapshot of the given age is still servable.
// The boundary itself counts as stale.
func IsFresh(age, ttl time.Duration) bool {
	return age < ttl
}

func (c *Cache) Fresh(age time.Duration) bool {
	return IsFresh(age, c.ttl)
}

// Replace publishes a copy of records as the new snapshot. Callers may reuse
// the slice afterwards.
func (c *Cache) Replace(records []models.CallRecord) *Snapshot {
	snap := c.snapshot(records)

	c.mu.Lock()
	c.gen++
	snap.Generation = c.gen
	c.current = snap
	c.mu.Unlock()

	return snap
}

// ReplaceIfUnchanged publishes records only if nothing was published since
// the snapshot of generation gen was read (0 when the cache was empty). When
// a newer snapshot exists it is returned instead, with replaced false, so a
// slow reader never overwrites data published while it was loading.
func (c *Cache) ReplaceIfUnchanged(gen uint64, records []models.CallRecord) (snap *Snapshot, replaced bool) {
	snap = c.snapshot(records)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return c.current, false
	}
	c.gen++
	snap.Generation = c.gen
	c.current = snap
	return snap, true
}

func (c *Cache) snapshot(records []models.CallRecord) *Snapshot {
	return &Snapshot{
		Records:  append([]models.CallRecord(nil), records...),
		LoadedAt: c.clock(),
	}
}
