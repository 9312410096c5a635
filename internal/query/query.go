// Package query is the read path of the panel. It decides whether the cached
// snapshot can be served, must be reloaded from the store or needs the
// initial load first. It never fails; the worst case is an empty dataset.
package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cbmmg/painel-centrais/internal/analytics"
	"github.com/cbmmg/painel-centrais/internal/cache"
	"github.com/cbmmg/painel-centrais/internal/metrics"
	"github.com/cbmmg/painel-centrais/internal/models"
)

type Store interface {
	LoadAll(ctx context.Context) ([]models.CallRecord, error)
	LastSync(ctx context.Context) (models.SyncLogEntry, bool, error)
}

// Loader is the part of the syncer the read path drives.
type Loader interface {
	InitialLoadComplete() bool
	EnsureInitialLoad(ctx context.Context) error
	RunIncremental(ctx context.Context) (*models.SyncStats, error)
}

type Facade struct {
	cache  *cache.Cache
	store  Store
	loader Loader
	logger *slog.Logger

	reloadMu sync.Mutex
}

func New(c *cache.Cache, store Store, loader Loader, logger *slog.Logger) *Facade {
	return &Facade{
		cache:  c,
		store:  store,
		loader: loader,
		logger: logger,
	}
}

// Current returns the dataset to display.
func (f *Facade) Current(ctx context.Context) analytics.Dataset {
	if snap, age, ok := f.cache.GetOrNone(); ok && f.cache.Fresh(age) {
		metrics.RecordLookup(metrics.LookupHit)
		return analytics.Dataset(snap.Records)
	}

	if !f.loader.InitialLoadComplete() {
		metrics.RecordLookup(metrics.LookupColdStart)
		if err := f.loader.EnsureInitialLoad(ctx); err != nil {
			f.logger.Warn("initial load failed, serving stored data", "error", err)
		} else if snap, age, ok := f.cache.GetOrNone(); ok && f.cache.Fresh(age) {
			return analytics.Dataset(snap.Records)
		}
	}

	return f.reload(ctx)
}

// reload refreshes the cache from the store. Concurrent readers share one
// reload; whoever waited re-checks freshness first. The syncer publishes
// outside this lock, so the result is only published if no newer snapshot
// appeared during the read.
func (f *Facade) reload(ctx context.Context) analytics.Dataset {
	f.reloadMu.Lock()
	defer f.reloadMu.Unlock()

	snap, age, ok := f.cache.GetOrNone()
	if ok && f.cache.Fresh(age) {
		metrics.RecordLookup(metrics.LookupHit)
		return analytics.Dataset(snap.Records)
	}
	var gen uint64
	if ok {
		gen = snap.Generation
	}

	records, err := f.store.LoadAll(ctx)
	if err != nil {
		if ok {
			metrics.RecordLookup(metrics.LookupStale)
			f.logger.Warn("store reload failed, serving stale cache", "age", age, "error", err)
			return analytics.Dataset(snap.Records)
		}
		metrics.RecordLookup(metrics.LookupEmpty)
		f.logger.Error("store reload failed and cache is empty", "error", err)
		return analytics.Dataset{}
	}

	// A sync may have published while the store was being read; its
	// snapshot is at least as new as ours.
	snap, replaced := f.cache.ReplaceIfUnchanged(gen, records)
	if !replaced {
		metrics.RecordLookup(metrics.LookupHit)
		f.logger.Debug("newer snapshot published during reload", "records", snap.Len())
		return analytics.Dataset(snap.Records)
	}
	metrics.RecordLookup(metrics.LookupReload)
	metrics.SetStoredRecords(len(records))
	f.logger.Debug("cache reloaded from store", "records", snap.Len())
	return analytics.Dataset(snap.Records)
}

// Status describes what the panel is currently serving.
type Status struct {
	Records             int                  `json:"records"`
	Cached              bool                 `json:"cached"`
	Fresh               bool                 `json:"fresh"`
	LoadedAt            *time.Time           `json:"loaded_at,omitempty"`
	CacheAgeSeconds     float64              `json:"cache_age_seconds"`
	CacheTTLSeconds     float64              `json:"cache_ttl_seconds"`
	InitialLoadComplete bool                 `json:"initial_load_complete"`
	LastSync            *models.SyncLogEntry `json:"last_sync,omitempty"`
}

// Status reports cache state without triggering a reload.
func (f *Facade) Status(ctx context.Context) Status {
	st := Status{
		CacheTTLSeconds:     f.cache.TTL().Seconds(),
		InitialLoadComplete: f.loader.InitialLoadComplete(),
	}
	if snap, age, ok := f.cache.GetOrNone(); ok {
		loaded := snap.LoadedAt
		st.Cached = true
		st.Records = snap.Len()
		st.Fresh = f.cache.Fresh(age)
		st.LoadedAt = &loaded
		st.CacheAgeSeconds = age.Seconds()
	}

	last, ok, err := f.store.LastSync(ctx)
	if err != nil {
		f.logger.Warn("failed to read last sync", "error", err)
	} else if ok {
		st.LastSync = &last
	}
	return st
}

// Refresh runs an incremental sync right away, completing the initial load
// first when needed.
func (f *Facade) Refresh(ctx context.Context) (*models.SyncStats, error) {
	if !f.loader.InitialLoadComplete() {
		if err := f.loader.EnsureInitialLoad(ctx); err != nil {
			return nil, err
		}
	}
	return f.loader.RunIncremental(ctx)
}
