// Package syncer keeps the local store and the freshness cache in step with
// the upstream call-center source.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cbmmg/painel-centrais/internal/alert"
	"github.com/cbmmg/painel-centrais/internal/cache"
	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/database"
	"github.com/cbmmg/painel-centrais/internal/logging"
	"github.com/cbmmg/painel-centrais/internal/metrics"
	"github.com/cbmmg/painel-centrais/internal/models"
	"github.com/cbmmg/painel-centrais/internal/normalize"
	"github.com/cbmmg/painel-centrais/internal/source"
)

type Syncer struct {
	source     source.Source
	store      *database.DB
	cache      *cache.Cache
	normalizer *normalize.Normalizer
	alerter    alert.Notifier
	logger     *slog.Logger
	config     config.SyncConfig
	now        func() time.Time

	initMu      sync.Mutex
	initialized atomic.Bool

	// runMu serializes ingestion so scheduled and manual runs never overlap.
	runMu sync.Mutex

	failMu   sync.Mutex
	failures int
}

func New(src source.Source, store *database.DB, c *cache.Cache, alerter alert.Notifier, logger *slog.Logger, cfg config.SyncConfig) *Syncer {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	return &Syncer{
		source:     src,
		store:      store,
		cache:      c,
		normalizer: normalize.New(src.Variant(), logger),
		alerter:    alerter,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

func (s *Syncer) InitialLoadComplete() bool {
	return s.initialized.Load()
}

// EnsureInitialLoad performs the one-time full pull. Concurrent callers wait
// for the first one; the pull is skipped when the store already holds data
// or a full load succeeded in an earlier process.
func (s *Syncer) EnsureInitialLoad(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.initialized.Load() {
		return nil
	}

	done, err := s.store.HasSuccessfulFullLoad(ctx)
	if err != nil {
		return err
	}
	if !done {
		n, err := s.store.Count(ctx)
		if err != nil {
			return err
		}
		done = n > 0
	}
	if done {
		s.logger.Debug("initial load already present in store")
		s.initialized.Store(true)
		return nil
	}

	s.logger.Info("starting initial full load", "source", s.source.Ident())
	stats, err := s.RunFull(ctx)
	if err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	logging.LogSyncStats(s.logger, stats)
	s.initialized.Store(true)
	return nil
}

// RunFull pulls everything the source has and always reloads the cache.
func (s *Syncer) RunFull(ctx context.Context) (*models.SyncStats, error) {
	return s.run(ctx, models.SyncFull, source.FullScope())
}

// RunIncremental pulls the configured window ending now. The cache is only
// reloaded when the run stored new records.
func (s *Syncer) RunIncremental(ctx context.Context) (*models.SyncStats, error) {
	return s.run(ctx, models.SyncIncremental, s.incrementalScope())
}

func (s *Syncer) incrementalScope() source.Scope {
	now := s.now()
	switch s.config.IncrementalScope {
	case "all":
		return source.FullScope()
	case "month":
		return source.Scope{Since: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())}
	default:
		return source.Scope{Since: time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())}
	}
}

func (s *Syncer) run(ctx context.Context, syncType models.SyncType, scope source.Scope) (*models.SyncStats, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	stats := &models.SyncStats{
		RunID:    uuid.NewString(),
		SyncType: syncType,
	}
	entry := models.SyncLogEntry{
		RunID:      stats.RunID,
		SyncType:   syncType,
		SourceKind: s.source.Kind(),
		Source:     s.source.Ident(),
		Timestamp:  s.now(),
	}

	err := s.ingest(ctx, scope, stats, &entry)
	stats.Duration = time.Since(start)
	metrics.RecordSync(string(syncType), err == nil, stats.RecordsAdded, stats.RecordsDropped, stats.Duration)

	if err != nil {
		s.recordFailure(ctx, entry, err)
		return stats, err
	}
	s.recordSuccess(ctx, entry)
	return stats, nil
}

func (s *Syncer) ingest(ctx context.Context, scope source.Scope, stats *models.SyncStats, entry *models.SyncLogEntry) error {
	fetchCtx := ctx
	if t := s.config.FetchTimeout.Duration; t > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	batch, err := s.source.Fetch(fetchCtx, scope)
	if err != nil {
		return err
	}
	stats.RecordsFetched = batch.Len()
	entry.RecordsFetched = batch.Len()

	res, err := s.normalizer.Normalize(s.source.Ident(), batch)
	if err != nil {
		return err
	}
	stats.RecordsDropped = res.Dropped
	stats.Warnings = len(res.Warnings)
	entry.Details = fmt.Sprintf("scope=%s dropped=%d coerced=%d", scope, res.Dropped, len(res.Warnings))

	added, err := s.store.UpsertBatch(ctx, res.Records, *entry)
	if err != nil {
		return err
	}
	stats.RecordsAdded = added
	entry.RecordsAdded = added
	entry.Status = models.SyncSuccess

	if added == 0 && stats.SyncType != models.SyncFull {
		return nil
	}
	// The sync itself is already committed; a failed reload only leaves the
	// cache to the query path.
	if err := s.Reload(ctx); err != nil {
		s.logger.Warn("cache reload after sync failed", "run_id", stats.RunID, "error", err)
		return nil
	}
	stats.CacheRefreshed = true
	return nil
}

// Reload replaces the cache content with the whole store. It runs after
// the upsert committed, so it always publishes.
func (s *Syncer) Reload(ctx context.Context) error {
	records, err := s.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.cache.Replace(records)
	metrics.SetStoredRecords(len(records))
	return nil
}

func (s *Syncer) recordFailure(ctx context.Context, entry models.SyncLogEntry, err error) {
	// Audit rows and alerts still go out when the run was cancelled.
	ctx = context.WithoutCancel(ctx)

	entry.Status = models.SyncFailure
	entry.Details = err.Error()
	if lerr := s.store.AppendSyncLog(ctx, entry); lerr != nil {
		s.logger.Warn("failed to record sync failure", "run_id", entry.RunID, "error", lerr)
	}
	s.logger.Error("sync failed",
		"run_id", entry.RunID,
		"sync_type", string(entry.SyncType),
		"source", entry.Source,
		"error", err,
	)

	s.failMu.Lock()
	s.failures++
	first := s.failures == 1
	s.failMu.Unlock()

	if first {
		if aerr := s.alerter.SyncFailed(ctx, entry); aerr != nil {
			s.logger.Warn("failed to send sync alert", "error", aerr)
		}
	}
}

func (s *Syncer) recordSuccess(ctx context.Context, entry models.SyncLogEntry) {
	s.failMu.Lock()
	failures := s.failures
	s.failures = 0
	s.failMu.Unlock()

	if failures == 0 {
		return
	}
	s.logger.Info("sync recovered", "run_id", entry.RunID, "failed_runs", failures)
	if err := s.alerter.SyncRecovered(context.WithoutCancel(ctx), entry, failures); err != nil {
		s.logger.Warn("failed to send recovery alert", "error", err)
	}
}

// ConsecutiveFailures is the number of failed runs since the last success.
func (s *Syncer) ConsecutiveFailures() int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failures
}
