package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/cbmmg/painel-centrais/internal/cache"
	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/database"
	"github.com/cbmmg/painel-centrais/internal/models"
	"github.com/cbmmg/painel-centrais/internal/normalize"
	"github.com/cbmmg/painel-centrais/internal/query"
	"github.com/cbmmg/painel-centrais/internal/source"
)

type stubLoader struct {
	runs atomic.Int32
}

func (l *stubLoader) InitialLoadComplete() bool { return true }
func (l *stubLoader) EnsureInitialLoad(context.Context) error { return nil }

func (l *stubLoader) RunIncremental(context.Context) (*models.SyncStats, error) {
	l.runs.Add(1)
	return &models.SyncStats{RunID: "manual", SyncType: models.SyncIncremental, RecordsAdded: 2}, nil
}

func day(d int) time.Time {
	return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC)
}

var seed = []models.CallRecord{
	{Date: day(1), Time: models.NewTimeOfDay(8, 15, 0), Duration: 60, Queue: "193", Agent: "ana", Outcome: models.OutcomeAnswered, Region: 21},
	{Date: day(1), Time: models.NewTimeOfDay(9, 0, 0), Duration: 0, Queue: "193", Agent: "bia", Outcome: models.OutcomeNotAnswered, Region: 22},
	{Date: day(2), Time: models.NewTimeOfDay(14, 30, 0), Duration: 120, Queue: "193", Agent: "ana", Outcome: models.OutcomeAnswered, Region: 21},
	{Date: day(3), Time: models.NewTimeOfDay(23, 59, 0), Duration: 10, Queue: "193", Agent: "caio", Outcome: models.OutcomeUnknown, Region: 99},
}

func newTestServer(t *testing.T) (*Server, *stubLoader) {
	t.Helper()
	store, err := database.InitSQLite(filepath.Join(t.TempDir(), "centrais.db"), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := database.InitSchema(store); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertBatch(context.Background(), seed, models.SyncLogEntry{RunID: "seed", SyncType: models.SyncFull}); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	loader := &stubLoader{}
	facade := query.New(cache.New(cache.DefaultTTL), store, loader, logger)

	cfg := config.Default().HTTP
	cfg.RefreshInterval = config.NewDuration(time.Hour)
	cfg.ShutdownTimeout = config.NewDuration(time.Second)
	return NewServer(facade, store, cfg, logger), loader
}

func get(t *testing.T, h http.Handler, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", target, err, rec.Body.String())
		}
	}
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/", "/health"} {
		var body map[string]string
		rec := get(t, s, path, &body)
		if rec.Code != http.StatusOK || body["status"] != "alive" {
			t.Errorf("%s: %d %v", path, rec.Code, body)
		}
	}
}

func TestCalls(t *testing.T) {
	s, _ := newTestServer(t)

	var body struct {
		Total   int        `json:"total"`
		Count   int        `json:"count"`
		Records []callView `json:"records"`
	}
	rec := get(t, s, "/api/calls?limit=2", &body)
	if rec.Code != http.StatusOK || body.Total != 4 || body.Count != 2 {
		t.Fatalf("unexpected response %d %+v", rec.Code, body)
	}
	if first := body.Records[0]; first.Date != "2024-03-03" || first.RegionName != "COB 99" || first.Status != "Desconhecido" || first.HourBucket != "22-24h" {
		t.Errorf("records should be newest first with derived fields: %+v", first)
	}

	get(t, s, "/api/fato_chamadas?cob=21&from=2024-03-02&to=2024-03-02", &body)
	if body.Total != 1 || body.Records[0].Agent != "ana" || body.Records[0].Time != "14:30:00" {
		t.Errorf("filtered calls unexpected: %+v", body)
	}

	for _, bad := range []string{"/api/calls?limit=0", "/api/calls?limit=x", "/api/calls?from=01/03/2024", "/api/calls?cob=abc", "/api/calls?from=2024-03-02&to=2024-03-01"} {
		if rec := get(t, s, bad, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", bad, rec.Code)
		}
	}
}

func TestSummary(t *testing.T) {
	s, _ := newTestServer(t)

	var body summaryResponse
	rec := get(t, s, "/api/summary?from=2024-03-01&to=2024-03-03", &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if body.Total != 4 || body.Answered != 2 || body.NotAnswered != 1 || body.Unknown != 1 {
		t.Fatalf("unexpected summary %+v", body.Summary)
	}
	if body.AvgTalkTimeText != "1min 30s" || body.TotalTalkTimeText != "3min" {
		t.Errorf("unexpected talk time text %q %q", body.AvgTalkTimeText, body.TotalTalkTimeText)
	}
	if len(body.ByRegion) != 3 || len(body.ByHourBucket) != models.HourBucketCount || len(body.ByDay) != 3 {
		t.Errorf("unexpected breakdowns: %d regions, %d buckets, %d days", len(body.ByRegion), len(body.ByHourBucket), len(body.ByDay))
	}
	if len(body.TopAgents) != 1 || body.TopAgents[0].Agent != "ana" {
		t.Errorf("unexpected top agents %+v", body.TopAgents)
	}
}

func TestStatusSyncLogAndStats(t *testing.T) {
	s, _ := newTestServer(t)

	var status query.Status
	get(t, s, "/api/status", &status)
	if status.LastSync == nil || status.LastSync.RunID != "seed" {
		t.Errorf("unexpected status %+v", status)
	}

	var entries []models.SyncLogEntry
	get(t, s, "/api/sync-log?limit=5", &entries)
	if len(entries) != 1 || entries[0].RecordsAdded != 4 {
		t.Errorf("unexpected sync log %+v", entries)
	}

	var stats map[string]any
	get(t, s, "/api/stats", &stats)
	if stats["total_records"] != float64(4) {
		t.Errorf("unexpected stats %v", stats)
	}

	var regions []regionView
	get(t, s, "/api/regions", &regions)
	if last := regions[len(regions)-1]; last.Code != 99 || last.Name != "COB 99" {
		t.Errorf("regions should end with the unlisted code: %+v", regions)
	}
}

func TestRefreshIsRateLimited(t *testing.T) {
	s, loader := newTestServer(t)

	post := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/refresh", nil))
		return rec
	}
	if rec := post(); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"records_added":2`) {
		t.Fatalf("first refresh: %d %s", rec.Code, rec.Body.String())
	}
	rec := post()
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "3600" {
		t.Fatalf("second refresh: %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if loader.runs.Load() != 1 {
		t.Fatalf("sync ran %d times, want 1", loader.runs.Load())
	}
}

func TestCORSAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/summary", nil)
	req.Header.Set("Origin", "http://painel.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight missing allow-origin: %v", rec.Header())
	}

	get(t, s, "/api/calls", nil)
	rec = get(t, s, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `painel_api_requests_total{code="200",route="/api/calls"}`) {
		t.Errorf("metrics missing api request counter")
	}
}

func TestExportFeedsHTTPCSVSource(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	cfg := config.Default().Source
	cfg.URL = srv.URL + "/api/export-csv"
	src, err := source.NewHTTPCSV(cfg, s.logger)
	if err != nil {
		t.Fatal(err)
	}

	batch, err := src.Fetch(context.Background(), source.Scope{Since: day(2)})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	res, err := normalize.New(src.Variant(), s.logger).Normalize(src.Ident(), batch)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected the 2 records since 2024-03-02, got %d", len(res.Records))
	}
	for _, r := range res.Records {
		if r.Date.Before(day(2)) {
			t.Errorf("record before since date: %+v", r)
		}
		if r.Region == 99 && r.Outcome != models.OutcomeUnknown {
			t.Errorf("unknown outcome did not survive export: %+v", r)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestWriteTimeoutCoversColdStartFetch(t *testing.T) {
	s, _ := newTestServer(t)
	fetch := config.Default().Sync.FetchTimeout.Duration
	if got := s.httpServer(context.Background()).WriteTimeout; got <= fetch {
		t.Fatalf("default write timeout %s does not cover the %s fetch", got, fetch)
	}

	cfg := config.Default()
	cfg.Sync.FetchTimeout = config.NewDuration(5 * time.Minute)
	s.config.WriteTimeout = config.NewDuration(cfg.ServerWriteTimeout())
	if got := s.httpServer(context.Background()).WriteTimeout; got != 5*time.Minute+30*time.Second {
		t.Fatalf("write timeout = %s, want fetch timeout plus margin", got)
	}
}
