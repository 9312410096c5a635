package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/cbmmg/painel-centrais/internal/analytics"
	"github.com/cbmmg/painel-centrais/internal/models"
)

const (
	defaultCallsLimit   = 1000
	defaultSyncLogLimit = 50
	defaultTopAgents    = 10
)

// callView is the wire shape of a call, keyed like the call-center export.
type callView struct {
	Date       string `json:"data"`
	Time       string `json:"hora"`
	Duration   int    `json:"duracao"`
	Queue      string `json:"fila"`
	HoldTime   int    `json:"holdtime"`
	Agent      string `json:"teleatendente"`
	Outcome    int    `json:"estado"`
	Region     int    `json:"cob"`
	RegionName string `json:"cob_nome"`
	Status     string `json:"status"`
	HourBucket string `json:"faixa_horaria"`
}

func newCallView(r models.CallRecord) callView {
	return callView{
		Date:       r.Date.Format(models.DateLayout),
		Time:       r.Time.String(),
		Duration:   r.Duration,
		Queue:      r.Queue,
		HoldTime:   r.HoldTime,
		Agent:      r.Agent,
		Outcome:    int(r.Outcome),
		Region:     r.Region,
		RegionName: r.RegionName(),
		Status:     r.StatusLabel(),
		HourBucket: r.HourBucket().Label(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// positiveInt reads an optional positive integer query parameter.
func positiveInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

// parseFilter reads from, to (YYYY-MM-DD, both inclusive) and cob (comma
// separated region codes).
func parseFilter(r *http.Request) (analytics.Filter, error) {
	var f analytics.Filter
	q := r.URL.Query()

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			return f, fmt.Errorf("invalid from date %q", raw)
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			return f, fmt.Errorf("invalid to date %q", raw)
		}
		f.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, fmt.Errorf("to date is before from date")
	}

	for _, part := range strings.Split(q.Get("cob"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil {
			return f, fmt.Errorf("invalid cob %q", part)
		}
		f.Regions = append(f.Regions, code)
	}
	return f, nil
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit, err := positiveInt(r, "limit", defaultCallsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data := s.facade.Current(r.Context()).Filter(filter)
	total := len(data)
	if len(data) > limit {
		data = data[:limit]
	}

	views := make([]callView, len(data))
	for i, rec := range data {
		views[i] = newCallView(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"count":   len(views),
		"records": views,
	})
}

// handleExportCSV serves the whole dataset in the export layout, so another
// instance can sync from this one with the http-csv source.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since date %q", raw))
			return
		}
		filter.From = since
	}

	data := s.facade.Current(r.Context()).Filter(filter)

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="chamadas.csv"`)
	cw := csv.NewWriter(w)
	cw.Write([]string{"data", "hora", "duracao", "fila", "holdtime", "teleatendente", "estado", "cob"})
	for _, rec := range data {
		cw.Write([]string{
			rec.Date.Format(models.DateLayout),
			rec.Time.String(),
			strconv.Itoa(rec.Duration),
			rec.Queue,
			strconv.Itoa(rec.HoldTime),
			rec.Agent,
			strconv.Itoa(int(rec.Outcome)),
			strconv.Itoa(rec.Region),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("csv export interrupted", "error", err)
	}
}

type summaryResponse struct {
	analytics.Summary
	AvgTalkTimeText   string                    `json:"avg_talk_time_text"`
	TotalTalkTimeText string                    `json:"total_talk_time_text"`
	ByRegion          []analytics.RegionSummary `json:"by_region"`
	ByHourBucket      []analytics.BucketCount   `json:"by_hour_bucket"`
	ByDay             []analytics.BucketCount   `json:"by_day"`
	TopAgents         []analytics.AgentCount    `json:"top_agents"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	top, err := positiveInt(r, "top", defaultTopAgents)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data := s.facade.Current(r.Context()).Filter(filter)
	sum := data.Summary()
	writeJSON(w, http.StatusOK, summaryResponse{
		Summary:           sum,
		AvgTalkTimeText:   analytics.FormatSeconds(sum.AvgTalkTime),
		TotalTalkTimeText: analytics.FormatSeconds(float64(sum.TotalTalkTime)),
		ByRegion:          data.ByRegion(),
		ByHourBucket:      data.ByHourBucket(),
		ByDay:             data.ByDay(),
		TopAgents:         data.TopAgents(top),
	})
}

type regionView struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

// handleRegions lists the regions present in the data plus every known one.
func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	seen := make(map[int]bool)
	var out []regionView
	for _, code := range models.KnownRegions() {
		seen[code] = true
		out = append(out, regionView{Code: code, Name: models.RegionName(code)})
	}
	for _, rec := range s.facade.Current(r.Context()) {
		if !seen[rec.Region] {
			seen[rec.Region] = true
			out = append(out, regionView{Code: rec.Region, Name: rec.RegionName()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.Status(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read store stats", "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	limit, err := positiveInt(r, "limit", defaultSyncLogLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.store.SyncHistory(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read sync log", "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if entries == nil {
		entries = []models.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.config.RefreshInterval.Seconds())))
		writeError(w, http.StatusTooManyRequests, "refresh already requested recently")
		return
	}

	stats, err := s.facade.Refresh(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":          stats.RunID,
		"sync_type":       stats.SyncType,
		"records_fetched": stats.RecordsFetched,
		"records_added":   stats.RecordsAdded,
		"cache_refreshed": stats.CacheRefreshed,
		"duration":        stats.Duration.String(),
	})
}
