// Package analytics computes the panel indicators over a call dataset.
// Records with an unknown outcome count towards totals only; they never
// appear in answered or not-answered figures.
package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/cbmmg/painel-centrais/internal/models"
)

// Dataset is an immutable view over call records. Callers must not modify
// the backing slice; Filter returns a new one.
type Dataset []models.CallRecord

// Filter selects records by date range and region. Zero values disable a
// criterion. From and To are inclusive and compared against record timestamps.
type Filter struct {
	From    time.Time
	To      time.Time
	Regions []int
}

func (f Filter) match(r models.CallRecord, regions map[int]bool) bool {
	ts := r.Timestamp()
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	if len(regions) > 0 && !regions[r.Region] {
		return false
	}
	return true
}

func (d Dataset) Filter(f Filter) Dataset {
	var regions map[int]bool
	if len(f.Regions) > 0 {
		regions = make(map[int]bool, len(f.Regions))
		for _, code := range f.Regions {
			regions[code] = true
		}
	}

	out := make(Dataset, 0, len(d))
	for _, r := range d {
		if f.match(r, regions) {
			out = append(out, r)
		}
	}
	return out
}

// Summary holds the headline indicators of the panel.
type Summary struct {
	Total         int     `json:"total"`
	Answered      int     `json:"answered"`
	NotAnswered   int     `json:"not_answered"`
	Unknown       int     `json:"unknown"`
	AnswerRate    float64 `json:"answer_rate"`
	AvgTalkTime   float64 `json:"avg_talk_time"`
	TotalTalkTime int     `json:"total_talk_time"`
}

func (s *Summary) add(r models.CallRecord) {
	s.Total++
	switch r.Outcome {
	case models.OutcomeAnswered:
		s.Answered++
		s.TotalTalkTime += r.Duration
	case models.OutcomeNotAnswered:
		s.NotAnswered++
	default:
		s.Unknown++
	}
}

// finish derives the ratios. The answer rate is a percentage of calls with a
// known outcome.
func (s *Summary) finish() {
	if known := s.Answered + s.NotAnswered; known > 0 {
		s.AnswerRate = float64(s.Answered) / float64(known) * 100
	}
	if s.Answered > 0 {
		s.AvgTalkTime = float64(s.TotalTalkTime) / float64(s.Answered)
	}
}

func (d Dataset) Summary() Summary {
	var s Summary
	for _, r := range d {
		s.add(r)
	}
	s.finish()
	return s
}

type RegionSummary struct {
	Code int    `json:"code"`
	Name string `json:"name"`
	Summary
}

// ByRegion groups the dataset per COB, ordered by region name. Codes missing
// from the region table are reported under their placeholder label.
func (d Dataset) ByRegion() []RegionSummary {
	groups := make(map[int]*Summary)
	for _, r := range d {
		s, ok := groups[r.Region]
		if !ok {
			s = &Summary{}
			groups[r.Region] = s
		}
		s.add(r)
	}

	out := make([]RegionSummary, 0, len(groups))
	for code, s := range groups {
		s.finish()
		out = append(out, RegionSummary{Code: code, Name: models.RegionName(code), Summary: *s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type BucketCount struct {
	Bucket      string `json:"bucket"`
	Total       int    `json:"total"`
	Answered    int    `json:"answered"`
	NotAnswered int    `json:"not_answered"`
}

func (b *BucketCount) add(o models.Outcome) {
	b.Total++
	switch o {
	case models.OutcomeAnswered:
		b.Answered++
	case models.OutcomeNotAnswered:
		b.NotAnswered++
	}
}

// ByHourBucket always returns the twelve two-hour bands, empty ones included.
func (d Dataset) ByHourBucket() []BucketCount {
	out := make([]BucketCount, models.HourBucketCount)
	for _, b := range models.AllHourBuckets() {
		out[b].Bucket = b.Label()
	}
	for _, r := range d {
		out[r.HourBucket()].add(r.Outcome)
	}
	return out
}

// ByDay returns one entry per calendar day present in the dataset, oldest first.
func (d Dataset) ByDay() []BucketCount {
	days := make(map[string]*BucketCount)
	for _, r := range d {
		key := r.Date.Format(models.DateLayout)
		b, ok := days[key]
		if !ok {
			b = &BucketCount{Bucket: key}
			days[key] = b
		}
		b.add(r.Outcome)
	}

	out := make([]BucketCount, 0, len(days))
	for _, b := range days {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

type AgentCount struct {
	Agent    string `json:"agent"`
	Region   string `json:"region"`
	Answered int    `json:"answered"`
}

// TopAgents ranks agents by answered calls. Ties are broken by name so the
// ranking is stable between requests. n <= 0 returns every agent.
func (d Dataset) TopAgents(n int) []AgentCount {
	counts := make(map[string]*AgentCount)
	for _, r := range d {
		if r.Outcome != models.OutcomeAnswered || r.Agent == "" {
			continue
		}
		a, ok := counts[r.Agent]
		if !ok {
			a = &AgentCount{Agent: r.Agent, Region: models.RegionName(r.Region)}
			counts[r.Agent] = a
		}
		a.Answered++
	}

	out := make([]AgentCount, 0, len(counts))
	for _, a := range counts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Answered != out[j].Answered {
			return out[i].Answered > out[j].Answered
		}
		return out[i].Agent < out[j].Agent
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// FormatSeconds renders a duration the way the panel shows talk time,
// e.g. "45s", "2min", "1h 2min 3s".
func FormatSeconds(seconds float64) string {
	total := int(seconds)
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	mins, sec := total/60, total%60
	if mins < 60 {
		if sec == 0 {
			return fmt.Sprintf("%dmin", mins)
		}
		return fmt.Sprintf("%dmin %ds", mins, sec)
	}
	hours, mins := mins/60, mins%60
	switch {
	case sec != 0:
		return fmt.Sprintf("%dh %dmin %ds", hours, mins, sec)
	case mins != 0:
		return fmt.Sprintf("%dh %dmin", hours, mins)
	default:
		return fmt.Sprintf("%dh", hours)
	}
}
