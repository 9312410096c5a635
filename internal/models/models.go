package models

import (
	"fmt"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// TimeOfDay is the number of seconds elapsed since midnight.
type TimeOfDay int

func NewTimeOfDay(hour, min, sec int) TimeOfDay {
	return TimeOfDay(hour*3600 + min*60 + sec)
}

func (t TimeOfDay) Hour() int {
	return int(t) / 3600
}

func (t TimeOfDay) String() string {
	s := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// ParseTimeOfDay accepts "15:04:05" and "15:04".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{TimeLayout, "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

type Outcome int

const (
	OutcomeUnknown     Outcome = -1
	OutcomeNotAnswered Outcome = 0
	OutcomeAnswered    Outcome = 1
)

func (o Outcome) Label() string {
	switch o {
	case OutcomeAnswered:
		return "Atendido"
	case OutcomeNotAnswered:
		return "Não Atendido"
	default:
		return "Desconhecido"
	}
}

// Known reports whether the outcome takes part in answered/not-answered aggregates.
func (o Outcome) Known() bool {
	return o == OutcomeAnswered || o == OutcomeNotAnswered
}

// CallRecord is one attended or abandoned call. Date holds a UTC midnight and
// Date+Time is the wall-clock moment reported by the call center.
type CallRecord struct {
	Date     time.Time `json:"date"`
	Time     TimeOfDay `json:"time"`
	Duration int       `json:"duration"`
	Queue    string    `json:"queue"`
	HoldTime int       `json:"hold_time"`
	Agent    string    `json:"agent"`
	Outcome  Outcome   `json:"outcome"`
	Region   int       `json:"region"`
}

func (r CallRecord) Timestamp() time.Time {
	return r.Date.Add(time.Duration(r.Time) * time.Second)
}

func (r CallRecord) HourBucket() HourBucket {
	return BucketForHour(r.Time.Hour())
}

func (r CallRecord) StatusLabel() string {
	return r.Outcome.Label()
}

func (r CallRecord) RegionName() string {
	return RegionName(r.Region)
}

// Key returns the natural key used for deduplication.
func (r CallRecord) Key() NaturalKey {
	return NaturalKey{
		Date:     r.Date.Format(DateLayout),
		Time:     r.Time.String(),
		Duration: r.Duration,
		Queue:    r.Queue,
		HoldTime: r.HoldTime,
		Agent:    r.Agent,
		Outcome:  r.Outcome,
		Region:   r.Region,
	}
}

type NaturalKey struct {
	Date     string
	Time     string
	Duration int
	Queue    string
	HoldTime int
	Agent    string
	Outcome  Outcome
	Region   int
}

type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncFailure SyncStatus = "failure"
)

// SyncLogEntry is the audit row written for every ingestion attempt.
type SyncLogEntry struct {
	ID             int64      `json:"id"`
	RunID          string     `json:"run_id"`
	SyncType       SyncType   `json:"sync_type"`
	SourceKind     string     `json:"source_kind"`
	Source         string     `json:"source"`
	RecordsFetched int        `json:"records_fetched"`
	RecordsAdded   int        `json:"records_added"`
	Status         SyncStatus `json:"status"`
	Details        string     `json:"details"`
	Timestamp      time.Time  `json:"timestamp"`
}

type SyncStats struct {
	RunID          string
	SyncType       SyncType
	RecordsFetched int
	RecordsDropped int
	Warnings       int
	RecordsAdded   int
	CacheRefreshed bool
	Duration       time.Duration
}
