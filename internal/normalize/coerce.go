package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/cbmmg/painel-centrais/internal/models"
)

var dateLayouts = []string{
	models.DateLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02/01/2006",
}

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
}

var outcomeWords = map[string]models.Outcome{
	"atendida":   models.OutcomeAnswered,
	"atendido":   models.OutcomeAnswered,
	"1":          models.OutcomeAnswered,
	"abandonado": models.OutcomeNotAnswered,
	"abandonada": models.OutcomeNotAnswered,
	"0":          models.OutcomeNotAnswered,
}

// text renders a cell as trimmed text. The second result is false for nil
// and empty cells.
func text(v any) (string, bool) {
	var s string
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		s = x
	case []byte:
		s = string(x)
	case json.Number:
		s = x.String()
	case int64:
		s = strconv.FormatInt(x, 10)
	case int:
		s = strconv.Itoa(x)
	case float64:
		if math.IsNaN(x) {
			return "", false
		}
		if x == math.Trunc(x) {
			s = strconv.FormatInt(int64(x), 10)
		} else {
			s = strconv.FormatFloat(x, 'f', -1, 64)
		}
	case bool:
		s = strconv.FormatBool(x)
	case time.Time:
		s = x.Format("2006-01-02 15:04:05")
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return "", false
	}
	return s, true
}

// number parses a cell as a number, truncating fractions.
func number(v any) (int, bool) {
	switch x := v.(type) {
	case int64:
		return int(x), true
	case int:
		return x, true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int(x), true
	}
	s, ok := text(v)
	if !ok {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

func parseDate(v any) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return dateOf(t), true
	}
	s, ok := text(v)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOf(t), true
		}
	}
	return time.Time{}, false
}

func parseClock(v any) (models.TimeOfDay, bool) {
	if t, ok := v.(time.Time); ok {
		return models.NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), true
	}
	s, ok := text(v)
	if !ok {
		return 0, false
	}
	// Drop fractional seconds ("08:00:00.000").
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	tod, err := models.ParseTimeOfDay(s)
	if err != nil {
		return 0, false
	}
	return tod, true
}

func parseDateTime(v any) (time.Time, models.TimeOfDay, bool) {
	if t, ok := v.(time.Time); ok {
		return dateOf(t), models.NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), true
	}
	s, ok := text(v)
	if !ok {
		return time.Time{}, 0, false
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return dateOf(t), models.NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), true
		}
	}
	if d, ok := parseDate(s); ok {
		return d, 0, true
	}
	return time.Time{}, 0, false
}

func parseOutcome(v any) (models.Outcome, bool) {
	s, ok := text(v)
	if !ok {
		return models.OutcomeUnknown, false
	}
	if o, ok := outcomeWords[strings.ToLower(s)]; ok {
		return o, true
	}
	if n, ok := number(s); ok {
		switch n {
		case 1:
			return models.OutcomeAnswered, true
		case 0:
			return models.OutcomeNotAnswered, true
		}
	}
	return models.OutcomeUnknown, false
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
