// Package normalize turns raw source batches into typed call records.
//
// Ingestion is tolerant of dirty upstream data: a cell that fails coercion is
// replaced by a default and reported as a Warning instead of failing the
// batch. Only a missing required column (SchemaError) rejects a batch.
package normalize

import (
	"fmt"
	"log/slog"

	"github.com/cbmmg/painel-centrais/internal/models"
)

// Warning records one coercion decision.
type Warning struct {
	Row     int
	Field   Field
	Value   any
	Default string
}

func (w Warning) String() string {
	return fmt.Sprintf("row %d: %s=%v replaced by %s", w.Row, w.Field, w.Value, w.Default)
}

type Result struct {
	Records  []models.CallRecord
	Dropped  int
	Warnings []Warning
}

type Normalizer struct {
	variant Variant
	logger  *slog.Logger
}

func New(variant Variant, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{variant: variant, logger: logger}
}

func (n *Normalizer) Variant() Variant {
	return n.variant
}

// Normalize types every row of batch. source names the batch origin in errors
// and logs.
func (n *Normalizer) Normalize(source string, batch *Batch) (*Result, error) {
	if batch == nil {
		return &Result{}, nil
	}

	variant := n.variant
	if batch.Variant != nil {
		variant = *batch.Variant
	}

	idx := columnIndex(batch.Columns)
	if missing := variant.missing(idx); len(missing) > 0 {
		return nil, &SchemaError{Source: source, Missing: missing}
	}

	res := &Result{Records: make([]models.CallRecord, 0, len(batch.Rows))}
	for i, row := range batch.Rows {
		rec, ok := normalizeRow(variant, i, row, idx, res)
		if !ok {
			res.Dropped++
			continue
		}
		res.Records = append(res.Records, rec)
	}

	if len(res.Warnings) > 0 {
		n.logger.Warn("normalized batch with coercions",
			"source", source,
			"variant", variant.Name,
			"rows", len(batch.Rows),
			"warnings", len(res.Warnings),
			"first", res.Warnings[0].String(),
		)
	}
	for _, w := range res.Warnings {
		n.logger.Debug("coerced value", "source", source, "row", w.Row, "field", string(w.Field), "value", fmt.Sprint(w.Value), "default", w.Default)
	}
	n.logger.Debug("normalized batch",
		"source", source,
		"rows", len(batch.Rows),
		"records", len(res.Records),
		"dropped", res.Dropped,
	)
	return res, nil
}

func normalizeRow(variant Variant, i int, row []any, idx map[Field]int, res *Result) (models.CallRecord, bool) {
	cell := func(f Field) (any, bool) {
		c, ok := idx[f]
		if !ok || c >= len(row) {
			return nil, false
		}
		return row[c], true
	}
	warn := func(f Field, v any, def string) {
		res.Warnings = append(res.Warnings, Warning{Row: i, Field: f, Value: v, Default: def})
	}

	var rec models.CallRecord

	dateVal, _ := cell(FieldDate)
	timeVal, _ := cell(FieldTime)
	dtVal, _ := cell(FieldDateTime)
	_, hasDate := text(dateVal)
	_, hasTime := text(timeVal)
	_, hasDT := text(dtVal)
	if !hasDate && !hasTime && !hasDT {
		return rec, false
	}

	var dateOK, timeOK bool
	if hasDT {
		rec.Date, rec.Time, dateOK = parseDateTime(dtVal)
		timeOK = dateOK
	}
	if !dateOK && hasDate {
		rec.Date, dateOK = parseDate(dateVal)
	}
	if !dateOK {
		warn(FieldDate, firstNonNil(dateVal, dtVal), "row dropped")
		return rec, false
	}
	if hasTime {
		var tod models.TimeOfDay
		if tod, timeOK = parseClock(timeVal); timeOK {
			rec.Time = tod
		}
	}
	if !timeOK {
		rec.Time = 0
		warn(FieldTime, timeVal, "00:00:00")
	}

	rec.Duration = count(FieldDuration, cell, warn)
	rec.HoldTime = count(FieldHoldTime, cell, warn)

	if v, ok := cell(FieldQueue); ok {
		rec.Queue, _ = text(v)
	}
	if v, ok := cell(FieldAgent); ok {
		rec.Agent, _ = text(v)
	}

	outcomeVal, _ := cell(FieldOutcome)
	var mapped bool
	if rec.Outcome, mapped = parseOutcome(outcomeVal); !mapped {
		warn(FieldOutcome, outcomeVal, "-1")
	}

	rec.Region = variant.DefaultRegion
	if v, ok := cell(FieldRegion); ok {
		if code, ok := number(v); ok {
			rec.Region = code
		} else {
			warn(FieldRegion, v, fmt.Sprint(variant.DefaultRegion))
		}
	}

	return rec, true
}

// count coerces a non-negative seconds field. Absent columns are silently 0;
// present but unusable cells are 0 with a warning.
func count(f Field, cell func(Field) (any, bool), warn func(Field, any, string)) int {
	v, present := cell(f)
	if !present {
		return 0
	}
	if _, ok := text(v); !ok {
		return 0
	}
	num, ok := number(v)
	if !ok || num < 0 {
		warn(f, v, "0")
		return 0
	}
	return num
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
