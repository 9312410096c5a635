package normalize

import (
	"fmt"
	"strings"
)

// Batch is a raw tabular result as returned by a source, before any typing.
// Cell values may be string, []byte, int64, float64, json.Number, time.Time,
// bool or nil.
type Batch struct {
	Columns []string
	Rows    [][]any

	// Variant overrides the normalizer's variant for this batch, for
	// sources that may hand over data in another layout.
	Variant *Variant
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

type Field string

const (
	FieldDate     Field = "date"
	FieldTime     Field = "time"
	FieldDateTime Field = "datetime"
	FieldDuration Field = "duration"
	FieldQueue    Field = "queue"
	FieldHoldTime Field = "hold_time"
	FieldAgent    Field = "agent"
	FieldOutcome  Field = "outcome"
	FieldRegion   Field = "region"
)

var fieldAliases = map[string]Field{
	"data":          FieldDate,
	"date":          FieldDate,
	"hora":          FieldTime,
	"time":          FieldTime,
	"datahora":      FieldDateTime,
	"datetime":      FieldDateTime,
	"timestamp":     FieldDateTime,
	"duracao":       FieldDuration,
	"duration":      FieldDuration,
	"fila":          FieldQueue,
	"queue":         FieldQueue,
	"holdtime":      FieldHoldTime,
	"hold_time":     FieldHoldTime,
	"teleatendente": FieldAgent,
	"agent":         FieldAgent,
	"estado":        FieldOutcome,
	"outcome":       FieldOutcome,
	"status":        FieldOutcome,
	"cob":           FieldRegion,
	"region":        FieldRegion,
}

// columnIndex resolves source column names to canonical fields. The first
// column mapping to a field wins.
func columnIndex(columns []string) map[Field]int {
	idx := make(map[Field]int, len(columns))
	for i, col := range columns {
		f, ok := fieldAliases[strings.ToLower(strings.TrimSpace(col))]
		if !ok {
			continue
		}
		if _, seen := idx[f]; !seen {
			idx[f] = i
		}
	}
	return idx
}

// SchemaError reports a batch that lacks a column the store needs. The whole
// ingestion attempt is rejected.
type SchemaError struct {
	Source  string
	Missing []Field
}

func (e *SchemaError) Error() string {
	names := make([]string, len(e.Missing))
	for i, f := range e.Missing {
		names[i] = string(f)
	}
	return fmt.Sprintf("schema error: %s batch is missing columns: %s", e.Source, strings.Join(names, ", "))
}

// Variant describes the field set a given source delivers.
type Variant struct {
	Name          string
	Required      []Field
	DefaultRegion int
}

// RemoteVariant matches the remote meso_detalhe projection: a combined
// datahora column, hold time present, no region.
func RemoteVariant(region int) Variant {
	return Variant{
		Name:          "remote",
		Required:      []Field{FieldDate, FieldDuration, FieldQueue, FieldHoldTime, FieldAgent, FieldOutcome},
		DefaultRegion: region,
	}
}

// ExportVariant matches the CSV/JSON exports: separate date and time, region
// present, hold time optional.
func ExportVariant() Variant {
	return Variant{
		Name:     "export",
		Required: []Field{FieldDate, FieldTime, FieldDuration, FieldQueue, FieldAgent, FieldOutcome, FieldRegion},
	}
}

// missing lists required fields without a column. A datetime column
// satisfies both date and time.
func (v Variant) missing(idx map[Field]int) []Field {
	_, hasDateTime := idx[FieldDateTime]
	var out []Field
	for _, f := range v.Required {
		if _, ok := idx[f]; ok {
			continue
		}
		if hasDateTime && (f == FieldDate || f == FieldTime) {
			continue
		}
		out = append(out, f)
	}
	return out
}
