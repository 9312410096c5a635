package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"

	"github.com/cbmmg/painel-centrais/internal/normalize"
)

// readCSV parses an export with a header row. The delimiter is ',' unless
// the header only contains ';'.
func readCSV(r io.Reader) (*normalize.Batch, error) {
	br := bufio.NewReader(r)
	// Skip a UTF-8 BOM written by spreadsheet tools
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		br.Discard(3)
	}

	head, _ := br.Peek(4096)
	header, _, _ := bytes.Cut(head, []byte("\n"))

	cr := csv.NewReader(br)
	if bytes.IndexByte(header, ';') >= 0 && bytes.IndexByte(header, ',') < 0 {
		cr.Comma = ';'
	}
	cr.FieldsPerRecord = -1

	cols, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &normalize.Batch{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	batch := &normalize.Batch{Columns: cols}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		row := make([]any, len(cols))
		for i := range row {
			if i < len(rec) {
				row[i] = rec[i]
			}
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// readJSON parses an array of flat objects, as written by the dashboard's
// dados.json exports. Columns are the union of keys in order of appearance.
func readJSON(r io.Reader) (*normalize.Batch, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var objects []map[string]any
	if err := dec.Decode(&objects); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}

	batch := &normalize.Batch{}
	index := map[string]int{}
	for _, obj := range objects {
		for _, key := range sortedKeys(obj) {
			if _, ok := index[key]; !ok {
				index[key] = len(batch.Columns)
				batch.Columns = append(batch.Columns, key)
			}
		}
	}
	for _, obj := range objects {
		row := make([]any, len(batch.Columns))
		for key, v := range obj {
			row[index[key]] = v
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
