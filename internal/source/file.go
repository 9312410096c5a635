package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/normalize"
)

// File reads a local CSV or JSON export. It always returns the whole file;
// deduplication in the store makes repeated reads harmless.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Kind() string {
	return config.SourceFile
}

func (f *File) Ident() string {
	return f.path
}

func (f *File) Variant() normalize.Variant {
	return normalize.ExportVariant()
}

func (f *File) Fetch(ctx context.Context, _ Scope) (*normalize.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, fetchErr(f.path, err)
	}

	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fetchErr(f.path, err)
	}
	defer fh.Close()

	var batch *normalize.Batch
	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".json":
		batch, err = readJSON(fh)
	case ".csv", ".txt":
		batch, err = readCSV(fh)
	default:
		err = fmt.Errorf("unsupported file type %q", filepath.Ext(f.path))
	}
	if err != nil {
		return nil, fetchErr(f.path, err)
	}
	return batch, nil
}

func (f *File) Check(_ context.Context) error {
	if _, err := os.Stat(f.path); err != nil {
		return fetchErr(f.path, err)
	}
	return nil
}

// fallback reads a secondary source when the primary one fails.
type fallback struct {
	primary   Source
	secondary Source
	logger    *slog.Logger
}

// WithFallback returns a Source that serves secondary's data whenever
// primary fails to fetch. Fallback batches carry secondary's variant.
func WithFallback(primary, secondary Source, logger *slog.Logger) Source {
	return &fallback{primary: primary, secondary: secondary, logger: logger}
}

func (s *fallback) Kind() string { return s.primary.Kind() }

func (s *fallback) Ident() string { return s.primary.Ident() }

func (s *fallback) Check(ctx context.Context) error { return s.primary.Check(ctx) }

func (s *fallback) Variant() normalize.Variant { return s.primary.Variant() }

func (s *fallback) Fetch(ctx context.Context, scope Scope) (*normalize.Batch, error) {
	batch, err := s.primary.Fetch(ctx, scope)
	if err == nil {
		return batch, nil
	}
	s.logger.Warn("primary source failed, reading fallback", "source", s.primary.Ident(), "fallback", s.secondary.Ident(), "error", err)

	fb, ferr := s.secondary.Fetch(ctx, scope)
	if ferr != nil {
		return nil, fmt.Errorf("%w (fallback: %v)", err, ferr)
	}
	v := s.secondary.Variant()
	fb.Variant = &v
	return fb, nil
}

func (s *fallback) Close() error {
	return Close(s.primary)
}
