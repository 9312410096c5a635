// Package source fetches raw call-record batches from the upstream systems:
// the remote call-center database, the HTTP CSV export and local export
// files.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/normalize"
)

// Scope bounds a fetch. A full scope ignores Since.
type Scope struct {
	Full  bool
	Since time.Time
}

func FullScope() Scope {
	return Scope{Full: true}
}

func (s Scope) String() string {
	if s.Full || s.Since.IsZero() {
		return "full"
	}
	return "since " + s.Since.Format("2006-01-02")
}

type Source interface {
	// Kind is the configured source type (mysql, http-csv, file).
	Kind() string
	// Ident names the concrete upstream without credentials.
	Ident() string
	Variant() normalize.Variant
	Fetch(ctx context.Context, scope Scope) (*normalize.Batch, error)
	// Check verifies the upstream is reachable.
	Check(ctx context.Context) error
}

// FetchError reports an upstream that could not deliver a batch.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %s failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func fetchErr(source string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Source: source, Err: err}
}

// New builds the source selected by cfg. Nothing is dialed until the first
// Fetch or Check.
func New(cfg *config.Config, logger *slog.Logger) (Source, error) {
	var (
		src Source
		err error
	)
	switch cfg.Source.Kind {
	case config.SourceMySQL:
		src = NewMySQL(cfg, logger)
	case config.SourceHTTPCSV:
		src, err = NewHTTPCSV(cfg.Source, logger)
	case config.SourceFile:
		src = NewFile(cfg.Source.File)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Source.FallbackFile != "" && cfg.Source.Kind != config.SourceFile {
		src = WithFallback(src, NewFile(cfg.Source.FallbackFile), logger)
	}
	return src, nil
}

// Close releases connections held by src, if any.
func Close(src Source) error {
	if c, ok := src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
