package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/metrics"
	"github.com/cbmmg/painel-centrais/internal/normalize"
)

// HTTPCSV downloads the CSV export served by the reporting API. Repeated
// failures open a circuit breaker so a dead endpoint is not hammered on every
// scheduled run.
type HTTPCSV struct {
	url     *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*normalize.Batch]
	logger  *slog.Logger
}

func NewHTTPCSV(cfg config.SourceConfig, logger *slog.Logger) (*HTTPCSV, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid source url %q: scheme must be http or https", cfg.URL)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 3
	}

	h := &HTTPCSV{
		url:    u,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	metrics.SetBreakerState(config.SourceHTTPCSV, int(gobreaker.StateClosed))

	h.breaker = gobreaker.NewCircuitBreaker[*normalize.Batch](gobreaker.Settings{
		Name:        "http-csv",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(config.SourceHTTPCSV, int(to))
			h.logger.Warn("upstream circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return h, nil
}

func (h *HTTPCSV) Kind() string {
	return config.SourceHTTPCSV
}

func (h *HTTPCSV) Ident() string {
	u := *h.url
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func (h *HTTPCSV) Variant() normalize.Variant {
	return normalize.ExportVariant()
}

func (h *HTTPCSV) Fetch(ctx context.Context, scope Scope) (*normalize.Batch, error) {
	batch, err := h.breaker.Execute(func() (*normalize.Batch, error) {
		return h.download(ctx, scope)
	})
	if err != nil {
		return nil, fetchErr(h.Ident(), err)
	}
	return batch, nil
}

func (h *HTTPCSV) download(ctx context.Context, scope Scope) (*normalize.Batch, error) {
	u := *h.url
	if !scope.Full && !scope.Since.IsZero() {
		q := u.Query()
		q.Set("since", scope.Since.Format("2006-01-02"))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	return readCSV(resp.Body)
}

// Check performs the same download the scheduler would, bypassing the breaker.
func (h *HTTPCSV) Check(ctx context.Context) error {
	_, err := h.download(ctx, Scope{Since: time.Now()})
	return fetchErr(h.Ident(), err)
}

func (h *HTTPCSV) BreakerState() string {
	return h.breaker.State().String()
}
