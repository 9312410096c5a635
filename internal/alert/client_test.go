package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/cbmmg/painel-centrais/internal/config"
	"github.com/cbmmg/painel-centrais/internal/models"
)

func testClient(url string, attempts int) *Client {
	c := NewClient(config.AlertConfig{
		WebhookURL:    url,
		Timeout:       config.NewDuration(time.Second),
		RetryAttempts: attempts,
	})
	c.backoff = time.Millisecond
	return c
}

var failedEntry = models.SyncLogEntry{
	RunID:      "run-1",
	SyncType:   models.SyncIncremental,
	SourceKind: "mysql",
	Source:     "10.0.0.5:3306/central.meso_detalhe",
	Status:     models.SyncFailure,
	Details:    "dial tcp: i/o timeout",
}

func TestSyncFailedPostsWebhook(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testClient(srv.URL, 3).SyncFailed(context.Background(), failedEntry); err != nil {
		t.Fatalf("SyncFailed failed: %v", err)
	}
	text, _ := body["text"].(string)
	if !strings.Contains(text, "incremental") || !strings.Contains(text, "meso_detalhe") {
		t.Errorf("unexpected text %q", text)
	}
	if !strings.Contains(func() string { b, _ := json.Marshal(body["attachments"]); return string(b) }(), "i/o timeout") {
		t.Errorf("error details missing from attachments: %v", body["attachments"])
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := testClient(srv.URL, 3).SyncRecovered(context.Background(), failedEntry, 2); err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("webhook called %d times, want 3", calls.Load())
	}
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := testClient(srv.URL, 3).SyncFailed(context.Background(), failedEntry)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx should not be retried, got %d calls", calls.Load())
	}
}

func TestNewWithoutWebhookIsNop(t *testing.T) {
	n := New(config.AlertConfig{})
	if _, ok := n.(Nop); !ok {
		t.Fatalf("expected Nop notifier, got %T", n)
	}
	if err := n.SyncFailed(context.Background(), failedEntry); err != nil {
		t.Fatalf("Nop returned %v", err)
	}
}

func TestSendTest(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&msg)
		text = msg.Text
	}))
	defer srv.Close()

	if err := testClient(srv.URL, 1).SendTest(context.Background()); err != nil {
		t.Fatalf("SendTest failed: %v", err)
	}
	if !strings.Contains(text, "teste") {
		t.Errorf("unexpected test message %q", text)
	}
}
