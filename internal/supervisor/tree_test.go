package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/cbmmg/painel-centrais/internal/syncer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// blockingService runs until cancelled and counts its starts.
type blockingService struct {
	name   string
	starts atomic.Int32
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingService) String() string { return s.name }

type fakeScheduler struct {
	err   error
	calls atomic.Int32
}

func (f *fakeScheduler) Start(ctx context.Context) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeScheduler) String() string { return "fake-scheduler" }

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{})
	if tree.config != DefaultTreeConfig() {
		t.Fatalf("expected defaults, got %+v", tree.config)
	}

	tree = NewTree(quietLogger(), TreeConfig{FailureBackoff: time.Second})
	if tree.config.FailureBackoff != time.Second || tree.config.FailureThreshold != 5 {
		t.Fatalf("explicit values should be kept: %+v", tree.config)
	}
}

func TestTreeRunsServicesUntilCancelled(t *testing.T) {
	tree := NewTree(quietLogger(), TreeConfig{
		FailureBackoff:  50 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})
	scheduler := &fakeScheduler{}
	api := &blockingService{name: "api"}
	tree.AddSyncService(NewSchedulerService(scheduler))
	tree.AddAPIService(api)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- tree.Serve(ctx) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
	if scheduler.calls.Load() != 1 || api.starts.Load() != 1 {
		t.Fatalf("services started %d/%d times, want 1/1", scheduler.calls.Load(), api.starts.Load())
	}
}

func TestSchedulerServiceErrors(t *testing.T) {
	svc := NewSchedulerService(&fakeScheduler{err: fmt.Errorf("%w %q: bad", syncer.ErrInvalidSchedule, "every day")})
	if err := svc.Serve(context.Background()); !errors.Is(err, suture.ErrDoNotRestart) {
		t.Fatalf("invalid schedule should not be restarted, got %v", err)
	}

	svc = NewSchedulerService(&fakeScheduler{err: errors.New("boom")})
	if err := svc.Serve(context.Background()); err == nil || errors.Is(err, suture.ErrDoNotRestart) {
		t.Fatalf("transient error should be restartable, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc = NewSchedulerService(&fakeScheduler{})
	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled scheduler should report ctx error, got %v", err)
	}
	if svc.String() != "fake-scheduler" {
		t.Errorf("unexpected name %q", svc.String())
	}
}
