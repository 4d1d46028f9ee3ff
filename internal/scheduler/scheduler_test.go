package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nusatech/whatsapp-agent-gateway/internal/config"
	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError})
}

func TestSubmit_RunsJobsInFIFOOrder(t *testing.T) {
	cfg := &config.SchedulerConfig{TokensPerMinute: 1000, Burst: 1000, QueueLimit: 50}
	l := newWithInterval(cfg, testLogger(), 10*time.Millisecond)
	defer l.Close()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			// Stagger submissions so enqueue order is deterministic.
			time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			err := l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("job %d failed: %v", i, err)
			}
		}()
	}
	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("expected 10 jobs to run, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("position %d: expected job %d, got %d", i, i, got)
		}
	}
}

func TestSubmit_FullQueueIsRateLimited(t *testing.T) {
	cfg := &config.SchedulerConfig{TokensPerMinute: 100, Burst: 1, QueueLimit: 3}
	// Hour-long refill interval so tokens never come back during the test.
	l := newWithInterval(cfg, testLogger(), time.Hour)
	defer l.Close()

	release := make(chan struct{})
	running := make(chan struct{})

	// Occupies the consumer and the only token.
	go func() {
		_ = l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	// Fill the queue behind it.
	for i := 0; i < 3; i++ {
		go func() {
			_ = l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
				return nil
			})
		}()
	}
	time.Sleep(100 * time.Millisecond)

	err := l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected overflow submission to fail")
	}
	if !apierrors.IsCode(err, apierrors.CodeRateLimited) {
		t.Errorf("expected RATE_LIMITED, got %v", err)
	}

	close(release)
}

func TestSubmit_TokensRefillOverTime(t *testing.T) {
	cfg := &config.SchedulerConfig{TokensPerMinute: 600, Burst: 1, QueueLimit: 10}
	l := newWithInterval(cfg, testLogger(), 20*time.Millisecond)
	defer l.Close()

	// Drains the single token.
	if err := l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("first job failed: %v", err)
	}

	// 600 tokens/minute earns the next token after ~100ms.
	start := time.Now()
	if err := l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("second job failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second job ran after %v, expected it to wait for a refill", elapsed)
	}
}

func TestSubmit_AgentsDoNotBlockEachOther(t *testing.T) {
	cfg := &config.SchedulerConfig{TokensPerMinute: 100, Burst: 10, QueueLimit: 10}
	l := newWithInterval(cfg, testLogger(), time.Hour)
	defer l.Close()

	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), "agent-slow", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	done := make(chan error, 1)
	go func() {
		done <- l.Submit(context.Background(), "agent-fast", func(ctx context.Context) error {
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fast agent job failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast agent was blocked behind the slow agent")
	}

	close(release)
}

func TestSubmit_CanceledContextAbandonsWait(t *testing.T) {
	cfg := &config.SchedulerConfig{TokensPerMinute: 100, Burst: 1, QueueLimit: 10}
	l := newWithInterval(cfg, testLogger(), time.Hour)
	defer l.Close()

	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- l.Submit(ctx, "agent-1", func(ctx context.Context) error {
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancellation")
	}

	close(release)
}

func TestClose_FailsQueuedJobs(t *testing.T) {
	cfg := &config.SchedulerConfig{TokensPerMinute: 100, Burst: 1, QueueLimit: 10}
	l := newWithInterval(cfg, testLogger(), time.Hour)

	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	queued := make(chan error, 1)
	go func() {
		queued <- l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
			return nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	l.Close()

	select {
	case err := <-queued:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed for queued job, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued job did not resolve after Close")
	}

	if err := l.Submit(context.Background(), "agent-1", func(ctx context.Context) error {
		return nil
	}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}
