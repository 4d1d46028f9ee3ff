// Package scheduler rate-limits outbound WhatsApp traffic. Every agent gets
// a token bucket and a bounded FIFO queue drained by its own consumer
// goroutine, so one flooded agent never delays another.
package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/nusatech/whatsapp-agent-gateway/internal/config"
	apierrors "github.com/nusatech/whatsapp-agent-gateway/internal/errors"
	"github.com/nusatech/whatsapp-agent-gateway/internal/logger"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("scheduler is shut down")

// Task is one unit of rate-limited work.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	run  Task
	done chan error // buffered; consumer never blocks on it
}

type agentQueue struct {
	jobs chan *job
	wake chan struct{} // poked after refills; capacity 1

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter owns all per-agent queues. Safe for concurrent use.
type Limiter struct {
	cfg      config.SchedulerConfig
	log      *logger.Logger
	interval time.Duration

	mu     sync.Mutex
	agents map[string]*agentQueue
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a limiter with the production refill cadence of one second.
func New(cfg *config.SchedulerConfig, log *logger.Logger) *Limiter {
	return newWithInterval(cfg, log, time.Second)
}

func newWithInterval(cfg *config.SchedulerConfig, log *logger.Logger, interval time.Duration) *Limiter {
	l := &Limiter{
		cfg:      *cfg,
		log:      log.WithComponent("scheduler"),
		interval: interval,
		agents:   make(map[string]*agentQueue),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.refillLoop()
	return l
}

// Submit queues task for the agent and blocks until it has run. A full
// queue fails immediately with a RATE_LIMITED error; a cancelled ctx
// abandons the wait and the task is skipped when its turn comes.
func (l *Limiter) Submit(ctx context.Context, agentID string, task Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	q := l.queueForLocked(agentID)
	l.mu.Unlock()

	j := &job{ctx: ctx, run: task, done: make(chan error, 1)}

	select {
	case q.jobs <- j:
	default:
		return apierrors.RateLimited(agentID)
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	}
}

// SubmitAsync queues task without waiting for it to run. The enqueue
// itself is synchronous, so two calls from the same goroutine keep their
// order in the agent's queue. The task's own error handling is its
// problem; nothing reads the result.
func (l *Limiter) SubmitAsync(agentID string, task Task) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	q := l.queueForLocked(agentID)
	l.mu.Unlock()

	j := &job{ctx: context.Background(), run: task, done: make(chan error, 1)}
	select {
	case q.jobs <- j:
		return nil
	default:
		return apierrors.RateLimited(agentID)
	}
}

// Close stops the refill loop and all consumers. Queued jobs are failed
// with ErrClosed rather than silently dropped.
func (l *Limiter) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
}

func (l *Limiter) queueForLocked(agentID string) *agentQueue {
	if q, ok := l.agents[agentID]; ok {
		return q
	}
	q := &agentQueue{
		jobs:       make(chan *job, l.cfg.QueueLimit),
		wake:       make(chan struct{}, 1),
		tokens:     float64(l.cfg.Burst),
		lastRefill: time.Now(),
	}
	l.agents[agentID] = q
	l.wg.Add(1)
	go l.consume(agentID, q)
	return q
}

func (l *Limiter) consume(agentID string, q *agentQueue) {
	defer l.wg.Done()
	for {
		select {
		case j := <-q.jobs:
			if !l.waitToken(q) {
				j.done <- ErrClosed
				l.drain(q)
				return
			}
			if err := j.ctx.Err(); err != nil {
				// Submitter already gave up; do not burn the work.
				j.done <- err
				continue
			}
			j.done <- j.run(j.ctx)
		case <-l.done:
			l.drain(q)
			return
		}
	}
}

// waitToken blocks until a token is available, returning false when the
// limiter shuts down first.
func (l *Limiter) waitToken(q *agentQueue) bool {
	for {
		q.mu.Lock()
		if q.tokens >= 1 {
			q.tokens--
			q.mu.Unlock()
			return true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-l.done:
			return false
		}
	}
}

func (l *Limiter) drain(q *agentQueue) {
	for {
		select {
		case j := <-q.jobs:
			j.done <- ErrClosed
		default:
			return
		}
	}
}

func (l *Limiter) refillLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.refill(now)
		case <-l.done:
			return
		}
	}
}

// refill adds elapsed-time tokens to every bucket. Fractions below one
// whole token are left to accumulate; lastRefill only advances when
// something was credited, so slow rates still make progress.
func (l *Limiter) refill(now time.Time) {
	l.mu.Lock()
	queues := make([]*agentQueue, 0, len(l.agents))
	for _, q := range l.agents {
		queues = append(queues, q)
	}
	l.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		elapsed := now.Sub(q.lastRefill).Minutes()
		earned := elapsed * float64(l.cfg.TokensPerMinute)
		if earned >= 1 {
			q.tokens = math.Min(q.tokens+earned, float64(l.cfg.Burst))
			q.lastRefill = now
		}
		q.mu.Unlock()

		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}
