// Package jobs runs work after a delay, either inline, on in-process
// timers, or through a Redis backed queue polled by a worker.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	RunAt   time.Time       `json:"run_at"`
}

type Handler func(ctx context.Context, payload json.RawMessage) error

// Scheduler queues a named job to run after delay.
type Scheduler interface {
	Schedule(ctx context.Context, name string, payload any, delay time.Duration) (string, error)
}

// Registry maps job names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Run executes job with its registered handler.
func (r *Registry) Run(ctx context.Context, job Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for job %q", job.Name)
	}

	start := time.Now()
	err := h(ctx, job.Payload)
	jobRunCount.WithLabelValues(job.Name, status(err)).Inc()
	jobRunDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	return err
}

func newJob(name string, payload any, runAt time.Time) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encoding %s payload: %w", name, err)
	}
	return Job{
		ID:      uuid.NewString(),
		Name:    name,
		Payload: raw,
		RunAt:   runAt,
	}, nil
}

// InlineScheduler ignores the delay and runs jobs immediately, for tests
// and offline tools.
type InlineScheduler struct {
	registry *Registry
}

func NewInlineScheduler(registry *Registry) *InlineScheduler {
	return &InlineScheduler{registry: registry}
}

func (s *InlineScheduler) Schedule(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	job, err := newJob(name, payload, time.Now())
	if err != nil {
		return "", err
	}
	slog.Debug("running job inline", "job", job.Name, "id", job.ID)
	if err := s.registry.Run(ctx, job); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// DelayedScheduler holds jobs on in-process timers. Pending jobs are lost
// when the process exits; use RedisScheduler when they must survive a
// restart.
type DelayedScheduler struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewDelayedScheduler(registry *Registry) *DelayedScheduler {
	return &DelayedScheduler{
		registry: registry,
		logger:   slog.Default().With("system", "jobs"),
		timers:   map[string]*time.Timer{},
	}
}

func (s *DelayedScheduler) Schedule(ctx context.Context, name string, payload any, delay time.Duration) (string, error) {
	job, err := newJob(name, payload, time.Now().Add(delay))
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", fmt.Errorf("scheduling %s: scheduler stopped", name)
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() { s.run(job) })
	return job.ID, nil
}

func (s *DelayedScheduler) run(job Job) {
	s.mu.Lock()
	delete(s.timers, job.ID)
	s.mu.Unlock()

	if err := s.registry.Run(context.Background(), job); err != nil {
		s.logger.Error("job failed", "job", job.Name, "id", job.ID, "err", err)
	}
}

// Pending reports how many jobs are still waiting for their timer.
func (s *DelayedScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending job and refuses new ones.
func (s *DelayedScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.logger.Warn("dropping pending job at shutdown", "id", id)
		}
		delete(s.timers, id)
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
