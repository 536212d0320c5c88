// Package cron runs periodic maintenance tasks. When several processes share
// a redis instance only one of them runs a given task per interval.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-engine/internal/observability"
)

// Task is a named unit of periodic work.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler ticks registered tasks until its context is cancelled.
type Scheduler struct {
	redis  *redis.Client
	logger zerolog.Logger
	nodeID string

	mu    sync.Mutex
	tasks map[string]Task
	order []string
	wg    sync.WaitGroup
}

// NewScheduler constructs a scheduler. redisClient may be nil, in which case
// every task runs locally on each tick.
func NewScheduler(redisClient *redis.Client, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		redis:  redisClient,
		logger: logger.With().Str("component", "cron").Logger(),
		nodeID: uuid.NewString(),
		tasks:  make(map[string]Task),
	}
}

// Add registers a task. Tasks with a non-positive interval are ignored.
func (s *Scheduler) Add(task Task) {
	if task.Interval <= 0 || task.Run == nil {
		s.logger.Warn().Str("task", task.Name).Msg("cron task disabled")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; !exists {
		s.order = append(s.order, task.Name)
	}
	s.tasks[task.Name] = task
}

// Start launches one ticker goroutine per task and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.order))
	for _, name := range s.order {
		tasks = append(tasks, s.tasks[name])
	}
	s.mu.Unlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, task)
	}

	s.logger.Info().Int("tasks", len(tasks)).Msg("cron scheduler started")
}

// Wait blocks until every task loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.run(ctx, task); err != nil {
				s.logger.Error().Err(err).Str("task", task.Name).Msg("cron task failed")
			}
		}
	}
}

// RunOnce runs the named task now, honouring the fleet lock. It reports
// whether the task actually ran.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown cron task %q", name)
	}

	return s.run(ctx, task)
}

func (s *Scheduler) run(ctx context.Context, task Task) (bool, error) {
	acquired, err := s.acquire(ctx, task)
	if err != nil {
		s.logger.Warn().Err(err).Str("task", task.Name).Msg("cron lock unavailable, running locally")
	} else if !acquired {
		observability.CronRuns().WithLabelValues(task.Name, "skipped").Inc()
		s.logger.Debug().Str("task", task.Name).Msg("cron task held by another node")
		return false, nil
	}

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		observability.CronRuns().WithLabelValues(task.Name, "error").Inc()
		return true, err
	}

	observability.CronRuns().WithLabelValues(task.Name, "ok").Inc()
	s.logger.Debug().Str("task", task.Name).Dur("duration", time.Since(start)).Msg("cron task finished")
	return true, nil
}

// acquire claims the task for the current interval. The key expires on its
// own so a crashed holder never blocks the next tick.
func (s *Scheduler) acquire(ctx context.Context, task Task) (bool, error) {
	if s.redis == nil {
		return true, nil
	}

	key := "cron:lock:" + task.Name
	return s.redis.SetNX(ctx, key, s.nodeID, task.Interval).Result()
}
