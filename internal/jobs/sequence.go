package jobs

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
)

// Sequence is a handle on one running job sequence. Output lines are kept
// in memory, streamed live, and persisted on every heartbeat.
type Sequence struct {
	runner  *Runner
	id      uint
	jobType string

	mu         sync.Mutex
	output     strings.Builder
	failed     bool
	failReason string
	status     models.JobSequenceStatus
	started    bool

	done chan struct{}
}

// ID returns the job sequence id.
func (s *Sequence) ID() uint {
	return s.id
}

// Done is closed once the sequence reached a terminal status.
func (s *Sequence) Done() <-chan struct{} {
	return s.done
}

// Status returns the current status.
func (s *Sequence) Status() models.JobSequenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Output returns the accumulated log.
func (s *Sequence) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

// Info appends an informational line.
func (s *Sequence) Info(line string) {
	s.appendLine("info", line)
}

// Error appends an error line without failing the sequence.
func (s *Sequence) Error(line string) {
	s.appendLine("error", line)
}

// Fail marks the sequence as failed. The sequence still runs to completion
// and ends with status Error.
func (s *Sequence) Fail(reason string) {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.failReason = reason
	}
	s.mu.Unlock()
	s.appendLine("error", reason)
}

func (s *Sequence) appendLine(level, line string) {
	clean := html.UnescapeString(s.runner.sanitizer.Sanitize(line))

	s.mu.Lock()
	s.output.WriteString(clean)
	s.output.WriteString("\n")
	s.mu.Unlock()

	s.runner.broker.publish(Update{
		JobSequenceID: s.id,
		Kind:          UpdateKindLine,
		Level:         level,
		Message:       clean,
		At:            s.runner.now(),
	})
}

// ExecuteInBackground runs fn in its own goroutine and returns immediately.
// The job keeps running after ctx is cancelled. A returned error or a panic
// fails the sequence.
func (s *Sequence) ExecuteInBackground(ctx context.Context, fn Func) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	s.runner.wg.Add(1)

	go func() {
		defer s.runner.wg.Done()
		defer close(s.done)

		stop := s.startHeartbeat(jobCtx)
		err := s.invoke(jobCtx, fn)
		stop()

		if err != nil {
			s.Fail(err.Error())
		}
		s.finish(jobCtx)
	}()
}

func (s *Sequence) invoke(ctx context.Context, fn Func) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.runner.logger.Error().
				Uint("job_sequence_id", s.id).
				Interface("panic", recovered).
				Msg("job sequence panicked")
			err = fmt.Errorf("job panicked: %v", recovered)
		}
	}()

	return fn(ctx, s)
}

func (s *Sequence) startHeartbeat(ctx context.Context) func() {
	stopCh := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := s.runner.newTicker()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.runner.repo.Heartbeat(ctx, s.id, s.Output(), s.runner.now()); err != nil {
					s.runner.logger.Warn().Err(err).Uint("job_sequence_id", s.id).Msg("job heartbeat failed")
				}
			case <-stopCh:
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		<-stopped
	}
}

func (s *Sequence) finish(ctx context.Context) {
	s.mu.Lock()
	status := models.JobSequenceStatusSuccess
	if s.failed {
		status = models.JobSequenceStatusError
	}
	reason := s.failReason
	output := s.output.String()
	s.status = status
	s.mu.Unlock()

	persisted, err := s.runner.repo.Finish(ctx, s.id, status, output, reason, s.runner.now())
	switch {
	case err != nil:
		s.runner.logger.Error().Err(err).Uint("job_sequence_id", s.id).Msg("failed to persist job sequence result")
	case !persisted:
		s.runner.logger.Warn().Uint("job_sequence_id", s.id).Msg("job sequence was already marked abandoned, keeping that status")
		status = models.JobSequenceStatusError
		s.mu.Lock()
		s.status = status
		s.mu.Unlock()
	}

	observability.JobSequences().WithLabelValues(s.jobType, string(status)).Inc()
	s.runner.broker.publish(Update{
		JobSequenceID: s.id,
		Kind:          UpdateKindStatus,
		Status:        status,
		At:            s.runner.now(),
	})

	event := s.runner.logger.Info()
	if status == models.JobSequenceStatusError {
		event = s.runner.logger.Warn().Str("error", reason)
	}
	event.Uint("job_sequence_id", s.id).Str("type", s.jobType).Str("status", string(status)).Msg("job sequence finished")
}
