// Package jobs runs long operations in the background while keeping a
// durable, heartbeated log of their progress in job_sequences.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
)

const defaultHeartbeatInterval = 10 * time.Second

// Metadata describes a job sequence at creation time.
type Metadata struct {
	Type         string
	Description  string
	AssessmentID *uint
	UserID       *uint
	AuthnUserID  *uint
	Data         map[string]interface{}
}

// Func is the body of a background job.
type Func func(ctx context.Context, seq *Sequence) error

// Runner creates job sequences and tracks their background goroutines.
type Runner struct {
	repo      repository.JobSequenceRepository
	broker    *Broker
	heartbeat time.Duration
	logger    zerolog.Logger
	sanitizer *bluemonday.Policy
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewRunner constructs a job runner.
func NewRunner(repo repository.JobSequenceRepository, broker *Broker, heartbeat time.Duration, logger zerolog.Logger) *Runner {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	if broker == nil {
		broker = NewBroker()
	}

	return &Runner{
		repo:      repo,
		broker:    broker,
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "job_runner").Logger(),
		sanitizer: bluemonday.StrictPolicy(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Broker exposes the live update broker.
func (r *Runner) Broker() *Broker {
	return r.broker
}

// Create persists a new running job sequence.
func (r *Runner) Create(ctx context.Context, meta Metadata) (*Sequence, error) {
	now := r.now()
	model := models.JobSequence{
		Type:         meta.Type,
		Description:  meta.Description,
		AssessmentID: meta.AssessmentID,
		UserID:       meta.UserID,
		AuthnUserID:  meta.AuthnUserID,
		Status:       models.JobSequenceStatusRunning,
		StartedAt:    now,
		HeartbeatAt:  now,
	}
	data := make(map[string]interface{}, len(meta.Data)+1)
	for key, value := range meta.Data {
		data[key] = value
	}
	correlationID := observability.CorrelationID(ctx)
	if correlationID != "" {
		data["correlation_id"] = correlationID
	}
	if len(data) > 0 {
		model.Metadata = datatypes.JSONMap(data)
	}

	if err := r.repo.Create(ctx, &model); err != nil {
		return nil, fmt.Errorf("create job sequence: %w", err)
	}

	r.logger.Info().
		Uint("job_sequence_id", model.ID).
		Str("type", model.Type).
		Str("correlation_id", correlationID).
		Msg("job sequence created")

	return &Sequence{
		runner:  r,
		id:      model.ID,
		jobType: model.Type,
		done:    make(chan struct{}),
		status:  models.JobSequenceStatusRunning,
	}, nil
}

// Wait blocks until every background job has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) newTicker() *time.Ticker {
	return time.NewTicker(r.heartbeat)
}
