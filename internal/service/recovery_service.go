package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
)

// SweepSummary counts what one recovery sweep did.
type SweepSummary struct {
	Found  int
	Closed int
	Graded int
	Failed int
}

// RecoveryService finishes work that was interrupted or never triggered.
type RecoveryService interface {
	RunPeriodic(ctx context.Context) (SweepSummary, error)
	ErrorAbandonedJobs(ctx context.Context) (int64, error)
}

type recoveryService struct {
	instances repository.AssessmentInstanceRepository
	jobs      repository.JobSequenceRepository
	grading   GradingService
	cfg       config.EngineConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRecoveryService constructs the recovery sweep.
func NewRecoveryService(instances repository.AssessmentInstanceRepository, jobs repository.JobSequenceRepository, grading GradingService, cfg config.EngineConfig, logger zerolog.Logger) RecoveryService {
	return &recoveryService{
		instances: instances,
		jobs:      jobs,
		grading:   grading,
		cfg:       cfg,
		logger:    logger.With().Str("component", "recovery_service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunPeriodic closes and grades expired or idle exam instances and resumes
// close-and-grade runs that left grading_needed behind. One failing
// instance never stops the sweep.
func (s *recoveryService) RunPeriodic(ctx context.Context) (SweepSummary, error) {
	now := s.now()
	candidates, err := s.instances.ListEligibleForFinish(ctx, repository.FinishFilter{
		Now:                 now,
		InactiveBefore:      now.Add(-s.cfg.AutoFinishAge),
		GradingNeededBefore: now.Add(-s.cfg.GradingNeededGrace),
	})
	if err != nil {
		return SweepSummary{}, err
	}

	summary := SweepSummary{Found: len(candidates)}
	for _, instance := range candidates {
		report, err := s.grading.GradeInstance(ctx, GradeInstanceParams{
			InstanceID:           instance.ID,
			RequireOpen:          false,
			Close:                instance.Open,
			IgnoreGradeRateLimit: true,
		})
		if err != nil {
			summary.Failed++
			observability.SweepInstances().WithLabelValues("failed").Inc()
			s.logger.Error().Err(err).Uint("assessment_instance_id", instance.ID).Msg("failed to finish assessment instance")
			continue
		}

		summary.Graded++
		if report.Closed {
			summary.Closed++
		}
		observability.SweepInstances().WithLabelValues("graded").Inc()
	}

	if summary.Found > 0 {
		s.logger.Info().
			Int("found", summary.Found).
			Int("closed", summary.Closed).
			Int("graded", summary.Graded).
			Int("failed", summary.Failed).
			Msg("recovery sweep finished")
	}

	return summary, nil
}

// ErrorAbandonedJobs fails running job sequences whose heartbeat went stale.
func (s *recoveryService) ErrorAbandonedJobs(ctx context.Context) (int64, error) {
	now := s.now()
	affected, err := s.jobs.ErrorAbandoned(ctx, now.Add(-s.cfg.AbandonedJobThreshold), now)
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.logger.Warn().Int64("count", affected).Msg("marked abandoned job sequences as errored")
	}
	return affected, nil
}
