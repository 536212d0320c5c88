package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/jobs"
	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
)

// JobTypeGradeAll is the job sequence type of grade-all runs.
const JobTypeGradeAll = "grade_all_assessment_instances"

// GradeInstanceParams controls a grading pass over one instance.
type GradeInstanceParams struct {
	InstanceID                    uint
	UserID                        *uint
	AuthnUserID                   *uint
	RequireOpen                   bool
	Close                         bool
	IgnoreGradeRateLimit          bool
	IgnoreRealTimeGradingDisabled bool
	FingerprintID                 *uint
}

// VariantFailure records a variant that could not be graded.
type VariantFailure struct {
	VariantID uint
	QID       string
	Err       error
}

// GradeReport summarises one grading pass.
type GradeReport struct {
	InstanceID uint
	Closed     bool
	Graded     int
	Skipped    int
	Failures   []VariantFailure
}

// GradeAllParams controls a grade-all job.
type GradeAllParams struct {
	AssessmentID                  uint
	UserID                        *uint
	AuthnUserID                   *uint
	Close                         bool
	IgnoreGradeRateLimit          bool
	IgnoreRealTimeGradingDisabled bool
}

// GradingService grades assessment instances, optionally closing them first.
type GradingService interface {
	GradeInstance(ctx context.Context, params GradeInstanceParams) (GradeReport, error)
	GradeAll(ctx context.Context, params GradeAllParams) (uint, error)
}

type gradingService struct {
	db          *gorm.DB
	assessments repository.AssessmentRepository
	instances   repository.AssessmentInstanceRepository
	variants    repository.VariantRepository
	grader      VariantGrader
	stateLog    StateLogRecorder
	reporter    OutcomeReporter
	runner      *jobs.Runner
	workers     int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewGradingService constructs the grading orchestrator.
func NewGradingService(db *gorm.DB, assessments repository.AssessmentRepository, instances repository.AssessmentInstanceRepository, variants repository.VariantRepository, grader VariantGrader, stateLog StateLogRecorder, reporter OutcomeReporter, runner *jobs.Runner, cfg config.EngineConfig, logger zerolog.Logger) GradingService {
	workers := cfg.GradeAllWorkers
	if workers <= 0 {
		workers = 1
	}

	return &gradingService{
		db:          db,
		assessments: assessments,
		instances:   instances,
		variants:    variants,
		grader:      grader,
		stateLog:    stateLog,
		reporter:    reporter,
		runner:      runner,
		workers:     workers,
		logger:      logger.With().Str("component", "grading_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// GradeInstance grades every pending variant of the instance. When Close is
// set the instance is closed and flagged grading_needed in a committed
// transaction before any variant is touched, so an interrupted run can be
// finished later. Variant failures are collected, never fatal.
func (s *gradingService) GradeInstance(ctx context.Context, params GradeInstanceParams) (GradeReport, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-engine/internal/service/grading")
	ctx, span := tracer.Start(ctx, "grading.grade_instance")
	span.SetAttributes(
		attribute.Int64("grading.assessment_instance_id", int64(params.InstanceID)),
		attribute.Bool("grading.close", params.Close),
		attribute.Bool("grading.require_open", params.RequireOpen),
	)
	defer span.End()

	if params.Close {
		params.IgnoreGradeRateLimit = true
		params.IgnoreRealTimeGradingDisabled = true
	}

	report := GradeReport{InstanceID: params.InstanceID}

	var instance models.AssessmentInstance
	if params.RequireOpen || params.Close {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			instances := s.instances.WithTx(tx)
			locked, err := instances.LockByID(ctx, params.InstanceID)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrInstanceNotFound
				}
				return err
			}
			if params.RequireOpen && !locked.Open {
				return ErrNotOpen
			}

			if params.Close && locked.Open {
				closedAt := s.now()
				if err := instances.UpdateFields(ctx, locked.ID, map[string]interface{}{
					"open":           false,
					"grading_needed": true,
					"closed_at":      closedAt,
				}); err != nil {
					return fmt.Errorf("close assessment instance: %w", err)
				}
				if s.stateLog != nil {
					if err := s.stateLog.Record(ctx, tx, StateLogEntry{
						InstanceID:    locked.ID,
						Event:         models.AssessmentStateClose,
						AuthnUserID:   params.AuthnUserID,
						FingerprintID: params.FingerprintID,
						Points:        locked.Points,
						ScorePerc:     locked.ScorePerc,
						MaxPoints:     locked.MaxPoints,
					}); err != nil {
						return err
					}
				}
				locked.Open = false
				locked.GradingNeeded = true
				locked.ClosedAt = &closedAt
				report.Closed = true
			}

			instance = locked
			return nil
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "close_failed")
			return report, err
		}
	} else {
		found, err := s.instances.GetByID(ctx, params.InstanceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				err = ErrInstanceNotFound
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "instance_lookup_failed")
			return report, err
		}
		instance = found
	}

	gradable, err := s.variants.ListForGrading(ctx, instance.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "variant_lookup_failed")
		return report, fmt.Errorf("list variants: %w", err)
	}

	for _, item := range gradable {
		if item.Variant.IsBroken() {
			report.Skipped++
			s.logger.Debug().Uint("variant_id", item.Variant.ID).Msg("skipping broken variant")
			continue
		}

		err := s.grader.GradeVariant(ctx, GradeVariantParams{
			Variant:                       item.Variant,
			Question:                      item.Question,
			AssessmentID:                  instance.AssessmentID,
			InstanceID:                    instance.ID,
			UserID:                        params.UserID,
			AuthnUserID:                   params.AuthnUserID,
			IgnoreGradeRateLimit:          params.IgnoreGradeRateLimit,
			IgnoreRealTimeGradingDisabled: params.IgnoreRealTimeGradingDisabled,
		})
		if err != nil {
			report.Failures = append(report.Failures, VariantFailure{VariantID: item.Variant.ID, QID: item.Question.QID, Err: err})
			s.logger.Warn().
				Err(err).
				Uint("assessment_instance_id", instance.ID).
				Uint("variant_id", item.Variant.ID).
				Str("qid", item.Question.QID).
				Msg("variant grading failed")
			continue
		}
		report.Graded++
	}

	if err := s.clearGradingNeeded(ctx, instance.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clear_grading_needed_failed")
		return report, fmt.Errorf("clear grading_needed: %w", err)
	}

	observability.InstancesGraded().WithLabelValues(strconv.FormatBool(report.Closed)).Inc()
	reportOutcome(ctx, s.reporter, s.logger, instance.ID)

	return report, nil
}

func (s *gradingService) clearGradingNeeded(ctx context.Context, instanceID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instances := s.instances.WithTx(tx)
		if _, err := instances.LockByID(ctx, instanceID); err != nil {
			return err
		}
		return instances.UpdateFields(ctx, instanceID, map[string]interface{}{"grading_needed": false})
	})
}

// GradeAll starts a background job grading every instance of the
// assessment and returns the job sequence id.
func (s *gradingService) GradeAll(ctx context.Context, params GradeAllParams) (uint, error) {
	assessment, err := s.assessments.GetByID(ctx, params.AssessmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAssessmentNotFound
		}
		return 0, err
	}

	assessmentID := assessment.ID
	seq, err := s.runner.Create(ctx, jobs.Metadata{
		Type:         JobTypeGradeAll,
		Description:  "Grade all assessment instances for " + assessment.Label,
		AssessmentID: &assessmentID,
		UserID:       params.UserID,
		AuthnUserID:  params.AuthnUserID,
		Data:         map[string]interface{}{"close": params.Close},
	})
	if err != nil {
		return 0, err
	}

	seq.ExecuteInBackground(ctx, func(ctx context.Context, seq *jobs.Sequence) error {
		instances, err := s.instances.ListByAssessment(ctx, assessmentID)
		if err != nil {
			return fmt.Errorf("list assessment instances: %w", err)
		}
		seq.Info(fmt.Sprintf("%d assessment instances found", len(instances)))

		var failed atomic.Int64
		group := new(errgroup.Group)
		group.SetLimit(s.workers)
		for _, item := range instances {
			item := item
			group.Go(func() error {
				seq.Info(fmt.Sprintf("Grading assessment instance #%d for %s", item.Number, item.OwnerLabel))
				report, err := s.GradeInstance(ctx, GradeInstanceParams{
					InstanceID:                    item.ID,
					UserID:                        params.UserID,
					AuthnUserID:                   params.AuthnUserID,
					Close:                         params.Close,
					IgnoreGradeRateLimit:          params.IgnoreGradeRateLimit,
					IgnoreRealTimeGradingDisabled: params.IgnoreRealTimeGradingDisabled,
				})
				if err != nil {
					failed.Add(1)
					seq.Error(fmt.Sprintf("Error grading assessment instance #%d for %s: %v", item.Number, item.OwnerLabel, err))
					return nil
				}
				for _, failure := range report.Failures {
					seq.Error(fmt.Sprintf("Variant %d (%s) of instance #%d for %s: %v", failure.VariantID, failure.QID, item.Number, item.OwnerLabel, failure.Err))
				}
				return nil
			})
		}
		_ = group.Wait()

		if count := failed.Load(); count > 0 {
			seq.Fail(fmt.Sprintf("%d of %d assessment instances failed to grade", count, len(instances)))
			return nil
		}
		seq.Info("Grading complete")
		return nil
	})

	return seq.ID(), nil
}
