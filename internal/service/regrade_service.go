package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/config"
	"github.com/noah-isme/gema-grading-engine/internal/jobs"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
	"github.com/noah-isme/gema-grading-engine/internal/scoring"
)

// JobTypeRegradeAll is the job sequence type of regrade-all runs.
const JobTypeRegradeAll = "regrade_assessment_instances"

// RegradeResult describes what a regrade changed.
type RegradeResult struct {
	Updated             bool
	UpdatedQuestionQIDs []string
	OldScorePerc        float64
	NewScorePerc        float64
}

// RegradeService re-applies current point values to stored raw scores.
type RegradeService interface {
	RegradeInstance(ctx context.Context, instanceID uint, authnUserID *uint) (RegradeResult, error)
	RegradeAll(ctx context.Context, assessmentID uint, userID, authnUserID *uint) (uint, error)
}

type regradeService struct {
	db          *gorm.DB
	assessments repository.AssessmentRepository
	instances   repository.AssessmentInstanceRepository
	questions   repository.InstanceQuestionRepository
	variants    repository.VariantRepository
	scores      ScoreService
	catchUp     *catchUpper
	reporter    OutcomeReporter
	runner      *jobs.Runner
	logBatch    int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewRegradeService constructs the regrade orchestrator.
func NewRegradeService(db *gorm.DB, assessments repository.AssessmentRepository, instances repository.AssessmentInstanceRepository, questions repository.InstanceQuestionRepository, variants repository.VariantRepository, scores ScoreService, reporter OutcomeReporter, runner *jobs.Runner, cfg config.EngineConfig, logger zerolog.Logger) RegradeService {
	batch := cfg.RegradeLogBatch
	if batch <= 0 {
		batch = 100
	}

	return &regradeService{
		db:          db,
		assessments: assessments,
		instances:   instances,
		questions:   questions,
		variants:    variants,
		scores:      scores,
		catchUp:     newCatchUpper(assessments, questions, scores),
		reporter:    reporter,
		runner:      runner,
		logBatch:    batch,
		logger:      logger.With().Str("component", "regrade_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RegradeInstance recomputes question points from the latest graded
// submissions with current point values, all under the instance row lock.
// Homework instances are caught up first. Exams keep their question set.
func (s *regradeService) RegradeInstance(ctx context.Context, instanceID uint, authnUserID *uint) (RegradeResult, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-engine/internal/service/regrade")
	ctx, span := tracer.Start(ctx, "regrade.instance")
	span.SetAttributes(attribute.Int64("grading.assessment_instance_id", int64(instanceID)))
	defer span.End()

	var result RegradeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instances := s.instances.WithTx(tx)
		instance, err := instances.LockByID(ctx, instanceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInstanceNotFound
			}
			return err
		}
		result.OldScorePerc = instance.ScorePerc

		if instance.Assessment.IsHomework() {
			changed, err := s.catchUp.run(ctx, tx, &instance, authnUserID, false)
			if err != nil {
				return err
			}
			result.Updated = result.Updated || changed
		}

		qids, err := s.rescoreQuestions(ctx, tx, instance.ID)
		if err != nil {
			return err
		}
		result.UpdatedQuestionQIDs = qids

		refreshed, err := s.scores.Refresh(ctx, tx, instance.ID, authnUserID, true)
		if err != nil {
			return err
		}
		result.Updated = result.Updated || len(qids) > 0 || refreshed

		current, err := instances.GetByID(ctx, instance.ID)
		if err != nil {
			return err
		}
		result.NewScorePerc = current.ScorePerc
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "regrade_failed")
		observability.Regrades().WithLabelValues("error").Inc()
		return RegradeResult{}, err
	}

	if result.UpdatedQuestionQIDs == nil {
		result.UpdatedQuestionQIDs = []string{}
	}
	if result.Updated {
		observability.Regrades().WithLabelValues("updated").Inc()
	} else {
		observability.Regrades().WithLabelValues("unchanged").Inc()
	}

	reportOutcome(ctx, s.reporter, s.logger, instanceID)

	return result, nil
}

func (s *regradeService) rescoreQuestions(ctx context.Context, tx *gorm.DB, instanceID uint) ([]string, error) {
	questions := s.questions.WithTx(tx)
	rows, err := questions.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance questions: %w", err)
	}
	latest, err := s.variants.WithTx(tx).LatestGradedByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load graded submissions: %w", err)
	}

	var qids []string
	for _, row := range rows {
		aq := row.AssessmentQuestion
		if aq.ID == 0 {
			continue
		}
		submission, ok := latest[row.ID]
		if !ok || submission.RawScore == nil {
			continue
		}

		derived := scoring.QuestionPoints(scoring.QuestionValues{
			MaxPoints:       aq.MaxPoints,
			MaxAutoPoints:   aq.MaxAutoPoints,
			MaxManualPoints: aq.MaxManualPoints,
		}, *submission.RawScore, row.ManualPoints)

		if scoring.Equal(derived.Points, row.Points) &&
			scoring.Equal(derived.AutoPoints, row.AutoPoints) &&
			scoring.Equal(derived.ScorePerc, row.ScorePerc) {
			continue
		}

		if err := questions.UpdateFields(ctx, row.ID, map[string]interface{}{
			"points":        derived.Points,
			"auto_points":   derived.AutoPoints,
			"manual_points": derived.ManualPoints,
			"score_perc":    derived.ScorePerc,
		}); err != nil {
			return nil, err
		}
		qids = append(qids, aq.Question.QID)
	}

	return qids, nil
}

// RegradeAll starts a background job regrading every instance of the
// assessment and returns the job sequence id.
func (s *regradeService) RegradeAll(ctx context.Context, assessmentID uint, userID, authnUserID *uint) (uint, error) {
	assessment, err := s.assessments.GetByID(ctx, assessmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAssessmentNotFound
		}
		return 0, err
	}

	id := assessment.ID
	seq, err := s.runner.Create(ctx, jobs.Metadata{
		Type:         JobTypeRegradeAll,
		Description:  "Regrade " + assessment.Label,
		AssessmentID: &id,
		UserID:       userID,
		AuthnUserID:  authnUserID,
	})
	if err != nil {
		return 0, err
	}

	seq.ExecuteInBackground(ctx, func(ctx context.Context, seq *jobs.Sequence) error {
		instances, err := s.instances.ListByAssessment(ctx, id)
		if err != nil {
			return fmt.Errorf("list assessment instances: %w", err)
		}
		seq.Info(fmt.Sprintf("Regrading %d assessment instances for %s", len(instances), assessment.Label))

		var (
			updatedCount int
			errorCount   int
			buffer       []string
		)
		flush := func() {
			if len(buffer) == 0 {
				return
			}
			seq.Info(strings.Join(buffer, "\n"))
			buffer = buffer[:0]
		}

		for i, item := range instances {
			label := fmt.Sprintf("assessment instance #%d for %s", item.Number, item.OwnerLabel)
			result, err := s.RegradeInstance(ctx, item.ID, authnUserID)
			switch {
			case err != nil:
				errorCount++
				flush()
				seq.Error(fmt.Sprintf("ERROR regrading %s: %v", label, err))
			case result.Updated:
				updatedCount++
				line := fmt.Sprintf("Regraded %s: %.2f%% -> %.2f%%", label, result.OldScorePerc, result.NewScorePerc)
				if len(result.UpdatedQuestionQIDs) > 0 {
					line += " (questions updated: " + strings.Join(result.UpdatedQuestionQIDs, ", ") + ")"
				}
				buffer = append(buffer, line)
			default:
				buffer = append(buffer, fmt.Sprintf("No changes for %s", label))
			}

			if (i+1)%s.logBatch == 0 {
				flush()
			}
		}
		flush()

		seq.Info(fmt.Sprintf("Regrading complete: %d instances, %d updated, %d errors", len(instances), updatedCount, errorCount))
		if errorCount > 0 {
			seq.Fail(fmt.Sprintf("%d assessment instances failed to regrade", errorCount))
		}
		return nil
	})

	return seq.ID(), nil
}
