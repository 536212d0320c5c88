package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
)

// CreateInstanceParams describes a request to start an assessment instance.
type CreateInstanceParams struct {
	AssessmentID  uint
	UserID        uint
	AuthnUserID   uint
	Mode          string
	TimeLimitMin  *int
	Date          time.Time
	FingerprintID *uint
}

// LifecycleService creates, updates and removes assessment instances.
type LifecycleService interface {
	Create(ctx context.Context, params CreateInstanceParams) (uint, error)
	CatchUp(ctx context.Context, instanceID uint, authnUserID *uint, recompute bool) (bool, error)
	Delete(ctx context.Context, assessmentID, instanceID uint, authnUserID *uint) error
	DeleteAll(ctx context.Context, assessmentID uint, authnUserID *uint) (int, error)
	CheckBelongs(ctx context.Context, instanceID, assessmentID uint) error
	CheckOwner(ctx context.Context, instanceID, userID uint) error
}

type lifecycleService struct {
	db          *gorm.DB
	assessments repository.AssessmentRepository
	instances   repository.AssessmentInstanceRepository
	catchUp     *catchUpper
	stateLog    StateLogRecorder
	reporter    OutcomeReporter
	logger      zerolog.Logger
	now         func() time.Time
}

// NewLifecycleService constructs the lifecycle service.
func NewLifecycleService(db *gorm.DB, assessments repository.AssessmentRepository, instances repository.AssessmentInstanceRepository, questions repository.InstanceQuestionRepository, scores ScoreService, stateLog StateLogRecorder, reporter OutcomeReporter, logger zerolog.Logger) LifecycleService {
	return &lifecycleService{
		db:          db,
		assessments: assessments,
		instances:   instances,
		catchUp:     newCatchUpper(assessments, questions, scores),
		stateLog:    stateLog,
		reporter:    reporter,
		logger:      logger.With().Str("component", "lifecycle_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create returns the caller's instance of the assessment, creating it when
// missing. Concurrent calls for the same owner resolve to the same row.
func (s *lifecycleService) Create(ctx context.Context, params CreateInstanceParams) (uint, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-engine/internal/service/lifecycle")
	ctx, span := tracer.Start(ctx, "instances.create")
	span.SetAttributes(
		attribute.Int64("grading.assessment_id", int64(params.AssessmentID)),
		attribute.Int64("grading.user_id", int64(params.UserID)),
	)
	defer span.End()

	assessment, err := s.assessments.GetByID(ctx, params.AssessmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = ErrAssessmentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "assessment_lookup_failed")
		return 0, err
	}

	instance := models.AssessmentInstance{
		AssessmentID:        assessment.ID,
		Number:              1,
		Open:                true,
		Mode:                params.Mode,
		Date:                params.Date,
		ClientFingerprintID: params.FingerprintID,
	}
	if instance.Date.IsZero() {
		instance.Date = s.now()
	}
	if params.TimeLimitMin != nil && *params.TimeLimitMin > 0 {
		limit := instance.Date.Add(time.Duration(*params.TimeLimitMin) * time.Minute)
		instance.DateLimit = &limit
	}
	if params.AuthnUserID != 0 {
		authn := params.AuthnUserID
		instance.AuthUserID = &authn
	}

	if assessment.GroupWork {
		group, err := s.assessments.FindGroupForUser(ctx, assessment.ID, params.UserID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				err = ErrNotInGroup
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "group_lookup_failed")
			return 0, err
		}
		groupID := group.ID
		instance.GroupID = &groupID
		instance.OwnerKey = models.GroupOwnerKey(group.ID)
	} else {
		userID := params.UserID
		instance.UserID = &userID
		instance.OwnerKey = models.UserOwnerKey(params.UserID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := s.instances.WithTx(tx).InsertOrFetch(ctx, &instance)
		if err != nil {
			return fmt.Errorf("insert assessment instance: %w", err)
		}
		if !created {
			return nil
		}

		if err := s.record(ctx, tx, StateLogEntry{
			InstanceID:    instance.ID,
			Event:         models.AssessmentStateOpen,
			AuthnUserID:   instance.AuthUserID,
			FingerprintID: params.FingerprintID,
			Data:          map[string]interface{}{"time_limit_min": params.TimeLimitMin, "mode": params.Mode},
		}); err != nil {
			return err
		}

		instance.Assessment = assessment
		_, err = s.catchUp.run(ctx, tx, &instance, instance.AuthUserID, true)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create_failed")
		return 0, err
	}

	s.logger.Info().
		Uint("assessment_instance_id", instance.ID).
		Uint("assessment_id", assessment.ID).
		Str("owner", instance.OwnerKey).
		Msg("assessment instance ready")

	return instance.ID, nil
}

// CatchUp brings an open instance in line with its assessment definition.
// It reports whether anything changed.
func (s *lifecycleService) CatchUp(ctx context.Context, instanceID uint, authnUserID *uint, recompute bool) (bool, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-engine/internal/service/lifecycle")
	ctx, span := tracer.Start(ctx, "instances.catch_up")
	span.SetAttributes(attribute.Int64("grading.assessment_instance_id", int64(instanceID)))
	defer span.End()

	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instance, err := s.instances.WithTx(tx).LockByID(ctx, instanceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInstanceNotFound
			}
			return err
		}

		changed, err = s.catchUp.run(ctx, tx, &instance, authnUserID, recompute)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "catch_up_failed")
		return false, err
	}

	if changed && recompute {
		reportOutcome(ctx, s.reporter, s.logger, instanceID)
	}

	return changed, nil
}

func (s *lifecycleService) Delete(ctx context.Context, assessmentID, instanceID uint, authnUserID *uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instances := s.instances.WithTx(tx)
		instance, err := instances.LockByID(ctx, instanceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInstanceNotFound
			}
			return err
		}
		if instance.AssessmentID != assessmentID {
			return ErrInstanceNotInAssessment
		}

		if err := s.record(ctx, tx, StateLogEntry{
			InstanceID:  instance.ID,
			Event:       models.AssessmentStateDelete,
			AuthnUserID: authnUserID,
			Points:      instance.Points,
			ScorePerc:   instance.ScorePerc,
			MaxPoints:   instance.MaxPoints,
		}); err != nil {
			return err
		}

		deleted, err := instances.Delete(ctx, assessmentID, instanceID)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrInstanceNotInAssessment
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Uint("assessment_instance_id", instanceID).Uint("assessment_id", assessmentID).Msg("assessment instance deleted")
	return nil
}

// DeleteAll removes every instance of the assessment, one transaction per
// instance.
func (s *lifecycleService) DeleteAll(ctx context.Context, assessmentID uint, authnUserID *uint) (int, error) {
	if _, err := s.assessments.GetByID(ctx, assessmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAssessmentNotFound
		}
		return 0, err
	}

	ids, err := s.instances.ListIDsByAssessment(ctx, assessmentID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if err := s.Delete(ctx, assessmentID, id, authnUserID); err != nil {
			if errors.Is(err, ErrInstanceNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}

func (s *lifecycleService) CheckBelongs(ctx context.Context, instanceID, assessmentID uint) error {
	instance, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInstanceNotFound
		}
		return err
	}
	if instance.AssessmentID != assessmentID {
		return ErrAccessDenied
	}
	return nil
}

// CheckOwner reports ErrAccessDenied unless the user owns the instance,
// either directly or through its group.
func (s *lifecycleService) CheckOwner(ctx context.Context, instanceID, userID uint) error {
	instance, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInstanceNotFound
		}
		return err
	}

	if instance.UserID != nil {
		if *instance.UserID == userID {
			return nil
		}
		return ErrAccessDenied
	}
	if instance.GroupID == nil {
		return ErrAccessDenied
	}

	group, err := s.assessments.FindGroupForUser(ctx, instance.AssessmentID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAccessDenied
		}
		return err
	}
	if group.ID != *instance.GroupID {
		return ErrAccessDenied
	}
	return nil
}

func (s *lifecycleService) record(ctx context.Context, tx *gorm.DB, entry StateLogEntry) error {
	if s.stateLog == nil {
		return nil
	}
	return s.stateLog.Record(ctx, tx, entry)
}

// catchUpper adds missing instance questions and refreshes maxima. It runs
// inside a transaction that already holds the instance row lock.
type catchUpper struct {
	assessments repository.AssessmentRepository
	questions   repository.InstanceQuestionRepository
	scores      ScoreService
}

func newCatchUpper(assessments repository.AssessmentRepository, questions repository.InstanceQuestionRepository, scores ScoreService) *catchUpper {
	return &catchUpper{assessments: assessments, questions: questions, scores: scores}
}

func (c *catchUpper) run(ctx context.Context, tx *gorm.DB, instance *models.AssessmentInstance, authnUserID *uint, recompute bool) (bool, error) {
	if !instance.Open {
		return false, nil
	}

	live, err := c.assessments.WithTx(tx).ListQuestions(ctx, instance.AssessmentID)
	if err != nil {
		return false, fmt.Errorf("load assessment questions: %w", err)
	}

	created, err := c.questions.WithTx(tx).CreateMissing(ctx, instance.ID, live)
	if err != nil {
		return false, fmt.Errorf("insert instance questions: %w", err)
	}

	maxChanged, err := c.scores.UpdateMaxPoints(ctx, tx, instance)
	if err != nil {
		return false, err
	}

	if created == 0 && !maxChanged {
		return false, nil
	}

	if recompute {
		if _, err := c.scores.Refresh(ctx, tx, instance.ID, authnUserID, true); err != nil {
			return false, err
		}
	}

	return true, nil
}
