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
	"github.com/noah-isme/gema-grading-engine/internal/scoring"
)

// ScoreEditParams describes a manual override of an instance total.
type ScoreEditParams struct {
	AssessmentID uint
	InstanceID   uint
	Value        float64
	AuthnUserID  *uint
}

// ScoreService keeps instance aggregates consistent with their questions.
type ScoreService interface {
	Refresh(ctx context.Context, tx *gorm.DB, instanceID uint, authnUserID *uint, onlyLogIfScoreUpdated bool) (bool, error)
	UpdateMaxPoints(ctx context.Context, tx *gorm.DB, instance *models.AssessmentInstance) (bool, error)
	SetPoints(ctx context.Context, params ScoreEditParams) (models.AssessmentInstance, error)
	SetScorePerc(ctx context.Context, params ScoreEditParams) (models.AssessmentInstance, error)
}

type scoreService struct {
	db          *gorm.DB
	assessments repository.AssessmentRepository
	instances   repository.AssessmentInstanceRepository
	questions   repository.InstanceQuestionRepository
	stateLog    StateLogRecorder
	reporter    OutcomeReporter
	logger      zerolog.Logger
	now         func() time.Time
}

// NewScoreService constructs the score service.
func NewScoreService(db *gorm.DB, assessments repository.AssessmentRepository, instances repository.AssessmentInstanceRepository, questions repository.InstanceQuestionRepository, stateLog StateLogRecorder, reporter OutcomeReporter, logger zerolog.Logger) ScoreService {
	return &scoreService{
		db:          db,
		assessments: assessments,
		instances:   instances,
		questions:   questions,
		stateLog:    stateLog,
		reporter:    reporter,
		logger:      logger.With().Str("component", "score_service").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Refresh recomputes the instance total from its questions. A score state
// log is written when the total changed, or always when
// onlyLogIfScoreUpdated is false. The instance row is locked before its
// questions are read, so tx must be a transaction.
func (s *scoreService) Refresh(ctx context.Context, tx *gorm.DB, instanceID uint, authnUserID *uint, onlyLogIfScoreUpdated bool) (bool, error) {
	instances := s.instances.WithTx(tx)
	instance, err := instances.LockByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrInstanceNotFound
		}
		return false, err
	}

	zones, slots, err := s.zoneSlots(ctx, tx, instance)
	if err != nil {
		return false, err
	}

	total := scoring.TotalPoints(scoring.ComputeZoneScores(zones, slots))
	points, scorePerc := scoring.ReconcilePoints(instance.MaxPoints, instance.MaxBonusPoints, total)

	changed := !scoring.Equal(points, instance.Points) || !scoring.Equal(scorePerc, instance.ScorePerc)
	if changed {
		if err := instances.UpdateFields(ctx, instance.ID, map[string]interface{}{
			"points":     points,
			"score_perc": scorePerc,
		}); err != nil {
			return false, fmt.Errorf("update instance score: %w", err)
		}
	}

	if changed || !onlyLogIfScoreUpdated {
		if err := s.record(ctx, tx, StateLogEntry{
			InstanceID:  instance.ID,
			Event:       models.AssessmentStateScore,
			AuthnUserID: authnUserID,
			Points:      points,
			ScorePerc:   scorePerc,
			MaxPoints:   instance.MaxPoints,
		}); err != nil {
			return false, err
		}
	}

	return changed, nil
}

// UpdateMaxPoints recomputes max_points and max_bonus_points through the
// zone pass and stores them when they differ. instance must carry its
// Assessment and is updated in place.
func (s *scoreService) UpdateMaxPoints(ctx context.Context, tx *gorm.DB, instance *models.AssessmentInstance) (bool, error) {
	zones, slots, err := s.zoneSlots(ctx, tx, *instance)
	if err != nil {
		return false, err
	}

	maxPoints := scoring.TotalMaxPoints(scoring.ComputeByZone(zones, slots), instance.Assessment.MaxPoints)
	maxBonus := 0.0
	if instance.Assessment.MaxBonusPoints != nil {
		maxBonus = *instance.Assessment.MaxBonusPoints
	}

	if scoring.Equal(maxPoints, instance.MaxPoints) && scoring.Equal(maxBonus, instance.MaxBonusPoints) {
		return false, nil
	}

	if err := s.instances.WithTx(tx).UpdateFields(ctx, instance.ID, map[string]interface{}{
		"max_points":       maxPoints,
		"max_bonus_points": maxBonus,
	}); err != nil {
		return false, fmt.Errorf("update instance max points: %w", err)
	}
	instance.MaxPoints = maxPoints
	instance.MaxBonusPoints = maxBonus

	return true, nil
}

func (s *scoreService) SetPoints(ctx context.Context, params ScoreEditParams) (models.AssessmentInstance, error) {
	return s.applyManual(ctx, params, "points", func(instance models.AssessmentInstance) (float64, float64) {
		return scoring.ReconcilePoints(instance.MaxPoints, instance.MaxBonusPoints, params.Value)
	})
}

func (s *scoreService) SetScorePerc(ctx context.Context, params ScoreEditParams) (models.AssessmentInstance, error) {
	return s.applyManual(ctx, params, "score_perc", func(instance models.AssessmentInstance) (float64, float64) {
		return scoring.PointsFromPerc(instance.MaxPoints, instance.MaxBonusPoints, params.Value)
	})
}

func (s *scoreService) applyManual(ctx context.Context, params ScoreEditParams, field string, derive func(models.AssessmentInstance) (float64, float64)) (models.AssessmentInstance, error) {
	tracer := otel.Tracer("github.com/noah-isme/gema-grading-engine/internal/service/score")
	ctx, span := tracer.Start(ctx, "score.manual_edit")
	span.SetAttributes(
		attribute.Int64("grading.assessment_instance_id", int64(params.InstanceID)),
		attribute.String("grading.field", field),
	)
	defer span.End()

	var updated models.AssessmentInstance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		instances := s.instances.WithTx(tx)
		instance, err := instances.LockByID(ctx, params.InstanceID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInstanceNotFound
			}
			return err
		}
		if instance.AssessmentID != params.AssessmentID {
			return ErrInstanceNotInAssessment
		}

		points, scorePerc := derive(instance)
		if err := instances.UpdateFields(ctx, instance.ID, map[string]interface{}{
			"points":     points,
			"score_perc": scorePerc,
		}); err != nil {
			return err
		}

		if err := s.record(ctx, tx, StateLogEntry{
			InstanceID:  instance.ID,
			Event:       models.AssessmentStateScore,
			AuthnUserID: params.AuthnUserID,
			Points:      points,
			ScorePerc:   scorePerc,
			MaxPoints:   instance.MaxPoints,
			Data:        map[string]interface{}{"manual": field, "requested": params.Value},
		}); err != nil {
			return err
		}

		instance.Points = points
		instance.ScorePerc = scorePerc
		updated = instance
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manual_edit_failed")
		return models.AssessmentInstance{}, err
	}

	reportOutcome(ctx, s.reporter, s.logger, updated.ID)

	return updated, nil
}

// zoneSlots loads the zone policies and the live instance questions of an
// instance as input for the scoring package.
func (s *scoreService) zoneSlots(ctx context.Context, tx *gorm.DB, instance models.AssessmentInstance) ([]scoring.ZonePolicy, []scoring.QuestionSlot, error) {
	zones, err := s.assessments.WithTx(tx).ListZones(ctx, instance.AssessmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load zones: %w", err)
	}
	questions, err := s.questions.WithTx(tx).ListByInstance(ctx, instance.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load instance questions: %w", err)
	}

	policies := make([]scoring.ZonePolicy, 0, len(zones))
	for _, zone := range zones {
		policies = append(policies, scoring.ZonePolicy{
			ZoneID:        zone.ID,
			Number:        zone.Number,
			NumberChoose:  zone.NumberChoose,
			BestQuestions: zone.BestQuestions,
			MaxPoints:     zone.MaxPoints,
		})
	}

	slots := make([]scoring.QuestionSlot, 0, len(questions))
	for _, question := range questions {
		// Soft-deleted assessment questions no longer count.
		if question.AssessmentQuestion.ID == 0 {
			continue
		}
		slots = append(slots, scoring.QuestionSlot{
			ZoneID:    question.AssessmentQuestion.ZoneID,
			Number:    question.Number,
			MaxPoints: question.AssessmentQuestion.MaxPoints,
			Points:    question.Points,
		})
	}

	return policies, slots, nil
}

func (s *scoreService) record(ctx context.Context, tx *gorm.DB, entry StateLogEntry) error {
	if s.stateLog == nil {
		return nil
	}
	return s.stateLog.Record(ctx, tx, entry)
}
