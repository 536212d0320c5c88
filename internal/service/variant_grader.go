package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
	"github.com/noah-isme/gema-grading-engine/internal/observability"
	"github.com/noah-isme/gema-grading-engine/internal/repository"
	"github.com/noah-isme/gema-grading-engine/internal/scoring"
)

// GradeVariantParams carries everything a grader needs for one variant.
type GradeVariantParams struct {
	Variant                       models.Variant
	Question                      models.Question
	AssessmentID                  uint
	InstanceID                    uint
	UserID                        *uint
	AuthnUserID                   *uint
	IgnoreGradeRateLimit          bool
	IgnoreRealTimeGradingDisabled bool
}

// VariantGrader grades the pending submission of a variant. Calling it
// again when nothing is pending is a no-op.
type VariantGrader interface {
	GradeVariant(ctx context.Context, params GradeVariantParams) error
}

// QuestionScorer turns a submission into a raw score in [0,1].
type QuestionScorer interface {
	Score(ctx context.Context, question models.Question, submission models.Submission) (float64, error)
}

// QuestionScorerFunc adapts a function to QuestionScorer.
type QuestionScorerFunc func(ctx context.Context, question models.Question, submission models.Submission) (float64, error)

// Score implements QuestionScorer.
func (f QuestionScorerFunc) Score(ctx context.Context, question models.Question, submission models.Submission) (float64, error) {
	return f(ctx, question, submission)
}

// PayloadScorer reads the score the question renderer attached to the
// submitted answer under "_score".
func PayloadScorer() QuestionScorer {
	return QuestionScorerFunc(func(ctx context.Context, question models.Question, submission models.Submission) (float64, error) {
		if len(submission.SubmittedAnswer) == 0 {
			return 0, nil
		}
		var payload struct {
			Score *float64 `json:"_score"`
		}
		if err := json.Unmarshal(submission.SubmittedAnswer, &payload); err != nil {
			return 0, fmt.Errorf("decode submitted answer: %w", err)
		}
		if payload.Score == nil {
			return 0, nil
		}
		return *payload.Score, nil
	})
}

type submissionVariantGrader struct {
	db                *gorm.DB
	assessments       repository.AssessmentRepository
	instances         repository.AssessmentInstanceRepository
	questions         repository.InstanceQuestionRepository
	variants          repository.VariantRepository
	scores            ScoreService
	scorer            QuestionScorer
	redis             *redis.Client
	overrideGradeRate bool
	logger            zerolog.Logger
	now               func() time.Time
}

// NewVariantGrader constructs the default submission-based grader. The redis
// client is optional and only used for grade rate windows.
func NewVariantGrader(db *gorm.DB, assessments repository.AssessmentRepository, instances repository.AssessmentInstanceRepository, questions repository.InstanceQuestionRepository, variants repository.VariantRepository, scores ScoreService, scorer QuestionScorer, redisClient *redis.Client, overrideGradeRate bool, logger zerolog.Logger) VariantGrader {
	if scorer == nil {
		scorer = PayloadScorer()
	}

	return &submissionVariantGrader{
		db:                db,
		assessments:       assessments,
		instances:         instances,
		questions:         questions,
		variants:          variants,
		scores:            scores,
		scorer:            scorer,
		redis:             redisClient,
		overrideGradeRate: overrideGradeRate,
		logger:            logger.With().Str("component", "variant_grader").Logger(),
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (g *submissionVariantGrader) GradeVariant(ctx context.Context, params GradeVariantParams) error {
	if params.Variant.IsBroken() {
		return nil
	}

	assessment, err := g.assessments.GetByID(ctx, params.AssessmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAssessmentNotFound
		}
		return err
	}
	if !assessment.AllowRealTimeGrading && !params.IgnoreRealTimeGradingDisabled {
		return ErrRealTimeGradingDisabled
	}

	submission, err := g.variants.NextUngradedSubmission(ctx, params.Variant.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if !params.IgnoreGradeRateLimit && !g.overrideGradeRate {
		allowed, err := g.acquireGradeSlot(ctx, params.Variant.ID, params.Question.GradeRateMinutes)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrGradeRateLimited
		}
	}

	rawScore, err := g.scorer.Score(ctx, params.Question, submission)
	if err != nil {
		observability.VariantsGraded().WithLabelValues("scorer_failed").Inc()
		return fmt.Errorf("score submission %d: %w", submission.ID, err)
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The instance row lock serializes this write with regrades, manual
		// score edits and concurrent graders of the same instance.
		if _, err := g.instances.WithTx(tx).LockByID(ctx, params.InstanceID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInstanceNotFound
			}
			return err
		}

		variants := g.variants.WithTx(tx)
		if err := variants.MarkGraded(ctx, submission.ID, rawScore, g.now()); err != nil {
			return err
		}
		superseded, err := variants.SupersedeOlder(ctx, params.Variant.ID, submission.ID)
		if err != nil {
			return err
		}
		if superseded > 0 {
			g.logger.Debug().
				Uint("variant_id", params.Variant.ID).
				Int64("superseded", superseded).
				Msg("older pending submissions superseded")
		}

		questions := g.questions.WithTx(tx)
		question, err := questions.GetByID(ctx, params.Variant.InstanceQuestionID)
		if err != nil {
			return fmt.Errorf("load instance question: %w", err)
		}

		result := scoring.QuestionPoints(scoring.QuestionValues{
			MaxPoints:       question.AssessmentQuestion.MaxPoints,
			MaxAutoPoints:   question.AssessmentQuestion.MaxAutoPoints,
			MaxManualPoints: question.AssessmentQuestion.MaxManualPoints,
		}, rawScore, question.ManualPoints)

		if err := questions.UpdateFields(ctx, question.ID, map[string]interface{}{
			"points":        result.Points,
			"auto_points":   result.AutoPoints,
			"manual_points": result.ManualPoints,
			"score_perc":    result.ScorePerc,
			"status":        models.InstanceQuestionStatusGraded,
		}); err != nil {
			return err
		}

		_, err = g.scores.Refresh(ctx, tx, question.AssessmentInstanceID, params.AuthnUserID, true)
		return err
	})
	if err != nil {
		observability.VariantsGraded().WithLabelValues("failed").Inc()
		return err
	}

	observability.VariantsGraded().WithLabelValues("graded").Inc()
	g.logger.Debug().
		Uint("variant_id", params.Variant.ID).
		Uint("submission_id", submission.ID).
		Float64("raw_score", rawScore).
		Msg("variant graded")

	return nil
}

// acquireGradeSlot enforces the per-question grade rate. With redis the
// window is claimed atomically; without it the last graded submission
// decides.
func (g *submissionVariantGrader) acquireGradeSlot(ctx context.Context, variantID uint, rateMinutes *float64) (bool, error) {
	if rateMinutes == nil || *rateMinutes <= 0 {
		return true, nil
	}
	window := time.Duration(*rateMinutes * float64(time.Minute))

	if g.redis != nil {
		key := fmt.Sprintf("grading:rate:variant:%d", variantID)
		ok, err := g.redis.SetNX(ctx, key, g.now().Unix(), window).Result()
		if err != nil {
			g.logger.Warn().Err(err).Uint("variant_id", variantID).Msg("grade rate check via redis failed, falling back to database")
		} else {
			return ok, nil
		}
	}

	last, err := g.variants.LatestGradedAt(ctx, variantID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return g.now().Sub(*last) >= window, nil
}
