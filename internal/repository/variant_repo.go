package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// GradableVariant is a variant together with the question it renders.
type GradableVariant struct {
	Variant  models.Variant
	Question models.Question
}

// VariantRepository reads variants and records grading results on their
// submissions.
type VariantRepository interface {
	WithTx(tx *gorm.DB) VariantRepository
	ListForGrading(ctx context.Context, instanceID uint) ([]GradableVariant, error)
	NextUngradedSubmission(ctx context.Context, variantID uint) (models.Submission, error)
	MarkGraded(ctx context.Context, submissionID uint, rawScore float64, gradedAt time.Time) error
	SupersedeOlder(ctx context.Context, variantID, submissionID uint) (int64, error)
	LatestGradedAt(ctx context.Context, variantID uint) (*time.Time, error)
	LatestGradedByInstance(ctx context.Context, instanceID uint) (map[uint]models.Submission, error)
}

type variantRepository struct {
	db *gorm.DB
}

// NewVariantRepository constructs the variant repository.
func NewVariantRepository(db *gorm.DB) VariantRepository {
	return &variantRepository{db: db}
}

func (r *variantRepository) WithTx(tx *gorm.DB) VariantRepository {
	return &variantRepository{db: tx}
}

// ListForGrading returns the open variants of open instance questions in
// question order. Broken variants are included so callers can report them.
func (r *variantRepository) ListForGrading(ctx context.Context, instanceID uint) ([]GradableVariant, error) {
	db := r.db.WithContext(ctx)

	var variants []models.Variant
	if err := db.
		Select("variants.*").
		Preload("InstanceQuestion").
		Joins("JOIN instance_questions ON instance_questions.id = variants.instance_question_id").
		Where("instance_questions.assessment_instance_id = ? AND instance_questions.open = ? AND variants.open = ?", instanceID, true, true).
		Order("instance_questions.number ASC, variants.number ASC, variants.id ASC").
		Find(&variants).Error; err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, nil
	}

	questionIDs := make([]uint, 0, len(variants))
	for _, variant := range variants {
		questionIDs = append(questionIDs, variant.QuestionID)
	}

	var questions []models.Question
	if err := db.Where("id IN ?", questionIDs).Find(&questions).Error; err != nil {
		return nil, err
	}
	byID := make(map[uint]models.Question, len(questions))
	for _, question := range questions {
		byID[question.ID] = question
	}

	result := make([]GradableVariant, 0, len(variants))
	for _, variant := range variants {
		result = append(result, GradableVariant{Variant: variant, Question: byID[variant.QuestionID]})
	}

	return result, nil
}

// NextUngradedSubmission returns the most recent gradable submission of the
// variant that has not been graded yet.
func (r *variantRepository) NextUngradedSubmission(ctx context.Context, variantID uint) (models.Submission, error) {
	var submission models.Submission
	if err := r.db.WithContext(ctx).
		Where("variant_id = ? AND gradable = ? AND graded_at IS NULL", variantID, true).
		Order("created_at DESC, id DESC").
		First(&submission).Error; err != nil {
		return models.Submission{}, err
	}

	return submission, nil
}

func (r *variantRepository) MarkGraded(ctx context.Context, submissionID uint, rawScore float64, gradedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("id = ?", submissionID).
		Updates(map[string]interface{}{
			"raw_score": rawScore,
			"graded_at": gradedAt,
		}).Error
}

// SupersedeOlder takes ungraded submissions of the variant that precede
// submissionID out of grading. Only the newest submission is ever graded.
func (r *variantRepository) SupersedeOlder(ctx context.Context, variantID, submissionID uint) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Submission{}).
		Where("variant_id = ? AND id < ? AND gradable = ? AND graded_at IS NULL", variantID, submissionID, true).
		Update("gradable", false)

	return result.RowsAffected, result.Error
}

// LatestGradedAt returns when the variant was last graded, or nil.
func (r *variantRepository) LatestGradedAt(ctx context.Context, variantID uint) (*time.Time, error) {
	var submission models.Submission
	err := r.db.WithContext(ctx).
		Where("variant_id = ? AND graded_at IS NOT NULL", variantID).
		Order("graded_at DESC, id DESC").
		First(&submission).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return submission.GradedAt, nil
}

// LatestGradedByInstance maps each instance question id of the instance to
// its most recently graded submission. Questions without one are absent.
func (r *variantRepository) LatestGradedByInstance(ctx context.Context, instanceID uint) (map[uint]models.Submission, error) {
	db := r.db.WithContext(ctx)

	var variants []models.Variant
	if err := db.
		Select("variants.*").
		Joins("JOIN instance_questions ON instance_questions.id = variants.instance_question_id").
		Where("instance_questions.assessment_instance_id = ?", instanceID).
		Find(&variants).Error; err != nil {
		return nil, err
	}

	result := make(map[uint]models.Submission)
	if len(variants) == 0 {
		return result, nil
	}

	questionByVariant := make(map[uint]uint, len(variants))
	variantIDs := make([]uint, 0, len(variants))
	for _, variant := range variants {
		questionByVariant[variant.ID] = variant.InstanceQuestionID
		variantIDs = append(variantIDs, variant.ID)
	}

	var submissions []models.Submission
	if err := db.
		Where("variant_id IN ? AND graded_at IS NOT NULL", variantIDs).
		Order("graded_at ASC, id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}

	for _, submission := range submissions {
		result[questionByVariant[submission.VariantID]] = submission
	}

	return result, nil
}
