package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// InstanceQuestionRepository persists the per-instance question rows and
// their initial variants.
type InstanceQuestionRepository interface {
	WithTx(tx *gorm.DB) InstanceQuestionRepository
	GetByID(ctx context.Context, id uint) (models.InstanceQuestion, error)
	ListByInstance(ctx context.Context, instanceID uint) ([]models.InstanceQuestion, error)
	CreateMissing(ctx context.Context, instanceID uint, questions []models.AssessmentQuestion) (int, error)
	UpdateFields(ctx context.Context, id uint, updates map[string]interface{}) error
}

type instanceQuestionRepository struct {
	db *gorm.DB
}

// NewInstanceQuestionRepository constructs the instance question repository.
func NewInstanceQuestionRepository(db *gorm.DB) InstanceQuestionRepository {
	return &instanceQuestionRepository{db: db}
}

func (r *instanceQuestionRepository) WithTx(tx *gorm.DB) InstanceQuestionRepository {
	return &instanceQuestionRepository{db: tx}
}

func (r *instanceQuestionRepository) GetByID(ctx context.Context, id uint) (models.InstanceQuestion, error) {
	var question models.InstanceQuestion
	if err := r.db.WithContext(ctx).
		Preload("AssessmentQuestion").
		First(&question, id).Error; err != nil {
		return models.InstanceQuestion{}, err
	}

	return question, nil
}

// ListByInstance returns the instance questions with their assessment
// question and zone. Rows whose assessment question was soft-deleted come
// back with a zero AssessmentQuestion.
func (r *instanceQuestionRepository) ListByInstance(ctx context.Context, instanceID uint) ([]models.InstanceQuestion, error) {
	var questions []models.InstanceQuestion
	if err := r.db.WithContext(ctx).
		Preload("AssessmentQuestion").
		Preload("AssessmentQuestion.Question").
		Preload("AssessmentQuestion.Zone").
		Where("assessment_instance_id = ?", instanceID).
		Order("number ASC, id ASC").
		Find(&questions).Error; err != nil {
		return nil, err
	}

	return questions, nil
}

// CreateMissing adds an instance question and a first variant for every
// assessment question not yet present on the instance. Existing pairs are
// left untouched so the call is safe to repeat.
func (r *instanceQuestionRepository) CreateMissing(ctx context.Context, instanceID uint, questions []models.AssessmentQuestion) (int, error) {
	db := r.db.WithContext(ctx)

	var existing []uint
	if err := db.Model(&models.InstanceQuestion{}).
		Where("assessment_instance_id = ?", instanceID).
		Pluck("assessment_question_id", &existing).Error; err != nil {
		return 0, err
	}
	present := make(map[uint]struct{}, len(existing))
	for _, id := range existing {
		present[id] = struct{}{}
	}

	created := 0
	for _, aq := range questions {
		if _, ok := present[aq.ID]; ok {
			continue
		}

		row := models.InstanceQuestion{
			AssessmentInstanceID:  instanceID,
			AssessmentQuestionID:  aq.ID,
			Number:                aq.Number,
			Open:                  true,
			RequiresManualGrading: aq.MaxManualPoints > 0,
			Status:                models.InstanceQuestionStatusUnanswered,
		}
		result := db.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "assessment_instance_id"}, {Name: "assessment_question_id"}},
				DoNothing: true,
			}).
			Create(&row)
		if result.Error != nil {
			return created, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		variant := models.Variant{
			InstanceQuestionID: row.ID,
			QuestionID:         aq.QuestionID,
			Number:             1,
			Open:               true,
		}
		if err := db.Omit(clause.Associations).Create(&variant).Error; err != nil {
			return created, err
		}
		created++
	}

	return created, nil
}

func (r *instanceQuestionRepository) UpdateFields(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&models.InstanceQuestion{}).
		Where("id = ?", id).
		Updates(updates).Error
}
