package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

// AssessmentRepository reads assessment definitions. Definitions are
// configuration owned elsewhere and are never mutated by the engine.
type AssessmentRepository interface {
	WithTx(tx *gorm.DB) AssessmentRepository
	GetByID(ctx context.Context, id uint) (models.Assessment, error)
	ListZones(ctx context.Context, assessmentID uint) ([]models.Zone, error)
	ListQuestions(ctx context.Context, assessmentID uint) ([]models.AssessmentQuestion, error)
	FindGroupForUser(ctx context.Context, assessmentID, userID uint) (models.Group, error)
	GetUser(ctx context.Context, id uint) (models.User, error)
}

type assessmentRepository struct {
	db *gorm.DB
}

// NewAssessmentRepository constructs the assessment repository.
func NewAssessmentRepository(db *gorm.DB) AssessmentRepository {
	return &assessmentRepository{db: db}
}

func (r *assessmentRepository) WithTx(tx *gorm.DB) AssessmentRepository {
	return &assessmentRepository{db: tx}
}

func (r *assessmentRepository) GetByID(ctx context.Context, id uint) (models.Assessment, error) {
	var assessment models.Assessment
	if err := r.db.WithContext(ctx).
		Preload("Zones", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("number ASC")
		}).
		First(&assessment, id).Error; err != nil {
		return models.Assessment{}, err
	}

	return assessment, nil
}

func (r *assessmentRepository) ListZones(ctx context.Context, assessmentID uint) ([]models.Zone, error) {
	var zones []models.Zone
	if err := r.db.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Order("number ASC, id ASC").
		Find(&zones).Error; err != nil {
		return nil, err
	}

	return zones, nil
}

// ListQuestions returns the live assessment questions in display order.
func (r *assessmentRepository) ListQuestions(ctx context.Context, assessmentID uint) ([]models.AssessmentQuestion, error) {
	var questions []models.AssessmentQuestion
	if err := r.db.WithContext(ctx).
		Preload("Question").
		Where("assessment_id = ?", assessmentID).
		Order("number ASC, id ASC").
		Find(&questions).Error; err != nil {
		return nil, err
	}

	return questions, nil
}

func (r *assessmentRepository) FindGroupForUser(ctx context.Context, assessmentID, userID uint) (models.Group, error) {
	var group models.Group
	if err := r.db.WithContext(ctx).
		Joins("JOIN group_users ON group_users.group_id = assessment_groups.id").
		Where("assessment_groups.assessment_id = ? AND group_users.user_id = ?", assessmentID, userID).
		Order("assessment_groups.id ASC").
		First(&group).Error; err != nil {
		return models.Group{}, err
	}

	return group, nil
}

func (r *assessmentRepository) GetUser(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return models.User{}, err
	}

	return user, nil
}
